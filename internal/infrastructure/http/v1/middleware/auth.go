package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"stockgate/internal/core/apperror"
	appctx "stockgate/internal/core/context"
)

const (
	HeaderAPIKey       = "X-API-Key"
	HeaderSourceSystem = "X-Source-System"
)

// JWTValidator validates bearer tokens for interactive users.
type JWTValidator interface {
	ValidateToken(tokenString string) (*appctx.UserContext, error)
}

// APIKeyVerifier authenticates source systems by shared key.
type APIKeyVerifier interface {
	Verify(rawKey, sourceSystem string) (*appctx.UserContext, error)
}

// Auth middleware authenticates the caller: a Bearer JWT for users, or an
// X-API-Key (optionally scoped by X-Source-System) for integrating systems.
func Auth(validator JWTValidator, apiKeys APIKeyVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			if validator == nil {
				abortUnauthorized(c, "token authentication is not enabled")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				abortUnauthorized(c, "invalid authorization header format")
				return
			}

			user, err := validator.ValidateToken(parts[1])
			if err != nil {
				abortUnauthorized(c, "invalid token")
				return
			}

			setUser(c, user)
			c.Next()
			return
		}

		if rawKey := c.GetHeader(HeaderAPIKey); rawKey != "" {
			if apiKeys == nil {
				abortUnauthorized(c, "api key authentication is not enabled")
				return
			}

			user, err := apiKeys.Verify(rawKey, c.GetHeader(HeaderSourceSystem))
			if err != nil {
				abortUnauthorized(c, "invalid api key")
				return
			}

			setUser(c, user)
			c.Next()
			return
		}

		abortUnauthorized(c, "missing credentials")
	}
}

// RequireRole middleware checks if the caller has one of the required roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := appctx.GetUser(c.Request.Context())
		if user == nil {
			abortUnauthorized(c, "authentication required")
			return
		}

		for _, required := range roles {
			for _, userRole := range user.Roles {
				if userRole == required {
					c.Next()
					return
				}
			}
		}
		_ = c.Error(
			apperror.NewForbidden("insufficient permissions").
				WithDetail("required_roles", roles),
		)
		c.Abort()
	}
}

func setUser(c *gin.Context, user *appctx.UserContext) {
	ctx := appctx.WithUser(c.Request.Context(), user)
	c.Request = c.Request.WithContext(ctx)

	c.Set("user_id", user.UserID)
	c.Set("source_system", user.SourceSystem)
}

func abortUnauthorized(c *gin.Context, message string) {
	_ = c.Error(apperror.NewUnauthorized(message))
	c.Abort()
}
