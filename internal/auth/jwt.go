// Package auth identifies API callers: interactive users via JWT and
// integrating source systems via API keys.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	appctx "stockgate/internal/core/context"
)

// JWTConfig holds token signing settings.
type JWTConfig struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
}

// DefaultJWTConfig returns default JWT configuration.
func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		Secret:   secret,
		Issuer:   "stockgate",
		TokenTTL: 15 * time.Minute,
	}
}

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID       string   `json:"uid"`
	Name         string   `json:"name,omitempty"`
	SourceSystem string   `json:"src,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// JWTService issues and validates HMAC-signed tokens.
type JWTService struct {
	config JWTConfig
}

// NewJWTService creates a new JWT service.
func NewJWTService(config JWTConfig) *JWTService {
	return &JWTService{config: config}
}

// GenerateToken signs a token for the given caller identity.
func (s *JWTService) GenerateToken(userID, name, sourceSystem string, roles []string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.config.TokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:       userID,
		Name:         name,
		SourceSystem: sourceSystem,
		Roles:        roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a JWT and returns the caller identity.
func (s *JWTService) ValidateToken(tokenString string) (*appctx.UserContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return &appctx.UserContext{
		UserID:       claims.UserID,
		Name:         claims.Name,
		SourceSystem: claims.SourceSystem,
		Roles:        claims.Roles,
	}, nil
}
