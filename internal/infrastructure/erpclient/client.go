// Package erpclient talks to the external ERP over its HTTP JSON API.
package erpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/types"
	"stockgate/internal/domain/erp"
	"stockgate/pkg/logger"
)

// Config holds ERP connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

var _ erp.Client = (*Client)(nil)

// Client implements erp.Client. Failures are classified: network errors,
// timeouts, 408/429 and 5xx are transient; other 4xx are permanent.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates an ERP client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type stockResponse struct {
	Quantity types.Quantity `json:"quantity"`
}

// GetPhysicalStock reads the warehouse-level physical quantity.
func (c *Client) GetPhysicalStock(ctx context.Context, itemCode, warehouseCode string) (types.Quantity, error) {
	path := fmt.Sprintf("/api/stock/%s/%s", url.PathEscape(itemCode), url.PathEscape(warehouseCode))

	var resp stockResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return 0, err
	}
	return resp.Quantity, nil
}

type batchesResponse struct {
	Batches []erp.BatchInfo `json:"batches"`
}

// GetBatches reads the batch snapshot for an item/warehouse.
func (c *Client) GetBatches(ctx context.Context, itemCode, warehouseCode string) ([]erp.BatchInfo, error) {
	path := fmt.Sprintf("/api/stock/%s/%s/batches", url.PathEscape(itemCode), url.PathEscape(warehouseCode))

	var resp batchesResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Batches, nil
}

// PostDocument submits a document for posting.
func (c *Client) PostDocument(ctx context.Context, doc erp.Document) (erp.PostResult, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return erp.PostResult{}, fmt.Errorf("marshal document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/documents", bytes.NewReader(body))
	if err != nil {
		return erp.PostResult{}, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return erp.PostResult{}, apperror.NewUpstreamTransient(err)
	}
	defer resp.Body.Close()

	logger.Debug(ctx, "erp document posted",
		"external_ref", doc.ExternalRef,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := classify(resp); err != nil {
		return erp.PostResult{}, err
	}

	var result erp.PostResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return erp.PostResult{}, apperror.NewUpstreamTransient(fmt.Errorf("decode post response: %w", err))
	}
	if result.ExternalDocID == "" {
		return erp.PostResult{}, apperror.NewUpstreamTransient(fmt.Errorf("post response missing document id"))
	}
	return result, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperror.NewUpstreamTransient(err)
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperror.NewUpstreamTransient(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

// classify maps HTTP failures to upstream error codes.
func classify(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return apperror.NewUpstreamTransient(fmt.Errorf("erp responded %d", resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
	default:
		return apperror.NewUpstreamPermanent(rejectionMessage(resp)).
			WithDetail("status", resp.StatusCode)
	}
}

type erpError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func rejectionMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		var e erpError
		if json.Unmarshal(body, &e) == nil {
			if e.Message != "" {
				return e.Message
			}
			if e.Error != "" {
				return e.Error
			}
		}
	}
	return fmt.Sprintf("erp rejected request with status %d", resp.StatusCode)
}
