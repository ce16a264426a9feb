package erpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/types"
	"stockgate/internal/domain/erp"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	return New(Config{BaseURL: server.URL, APIKey: "test-key"}), server
}

func TestGetPhysicalStock(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stock/ITEM-1/WH-1", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		_ = json.NewEncoder(w).Encode(map[string]string{"quantity": "42.5"})
	})
	defer server.Close()

	quantity, err := client.GetPhysicalStock(context.Background(), "ITEM-1", "WH-1")
	require.NoError(t, err)
	assert.Equal(t, types.MustQuantity("42.5"), quantity)
}

func TestGetBatches(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stock/ITEM-1/WH-1/batches", r.URL.Path)
		_, _ = w.Write([]byte(`{"batches": [
			{"batchNumber": "B1", "quantity": "10", "status": "active"},
			{"batchNumber": "B2", "quantity": "5", "status": "blocked"}
		]}`))
	})
	defer server.Close()

	batches, err := client.GetBatches(context.Background(), "ITEM-1", "WH-1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "B1", batches[0].BatchNumber)
	assert.True(t, batches[0].Usable())
	assert.False(t, batches[1].Usable())
}

func TestPostDocument_Success(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/documents", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var doc erp.Document
		require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		assert.Equal(t, "ORD-1", doc.ExternalRef)

		_ = json.NewEncoder(w).Encode(erp.PostResult{ExternalDocID: "ERP-DOC-9"})
	})
	defer server.Close()

	result, err := client.PostDocument(context.Background(), erp.Document{
		Type:        erp.DocumentTypeInvoice,
		ExternalRef: "ORD-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ERP-DOC-9", result.ExternalDocID)
}

func TestPostDocument_TransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests, http.StatusRequestTimeout} {
		client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := client.PostDocument(context.Background(), erp.Document{ExternalRef: "ORD-1"})
		server.Close()

		require.Error(t, err)
		assert.True(t, apperror.IsCode(err, apperror.CodeUpstreamTransient), "status %d", status)
		assert.True(t, apperror.IsRetryable(err))
	}
}

func TestPostDocument_PermanentRejection(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "item blocked for sales"})
	})
	defer server.Close()

	_, err := client.PostDocument(context.Background(), erp.Document{ExternalRef: "ORD-1"})
	require.Error(t, err)
	assert.True(t, apperror.IsCode(err, apperror.CodeUpstreamPermanent))
	assert.False(t, apperror.IsRetryable(err))

	appErr, _ := apperror.AsAppError(err)
	assert.Equal(t, "item blocked for sales", appErr.Message)
}

func TestPostDocument_NetworkErrorIsTransient(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {})
	server.Close() // connection refused

	_, err := client.PostDocument(context.Background(), erp.Document{ExternalRef: "ORD-1"})
	require.Error(t, err)
	assert.True(t, apperror.IsCode(err, apperror.CodeUpstreamTransient))
}

func TestPostDocument_MissingDocID(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	defer server.Close()

	_, err := client.PostDocument(context.Background(), erp.Document{ExternalRef: "ORD-1"})
	require.Error(t, err)
	assert.True(t, apperror.IsCode(err, apperror.CodeUpstreamTransient))
}
