package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// APIClient posts batches of outbox items to the platform's batch APIs.
type APIClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// APIClientConfig configures the client.
type APIClientConfig struct {
	// BaseURL is the API base URL (required)
	BaseURL string

	// AuthToken is an optional bearer token
	AuthToken string

	// ConnectionTimeout bounds connection establishment
	ConnectionTimeout time.Duration

	// RequestTimeout bounds the whole request
	RequestTimeout time.Duration
}

// DefaultAPIClientConfig returns the standard timeouts.
func DefaultAPIClientConfig() *APIClientConfig {
	return &APIClientConfig{
		ConnectionTimeout: 10 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

// NewAPIClient creates a client.
func NewAPIClient(config *APIClientConfig) *APIClient {
	if config == nil {
		config = DefaultAPIClientConfig()
	}
	connectTimeout := config.ConnectionTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	requestTimeout := config.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	return &APIClient{
		baseURL:   config.BaseURL,
		authToken: config.AuthToken,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

// SendBatch posts the items to the batch endpoint for their type.
func (c *APIClient) SendBatch(ctx context.Context, itemType ItemType, items []*Item) (*BatchResult, error) {
	switch itemType {
	case ItemTypeDispatchJob:
		return c.sendBatch(ctx, "/api/dispatch/jobs/batch", items)
	default:
		return c.sendBatch(ctx, "/api/events/batch", items)
	}
}

// itemError is a per-item failure record in the batch response body.
type itemError struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *APIClient) sendBatch(ctx context.Context, endpoint string, items []*Item) (*BatchResult, error) {
	if len(items) == 0 {
		return NewBatchResult(), nil
	}

	// The body is a JSON array of the items' opaque payloads.
	payloads := make([]json.RawMessage, len(items))
	for i, item := range items {
		payloads[i] = json.RawMessage(item.Payload)
	}
	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		result := NewBatchResult()
		result.Error = err
		for _, item := range items {
			result.FailedItems[item.ID] = StatusInternalError
		}
		return result, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody))
		slog.Error("API batch request failed",
			"statusCode", resp.StatusCode,
			"endpoint", endpoint,
			"batchSize", len(items))

		result := NewBatchResult()
		result.Error = err
		status := StatusFromHTTPCode(resp.StatusCode)
		for _, item := range items {
			result.FailedItems[item.ID] = status
		}
		return result, err
	}

	// 2xx. The response may carry per-item error records; items without
	// a record succeeded.
	result := NewBatchResult()
	failed := parseItemErrors(respBody)
	for _, item := range items {
		if status, ok := failed[item.ID]; ok {
			result.FailedItems[item.ID] = status
		} else {
			result.SuccessIDs = append(result.SuccessIDs, item.ID)
		}
	}

	slog.Debug("Batch sent",
		"endpoint", endpoint,
		"batchSize", len(items),
		"failed", len(result.FailedItems))
	return result, nil
}

// parseItemErrors extracts per-item failures from a 2xx response body.
// Accepts either a bare array or an {"errors": [...]} envelope.
func parseItemErrors(body []byte) map[string]Status {
	out := make(map[string]Status)
	if len(body) == 0 {
		return out
	}

	var records []itemError
	if err := json.Unmarshal(body, &records); err != nil {
		var envelope struct {
			Errors []itemError `json:"errors"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return out
		}
		records = envelope.Errors
	}

	for _, rec := range records {
		if rec.ID == "" || rec.Status == "" || rec.Status == "SUCCESS" {
			continue
		}
		out[rec.ID] = statusFromName(rec.Status)
	}
	return out
}

func statusFromName(name string) Status {
	switch name {
	case "BAD_REQUEST":
		return StatusBadRequest
	case "UNAUTHORIZED":
		return StatusUnauthorized
	case "FORBIDDEN":
		return StatusForbidden
	case "GATEWAY_ERROR":
		return StatusGatewayError
	default:
		return StatusInternalError
	}
}
