package outbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func apiTestItems() []*Item {
	return []*Item{
		{ID: "i1", Type: ItemTypeEvent, Payload: `{"n":1}`},
		{ID: "i2", Type: ItemTypeEvent, Payload: `{"n":2}`},
		{ID: "i3", Type: ItemTypeEvent, Payload: `{"n":3}`},
	}
}

func newTestClient(url string) *APIClient {
	return NewAPIClient(&APIClientConfig{
		BaseURL:           url,
		AuthToken:         "tok",
		ConnectionTimeout: time.Second,
		RequestTimeout:    2 * time.Second,
	})
}

func TestSendBatchAllSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).SendBatch(context.Background(), ItemTypeEvent, apiTestItems())
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}

	if gotPath != "/api/events/batch" {
		t.Errorf("unexpected endpoint: %s", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("unexpected auth: %s", gotAuth)
	}
	if len(result.SuccessIDs) != 3 || len(result.FailedItems) != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	// The body is a JSON array of the raw payloads.
	var payloads []map[string]int
	if err := json.Unmarshal(gotBody, &payloads); err != nil {
		t.Fatalf("body is not a JSON array: %s", gotBody)
	}
	if len(payloads) != 3 || payloads[0]["n"] != 1 {
		t.Errorf("unexpected payloads: %v", payloads)
	}
}

func TestSendBatchDispatchJobEndpoint(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	items := []*Item{{ID: "j1", Type: ItemTypeDispatchJob, Payload: `{}`}}
	if _, err := newTestClient(server.URL).SendBatch(context.Background(), ItemTypeDispatchJob, items); err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}
	if gotPath != "/api/dispatch/jobs/batch" {
		t.Errorf("unexpected endpoint: %s", gotPath)
	}
}

func TestSendBatchPerItemErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"i2","status":"BAD_REQUEST","message":"schema mismatch"}]`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).SendBatch(context.Background(), ItemTypeEvent, apiTestItems())
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}

	if len(result.SuccessIDs) != 2 {
		t.Errorf("expected 2 successes, got %v", result.SuccessIDs)
	}
	if result.FailedItems["i2"] != StatusBadRequest {
		t.Errorf("expected i2 BAD_REQUEST, got %v", result.FailedItems)
	}
}

func TestSendBatchWholeBatchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).SendBatch(context.Background(), ItemTypeEvent, apiTestItems())
	if err == nil {
		t.Fatal("expected error for 503")
	}
	for _, item := range apiTestItems() {
		if result.FailedItems[item.ID] != StatusGatewayError {
			t.Errorf("item %s: expected GATEWAY_ERROR, got %v", item.ID, result.FailedItems[item.ID])
		}
	}
}

func TestSendBatchConnectionError(t *testing.T) {
	result, err := newTestClient("http://127.0.0.1:1").SendBatch(context.Background(), ItemTypeEvent, apiTestItems())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if len(result.FailedItems) != 3 {
		t.Errorf("all items should be failed, got %v", result.FailedItems)
	}
}

func TestSendBatchEmpty(t *testing.T) {
	result, err := newTestClient("http://unused").SendBatch(context.Background(), ItemTypeEvent, nil)
	if err != nil || len(result.SuccessIDs) != 0 {
		t.Errorf("empty batch should be a no-op, got %+v, %v", result, err)
	}
}

func TestParseItemErrorsEnvelope(t *testing.T) {
	failed := parseItemErrors([]byte(`{"errors":[{"id":"x","status":"UNAUTHORIZED"}]}`))
	if failed["x"] != StatusUnauthorized {
		t.Errorf("expected envelope parsing, got %v", failed)
	}

	if len(parseItemErrors(nil)) != 0 {
		t.Error("empty body should yield no failures")
	}
	if len(parseItemErrors([]byte(`{"ok":true}`))) != 0 {
		t.Error("unrelated body should yield no failures")
	}
}
