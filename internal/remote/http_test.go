package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/models"
)

func staticToken(tok string) TokenFunc {
	return func() (string, error) { return tok, nil }
}

func newClient(server *httptest.Server) *HTTPClient {
	return NewHTTPClient(server.URL, "/api/health", staticToken("tok_test"),
		&http.Client{Timeout: 2 * time.Second})
}

func deliverOp(kind models.OpKind, id, payload string) *models.MutationOperation {
	op := &models.MutationOperation{
		TenantID:      "tenant-1",
		EntityType:    "patients",
		EntityID:      models.EntityID(id),
		OpKind:        kind,
		CorrelationID: "corr-123",
	}
	if payload != "" {
		op.Payload = json.RawMessage(payload)
	}
	return op
}

func TestDeliverCreate(t *testing.T) {
	var gotMethod, gotPath, gotIdem, gotTenant, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotIdem = r.Header.Get("Idempotency-Key")
		gotTenant = r.Header.Get("X-Tenant-ID")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"srv-77","name":"Ada"}`))
	}))
	defer server.Close()

	result, err := newClient(server).Deliver(context.Background(),
		deliverOp(models.OpCreate, "temp_1", `{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/api/patients" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotIdem != "corr-123" {
		t.Errorf("idempotency key = %q", gotIdem)
	}
	if gotTenant != "tenant-1" {
		t.Errorf("tenant header = %q", gotTenant)
	}
	if gotAuth != "Bearer tok_test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if result.ServerID != "srv-77" {
		t.Errorf("server id = %q, want srv-77", result.ServerID)
	}
}

func TestDeliverUpdateAndDeleteRouting(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	client := newClient(server)

	if _, err := client.Deliver(context.Background(),
		deliverOp(models.OpUpdate, "srv-1", `{"a":1}`)); err != nil {
		t.Fatalf("Deliver update: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/patients/srv-1" {
		t.Errorf("update request = %s %s", gotMethod, gotPath)
	}

	if _, err := client.Deliver(context.Background(),
		deliverOp(models.OpDelete, "srv-1", "")); err != nil {
		t.Fatalf("Deliver delete: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/patients/srv-1" {
		t.Errorf("delete request = %s %s", gotMethod, gotPath)
	}
}

func TestDeliverDeleteOfMissingEntitySucceeds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	result, err := newClient(server).Deliver(context.Background(),
		deliverOp(models.OpDelete, "srv-1", ""))
	if err != nil {
		t.Fatalf("delete of already-removed entity must succeed: %v", err)
	}
	if result.ServerID != "srv-1" {
		t.Errorf("server id = %q", result.ServerID)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode apperrors.ErrorCode
		retry    bool
	}{
		{"server error", http.StatusInternalServerError, apperrors.ErrServerUnavailable, true},
		{"bad gateway", http.StatusBadGateway, apperrors.ErrServerUnavailable, true},
		{"throttled", http.StatusTooManyRequests, apperrors.ErrTimeout, true},
		{"validation", http.StatusUnprocessableEntity, apperrors.ErrServerValidation, false},
		{"bad request", http.StatusBadRequest, apperrors.ErrServerValidation, false},
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrSyncAuthFailed, false},
		{"conflict", http.StatusConflict, apperrors.ErrConflict, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := newClient(server).Deliver(context.Background(),
				deliverOp(models.OpUpdate, "srv-1", `{"a":1}`))
			if err == nil {
				t.Fatal("expected error")
			}
			code := apperrors.CodeOf(err)
			if code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
			if code.Retryable() != tt.retry {
				t.Errorf("retryable = %v, want %v", code.Retryable(), tt.retry)
			}
		})
	}
}

func TestConflictCarriesServerDocument(t *testing.T) {
	serverDoc := `{"id":"srv-1","name":"ServerCopy","version":7}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(serverDoc))
	}))
	defer server.Close()

	_, err := newClient(server).Deliver(context.Background(),
		deliverOp(models.OpUpdate, "srv-1", `{"name":"LocalEdit"}`))
	if apperrors.CodeOf(err) != apperrors.ErrConflict {
		t.Fatalf("got %v, want SYNC_CONFLICT", err)
	}
	payload := apperrors.PayloadOf(err)
	if string(payload) != serverDoc {
		t.Errorf("conflict payload = %q, want the 409 body", payload)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("conflict payload not valid JSON: %v", err)
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	_, err := newClient(server).Deliver(context.Background(),
		deliverOp(models.OpUpdate, "srv-1", `{"a":1}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperrors.CodeOf(err).Retryable() {
		t.Errorf("connection failure must be retryable, got %v", err)
	}
}

func TestFetchAndList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/patients/srv-1":
			w.Write([]byte(`{"id":"srv-1","name":"Ada"}`))
		case "/api/patients":
			if r.URL.Query().Get("modified_since") != "1000" {
				t.Errorf("modified_since = %q", r.URL.Query().Get("modified_since"))
			}
			w.Write([]byte(`[{"id":"srv-1"},{"id":"srv-2"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	client := newClient(server)
	session := models.SessionContext{TenantID: "tenant-1"}

	doc, err := client.Fetch(context.Background(), session, "patients", "srv-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(doc) != `{"id":"srv-1","name":"Ada"}` {
		t.Errorf("fetch doc = %s", doc)
	}

	_, err = client.Fetch(context.Background(), session, "patients", "missing")
	if apperrors.CodeOf(err) != apperrors.ErrNotFound {
		t.Errorf("missing fetch: got %v, want NOT_FOUND", err)
	}

	items, err := client.List(context.Background(), session, "patients", 1000)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("list size = %d, want 2", len(items))
	}
}

func TestProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("probe path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	if err := newClient(healthy).Probe(context.Background()); err != nil {
		t.Errorf("Probe healthy: %v", err)
	}

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()
	if err := newClient(sick).Probe(context.Background()); apperrors.CodeOf(err) != apperrors.ErrNetwork {
		t.Errorf("Probe unhealthy: got %v, want NETWORK_ERROR", err)
	}
}
