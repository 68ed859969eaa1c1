package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"

	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/logging"
	"github.com/kimhsiao/practicesync/backend/internal/models"
)

// TokenFunc supplies the current API bearer token. Called per request
// so credential rotation takes effect without restarting.
type TokenFunc func() (string, error)

// HTTPClient implements Client against the backend REST API.
type HTTPClient struct {
	baseURL   string
	probePath string
	token     TokenFunc
	client    *http.Client
	log       *logging.Logger
}

// NewHTTPClient creates a backend client. timeout bounds every call.
func NewHTTPClient(baseURL, probePath string, token TokenFunc, client *http.Client) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		probePath: probePath,
		token:     token,
		client:    client,
		log:       logging.Get().Component("remote"),
	}
}

// Deliver sends one queued mutation with its correlation id as the
// idempotency key.
func (c *HTTPClient) Deliver(ctx context.Context, op *models.MutationOperation) (*Result, error) {
	var method, path string
	switch op.OpKind {
	case models.OpCreate:
		method = http.MethodPost
		path = fmt.Sprintf("/api/%s", url.PathEscape(op.EntityType))
	case models.OpUpdate:
		method = http.MethodPut
		path = fmt.Sprintf("/api/%s/%s", url.PathEscape(op.EntityType), url.PathEscape(string(op.EntityID)))
	case models.OpDelete:
		method = http.MethodDelete
		path = fmt.Sprintf("/api/%s/%s", url.PathEscape(op.EntityType), url.PathEscape(string(op.EntityID)))
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown op kind %q", op.OpKind))
	}

	var body io.Reader
	if len(op.Payload) > 0 {
		body = bytes.NewReader(op.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Idempotency-Key", op.CorrelationID)
	req.Header.Set("X-Tenant-ID", op.TenantID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	// Deleting an entity the backend already removed is success; the
	// delete is idempotent.
	if op.OpKind == models.OpDelete && resp.StatusCode == http.StatusNotFound {
		return &Result{ServerID: string(op.EntityID)}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	result := &Result{ServerID: string(op.EntityID)}
	if len(data) > 0 {
		result.Payload = data
		var envelope struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.ID != "" {
			result.ServerID = envelope.ID
		}
	}
	return result, nil
}

// Fetch reads a single entity document.
func (c *HTTPClient) Fetch(ctx context.Context, session models.SessionContext, entityType, id string) (json.RawMessage, error) {
	path := fmt.Sprintf("/api/%s/%s", url.PathEscape(entityType), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("X-Tenant-ID", session.TenantID)
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("%s %s not found on backend", entityType, id))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp)
	}
	return io.ReadAll(resp.Body)
}

// List reads entity documents of one type.
func (c *HTTPClient) List(ctx context.Context, session models.SessionContext, entityType string, modifiedSince int64) ([]json.RawMessage, error) {
	path := fmt.Sprintf("/api/%s", url.PathEscape(entityType))
	if modifiedSince > 0 {
		path += "?modified_since=" + strconv.FormatInt(modifiedSince, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("X-Tenant-ID", session.TenantID)
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp)
	}

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "decode list response", err)
	}
	return items, nil
}

// Probe checks backend reachability via the health endpoint.
func (c *HTTPClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.probePath, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build probe request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return apperrors.New(apperrors.ErrNetwork,
			fmt.Sprintf("backend unhealthy: status %d", resp.StatusCode))
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) error {
	if c.token == nil {
		return nil
	}
	token, err := c.token()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncUnconfigured, "load api token", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// classifyTransportError maps connection-level failures to retryable
// error codes. Timeouts and unreachable hosts are transient.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrTimeout, "backend request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrTimeout, "backend request timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, "backend unreachable", err)
}

// classifyStatus maps HTTP rejections to error codes. A 5xx answer
// means the backend was reached but could not serve the request, so it
// is retryable per operation without counting as connectivity loss;
// 4xx is terminal except 408 and 429.
func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	body = bytes.TrimSpace(body)
	msg := fmt.Sprintf("backend returned %d: %s", resp.StatusCode, truncate(body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrSyncAuthFailed, msg)
	case resp.StatusCode == http.StatusConflict:
		// The response body is the server's authoritative document;
		// the dead letter keeps it so the user can compare versions.
		return apperrors.NewWithPayload(apperrors.ErrConflict,
			fmt.Sprintf("backend returned %d", resp.StatusCode), body)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrTimeout, msg)
	case resp.StatusCode >= 500:
		return apperrors.New(apperrors.ErrServerUnavailable, msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return apperrors.New(apperrors.ErrServerValidation, msg)
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, msg)
	default:
		return apperrors.New(apperrors.ErrInternal, msg)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
