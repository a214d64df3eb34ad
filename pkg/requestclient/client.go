/**
 * @description
 * Client for services that talk to the request service over HTTP. Every
 * response is decoded from the shared envelope; error envelopes come back as
 * *APIError, which matches the domain error sentinels under errors.Is.
 */
package requestclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
)

// Envelope is the response shape of every request-service endpoint.
type Envelope[T any] struct {
	Status  string           `json:"status"`
	Data    T                `json:"data"`
	Message string           `json:"message"`
	Code    string           `json:"code,omitempty"`
	Meta    *domain.PageMeta `json:"meta,omitempty"`
}

// APIError is a non-2xx response from the request service.
type APIError struct {
	StatusCode        int
	Code              string
	Message           string
	RetryAfterSeconds int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request service returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap exposes the domain error so callers can match on the taxonomy.
func (e *APIError) Unwrap() error {
	return &domain.Error{Code: domain.ErrorCode(e.Code), Message: e.Message}
}

// Client is a client for the request service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new request service client authenticating with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateRequest submits a new request.
func (c *Client) CreateRequest(ctx context.Context, in domain.CreateRequestInput) (*domain.Request, error) {
	var env Envelope[*domain.Request]
	if err := c.do(ctx, http.MethodPost, "/requests", in, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// GetRequest fetches one request with its approval steps.
func (c *Client) GetRequest(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	var env Envelope[*domain.Request]
	if err := c.do(ctx, http.MethodGet, "/requests/"+id.String(), nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// UpdateRequest applies a status transition.
func (c *Client) UpdateRequest(ctx context.Context, id uuid.UUID, in domain.UpdateRequestInput) (*domain.Request, error) {
	var env Envelope[*domain.Request]
	if err := c.do(ctx, http.MethodPut, "/requests/"+id.String(), in, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// ListRequests lists requests visible to the caller. query carries the
// filter parameters accepted by GET /requests.
func (c *Client) ListRequests(ctx context.Context, query url.Values) (*domain.RequestPage, error) {
	path := "/requests"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var env Envelope[[]domain.Request]
	if err := c.do(ctx, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	page := &domain.RequestPage{Data: env.Data}
	if env.Meta != nil {
		page.Meta = *env.Meta
	}
	return page, nil
}

// PendingApprovals lists the requests waiting on the caller's role.
func (c *Client) PendingApprovals(ctx context.Context) ([]domain.PendingApproval, error) {
	var env Envelope[[]domain.PendingApproval]
	if err := c.do(ctx, http.MethodGet, "/requests/pending", nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("request service base URL is not configured")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to request service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env Envelope[json.RawMessage]
		_ = json.NewDecoder(resp.Body).Decode(&env)
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Message}
		if v, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfterSeconds = v
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode request service response: %w", err)
	}
	return nil
}
