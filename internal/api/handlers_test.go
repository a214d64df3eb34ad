package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/app"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
	"github.com/rs/zerolog"
)

type serviceStub struct {
	RequestService

	createFn  func(actor domain.Actor, in domain.CreateRequestInput) (*domain.Request, error)
	updateFn  func(actor domain.Actor, id uuid.UUID, in domain.UpdateRequestInput) (*domain.Request, error)
	listFn    func(actor domain.Actor, filter domain.RequestFilter, page domain.PageRequest) (*domain.RequestPage, error)
	resolveFn func(userID uuid.UUID) (*domain.Actor, error)
}

func (s *serviceStub) CreateRequest(ctx context.Context, actor domain.Actor, in domain.CreateRequestInput) (*domain.Request, error) {
	return s.createFn(actor, in)
}

func (s *serviceStub) UpdateRequest(ctx context.Context, actor domain.Actor, id uuid.UUID, in domain.UpdateRequestInput) (*domain.Request, error) {
	return s.updateFn(actor, id, in)
}

func (s *serviceStub) ListRequests(ctx context.Context, actor domain.Actor, filter domain.RequestFilter, page domain.PageRequest) (*domain.RequestPage, error) {
	return s.listFn(actor, filter, page)
}

func (s *serviceStub) ResolveActor(ctx context.Context, userID uuid.UUID) (*domain.Actor, error) {
	return s.resolveFn(userID)
}

func fixedActor(actor domain.Actor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func newTestRouter(svc RequestService, actor domain.Actor) http.Handler {
	return NewRouter(NewHandlers(svc, zerolog.Nop()), RouterOptions{
		AllowedOrigins: []string{"*"},
		Auth:           fixedActor(actor),
		Logger:         zerolog.Nop(),
	})
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	for _, field := range []string{"status", "data", "message"} {
		if _, ok := body[field]; !ok {
			t.Fatalf("expected envelope field %q in %s", field, rr.Body.String())
		}
	}
	return body
}

func TestStatusFor_MapsErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "validation", err: domain.ValidationError("bad"), status: http.StatusBadRequest},
		{name: "linkage", err: domain.LinkageError("missing biodata"), status: http.StatusUnprocessableEntity},
		{name: "not found", err: domain.NotFoundError("gone"), status: http.StatusNotFound},
		{name: "authorization", err: domain.AuthorizationError("no"), status: http.StatusForbidden},
		{name: "stale state", err: domain.StaleStateError("moved"), status: http.StatusConflict},
		{name: "invalid transition", err: domain.InvalidTransitionError("nope"), status: http.StatusUnprocessableEntity},
		{name: "wrapped", err: fmt.Errorf("update: %w", domain.StaleStateError("moved")), status: http.StatusConflict},
		{name: "rate limited", err: &app.RateLimitError{RetryAfterSeconds: 5}, status: http.StatusTooManyRequests},
		{name: "unknown", err: errors.New("db down"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := statusFor(tt.err)
			if status != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, status)
			}
		})
	}
}

func TestWriteError_RateLimitedSetsRetryAfter(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, zerolog.Nop(), &app.RateLimitError{RetryAfterSeconds: 42})

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "42" {
		t.Fatalf("expected Retry-After 42, got %q", got)
	}
	body := decodeEnvelope(t, rr)
	if string(body["status"]) != `"error"` || string(body["code"]) != `"RATE_LIMITED"` {
		t.Fatalf("unexpected envelope %s", rr.Body.String())
	}
}

func TestWriteError_HidesInternalDetails(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, zerolog.Nop(), errors.New("pq: connection refused"))

	body := decodeEnvelope(t, rr)
	if strings.Contains(string(body["message"]), "connection refused") {
		t.Fatalf("expected internal error details to be hidden, got %s", body["message"])
	}
}

func TestCreateRequestHandler_ReturnsCreatedEnvelope(t *testing.T) {
	actor := domain.Actor{UserID: uuid.New()}
	created := &domain.Request{ID: uuid.New(), Status: domain.RequestStatusPending, Version: 1}
	svc := &serviceStub{
		createFn: func(got domain.Actor, in domain.CreateRequestInput) (*domain.Request, error) {
			if got.UserID != actor.UserID {
				t.Fatalf("expected actor from context, got %s", got.UserID)
			}
			if in.Type != domain.RequestTypeSavingsWithdrawal {
				t.Fatalf("unexpected type %q", in.Type)
			}
			return created, nil
		},
	}

	body := `{"type":"SAVINGS_WITHDRAWAL","module":"SAVINGS","content":{"amount":5000}}`
	req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(body))
	rr := httptest.NewRecorder()
	newTestRouter(svc, actor).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	var data domain.Request
	if err := json.Unmarshal(env["data"], &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.ID != created.ID {
		t.Fatalf("expected request %s, got %s", created.ID, data.ID)
	}
}

func TestCreateRequestHandler_MalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	newTestRouter(&serviceStub{}, domain.Actor{UserID: uuid.New()}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestUpdateRequestHandler(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name       string
		path       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "approved", path: "/requests/" + id.String(), body: `{"status":"approved","expectedLevel":1}`, wantStatus: http.StatusOK},
		{name: "stale", path: "/requests/" + id.String(), body: `{"status":"APPROVED"}`, err: domain.StaleStateError("moved on"), wantStatus: http.StatusConflict},
		{name: "invalid transition", path: "/requests/" + id.String(), body: `{"status":"COMPLETED"}`, err: domain.InvalidTransitionError("not allowed"), wantStatus: http.StatusUnprocessableEntity},
		{name: "missing status", path: "/requests/" + id.String(), body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "bad id", path: "/requests/not-a-uuid", body: `{"status":"APPROVED"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &serviceStub{
				updateFn: func(actor domain.Actor, gotID uuid.UUID, in domain.UpdateRequestInput) (*domain.Request, error) {
					if gotID != id {
						t.Fatalf("expected id %s, got %s", id, gotID)
					}
					if !in.Status.Valid() {
						t.Fatalf("expected a normalized status, got %q", in.Status)
					}
					if tt.err != nil {
						return nil, tt.err
					}
					return &domain.Request{ID: id, Status: in.Status}, nil
				},
			}

			req := httptest.NewRequest(http.MethodPut, tt.path, strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			newTestRouter(svc, domain.Actor{UserID: uuid.New()}).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			decodeEnvelope(t, rr)
		})
	}
}

func TestListRequestsHandler_ParsesFilterAndReturnsMeta(t *testing.T) {
	initiator := uuid.New()
	var gotFilter domain.RequestFilter
	var gotPage domain.PageRequest
	svc := &serviceStub{
		listFn: func(actor domain.Actor, filter domain.RequestFilter, page domain.PageRequest) (*domain.RequestPage, error) {
			gotFilter, gotPage = filter, page
			return &domain.RequestPage{Data: []domain.Request{}, Meta: domain.NewPageMeta(0, page)}, nil
		},
	}

	path := "/requests?status=pending&module=LOAN&initiatorId=" + initiator.String() + "&dateFrom=2024-01-01&dateTo=2024-01-31&page=2&limit=5&sort=asc"
	rr := httptest.NewRecorder()
	newTestRouter(svc, domain.Actor{UserID: uuid.New()}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotFilter.Status == nil || *gotFilter.Status != domain.RequestStatusPending {
		t.Fatalf("expected PENDING status filter, got %v", gotFilter.Status)
	}
	if gotFilter.Module == nil || *gotFilter.Module != domain.ModuleLoan {
		t.Fatalf("expected LOAN module filter, got %v", gotFilter.Module)
	}
	if gotFilter.InitiatorID == nil || *gotFilter.InitiatorID != initiator {
		t.Fatalf("expected initiator filter, got %v", gotFilter.InitiatorID)
	}
	wantTo := time.Date(2024, 1, 31, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
	if gotFilter.DateTo == nil || !gotFilter.DateTo.Equal(wantTo) {
		t.Fatalf("expected dateTo to cover the whole day, got %v", gotFilter.DateTo)
	}
	if !gotFilter.Ascending || gotPage.Page != 2 || gotPage.Limit != 5 {
		t.Fatalf("unexpected sort/page: ascending=%v page=%+v", gotFilter.Ascending, gotPage)
	}

	env := decodeEnvelope(t, rr)
	var meta domain.PageMeta
	if err := json.Unmarshal(env["meta"], &meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if meta.Page != 2 || meta.Limit != 5 {
		t.Fatalf("unexpected meta %+v", meta)
	}
}

func TestParseListQuery_RejectsMalformedParameters(t *testing.T) {
	queries := []string{
		"status=ARCHIVED",
		"module=PAYROLL",
		"initiatorId=42",
		"assignedTo=x",
		"dateFrom=yesterday",
		"page=two",
		"limit=1.5",
		"sort=sideways",
	}

	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			_, _, err := parseListQuery(httptest.NewRequest(http.MethodGet, "/requests?"+q, nil))
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestParseListQuery_ClampsHugePage(t *testing.T) {
	_, page, err := parseListQuery(httptest.NewRequest(http.MethodGet, "/requests?page=9223372036854775807&limit=100", nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if page.Page != domain.MaxPage || page.Offset() < 0 {
		t.Fatalf("expected page clamped to %d with a valid offset, got %+v offset %d", domain.MaxPage, page, page.Offset())
	}
}
