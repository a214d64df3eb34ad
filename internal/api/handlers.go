/**
 * @description
 * This file contains the HTTP handlers for the /requests endpoints. Handlers
 * parse input, call the service and write every response through the single
 * response envelope.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/app"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
	"github.com/rs/zerolog"
)

// RequestService is the use-case surface the handlers call.
type RequestService interface {
	ActorResolver
	CreateRequest(ctx context.Context, actor domain.Actor, in domain.CreateRequestInput) (*domain.Request, error)
	GetRequest(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Request, error)
	UpdateRequest(ctx context.Context, actor domain.Actor, id uuid.UUID, in domain.UpdateRequestInput) (*domain.Request, error)
	DeleteRequest(ctx context.Context, actor domain.Actor, id uuid.UUID) error
	History(ctx context.Context, actor domain.Actor, id uuid.UUID) ([]domain.AuditEntry, error)
	ListRequests(ctx context.Context, actor domain.Actor, filter domain.RequestFilter, page domain.PageRequest) (*domain.RequestPage, error)
	ListUserRequests(ctx context.Context, actor domain.Actor, filter domain.RequestFilter, page domain.PageRequest) (*domain.RequestPage, error)
	ListPendingApprovals(ctx context.Context, actor domain.Actor) ([]domain.PendingApproval, error)
	AllowedActions(ctx context.Context, actor domain.Actor, id uuid.UUID) ([]domain.Action, error)
}

// Handlers serves the request endpoints.
type Handlers struct {
	service RequestService
	log     zerolog.Logger
}

func NewHandlers(service RequestService, log zerolog.Logger) *Handlers {
	return &Handlers{service: service, log: log.With().Str("component", "api").Logger()}
}

// Envelope is the one response shape of every endpoint.
type Envelope struct {
	Status  string           `json:"status"`
	Data    interface{}      `json:"data"`
	Message string           `json:"message"`
	Code    string           `json:"code,omitempty"`
	Meta    *domain.PageMeta `json:"meta,omitempty"`
}

const (
	statusSuccess = "success"
	statusError   = "error"

	codeUnauthenticated = "UNAUTHENTICATED"
	codeRateLimited     = "RATE_LIMITED"
	codeInternal        = "INTERNAL_ERROR"
)

// CreateRequestHandler handles POST /requests.
func (h *Handlers) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var in domain.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, h.log, domain.ValidationError("invalid request payload"))
		return
	}

	req, err := h.service.CreateRequest(r.Context(), actor, in)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, Envelope{Status: statusSuccess, Data: req, Message: "Request created"})
}

// ListRequestsHandler handles GET /requests.
func (h *Handlers) ListRequestsHandler(w http.ResponseWriter, r *http.Request) {
	h.listWith(w, r, h.service.ListRequests)
}

// ListUserRequestsHandler handles GET /requests/user.
func (h *Handlers) ListUserRequestsHandler(w http.ResponseWriter, r *http.Request) {
	h.listWith(w, r, h.service.ListUserRequests)
}

type listFunc func(ctx context.Context, actor domain.Actor, filter domain.RequestFilter, page domain.PageRequest) (*domain.RequestPage, error)

func (h *Handlers) listWith(w http.ResponseWriter, r *http.Request, list listFunc) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	filter, page, err := parseListQuery(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	result, err := list(r.Context(), actor, filter, page)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: result.Data, Message: "Requests retrieved", Meta: &result.Meta})
}

// PendingApprovalsHandler handles GET /requests/pending.
func (h *Handlers) PendingApprovalsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	pending, err := h.service.ListPendingApprovals(r.Context(), actor)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: pending, Message: "Pending approvals retrieved"})
}

// GetRequestHandler handles GET /requests/{id}.
func (h *Handlers) GetRequestHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	req, err := h.service.GetRequest(r.Context(), actor, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: req, Message: "Request retrieved"})
}

// UpdateRequestHandler handles PUT /requests/{id}.
func (h *Handlers) UpdateRequestHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}

	var in domain.UpdateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, h.log, domain.ValidationError("invalid request payload"))
		return
	}
	in.Status = domain.RequestStatus(strings.ToUpper(strings.TrimSpace(string(in.Status))))
	if in.Status == "" {
		writeError(w, h.log, domain.ValidationError("status is required"))
		return
	}

	req, err := h.service.UpdateRequest(r.Context(), actor, id, in)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: req, Message: "Request updated"})
}

// DeleteRequestHandler handles DELETE /requests/{id}.
func (h *Handlers) DeleteRequestHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRequest(r.Context(), actor, id); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Message: "Request deleted"})
}

// AllowedActionsHandler handles GET /requests/{id}/actions.
func (h *Handlers) AllowedActionsHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	actions, err := h.service.AllowedActions(r.Context(), actor, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: actions, Message: "Allowed actions retrieved"})
}

// HistoryHandler handles GET /requests/{id}/history.
func (h *Handlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), actor, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: entries, Message: "History retrieved"})
}

func (h *Handlers) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeUnauthenticated(w, "Could not get user from context")
		return domain.Actor{}, false
	}
	return actor, true
}

func (h *Handlers) actorAndID(w http.ResponseWriter, r *http.Request) (domain.Actor, uuid.UUID, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return domain.Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, domain.ValidationError("invalid request id"))
		return domain.Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

// parseListQuery reads the filter and pagination query parameters.
func parseListQuery(r *http.Request) (domain.RequestFilter, domain.PageRequest, error) {
	q := r.URL.Query()
	var (
		filter domain.RequestFilter
		page   domain.PageRequest
	)

	if v := strings.TrimSpace(q.Get("type")); v != "" {
		t := domain.RequestType(strings.ToUpper(v))
		filter.Type = &t
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		s := domain.RequestStatus(strings.ToUpper(v))
		if !s.Valid() {
			return filter, page, domain.ValidationError("unknown status %q", v)
		}
		filter.Status = &s
	}
	if v := strings.TrimSpace(q.Get("module")); v != "" {
		m := domain.Module(strings.ToUpper(v))
		if !m.Valid() {
			return filter, page, domain.ValidationError("unknown module %q", v)
		}
		filter.Module = &m
	}

	var err error
	if filter.InitiatorID, err = optionalUUID(q.Get("initiatorId"), "initiatorId"); err != nil {
		return filter, page, err
	}
	if filter.AssignedTo, err = optionalUUID(q.Get("assignedTo"), "assignedTo"); err != nil {
		return filter, page, err
	}
	if filter.DateFrom, err = optionalDate(q.Get("dateFrom"), "dateFrom", false); err != nil {
		return filter, page, err
	}
	if filter.DateTo, err = optionalDate(q.Get("dateTo"), "dateTo", true); err != nil {
		return filter, page, err
	}

	switch strings.ToLower(strings.TrimSpace(q.Get("sort"))) {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		return filter, page, domain.ValidationError("sort must be asc or desc")
	}

	if page.Page, err = optionalInt(q.Get("page"), "page"); err != nil {
		return filter, page, err
	}
	if page.Limit, err = optionalInt(q.Get("limit"), "limit"); err != nil {
		return filter, page, err
	}
	return filter, page.Normalize(), nil
}

func optionalUUID(raw, name string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, domain.ValidationError("%s must be a UUID", name)
	}
	return &id, nil
}

// optionalDate accepts RFC 3339 timestamps or plain dates. A plain date used
// as an upper bound covers the whole day.
func optionalDate(raw, name string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, domain.ValidationError("%s must be a date (YYYY-MM-DD) or RFC 3339 timestamp", name)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func optionalInt(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.ValidationError("%s must be an integer", name)
	}
	return n, nil
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	if errors.Is(err, app.ErrRateLimited) {
		return http.StatusTooManyRequests, codeRateLimited
	}
	derr, ok := domain.AsError(err)
	if !ok {
		return http.StatusInternalServerError, codeInternal
	}
	switch derr.Code {
	case domain.CodeValidation:
		return http.StatusBadRequest, string(derr.Code)
	case domain.CodeLinkage, domain.CodeInvalidTransition:
		return http.StatusUnprocessableEntity, string(derr.Code)
	case domain.CodeNotFound:
		return http.StatusNotFound, string(derr.Code)
	case domain.CodeAuthorization:
		return http.StatusForbidden, string(derr.Code)
	case domain.CodeStaleState:
		return http.StatusConflict, string(derr.Code)
	}
	return http.StatusInternalServerError, codeInternal
}

func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("internal error")
		message = "Internal server error"
	}

	var limited *app.RateLimitError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
	}
	writeJSON(w, status, Envelope{Status: statusError, Message: message, Code: code})
}

func writeUnauthenticated(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, Envelope{Status: statusError, Message: message, Code: codeUnauthenticated})
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
