/**
 * @description
 * This file contains the core business logic for the request service. The
 * `Service` struct orchestrates the request lifecycle, coordinating the
 * transition engine, the repository and the read cache.
 *
 * Key features:
 * - Every write loads the aggregate from the store, applies the engine in memory
 *   and persists it under the optimistic version check.
 * - Store sentinels are translated into the domain error taxonomy here, so the
 *   API layer only ever sees taxonomy errors.
 * - Writes drop exactly the cache entries they can make stale.
 *
 * @dependencies
 * - github.com/rs/zerolog: structured logging.
 * - internal/workflow, internal/store, internal/authz: engine, data access, authz.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/authz"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
	"github.com/michaelodikeme/coop-nest-sub006/internal/metrics"
	"github.com/michaelodikeme/coop-nest-sub006/internal/store"
	"github.com/michaelodikeme/coop-nest-sub006/internal/workflow"
	"github.com/rs/zerolog"
)

const createRateLimitScope = "create_request:"

// Service provides the request lifecycle use cases.
type Service struct {
	repo        store.Repository
	engine      *workflow.Engine
	cache       RequestCache
	limiter     RateLimiter
	createLimit int
	log         zerolog.Logger
	now         func() time.Time
}

// NewService creates a new request service instance.
func NewService(repo store.Repository, engine *workflow.Engine, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		engine: engine,
		cache:  NoopCache{},
		log:    log.With().Str("component", "request_service").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetCache installs the read cache. A nil cache disables caching.
func (s *Service) SetCache(cache RequestCache) {
	if cache == nil {
		cache = NoopCache{}
	}
	s.cache = cache
}

// SetCreateRateLimiter caps request creation per user per minute.
func (s *Service) SetCreateRateLimiter(limiter RateLimiter, perMinute int) {
	s.limiter = limiter
	s.createLimit = perMinute
}

// WithClock overrides the time source used for authorization checks.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ResolveActor loads the caller's active role assignment.
func (s *Service) ResolveActor(ctx context.Context, userID uuid.UUID) (*domain.Actor, error) {
	actor, err := s.repo.FindActor(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrActorNotFound) {
			return nil, domain.AuthorizationError("user %s has no active role", userID)
		}
		return nil, fmt.Errorf("resolve actor: %w", err)
	}
	return actor, nil
}

// CreateRequest validates and persists a new request with its approval steps.
func (s *Service) CreateRequest(ctx context.Context, actor domain.Actor, in domain.CreateRequestInput) (req *domain.Request, err error) {
	defer func() { s.observe(domain.ActionCreate, actor, req, err) }()

	if err := s.consumeCreateBudget(ctx, actor); err != nil {
		return nil, err
	}

	req, tr, err := s.engine.Create(in, actor)
	if err != nil {
		return nil, err
	}
	if err := ValidateContent(req.Type, req.Content); err != nil {
		return nil, err
	}

	missing, err := s.repo.MissingLinks(ctx, in.Linkage())
	if err != nil {
		return nil, fmt.Errorf("check linkage: %w", err)
	}
	if len(missing) > 0 {
		return nil, domain.LinkageError("referenced %s does not exist", strings.Join(missing, ", "))
	}

	if err := s.repo.CreateRequest(ctx, req, tr); err != nil {
		return nil, s.translateStoreError(err, req.ID)
	}
	s.cache.Invalidate(ctx, req)
	return req, nil
}

func (s *Service) consumeCreateBudget(ctx context.Context, actor domain.Actor) error {
	if s.limiter == nil || s.createLimit <= 0 {
		return nil
	}
	window, err := s.limiter.Hit(ctx, createRateLimitScope+actor.UserID.String(), time.Minute)
	if err != nil {
		s.log.Warn().Err(err).Str("actor_id", actor.UserID.String()).Msg("rate limiter unavailable; allowing request")
		return nil
	}
	if window.Exceeds(s.createLimit) {
		return newRateLimitError(window)
	}
	return nil
}

// GetRequest returns a request with its ordered steps when actor may view it.
func (s *Service) GetRequest(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Request, error) {
	req, err := s.loadCached(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, domain.ActionView, authz.ResourceFor(req), s.now()); err != nil {
		return nil, err
	}
	return req, nil
}

// UpdateRequest applies the transition named by in.Status.
func (s *Service) UpdateRequest(ctx context.Context, actor domain.Actor, id uuid.UUID, in domain.UpdateRequestInput) (*domain.Request, error) {
	return s.transition(ctx, actor, id, in.Status, workflow.Input{
		Notes:         in.Notes,
		Reason:        in.Reason,
		ExpectedLevel: in.ExpectedLevel,
	})
}

// CompleteRequest closes an APPROVED request on behalf of the system once its
// domain effect has been confirmed.
func (s *Service) CompleteRequest(ctx context.Context, id uuid.UUID, notes *string) (*domain.Request, error) {
	return s.transition(ctx, domain.SystemActor(), id, domain.RequestStatusCompleted, workflow.Input{Notes: notes})
}

func (s *Service) transition(ctx context.Context, actor domain.Actor, id uuid.UUID, target domain.RequestStatus, in workflow.Input) (next *domain.Request, err error) {
	action := actionForTarget(target)
	defer func() { s.observe(action, actor, next, err) }()

	// Writes always start from the store; a cached snapshot may carry an old version.
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	next, tr, err := s.engine.Apply(current, actor, target, in)
	if err != nil {
		return nil, err
	}
	if tr.Empty() {
		return next, nil
	}
	action = tr.Action

	if err := s.repo.SaveTransition(ctx, next, tr); err != nil {
		return nil, s.translateStoreError(err, id)
	}
	s.cache.Invalidate(ctx, next)
	return next, nil
}

// DeleteRequest hard-deletes a request. Only holders of requests:delete may do so.
func (s *Service) DeleteRequest(ctx context.Context, actor domain.Actor, id uuid.UUID) (err error) {
	var current *domain.Request
	defer func() { s.observe(domain.ActionDelete, actor, current, err) }()

	current, err = s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := authz.Check(actor, domain.ActionDelete, authz.ResourceFor(current), s.now()); err != nil {
		return err
	}

	event := domain.RequestEvent{
		EventID:           uuid.New(),
		Action:            domain.ActionDelete,
		RequestID:         current.ID,
		Type:              current.Type,
		Module:            current.Module,
		Status:            current.Status,
		NextApprovalLevel: current.NextApprovalLevel,
		ActorID:           actor.UserID,
		InitiatorID:       current.InitiatorID,
		OccurredAt:        s.now(),
	}
	if err := s.repo.DeleteRequest(ctx, id, event); err != nil {
		return s.translateStoreError(err, id)
	}
	// Raise the floor past the deleted version so no late read repopulates it.
	gone := current.Clone()
	gone.Version++
	s.cache.Invalidate(ctx, gone)
	return nil
}

// History returns the audit trail of a request the actor may view.
func (s *Service) History(ctx context.Context, actor domain.Actor, id uuid.UUID) ([]domain.AuditEntry, error) {
	if _, err := s.GetRequest(ctx, actor, id); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListAudit(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return entries, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, s.translateStoreError(err, id)
	}
	return req, nil
}

func (s *Service) loadCached(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	if req, ok := s.cache.Request(ctx, id); ok {
		metrics.RecordCacheLookup(true)
		return req, nil
	}
	metrics.RecordCacheLookup(false)

	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.StoreRequest(ctx, req)
	return req, nil
}

// translateStoreError maps store sentinels onto the taxonomy. Anything else is
// an infrastructure failure and stays wrapped.
func (s *Service) translateStoreError(err error, id uuid.UUID) error {
	switch {
	case errors.Is(err, store.ErrRequestNotFound):
		return domain.NotFoundError("request %s not found", id)
	case errors.Is(err, store.ErrVersionConflict):
		return domain.StaleStateError("request %s was modified concurrently; reload and retry", id)
	case errors.Is(err, store.ErrLinkedEntityGone):
		return domain.LinkageError("%v", err)
	}
	return fmt.Errorf("request %s: %w", id, err)
}

func (s *Service) observe(action domain.Action, actor domain.Actor, req *domain.Request, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if derr, ok := domain.AsError(err); ok {
			outcome = strings.ToLower(string(derr.Code))
		} else if errors.Is(err, ErrRateLimited) {
			outcome = "rate_limited"
		}
	}
	metrics.RecordTransition(string(action), outcome)

	var evt *zerolog.Event
	switch {
	case err == nil:
		evt = s.log.Info()
	case outcome == "error":
		evt = s.log.Error().Err(err)
	default:
		evt = s.log.Warn().Err(err)
	}
	evt = evt.Str("action", string(action)).Str("actor_id", actor.UserID.String()).Str("outcome", outcome)
	if req != nil {
		evt = evt.Str("request_id", req.ID.String()).Str("status", string(req.Status))
	}
	evt.Msg("request lifecycle")
}

func actionForTarget(target domain.RequestStatus) domain.Action {
	switch target {
	case domain.RequestStatusInReview:
		return domain.ActionReview
	case domain.RequestStatusApproved, domain.RequestStatusReviewed:
		return domain.ActionApprove
	case domain.RequestStatusRejected:
		return domain.ActionReject
	case domain.RequestStatusCompleted:
		return domain.ActionComplete
	case domain.RequestStatusCancelled:
		return domain.ActionCancel
	}
	return domain.Action("unknown")
}
