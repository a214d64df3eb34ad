/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * required by the request service. The service and its tests depend on this
 * interface only; PostgresRepository is the production implementation.
 *
 * @dependencies
 * - github.com/google/uuid: request, step and user identifiers.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
)

var (
	ErrRequestNotFound  = errors.New("request not found")
	ErrActorNotFound    = errors.New("actor not found or has no active role")
	ErrVersionConflict  = errors.New("request was modified concurrently")
	ErrLinkedEntityGone = errors.New("linked entity does not exist")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Request aggregate methods
	CreateRequest(ctx context.Context, req *domain.Request, tr domain.Transition) error
	GetRequest(ctx context.Context, id uuid.UUID) (*domain.Request, error)
	// SaveTransition persists req guarded by req.Version and bumps it on success.
	// A concurrent writer makes it fail with ErrVersionConflict.
	SaveTransition(ctx context.Context, req *domain.Request, tr domain.Transition) error
	DeleteRequest(ctx context.Context, id uuid.UUID, event domain.RequestEvent) error

	// Query methods
	ListRequests(ctx context.Context, filter domain.RequestFilter, page domain.PageRequest) ([]domain.Request, int, error)
	ListPendingForRole(ctx context.Context, role string, maxLevel int, modules []domain.Module) ([]domain.Request, error)
	ListAudit(ctx context.Context, requestID uuid.UUID) ([]domain.AuditEntry, error)
	ListStaleApprovals(ctx context.Context, untouchedSince time.Time) ([]StaleApprovalGroup, error)

	// Consumed identity and linkage lookups
	FindActor(ctx context.Context, userID uuid.UUID) (*domain.Actor, error)
	MissingLinks(ctx context.Context, link domain.Linkage) ([]string, error)
}

// OutboxRepository is the subset used by the outbox dispatcher.
type OutboxRepository interface {
	ClaimEvents(ctx context.Context, batch int, reclaimAfter time.Duration) ([]OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id int64) error
	RescheduleEvent(ctx context.Context, id int64, retryIn time.Duration, cause error) error
}

// StaleApprovalGroup counts open requests waiting on one level past a threshold.
type StaleApprovalGroup struct {
	Type        domain.RequestType
	Level       int
	Role        string
	Count       int
	OldestSince time.Time
}
