package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/authz"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
	"github.com/michaelodikeme/coop-nest-sub006/internal/metrics"
)

// ListRequests serves dashboard listings. Without requests:view_all the filter
// is pinned to the caller's own requests; with it, results are limited to the
// modules the caller's role can access.
func (s *Service) ListRequests(ctx context.Context, actor domain.Actor, filter domain.RequestFilter, page domain.PageRequest) (*domain.RequestPage, error) {
	if actor.Role.Expired(s.now()) {
		return nil, domain.AuthorizationError("role %q expired", actor.Role.Name)
	}

	if !actor.Role.HasPermission(domain.PermissionViewAll) || len(actor.Role.Modules) == 0 {
		return s.ListUserRequests(ctx, actor, filter, page)
	}
	if filter.Module != nil && !actor.Role.CanAccessModule(*filter.Module) {
		return nil, domain.AuthorizationError("module %s not accessible to role %q", *filter.Module, actor.Role.Name)
	}
	filter.Modules = actor.Role.Modules
	return s.listPage(ctx, filter, page)
}

// ListUserRequests returns the caller's own requests.
func (s *Service) ListUserRequests(ctx context.Context, actor domain.Actor, filter domain.RequestFilter, page domain.PageRequest) (*domain.RequestPage, error) {
	if err := authz.RequireViewOwn(actor.Role); err != nil {
		return nil, err
	}
	own := actor.UserID
	filter.InitiatorID = &own
	filter.Modules = nil
	return s.listPage(ctx, filter, page)
}

func (s *Service) listPage(ctx context.Context, filter domain.RequestFilter, page domain.PageRequest) (*domain.RequestPage, error) {
	page = page.Normalize()
	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateFrom.After(*filter.DateTo) {
		return nil, domain.ValidationError("dateFrom must not be after dateTo")
	}

	key := PageKey(filter, page)
	if cached, ok := s.cache.Page(ctx, key); ok {
		metrics.RecordCacheLookup(true)
		return cached, nil
	}
	metrics.RecordCacheLookup(false)

	requests, total, err := s.repo.ListRequests(ctx, filter, page)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	result := &domain.RequestPage{Data: requests, Meta: domain.NewPageMeta(total, page)}
	s.cache.StorePage(ctx, key, filter.InitiatorID, result)
	return result, nil
}

// ListPendingApprovals returns the requests whose current step the caller's
// role may act on. It is computed from the store on every call.
func (s *Service) ListPendingApprovals(ctx context.Context, actor domain.Actor) ([]domain.PendingApproval, error) {
	out := make([]domain.PendingApproval, 0)
	if actor.System || actor.Role.Expired(s.now()) || actor.Role.ApprovalLevel < 1 || len(actor.Role.Modules) == 0 {
		return out, nil
	}

	requests, err := s.repo.ListPendingForRole(ctx, actor.Role.Name, actor.Role.ApprovalLevel, actor.Role.Modules)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	for i := range requests {
		step := requests[i].CurrentStep()
		if step == nil || !step.Status.Open() || step.ApproverRole != actor.Role.Name || step.Level > actor.Role.ApprovalLevel {
			continue
		}
		out = append(out, domain.PendingApproval{Request: requests[i], Step: *step})
	}
	return out, nil
}

// AllowedActions lists what the caller may do to a request right now.
func (s *Service) AllowedActions(ctx context.Context, actor domain.Actor, id uuid.UUID) ([]domain.Action, error) {
	req, err := s.GetRequest(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return authz.AllowedActions(actor, req, s.now()), nil
}
