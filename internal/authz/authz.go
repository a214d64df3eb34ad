// Package authz is the single capability predicate shared by the transition
// engine, the query layer and the allowed-actions endpoint the UI gates on.
package authz

import (
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
)

// Resource is what an action is attempted against.
type Resource struct {
	Module      domain.Module
	InitiatorID uuid.UUID
	// Step is the current approval step; required for review, approve and reject.
	Step *domain.ApprovalStep
}

// ResourceFor builds the resource view of a request, using its current step.
func ResourceFor(req *domain.Request) Resource {
	return Resource{
		Module:      req.Module,
		InitiatorID: req.InitiatorID,
		Step:        req.CurrentStep(),
	}
}

var actionPermission = map[domain.Action]string{
	domain.ActionCreate:   domain.PermissionCreate,
	domain.ActionReview:   domain.PermissionReview,
	domain.ActionApprove:  domain.PermissionApprove,
	domain.ActionReject:   domain.PermissionReject,
	domain.ActionComplete: domain.PermissionComplete,
	domain.ActionCancel:   domain.PermissionCancel,
	domain.ActionDelete:   domain.PermissionDelete,
}

// StepActions are the actions gated by approval level and approver role.
var StepActions = []domain.Action{domain.ActionReview, domain.ActionApprove, domain.ActionReject}

// Can reports whether actor may perform action on res at now.
func Can(actor domain.Actor, action domain.Action, res Resource, now time.Time) bool {
	return Check(actor, action, res, now) == nil
}

// Check is Can with the reason attached as an AuthorizationError.
func Check(actor domain.Actor, action domain.Action, res Resource, now time.Time) error {
	if actor.System {
		if action == domain.ActionComplete {
			return nil
		}
		return domain.AuthorizationError("system actor cannot perform %s", action)
	}
	if actor.Role.Expired(now) {
		return domain.AuthorizationError("role %q expired", actor.Role.Name)
	}

	switch action {
	case domain.ActionView:
		if actor.Role.HasPermission(domain.PermissionViewAll) && actor.Role.CanAccessModule(res.Module) {
			return nil
		}
		if actor.UserID != res.InitiatorID {
			return domain.AuthorizationError("not permitted to view this request")
		}
		return RequireViewOwn(actor.Role)

	case domain.ActionReview, domain.ActionApprove, domain.ActionReject:
		return checkStepAction(actor, action, res)

	case domain.ActionCancel:
		if actor.IsAdmin() || actor.Role.HasPermission(domain.PermissionCancelAny) {
			return nil
		}
		if actor.UserID != res.InitiatorID {
			return domain.AuthorizationError("only the initiator or an administrator can cancel")
		}
		if !actor.Role.HasPermission(domain.PermissionCancel) {
			return domain.AuthorizationError("missing permission %s", domain.PermissionCancel)
		}
		return nil

	case domain.ActionCreate, domain.ActionComplete:
		if err := requirePermission(actor, action); err != nil {
			return err
		}
		if !actor.Role.CanAccessModule(res.Module) {
			return domain.AuthorizationError("module %s not accessible to role %q", res.Module, actor.Role.Name)
		}
		return nil

	case domain.ActionDelete:
		return requirePermission(actor, action)
	}

	return domain.AuthorizationError("unknown action %s", action)
}

// checkStepAction evaluates the approval level before anything else so an
// under-levelled actor is refused even when the role matches.
func checkStepAction(actor domain.Actor, action domain.Action, res Resource) error {
	step := res.Step
	if step == nil {
		return domain.AuthorizationError("no approval step is awaiting action")
	}
	if actor.Role.ApprovalLevel < step.Level {
		return domain.AuthorizationError("approval level %d is below required level %d", actor.Role.ApprovalLevel, step.Level)
	}
	if actor.Role.Name != step.ApproverRole {
		return domain.AuthorizationError("level %d requires role %q", step.Level, step.ApproverRole)
	}
	if err := requirePermission(actor, action); err != nil {
		return err
	}
	if !actor.Role.CanAccessModule(res.Module) {
		return domain.AuthorizationError("module %s not accessible to role %q", res.Module, actor.Role.Name)
	}
	return nil
}

// RequireViewOwn checks that role may read its holder's own requests.
// requests:view_all implies it.
func RequireViewOwn(role domain.Role) error {
	if role.HasPermission(domain.PermissionView) || role.HasPermission(domain.PermissionViewAll) {
		return nil
	}
	return domain.AuthorizationError("missing permission %s", domain.PermissionView)
}

func requirePermission(actor domain.Actor, action domain.Action) error {
	perm, ok := actionPermission[action]
	if !ok {
		return domain.AuthorizationError("unknown action %s", action)
	}
	if !actor.Role.HasPermission(perm) {
		return domain.AuthorizationError("missing permission %s", perm)
	}
	return nil
}

// AllowedActions lists every action Can grants actor on req. The order is
// stable so clients can render it directly.
func AllowedActions(actor domain.Actor, req *domain.Request, now time.Time) []domain.Action {
	res := ResourceFor(req)
	candidates := []domain.Action{
		domain.ActionView,
		domain.ActionReview,
		domain.ActionApprove,
		domain.ActionReject,
		domain.ActionComplete,
		domain.ActionCancel,
		domain.ActionDelete,
	}

	allowed := make([]domain.Action, 0, len(candidates))
	for _, action := range candidates {
		if !stateAllows(req, action) {
			continue
		}
		if Can(actor, action, res, now) {
			allowed = append(allowed, action)
		}
	}
	return allowed
}

// stateAllows filters actions the request's state rules out regardless of who asks.
func stateAllows(req *domain.Request, action domain.Action) bool {
	switch action {
	case domain.ActionReview, domain.ActionApprove, domain.ActionReject:
		return req.Status.AwaitingApproval() && req.CurrentStep() != nil && req.CurrentStep().Status.Open()
	case domain.ActionComplete:
		return req.Status == domain.RequestStatusApproved
	case domain.ActionCancel:
		return req.Status.AwaitingApproval()
	}
	return true
}
