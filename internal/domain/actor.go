package domain

import (
	"time"

	"github.com/google/uuid"
)

// Permission strings carried by roles.
const (
	PermissionCreate    = "requests:create"
	PermissionView      = "requests:view"
	PermissionViewAll   = "requests:view_all"
	PermissionReview    = "requests:review"
	PermissionApprove   = "requests:approve"
	PermissionReject    = "requests:reject"
	PermissionComplete  = "requests:complete"
	PermissionCancel    = "requests:cancel"
	PermissionCancelAny = "requests:cancel_any"
	PermissionDelete    = "requests:delete"
)

// RoleAdmin is treated as an administrator for cancellation.
const RoleAdmin = "admin"

// Role is consumed from the identity tables; this service never mutates it.
type Role struct {
	Name          string     `json:"name"`
	Permissions   []string   `json:"permissions"`
	ApprovalLevel int        `json:"approvalLevel"`
	Modules       []Module   `json:"modules"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// Actor is the authenticated caller together with its resolved role.
type Actor struct {
	UserID uuid.UUID `json:"userId"`
	Role   Role      `json:"role"`
	System bool      `json:"-"`
}

// SystemActorID identifies transitions driven by domain-effect events.
var SystemActorID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// SystemActor returns the internal actor used by event consumers.
func SystemActor() Actor {
	return Actor{
		UserID: SystemActorID,
		Role: Role{
			Name:        "system",
			Permissions: []string{PermissionComplete},
		},
		System: true,
	}
}

// HasPermission reports whether the role carries perm.
func (r Role) HasPermission(perm string) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// CanAccessModule reports whether the role may touch requests of module m.
func (r Role) CanAccessModule(m Module) bool {
	for _, allowed := range r.Modules {
		if allowed == m {
			return true
		}
	}
	return false
}

// Expired reports whether the role assignment has lapsed at now.
func (r Role) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// IsAdmin reports whether the actor holds the administrator role.
func (a Actor) IsAdmin() bool {
	return a.Role.Name == RoleAdmin
}
