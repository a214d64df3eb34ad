/**
 * @description
 * Event, audit and notification records emitted alongside every successful
 * request transition. They are written in the same database transaction as
 * the transition itself; events reach RabbitMQ through the outbox.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Action names a lifecycle operation; it doubles as the audit action and the
// suffix of the event routing key.
type Action string

const (
	ActionCreate   Action = "created"
	ActionReview   Action = "in_review"
	ActionApprove  Action = "approved"
	// ActionReviewed is the event emitted when a non-final level approves.
	ActionReviewed Action = "reviewed"
	ActionReject   Action = "rejected"
	ActionComplete Action = "completed"
	ActionCancel   Action = "cancelled"
	ActionDelete   Action = "deleted"
	ActionView     Action = "viewed"
)

// RoutingKey returns the topic routing key for an event of this action.
func (a Action) RoutingKey() string {
	return "request." + string(a)
}

// AuditEntry is one immutable record in a request's history.
type AuditEntry struct {
	ID           uuid.UUID              `json:"id"`
	RequestID    uuid.UUID              `json:"requestId"`
	StepID       *uuid.UUID             `json:"stepId,omitempty"`
	Action       Action                 `json:"action"`
	PerformedBy  uuid.UUID              `json:"performedBy"`
	StatusBefore *RequestStatus         `json:"statusBefore,omitempty"`
	StatusAfter  RequestStatus          `json:"statusAfter"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	PerformedAt  time.Time              `json:"performedAt"`
}

// Notification is the side-channel record for the next actionable party.
// Exactly one of RecipientUserID and RecipientRole is set.
type Notification struct {
	ID              uuid.UUID  `json:"id"`
	RequestID       uuid.UUID  `json:"requestId"`
	RecipientUserID *uuid.UUID `json:"recipientUserId,omitempty"`
	RecipientRole   *string    `json:"recipientRole,omitempty"`
	Title           string     `json:"title"`
	Message         string     `json:"message"`
	CreatedAt       time.Time  `json:"createdAt"`
	ReadAt          *time.Time `json:"readAt,omitempty"`
}

// RequestEvent is the payload published for every lifecycle transition.
type RequestEvent struct {
	EventID           uuid.UUID     `json:"eventId"`
	Action            Action        `json:"action"`
	RequestID         uuid.UUID     `json:"requestId"`
	Type              RequestType   `json:"type"`
	Module            Module        `json:"module"`
	Status            RequestStatus `json:"status"`
	NextApprovalLevel int           `json:"nextApprovalLevel"`
	ActorID           uuid.UUID     `json:"actorId"`
	InitiatorID       uuid.UUID     `json:"initiatorId"`
	OccurredAt        time.Time     `json:"occurredAt"`
}

// Transition bundles what a successful engine call produced besides the new
// aggregate state. The store persists all of it atomically.
type Transition struct {
	Action        Action
	Audit         []AuditEntry
	Notifications []Notification
	Events        []RequestEvent
}

// Empty reports an idempotent call that changed nothing and must not be persisted.
func (t Transition) Empty() bool {
	return t.Action == ""
}

// DomainEffectEvent is consumed from other services once the underlying
// effect of an APPROVED request (disbursement, provisioning, payout) succeeded.
type DomainEffectEvent struct {
	RequestID uuid.UUID `json:"requestId"`
	Notes     *string   `json:"notes,omitempty"`
}
