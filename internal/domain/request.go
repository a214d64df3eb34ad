/**
 * @description
 * This file defines the core domain models for the request service: the Request
 * aggregate, its ordered ApprovalSteps and the enumerations that drive the
 * approval lifecycle.
 *
 * @notes
 * - NextApprovalLevel uses 0 as the "no pending level" sentinel once the chain
 *   has been fully approved, rejected, cancelled or was empty to begin with.
 * - Version is bumped on every persisted transition and is the optimistic
 *   concurrency token used by the store.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RequestType identifies the action a request asks sign-off for.
type RequestType string

const (
	RequestTypeLoanApplication           RequestType = "LOAN_APPLICATION"
	RequestTypeLoanDisbursement          RequestType = "LOAN_DISBURSEMENT"
	RequestTypeSavingsWithdrawal         RequestType = "SAVINGS_WITHDRAWAL"
	RequestTypePersonalSavingsWithdrawal RequestType = "PERSONAL_SAVINGS_WITHDRAWAL"
	RequestTypePersonalSavingsCreation   RequestType = "PERSONAL_SAVINGS_CREATION"
	RequestTypeSharesWithdrawal          RequestType = "SHARES_WITHDRAWAL"
	RequestTypeAccountCreation           RequestType = "ACCOUNT_CREATION"
	RequestTypeAccountUpdate             RequestType = "ACCOUNT_UPDATE"
	RequestTypeAccountVerification       RequestType = "ACCOUNT_VERIFICATION"
	RequestTypeBiodataUpdate             RequestType = "BIODATA_UPDATE"
	RequestTypeBiodataApproval           RequestType = "BIODATA_APPROVAL"
	RequestTypeContactUpdate             RequestType = "CONTACT_UPDATE"
	RequestTypeSystemSettingUpdate       RequestType = "SYSTEM_SETTING_UPDATE"
)

// Module is the domain area that owns a request.
type Module string

const (
	ModuleAccount Module = "ACCOUNT"
	ModuleLoan    Module = "LOAN"
	ModuleSavings Module = "SAVINGS"
	ModuleShares  Module = "SHARES"
	ModuleSystem  Module = "SYSTEM"
	ModuleUser    Module = "USER"
	ModuleAdmin   Module = "ADMIN"
)

var validModules = map[Module]bool{
	ModuleAccount: true,
	ModuleLoan:    true,
	ModuleSavings: true,
	ModuleShares:  true,
	ModuleSystem:  true,
	ModuleUser:    true,
	ModuleAdmin:   true,
}

// Valid reports whether m is one of the known modules.
func (m Module) Valid() bool { return validModules[m] }

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusInReview  RequestStatus = "IN_REVIEW"
	RequestStatusReviewed  RequestStatus = "REVIEWED"
	RequestStatusApproved  RequestStatus = "APPROVED"
	RequestStatusRejected  RequestStatus = "REJECTED"
	RequestStatusCompleted RequestStatus = "COMPLETED"
	RequestStatusCancelled RequestStatus = "CANCELLED"
)

var validRequestStatuses = map[RequestStatus]bool{
	RequestStatusPending:   true,
	RequestStatusInReview:  true,
	RequestStatusReviewed:  true,
	RequestStatusApproved:  true,
	RequestStatusRejected:  true,
	RequestStatusCompleted: true,
	RequestStatusCancelled: true,
}

// Valid reports whether s is one of the known request statuses.
func (s RequestStatus) Valid() bool { return validRequestStatuses[s] }

// Terminal reports whether no further transition can leave s.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusRejected || s == RequestStatusCompleted || s == RequestStatusCancelled
}

// AwaitingApproval reports whether the approval chain is still open.
func (s RequestStatus) AwaitingApproval() bool {
	return s == RequestStatusPending || s == RequestStatusInReview || s == RequestStatusReviewed
}

// Priority is informational only.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// StepStatus is the state of a single ApprovalStep.
type StepStatus string

const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusApproved   StepStatus = "APPROVED"
	StepStatusRejected   StepStatus = "REJECTED"
	StepStatusSkipped    StepStatus = "SKIPPED"
)

// Open reports whether the step can still be acted on.
func (s StepStatus) Open() bool {
	return s == StepStatusPending || s == StepStatusInProgress
}

// Request is a persisted record of an action awaiting one or more approvals.
// This struct maps to the `requests` table; Steps are loaded from `approval_steps`.
type Request struct {
	ID                uuid.UUID       `json:"id"`
	Type              RequestType     `json:"type"`
	Module            Module          `json:"module"`
	Status            RequestStatus   `json:"status"`
	Priority          Priority        `json:"priority"`
	Content           json.RawMessage `json:"content"`
	InitiatorID       uuid.UUID       `json:"initiatorId"`
	AssigneeID        *uuid.UUID      `json:"assigneeId,omitempty"`
	ApproverID        *uuid.UUID      `json:"approverId,omitempty"`
	NextApprovalLevel int             `json:"nextApprovalLevel"`
	BiodataID         *uuid.UUID      `json:"biodataId,omitempty"`
	LoanID            *uuid.UUID      `json:"loanId,omitempty"`
	SavingsID         *uuid.UUID      `json:"savingsId,omitempty"`
	Notes             *string         `json:"notes,omitempty"`
	Version           int             `json:"version"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	Steps             []ApprovalStep  `json:"steps"`
}

// ApprovalStep is one required sign-off within a request's approval chain.
type ApprovalStep struct {
	ID           uuid.UUID  `json:"id"`
	RequestID    uuid.UUID  `json:"requestId"`
	Level        int        `json:"level"`
	Status       StepStatus `json:"status"`
	ApproverRole string     `json:"approverRole"`
	ApproverID   *uuid.UUID `json:"approverId,omitempty"`
	ApprovedAt   *time.Time `json:"approvedAt,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// CurrentStep returns the step whose level equals NextApprovalLevel, or nil
// when the chain has no pending level.
func (r *Request) CurrentStep() *ApprovalStep {
	if r.NextApprovalLevel <= 0 {
		return nil
	}
	for i := range r.Steps {
		if r.Steps[i].Level == r.NextApprovalLevel {
			return &r.Steps[i]
		}
	}
	return nil
}

// FinalLevel returns the highest configured level, or 0 for an empty chain.
func (r *Request) FinalLevel() int {
	highest := 0
	for _, step := range r.Steps {
		if step.Level > highest {
			highest = step.Level
		}
	}
	return highest
}

// Clone returns a deep copy so transitions can be applied without mutating
// the loaded aggregate until persistence succeeds.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	if r.Content != nil {
		out.Content = append(json.RawMessage(nil), r.Content...)
	}
	out.AssigneeID = cloneUUID(r.AssigneeID)
	out.ApproverID = cloneUUID(r.ApproverID)
	out.BiodataID = cloneUUID(r.BiodataID)
	out.LoanID = cloneUUID(r.LoanID)
	out.SavingsID = cloneUUID(r.SavingsID)
	out.Notes = cloneString(r.Notes)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.Steps = make([]ApprovalStep, len(r.Steps))
	for i, step := range r.Steps {
		step.ApproverID = cloneUUID(step.ApproverID)
		step.ApprovedAt = cloneTime(step.ApprovedAt)
		step.Notes = cloneString(step.Notes)
		out.Steps[i] = step
	}
	return &out
}

// Linkage carries the optional foreign associations of a request.
type Linkage struct {
	BiodataID *uuid.UUID `json:"biodataId,omitempty"`
	LoanID    *uuid.UUID `json:"loanId,omitempty"`
	SavingsID *uuid.UUID `json:"savingsId,omitempty"`
}

// CreateRequestInput is the DTO for POST /requests.
type CreateRequestInput struct {
	Type      RequestType     `json:"type"`
	Module    Module          `json:"module"`
	Priority  Priority        `json:"priority"`
	Content   json.RawMessage `json:"content"`
	BiodataID *uuid.UUID      `json:"biodataId,omitempty"`
	LoanID    *uuid.UUID      `json:"loanId,omitempty"`
	SavingsID *uuid.UUID      `json:"savingsId,omitempty"`
	Notes     *string         `json:"notes,omitempty"`
}

// Linkage returns the foreign associations carried by the input.
func (in CreateRequestInput) Linkage() Linkage {
	return Linkage{BiodataID: in.BiodataID, LoanID: in.LoanID, SavingsID: in.SavingsID}
}

// UpdateRequestInput is the DTO for PUT /requests/{id}. Status names the
// transition to apply; ExpectedLevel guards against acting on a stale view.
type UpdateRequestInput struct {
	Status        RequestStatus `json:"status"`
	Notes         *string       `json:"notes,omitempty"`
	Reason        *string       `json:"reason,omitempty"`
	ExpectedLevel *int          `json:"expectedLevel,omitempty"`
}

func cloneUUID(v *uuid.UUID) *uuid.UUID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
