/**
 * @description
 * The status transition engine. Every operation takes the loaded Request
 * aggregate, validates the transition against the state machine and the
 * shared authz predicate, and returns a mutated copy together with the audit,
 * notification and event records the store persists in the same transaction.
 *
 * @notes
 * - The engine performs no I/O. Concurrency is resolved by the store's version
 *   check when the returned aggregate is saved.
 * - The input aggregate is never mutated.
 */

package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/authz"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
)

// Input carries the optional fields of a transition call.
type Input struct {
	Notes  *string
	Reason *string
	// ExpectedLevel, when set, must equal the request's NextApprovalLevel.
	ExpectedLevel *int
}

// Engine applies lifecycle transitions.
type Engine struct {
	ledger *Ledger
	now    func() time.Time
}

// NewEngine creates an engine over ledger.
func NewEngine(ledger *Ledger) *Engine {
	return &Engine{ledger: ledger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Create builds a new request with its materialized approval steps. Content
// shape and linkage existence are checked by the caller.
func (e *Engine) Create(in domain.CreateRequestInput, actor domain.Actor) (*domain.Request, domain.Transition, error) {
	chain, err := e.ledger.Chain(in.Type)
	if err != nil {
		return nil, domain.Transition{}, err
	}

	module := in.Module
	if module == "" {
		module = chain.Module
	}
	if module != chain.Module {
		return nil, domain.Transition{}, domain.ValidationError("request type %s belongs to module %s, not %s", in.Type, chain.Module, module)
	}

	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !priority.Valid() {
		return nil, domain.Transition{}, domain.ValidationError("unknown priority %q", priority)
	}

	if err := requireLinkage(chain, in.Linkage()); err != nil {
		return nil, domain.Transition{}, err
	}

	if err := authz.Check(actor, domain.ActionCreate, authz.Resource{Module: module, InitiatorID: actor.UserID}, e.now()); err != nil {
		return nil, domain.Transition{}, err
	}

	now := e.now()
	req := &domain.Request{
		ID:          uuid.New(),
		Type:        in.Type,
		Module:      module,
		Status:      domain.RequestStatusPending,
		Priority:    priority,
		Content:     in.Content,
		InitiatorID: actor.UserID,
		BiodataID:   in.BiodataID,
		LoanID:      in.LoanID,
		SavingsID:   in.SavingsID,
		Notes:       in.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	steps, err := e.ledger.Steps(req.ID, req.Type, now)
	if err != nil {
		return nil, domain.Transition{}, err
	}
	req.Steps = steps

	tr := domain.Transition{Action: domain.ActionCreate}
	if len(steps) == 0 {
		req.Status = domain.RequestStatusCompleted
		req.NextApprovalLevel = 0
		req.CompletedAt = &now
		e.record(&tr, req, actor, domain.ActionCreate, nil, nil, map[string]interface{}{"levels": 0})
		e.event(&tr, req, actor, domain.ActionCreate)
		e.notifyUser(&tr, req, req.InitiatorID, "Request completed", fmt.Sprintf("Your %s request required no approval and is complete.", req.Type))
		return req, tr, nil
	}

	req.NextApprovalLevel = steps[0].Level
	e.record(&tr, req, actor, domain.ActionCreate, nil, nil, map[string]interface{}{"levels": len(steps)})
	e.event(&tr, req, actor, domain.ActionCreate)
	e.notifyRole(&tr, req, steps[0].ApproverRole, "New request awaiting review", fmt.Sprintf("A %s request is awaiting level %d approval.", req.Type, steps[0].Level))
	return req, tr, nil
}

func requireLinkage(chain Chain, link domain.Linkage) error {
	missing := make([]string, 0, 3)
	if chain.Requires(LinkBiodata) && link.BiodataID == nil {
		missing = append(missing, string(LinkBiodata))
	}
	if chain.Requires(LinkLoan) && link.LoanID == nil {
		missing = append(missing, string(LinkLoan))
	}
	if chain.Requires(LinkSavings) && link.SavingsID == nil {
		missing = append(missing, string(LinkSavings))
	}
	if len(missing) > 0 {
		return domain.ValidationError("%s requires %s", chain.Type, strings.Join(missing, ", "))
	}
	return nil
}

// MarkInReview claims the current step for actor. Repeating the call as the
// same actor is a no-op and returns an empty transition.
func (e *Engine) MarkInReview(current *domain.Request, actor domain.Actor, in Input) (*domain.Request, domain.Transition, error) {
	req := current.Clone()
	step, err := e.actionableStep(req, actor, domain.ActionReview, in)
	if err != nil {
		return nil, domain.Transition{}, err
	}

	if step.Status == domain.StepStatusInProgress {
		if step.ApproverID != nil && *step.ApproverID == actor.UserID {
			return req, domain.Transition{}, nil
		}
		return nil, domain.Transition{}, domain.StaleStateError("level %d is already under review by another approver", step.Level)
	}

	now := e.now()
	before := req.Status
	step.Status = domain.StepStatusInProgress
	step.ApproverID = uuidPtr(actor.UserID)
	if in.Notes != nil {
		step.Notes = in.Notes
	}
	step.UpdatedAt = now

	if req.Status == domain.RequestStatusPending || req.Status == domain.RequestStatusReviewed {
		req.Status = domain.RequestStatusInReview
	}
	req.AssigneeID = uuidPtr(actor.UserID)
	req.UpdatedAt = now

	tr := domain.Transition{Action: domain.ActionReview}
	e.record(&tr, req, actor, domain.ActionReview, &before, &step.ID, map[string]interface{}{"level": step.Level})
	e.event(&tr, req, actor, domain.ActionReview)
	e.notifyUser(&tr, req, req.InitiatorID, "Request under review", fmt.Sprintf("Your %s request is being reviewed at level %d.", req.Type, step.Level))
	return req, tr, nil
}

// Approve signs off the current step and advances or closes the chain.
func (e *Engine) Approve(current *domain.Request, actor domain.Actor, in Input) (*domain.Request, domain.Transition, error) {
	req := current.Clone()
	step, err := e.actionableStep(req, actor, domain.ActionApprove, in)
	if err != nil {
		return nil, domain.Transition{}, err
	}
	if err := claimedByOther(step, actor); err != nil {
		return nil, domain.Transition{}, err
	}

	chain, err := e.ledger.Chain(req.Type)
	if err != nil {
		return nil, domain.Transition{}, err
	}

	now := e.now()
	before := req.Status
	step.Status = domain.StepStatusApproved
	step.ApproverID = uuidPtr(actor.UserID)
	step.ApprovedAt = &now
	if in.Notes != nil {
		step.Notes = in.Notes
	}
	step.UpdatedAt = now

	req.ApproverID = uuidPtr(actor.UserID)
	req.AssigneeID = nil
	req.UpdatedAt = now

	meta := map[string]interface{}{"level": step.Level}

	if step.Level < req.FinalLevel() {
		next := nextLevel(req, step.Level)
		req.NextApprovalLevel = next.Level
		req.Status = domain.RequestStatusReviewed

		tr := domain.Transition{Action: domain.ActionReviewed}
		e.record(&tr, req, actor, domain.ActionApprove, &before, &step.ID, meta)
		e.event(&tr, req, actor, domain.ActionReviewed)
		e.notifyRole(&tr, req, next.ApproverRole, "Request awaiting approval", fmt.Sprintf("A %s request cleared level %d and awaits level %d.", req.Type, step.Level, next.Level))
		return req, tr, nil
	}

	req.NextApprovalLevel = 0
	req.Status = domain.RequestStatusApproved

	tr := domain.Transition{Action: domain.ActionApprove}
	e.record(&tr, req, actor, domain.ActionApprove, &before, &step.ID, meta)
	e.event(&tr, req, actor, domain.ActionApprove)

	if chain.AutoComplete {
		approved := req.Status
		req.Status = domain.RequestStatusCompleted
		req.CompletedAt = &now
		tr.Action = domain.ActionComplete
		e.record(&tr, req, actor, domain.ActionComplete, &approved, nil, map[string]interface{}{"auto": true})
		e.event(&tr, req, actor, domain.ActionComplete)
		e.notifyUser(&tr, req, req.InitiatorID, "Request completed", fmt.Sprintf("Your %s request was approved and completed.", req.Type))
		return req, tr, nil
	}

	e.notifyUser(&tr, req, req.InitiatorID, "Request approved", fmt.Sprintf("Your %s request was approved.", req.Type))
	return req, tr, nil
}

// Reject terminates the chain at the current step. The reason is mandatory.
func (e *Engine) Reject(current *domain.Request, actor domain.Actor, in Input) (*domain.Request, domain.Transition, error) {
	reason := ""
	if in.Reason != nil {
		reason = strings.TrimSpace(*in.Reason)
	}
	if reason == "" && in.Notes != nil {
		reason = strings.TrimSpace(*in.Notes)
	}
	if reason == "" {
		return nil, domain.Transition{}, domain.ValidationError("a rejection reason is required")
	}

	req := current.Clone()
	step, err := e.actionableStep(req, actor, domain.ActionReject, in)
	if err != nil {
		return nil, domain.Transition{}, err
	}
	if err := claimedByOther(step, actor); err != nil {
		return nil, domain.Transition{}, err
	}

	now := e.now()
	before := req.Status
	step.Status = domain.StepStatusRejected
	step.ApproverID = uuidPtr(actor.UserID)
	step.ApprovedAt = &now
	step.Notes = &reason
	step.UpdatedAt = now

	skipped := 0
	for i := range req.Steps {
		if req.Steps[i].Level > step.Level {
			req.Steps[i].Status = domain.StepStatusSkipped
			req.Steps[i].UpdatedAt = now
			skipped++
		}
	}

	req.Status = domain.RequestStatusRejected
	req.NextApprovalLevel = 0
	req.AssigneeID = nil
	req.UpdatedAt = now

	tr := domain.Transition{Action: domain.ActionReject}
	e.record(&tr, req, actor, domain.ActionReject, &before, &step.ID, map[string]interface{}{
		"level":   step.Level,
		"reason":  reason,
		"skipped": skipped,
	})
	e.event(&tr, req, actor, domain.ActionReject)
	e.notifyUser(&tr, req, req.InitiatorID, "Request rejected", fmt.Sprintf("Your %s request was rejected: %s", req.Type, reason))
	return req, tr, nil
}

// Complete closes an APPROVED request once its domain effect has happened.
func (e *Engine) Complete(current *domain.Request, actor domain.Actor, in Input) (*domain.Request, domain.Transition, error) {
	if current.Status != domain.RequestStatusApproved {
		return nil, domain.Transition{}, domain.InvalidTransitionError("cannot complete a request in status %s", current.Status)
	}
	req := current.Clone()
	if err := authz.Check(actor, domain.ActionComplete, authz.ResourceFor(req), e.now()); err != nil {
		return nil, domain.Transition{}, err
	}

	now := e.now()
	before := req.Status
	req.Status = domain.RequestStatusCompleted
	req.CompletedAt = &now
	req.UpdatedAt = now
	if in.Notes != nil {
		req.Notes = in.Notes
	}

	tr := domain.Transition{Action: domain.ActionComplete}
	e.record(&tr, req, actor, domain.ActionComplete, &before, nil, nil)
	e.event(&tr, req, actor, domain.ActionComplete)
	e.notifyUser(&tr, req, req.InitiatorID, "Request completed", fmt.Sprintf("Your %s request has been completed.", req.Type))
	return req, tr, nil
}

// Cancel withdraws a request whose approval chain is still open.
func (e *Engine) Cancel(current *domain.Request, actor domain.Actor, in Input) (*domain.Request, domain.Transition, error) {
	if !current.Status.AwaitingApproval() {
		return nil, domain.Transition{}, domain.InvalidTransitionError("cannot cancel a request in status %s", current.Status)
	}
	req := current.Clone()
	if err := authz.Check(actor, domain.ActionCancel, authz.ResourceFor(req), e.now()); err != nil {
		return nil, domain.Transition{}, err
	}

	now := e.now()
	before := req.Status
	for i := range req.Steps {
		if req.Steps[i].Status.Open() {
			req.Steps[i].Status = domain.StepStatusSkipped
			req.Steps[i].UpdatedAt = now
		}
	}
	req.Status = domain.RequestStatusCancelled
	req.NextApprovalLevel = 0
	req.AssigneeID = nil
	req.UpdatedAt = now

	meta := map[string]interface{}{}
	if in.Reason != nil && strings.TrimSpace(*in.Reason) != "" {
		meta["reason"] = strings.TrimSpace(*in.Reason)
	}

	tr := domain.Transition{Action: domain.ActionCancel}
	e.record(&tr, req, actor, domain.ActionCancel, &before, nil, meta)
	e.event(&tr, req, actor, domain.ActionCancel)
	if actor.UserID != req.InitiatorID {
		e.notifyUser(&tr, req, req.InitiatorID, "Request cancelled", fmt.Sprintf("Your %s request was cancelled by an administrator.", req.Type))
	}
	return req, tr, nil
}

// Apply dispatches on the target status of a PUT /requests/{id} body.
func (e *Engine) Apply(current *domain.Request, actor domain.Actor, target domain.RequestStatus, in Input) (*domain.Request, domain.Transition, error) {
	switch target {
	case domain.RequestStatusInReview:
		return e.MarkInReview(current, actor, in)
	case domain.RequestStatusApproved, domain.RequestStatusReviewed:
		return e.Approve(current, actor, in)
	case domain.RequestStatusRejected:
		return e.Reject(current, actor, in)
	case domain.RequestStatusCompleted:
		return e.Complete(current, actor, in)
	case domain.RequestStatusCancelled:
		return e.Cancel(current, actor, in)
	case domain.RequestStatusPending:
		return nil, domain.Transition{}, domain.InvalidTransitionError("a request cannot be moved back to %s", target)
	}
	return nil, domain.Transition{}, domain.ValidationError("unknown status %q", target)
}

// actionableStep runs the checks shared by review, approve and reject. The
// state check comes first so a closed request always reports an invalid
// transition.
func (e *Engine) actionableStep(req *domain.Request, actor domain.Actor, action domain.Action, in Input) (*domain.ApprovalStep, error) {
	if !req.Status.AwaitingApproval() {
		return nil, domain.InvalidTransitionError("cannot %s a request in status %s", verb(action), req.Status)
	}
	if in.ExpectedLevel != nil && *in.ExpectedLevel != req.NextApprovalLevel {
		return nil, domain.StaleStateError("request is at level %d, not %d", req.NextApprovalLevel, *in.ExpectedLevel)
	}
	step := req.CurrentStep()
	if step == nil {
		return nil, domain.StaleStateError("request has no step at level %d", req.NextApprovalLevel)
	}
	if !step.Status.Open() {
		return nil, domain.StaleStateError("level %d was already %s", step.Level, strings.ToLower(string(step.Status)))
	}
	if err := authz.Check(actor, action, authz.ResourceFor(req), e.now()); err != nil {
		return nil, err
	}
	return step, nil
}

func claimedByOther(step *domain.ApprovalStep, actor domain.Actor) error {
	if step.Status == domain.StepStatusInProgress && step.ApproverID != nil && *step.ApproverID != actor.UserID {
		return domain.StaleStateError("level %d is under review by another approver", step.Level)
	}
	return nil
}

func nextLevel(req *domain.Request, after int) domain.ApprovalStep {
	var next *domain.ApprovalStep
	for i := range req.Steps {
		s := &req.Steps[i]
		if s.Level > after && (next == nil || s.Level < next.Level) {
			next = s
		}
	}
	return *next
}

func verb(action domain.Action) string {
	switch action {
	case domain.ActionReview:
		return "review"
	case domain.ActionApprove:
		return "approve"
	case domain.ActionReject:
		return "reject"
	}
	return string(action)
}

func (e *Engine) record(tr *domain.Transition, req *domain.Request, actor domain.Actor, action domain.Action, before *domain.RequestStatus, stepID *uuid.UUID, meta map[string]interface{}) {
	tr.Audit = append(tr.Audit, domain.AuditEntry{
		ID:           uuid.New(),
		RequestID:    req.ID,
		StepID:       stepID,
		Action:       action,
		PerformedBy:  actor.UserID,
		StatusBefore: before,
		StatusAfter:  req.Status,
		Metadata:     meta,
		PerformedAt:  req.UpdatedAt,
	})
}

func (e *Engine) event(tr *domain.Transition, req *domain.Request, actor domain.Actor, action domain.Action) {
	tr.Events = append(tr.Events, domain.RequestEvent{
		EventID:           uuid.New(),
		Action:            action,
		RequestID:         req.ID,
		Type:              req.Type,
		Module:            req.Module,
		Status:            req.Status,
		NextApprovalLevel: req.NextApprovalLevel,
		ActorID:           actor.UserID,
		InitiatorID:       req.InitiatorID,
		OccurredAt:        req.UpdatedAt,
	})
}

func (e *Engine) notifyUser(tr *domain.Transition, req *domain.Request, userID uuid.UUID, title, message string) {
	tr.Notifications = append(tr.Notifications, domain.Notification{
		ID:              uuid.New(),
		RequestID:       req.ID,
		RecipientUserID: uuidPtr(userID),
		Title:           title,
		Message:         message,
		CreatedAt:       req.UpdatedAt,
	})
}

func (e *Engine) notifyRole(tr *domain.Transition, req *domain.Request, role, title, message string) {
	r := role
	tr.Notifications = append(tr.Notifications, domain.Notification{
		ID:            uuid.New(),
		RequestID:     req.ID,
		RecipientRole: &r,
		Title:         title,
		Message:       message,
		CreatedAt:     req.UpdatedAt,
	})
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}
