package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
	"github.com/michaelodikeme/coop-nest-sub006/internal/store"
	"github.com/michaelodikeme/coop-nest-sub006/internal/workflow"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

// memRepo is an in-memory store.Repository that enforces the same version
// check as the Postgres implementation.
type memRepo struct {
	store.Repository

	mu            sync.Mutex
	requests      map[uuid.UUID]*domain.Request
	audit         map[uuid.UUID][]domain.AuditEntry
	events        []domain.RequestEvent
	notifications []domain.Notification
	actors        map[uuid.UUID]domain.Actor
	missing       []string
	saves         int
	listCalls     int
	// loadGate, when set, holds every GetRequest until all expected loads arrived.
	loadGate *sync.WaitGroup
}

func newMemRepo() *memRepo {
	return &memRepo{
		requests: make(map[uuid.UUID]*domain.Request),
		audit:    make(map[uuid.UUID][]domain.AuditEntry),
		actors:   make(map[uuid.UUID]domain.Actor),
	}
}

func (m *memRepo) record(tr domain.Transition) {
	for _, entry := range tr.Audit {
		m.audit[entry.RequestID] = append(m.audit[entry.RequestID], entry)
	}
	m.events = append(m.events, tr.Events...)
	m.notifications = append(m.notifications, tr.Notifications...)
}

func (m *memRepo) CreateRequest(ctx context.Context, req *domain.Request, tr domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Version = 1
	m.requests[req.ID] = req.Clone()
	m.record(tr)
	return nil
}

func (m *memRepo) GetRequest(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	m.mu.Lock()
	stored, ok := m.requests[id]
	var out *domain.Request
	if ok {
		out = stored.Clone()
	}
	gate := m.loadGate
	m.mu.Unlock()

	if gate != nil {
		gate.Done()
		gate.Wait()
	}
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	return out, nil
}

func (m *memRepo) SaveTransition(ctx context.Context, req *domain.Request, tr domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.requests[req.ID]
	if !ok {
		return store.ErrRequestNotFound
	}
	if stored.Version != req.Version {
		return store.ErrVersionConflict
	}
	next := req.Clone()
	next.Version++
	m.requests[req.ID] = next
	m.record(tr)
	m.saves++
	req.Version++
	return nil
}

func (m *memRepo) DeleteRequest(ctx context.Context, id uuid.UUID, event domain.RequestEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return store.ErrRequestNotFound
	}
	delete(m.requests, id)
	delete(m.audit, id)
	m.events = append(m.events, event)
	return nil
}

func (m *memRepo) ListRequests(ctx context.Context, filter domain.RequestFilter, page domain.PageRequest) ([]domain.Request, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++

	matched := make([]domain.Request, 0)
	for _, req := range m.requests {
		if filter.InitiatorID != nil && req.InitiatorID != *filter.InitiatorID {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && req.Type != *filter.Type {
			continue
		}
		if filter.Module != nil && req.Module != *filter.Module {
			continue
		}
		if len(filter.Modules) > 0 && !containsModule(filter.Modules, req.Module) {
			continue
		}
		matched = append(matched, *req.Clone())
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID.String() < matched[j].ID.String() })

	page = page.Normalize()
	total := len(matched)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *memRepo) ListPendingForRole(ctx context.Context, role string, maxLevel int, modules []domain.Module) ([]domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Request, 0)
	for _, req := range m.requests {
		if !req.Status.AwaitingApproval() || !containsModule(modules, req.Module) {
			continue
		}
		step := req.CurrentStep()
		if step == nil || !step.Status.Open() || step.ApproverRole != role || step.Level > maxLevel {
			continue
		}
		out = append(out, *req.Clone())
	}
	return out, nil
}

func (m *memRepo) ListAudit(ctx context.Context, requestID uuid.UUID) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.audit[requestID]...), nil
}

func (m *memRepo) FindActor(ctx context.Context, userID uuid.UUID) (*domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	actor, ok := m.actors[userID]
	if !ok {
		return nil, store.ErrActorNotFound
	}
	return &actor, nil
}

func (m *memRepo) MissingLinks(ctx context.Context, link domain.Linkage) ([]string, error) {
	return m.missing, nil
}

func (m *memRepo) stored(id uuid.UUID) *domain.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok {
		return req.Clone()
	}
	return nil
}

func containsModule(modules []domain.Module, m domain.Module) bool {
	for _, candidate := range modules {
		if candidate == m {
			return true
		}
	}
	return false
}

type limiterStub struct {
	hits map[string]int
	err  error
}

func (l *limiterStub) Hit(ctx context.Context, key string, window time.Duration) (RateWindow, error) {
	if l.err != nil {
		return RateWindow{}, l.err
	}
	if l.hits == nil {
		l.hits = make(map[string]int)
	}
	l.hits[key]++
	return RateWindow{Hits: l.hits[key], Remaining: 41500 * time.Millisecond}, nil
}

var allModules = []domain.Module{
	domain.ModuleAccount, domain.ModuleLoan, domain.ModuleSavings,
	domain.ModuleShares, domain.ModuleUser, domain.ModuleSystem,
}

func member() domain.Actor {
	return domain.Actor{
		UserID: uuid.New(),
		Role: domain.Role{
			Name:        "member",
			Permissions: []string{domain.PermissionCreate, domain.PermissionView, domain.PermissionCancel},
			Modules:     allModules,
		},
	}
}

func approver(role string, level int) domain.Actor {
	return domain.Actor{
		UserID: uuid.New(),
		Role: domain.Role{
			Name: role,
			Permissions: []string{
				domain.PermissionView, domain.PermissionViewAll, domain.PermissionReview,
				domain.PermissionApprove, domain.PermissionReject, domain.PermissionComplete,
			},
			ApprovalLevel: level,
			Modules:       allModules,
		},
	}
}

func admin() domain.Actor {
	a := approver(domain.RoleAdmin, 5)
	a.Role.Permissions = append(a.Role.Permissions, domain.PermissionDelete, domain.PermissionCancelAny)
	return a
}

func newTestService(t *testing.T) (*Service, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	engine := workflow.NewEngine(workflow.DefaultLedger()).WithClock(func() time.Time { return testNow })
	svc := NewService(repo, engine, zerolog.Nop()).WithClock(func() time.Time { return testNow })
	return svc, repo
}

func withdrawalInput() domain.CreateRequestInput {
	biodata, savings := uuid.New(), uuid.New()
	return domain.CreateRequestInput{
		Type:      domain.RequestTypeSavingsWithdrawal,
		Content:   json.RawMessage(`{"amount": 5000}`),
		BiodataID: &biodata,
		SavingsID: &savings,
	}
}

func createWithdrawal(t *testing.T, svc *Service, initiator domain.Actor) *domain.Request {
	t.Helper()
	req, err := svc.CreateRequest(context.Background(), initiator, withdrawalInput())
	if err != nil {
		t.Fatalf("create withdrawal: %v", err)
	}
	return req
}

func strPtr(v string) *string { return &v }

func TestCreateRequest_PersistsPendingRequestWithSteps(t *testing.T) {
	svc, repo := newTestService(t)
	cache := newMemoryCache()
	svc.SetCache(cache)
	initiator := member()

	req := createWithdrawal(t, svc, initiator)

	if req.Status != domain.RequestStatusPending || req.NextApprovalLevel != 1 {
		t.Fatalf("expected PENDING at level 1, got %s at %d", req.Status, req.NextApprovalLevel)
	}
	if req.Module != domain.ModuleSavings || req.Priority != domain.PriorityMedium {
		t.Fatalf("expected defaulted module and priority, got %s/%s", req.Module, req.Priority)
	}
	stored := repo.stored(req.ID)
	if stored == nil || len(stored.Steps) != 2 || stored.Version != 1 {
		t.Fatalf("expected stored request with 2 steps at version 1, got %+v", stored)
	}
	if len(repo.events) != 1 || repo.events[0].Action != domain.ActionCreate {
		t.Fatalf("expected one created event, got %+v", repo.events)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != req.ID {
		t.Fatalf("expected cache invalidation for the new request, got %v", cache.invalidated)
	}
}

func TestCreateRequest_ZeroLevelTypeCompletesImmediately(t *testing.T) {
	svc, _ := newTestService(t)
	biodata := uuid.New()

	req, err := svc.CreateRequest(context.Background(), member(), domain.CreateRequestInput{
		Type:      domain.RequestTypeContactUpdate,
		Content:   json.RawMessage(`{"phoneNumber": "+2348000000000"}`),
		BiodataID: &biodata,
	})
	if err != nil {
		t.Fatalf("create contact update: %v", err)
	}
	if req.Status != domain.RequestStatusCompleted || req.CompletedAt == nil {
		t.Fatalf("expected COMPLETED with completedAt, got %s", req.Status)
	}
	if len(req.Steps) != 0 || req.NextApprovalLevel != 0 {
		t.Fatalf("expected no steps and level 0, got %d steps at level %d", len(req.Steps), req.NextApprovalLevel)
	}
}

func TestCreateRequest_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(in *domain.CreateRequestInput, repo *memRepo)
		wantErr error
	}{
		{
			name:    "content missing amount",
			mutate:  func(in *domain.CreateRequestInput, _ *memRepo) { in.Content = json.RawMessage(`{"reason":"fees"}`) },
			wantErr: domain.ErrValidation,
		},
		{
			name:    "unknown type",
			mutate:  func(in *domain.CreateRequestInput, _ *memRepo) { in.Type = "GOLD_PURCHASE" },
			wantErr: domain.ErrValidation,
		},
		{
			name:    "module mismatch",
			mutate:  func(in *domain.CreateRequestInput, _ *memRepo) { in.Module = domain.ModuleLoan },
			wantErr: domain.ErrValidation,
		},
		{
			name:    "required linkage absent",
			mutate:  func(in *domain.CreateRequestInput, _ *memRepo) { in.SavingsID = nil },
			wantErr: domain.ErrValidation,
		},
		{
			name:    "dangling linkage",
			mutate:  func(_ *domain.CreateRequestInput, repo *memRepo) { repo.missing = []string{"savingsId"} },
			wantErr: domain.ErrLinkage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newTestService(t)
			in := withdrawalInput()
			tt.mutate(&in, repo)

			_, err := svc.CreateRequest(context.Background(), member(), in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(repo.requests) != 0 {
				t.Fatalf("expected nothing persisted, got %d requests", len(repo.requests))
			}
		})
	}
}

func TestCreateRequest_RateLimitedPerUser(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetCreateRateLimiter(&limiterStub{}, 1)
	initiator := member()

	createWithdrawal(t, svc, initiator)
	_, err := svc.CreateRequest(context.Background(), initiator, withdrawalInput())

	var limited *RateLimitError
	if !errors.As(err, &limited) || limited.RetryAfterSeconds != 42 {
		t.Fatalf("expected rate limit error with retry hint, got %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited match, got %v", err)
	}
	createWithdrawal(t, svc, member())
}

func TestCreateRequest_LimiterFailureAllowsRequest(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetCreateRateLimiter(&limiterStub{err: errors.New("redis down")}, 1)

	createWithdrawal(t, svc, member())
	createWithdrawal(t, svc, member())
}

func TestUpdateRequest_WalksTheFullChain(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	reviewer := approver("reviewer", 1)
	treasurer := approver("treasurer", 2)
	req := createWithdrawal(t, svc, member())

	steps := []struct {
		actor      domain.Actor
		target     domain.RequestStatus
		wantStatus domain.RequestStatus
		wantLevel  int
	}{
		{reviewer, domain.RequestStatusInReview, domain.RequestStatusInReview, 1},
		{reviewer, domain.RequestStatusApproved, domain.RequestStatusReviewed, 2},
		{treasurer, domain.RequestStatusApproved, domain.RequestStatusApproved, 0},
	}
	for i, step := range steps {
		got, err := svc.UpdateRequest(ctx, step.actor, req.ID, domain.UpdateRequestInput{Status: step.target})
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, step.target, err)
		}
		if got.Status != step.wantStatus || got.NextApprovalLevel != step.wantLevel {
			t.Fatalf("step %d: expected %s at %d, got %s at %d", i, step.wantStatus, step.wantLevel, got.Status, got.NextApprovalLevel)
		}
		if got.Version != i+2 {
			t.Fatalf("step %d: expected version %d, got %d", i, i+2, got.Version)
		}
	}

	done, err := svc.CompleteRequest(ctx, req.ID, strPtr("paid out"))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.RequestStatusCompleted || done.CompletedAt == nil {
		t.Fatalf("expected COMPLETED, got %s", done.Status)
	}

	history, err := svc.History(ctx, reviewer, req.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantActions := []domain.Action{domain.ActionCreate, domain.ActionReview, domain.ActionApprove, domain.ActionApprove, domain.ActionComplete}
	if len(history) != len(wantActions) {
		t.Fatalf("expected %d audit entries, got %d", len(wantActions), len(history))
	}
	for i, want := range wantActions {
		if history[i].Action != want {
			t.Fatalf("audit %d: expected %s, got %s", i, want, history[i].Action)
		}
	}
	if repo.saves != 4 {
		t.Fatalf("expected 4 persisted transitions, got %d", repo.saves)
	}
}

func TestUpdateRequest_ConcurrentApprovalsExactlyOneWins(t *testing.T) {
	svc, repo := newTestService(t)
	req := createWithdrawal(t, svc, member())

	gate := &sync.WaitGroup{}
	gate.Add(2)
	repo.mu.Lock()
	repo.loadGate = gate
	repo.mu.Unlock()

	actors := []domain.Actor{approver("reviewer", 1), approver("reviewer", 1)}
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, actor := range actors {
		wg.Add(1)
		go func(i int, actor domain.Actor) {
			defer wg.Done()
			_, errs[i] = svc.UpdateRequest(context.Background(), actor, req.ID, domain.UpdateRequestInput{Status: domain.RequestStatusApproved})
		}(i, actor)
	}
	wg.Wait()

	repo.mu.Lock()
	repo.loadGate = nil
	repo.mu.Unlock()

	succeeded, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrStaleState):
			stale++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 || stale != 1 {
		t.Fatalf("expected one success and one stale error, got %d/%d", succeeded, stale)
	}

	stored := repo.stored(req.ID)
	if stored.Status != domain.RequestStatusReviewed || stored.NextApprovalLevel != 2 || stored.Version != 2 {
		t.Fatalf("expected a single applied approval, got %s level %d version %d", stored.Status, stored.NextApprovalLevel, stored.Version)
	}
}

func TestUpdateRequest_RepeatedReviewIsNotPersisted(t *testing.T) {
	svc, repo := newTestService(t)
	reviewer := approver("reviewer", 1)
	req := createWithdrawal(t, svc, member())
	in := domain.UpdateRequestInput{Status: domain.RequestStatusInReview}

	if _, err := svc.UpdateRequest(context.Background(), reviewer, req.ID, in); err != nil {
		t.Fatalf("first review: %v", err)
	}
	again, err := svc.UpdateRequest(context.Background(), reviewer, req.ID, in)
	if err != nil {
		t.Fatalf("second review: %v", err)
	}
	if again.Status != domain.RequestStatusInReview {
		t.Fatalf("expected IN_REVIEW, got %s", again.Status)
	}
	if repo.saves != 1 {
		t.Fatalf("expected the repeat to be a no-op, got %d saves", repo.saves)
	}
}

func TestUpdateRequest_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name    string
		actor   func() domain.Actor
		target  domain.RequestStatus
		reason  *string
		id      func(existing uuid.UUID) uuid.UUID
		wantErr error
	}{
		{
			name:    "unknown request",
			actor:   func() domain.Actor { return approver("reviewer", 1) },
			target:  domain.RequestStatusApproved,
			id:      func(uuid.UUID) uuid.UUID { return uuid.New() },
			wantErr: domain.ErrNotFound,
		},
		{
			name:    "level too low",
			actor:   func() domain.Actor { return approver("reviewer", 0) },
			target:  domain.RequestStatusApproved,
			wantErr: domain.ErrAuthorization,
		},
		{
			name:    "reject without reason",
			actor:   func() domain.Actor { return approver("reviewer", 1) },
			target:  domain.RequestStatusRejected,
			wantErr: domain.ErrValidation,
		},
		{
			name:    "complete before approval",
			actor:   func() domain.Actor { return approver("reviewer", 1) },
			target:  domain.RequestStatusCompleted,
			wantErr: domain.ErrInvalidTransition,
		},
		{
			name:    "back to pending",
			actor:   func() domain.Actor { return approver("reviewer", 1) },
			target:  domain.RequestStatusPending,
			wantErr: domain.ErrInvalidTransition,
		},
		{
			name:    "unknown status",
			actor:   func() domain.Actor { return approver("reviewer", 1) },
			target:  "ARCHIVED",
			wantErr: domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newTestService(t)
			req := createWithdrawal(t, svc, member())
			id := req.ID
			if tt.id != nil {
				id = tt.id(req.ID)
			}

			_, err := svc.UpdateRequest(context.Background(), tt.actor(), id, domain.UpdateRequestInput{Status: tt.target, Reason: tt.reason})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if repo.saves != 0 {
				t.Fatalf("expected no persisted transition, got %d", repo.saves)
			}
		})
	}
}

func TestUpdateRequest_RejectClosesChain(t *testing.T) {
	svc, repo := newTestService(t)
	req := createWithdrawal(t, svc, member())

	got, err := svc.UpdateRequest(context.Background(), approver("reviewer", 1), req.ID, domain.UpdateRequestInput{
		Status: domain.RequestStatusRejected,
		Reason: strPtr("insufficient savings history"),
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != domain.RequestStatusRejected || got.NextApprovalLevel != 0 {
		t.Fatalf("expected REJECTED at level 0, got %s at %d", got.Status, got.NextApprovalLevel)
	}
	if got.Steps[1].Status != domain.StepStatusSkipped {
		t.Fatalf("expected level 2 skipped, got %s", got.Steps[1].Status)
	}

	_, err = svc.UpdateRequest(context.Background(), approver("treasurer", 2), req.ID, domain.UpdateRequestInput{Status: domain.RequestStatusApproved})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition after rejection, got %v", err)
	}
	if last := repo.events[len(repo.events)-1]; last.Action != domain.ActionReject {
		t.Fatalf("expected rejected event last, got %s", last.Action)
	}
}

func TestUpdateRequest_InitiatorCancels(t *testing.T) {
	svc, _ := newTestService(t)
	initiator := member()
	req := createWithdrawal(t, svc, initiator)

	if _, err := svc.UpdateRequest(context.Background(), member(), req.ID, domain.UpdateRequestInput{Status: domain.RequestStatusCancelled}); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected another member to be refused, got %v", err)
	}

	got, err := svc.UpdateRequest(context.Background(), initiator, req.ID, domain.UpdateRequestInput{Status: domain.RequestStatusCancelled})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.RequestStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
}

func TestGetRequest_ChecksViewAndUsesCache(t *testing.T) {
	svc, repo := newTestService(t)
	cache := newMemoryCache()
	svc.SetCache(cache)
	initiator := member()
	req := createWithdrawal(t, svc, initiator)

	if _, err := svc.GetRequest(context.Background(), member(), req.ID); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected unrelated member to be refused, got %v", err)
	}
	if _, ok := cache.requests[req.ID]; !ok {
		t.Fatal("expected the loaded request to be cached")
	}

	// A cached copy is served even if the store no longer has it.
	repo.mu.Lock()
	delete(repo.requests, req.ID)
	repo.mu.Unlock()
	got, err := svc.GetRequest(context.Background(), initiator, req.ID)
	if err != nil {
		t.Fatalf("expected cached read, got %v", err)
	}
	if got.ID != req.ID {
		t.Fatalf("expected request %s, got %s", req.ID, got.ID)
	}
}

func TestUpdateRequest_InvalidatesCachedRequest(t *testing.T) {
	svc, _ := newTestService(t)
	cache := newMemoryCache()
	svc.SetCache(cache)
	initiator := member()
	req := createWithdrawal(t, svc, initiator)

	if _, err := svc.GetRequest(context.Background(), initiator, req.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := svc.UpdateRequest(context.Background(), approver("reviewer", 1), req.ID, domain.UpdateRequestInput{Status: domain.RequestStatusInReview}); err != nil {
		t.Fatalf("review: %v", err)
	}

	got, err := svc.GetRequest(context.Background(), initiator, req.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != domain.RequestStatusInReview {
		t.Fatalf("expected fresh IN_REVIEW read, got %s", got.Status)
	}
}

func TestUpdateRequest_LateReadDoesNotRepopulateOldVersion(t *testing.T) {
	svc, repo := newTestService(t)
	cache := newMemoryCache()
	svc.SetCache(cache)
	initiator := member()
	req := createWithdrawal(t, svc, initiator)

	// A reader loaded version 1 before the update and stores it after.
	snapshot := repo.stored(req.ID).Clone()
	if _, err := svc.UpdateRequest(context.Background(), approver("reviewer", 1), req.ID, domain.UpdateRequestInput{Status: domain.RequestStatusInReview}); err != nil {
		t.Fatalf("review: %v", err)
	}
	cache.StoreRequest(context.Background(), snapshot)

	if cached, ok := cache.Request(context.Background(), req.ID); ok {
		t.Fatalf("expected outdated version %d to be skipped", cached.Version)
	}
	got, err := svc.GetRequest(context.Background(), initiator, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RequestStatusInReview || got.Version != snapshot.Version+1 {
		t.Fatalf("expected IN_REVIEW at version %d, got %s at %d", snapshot.Version+1, got.Status, got.Version)
	}
	if cached, ok := cache.Request(context.Background(), req.ID); !ok || cached.Version != got.Version {
		t.Fatalf("expected current version to be cached, got %+v ok=%t", cached, ok)
	}
}

func TestDeleteRequest_LateReadDoesNotResurrectRequest(t *testing.T) {
	svc, repo := newTestService(t)
	cache := newMemoryCache()
	svc.SetCache(cache)
	req := createWithdrawal(t, svc, member())

	snapshot := repo.stored(req.ID).Clone()
	if err := svc.DeleteRequest(context.Background(), admin(), req.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	cache.StoreRequest(context.Background(), snapshot)

	if _, ok := cache.Request(context.Background(), req.ID); ok {
		t.Fatal("expected deleted request to stay out of the cache")
	}
}

func TestDeleteRequest_RequiresDeletePermission(t *testing.T) {
	svc, repo := newTestService(t)
	initiator := member()
	req := createWithdrawal(t, svc, initiator)

	if err := svc.DeleteRequest(context.Background(), initiator, req.ID); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected initiator delete to be refused, got %v", err)
	}
	if err := svc.DeleteRequest(context.Background(), admin(), req.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if repo.stored(req.ID) != nil {
		t.Fatal("expected request to be gone")
	}
	if last := repo.events[len(repo.events)-1]; last.Action != domain.ActionDelete || last.RequestID != req.ID {
		t.Fatalf("expected deleted event, got %+v", last)
	}
	if err := svc.DeleteRequest(context.Background(), admin(), req.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestResolveActor(t *testing.T) {
	svc, repo := newTestService(t)
	known := approver("reviewer", 1)
	repo.actors[known.UserID] = known

	got, err := svc.ResolveActor(context.Background(), known.UserID)
	if err != nil || got.Role.Name != "reviewer" {
		t.Fatalf("expected reviewer, got %+v (%v)", got, err)
	}
	if _, err := svc.ResolveActor(context.Background(), uuid.New()); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected authorization error for user without role, got %v", err)
	}
}
