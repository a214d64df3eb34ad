/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface:
 * the requests and approval_steps tables, the audit log, notifications and the
 * consumed identity/linkage tables.
 *
 * @notes
 * - Every write runs in one transaction that also appends audit, notification
 *   and outbox rows, so a transition and its side records commit together.
 * - Transitions are guarded by the `version` column (optimistic concurrency).
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const requestColumns = `
	r.id, r.type, r.module, r.status, r.priority, r.content::text,
	r.initiator_id, r.assignee_id, r.approver_id, r.next_approval_level,
	r.biodata_id, r.loan_id, r.savings_id, r.notes, r.version,
	r.created_at, r.updated_at, r.completed_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db       *pgxpool.Pool
	exchange string
}

// NewPostgresRepository creates a new instance of PostgresRepository. Events
// are enqueued to the outbox for the given exchange.
func NewPostgresRepository(db *pgxpool.Pool, exchange string) *PostgresRepository {
	return &PostgresRepository{db: db, exchange: exchange}
}

// CreateRequest inserts the request, its steps and the creation side records.
func (r *PostgresRepository) CreateRequest(ctx context.Context, req *domain.Request, tr domain.Transition) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	content := string(req.Content)
	if strings.TrimSpace(content) == "" {
		content = "{}"
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO requests (
			id, type, module, status, priority, content,
			initiator_id, assignee_id, approver_id, next_approval_level,
			biodata_id, loan_id, savings_id, notes, version,
			created_at, updated_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16, $17)
	`,
		req.ID, string(req.Type), string(req.Module), string(req.Status), string(req.Priority), content,
		req.InitiatorID, req.AssigneeID, req.ApproverID, req.NextApprovalLevel,
		req.BiodataID, req.LoanID, req.SavingsID, req.Notes,
		req.CreatedAt, req.UpdatedAt, req.CompletedAt,
	)
	if err != nil {
		return translateWriteError(err)
	}

	for _, step := range req.Steps {
		_, err := tx.Exec(ctx, `
			INSERT INTO approval_steps (id, request_id, level, status, approver_role, approver_id, approved_at, notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, step.ID, req.ID, step.Level, string(step.Status), step.ApproverRole, step.ApproverID, step.ApprovedAt, step.Notes, step.CreatedAt, step.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert approval step %d: %w", step.Level, err)
		}
	}

	if err := r.appendSideRecordsTx(ctx, tx, tr); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	req.Version = 1
	return nil
}

// GetRequest loads one request with its steps ordered by level.
func (r *PostgresRepository) GetRequest(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	row := r.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests r WHERE r.id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}

	requests := []domain.Request{*req}
	if err := r.attachSteps(ctx, requests); err != nil {
		return nil, err
	}
	return &requests[0], nil
}

// SaveTransition writes the new aggregate state when the stored version still
// equals req.Version, then appends the transition's side records.
func (r *PostgresRepository) SaveTransition(ctx context.Context, req *domain.Request, tr domain.Transition) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE requests
		SET status = $3,
			next_approval_level = $4,
			assignee_id = $5,
			approver_id = $6,
			notes = $7,
			completed_at = $8,
			updated_at = $9,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, req.ID, req.Version, string(req.Status), req.NextApprovalLevel, req.AssigneeID, req.ApproverID, req.Notes, req.CompletedAt, req.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	for _, step := range req.Steps {
		_, err := tx.Exec(ctx, `
			UPDATE approval_steps
			SET status = $2, approver_id = $3, approved_at = $4, notes = $5, updated_at = $6
			WHERE id = $1
		`, step.ID, string(step.Status), step.ApproverID, step.ApprovedAt, step.Notes, step.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update approval step %d: %w", step.Level, err)
		}
	}

	if err := r.appendSideRecordsTx(ctx, tx, tr); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	req.Version++
	return nil
}

// DeleteRequest hard-deletes a request; steps, audit and notifications cascade.
func (r *PostgresRepository) DeleteRequest(ctx context.Context, id uuid.UUID, event domain.RequestEvent) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM requests WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	if err := enqueueEventTx(ctx, tx, r.exchange, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListRequests returns one page of requests matching filter plus the total count.
func (r *PostgresRepository) ListRequests(ctx context.Context, filter domain.RequestFilter, page domain.PageRequest) ([]domain.Request, int, error) {
	page = page.Normalize()
	where, args := buildRequestFilter(filter)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM requests r`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Request{}, 0, nil
	}

	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}
	query := `SELECT ` + requestColumns + ` FROM requests r` + where +
		fmt.Sprintf(` ORDER BY r.created_at %s, r.id %s LIMIT $%d OFFSET $%d`, order, order, len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset())

	requests, err := r.queryRequests(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

func buildRequestFilter(filter domain.RequestFilter) (string, []interface{}) {
	clauses := make([]string, 0, 8)
	args := make([]interface{}, 0, 9)
	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.Type != nil {
		add("r.type = $%d", string(*filter.Type))
	}
	if filter.Status != nil {
		add("r.status = $%d", string(*filter.Status))
	}
	if filter.Module != nil {
		add("r.module = $%d", string(*filter.Module))
	}
	if filter.InitiatorID != nil {
		add("r.initiator_id = $%d", *filter.InitiatorID)
	}
	if filter.AssignedTo != nil {
		add("r.assignee_id = $%d", *filter.AssignedTo)
	}
	if filter.DateFrom != nil {
		add("r.created_at >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		add("r.created_at <= $%d", *filter.DateTo)
	}
	if len(filter.Modules) > 0 {
		modules := make([]string, len(filter.Modules))
		for i, m := range filter.Modules {
			modules[i] = string(m)
		}
		add("r.module = ANY($%d::text[])", modules)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListPendingForRole returns open requests whose current step is awaiting role
// at a level no higher than maxLevel, oldest first. Nothing is cached; the
// join is evaluated on every call.
func (r *PostgresRepository) ListPendingForRole(ctx context.Context, role string, maxLevel int, modules []domain.Module) ([]domain.Request, error) {
	moduleNames := make([]string, len(modules))
	for i, m := range modules {
		moduleNames[i] = string(m)
	}

	query := `
		SELECT ` + requestColumns + `
		FROM requests r
		JOIN approval_steps s ON s.request_id = r.id AND s.level = r.next_approval_level
		WHERE r.status IN ('PENDING', 'IN_REVIEW', 'REVIEWED')
		  AND s.status IN ('PENDING', 'IN_PROGRESS')
		  AND s.approver_role = $1
		  AND s.level <= $2
		  AND r.module = ANY($3::text[])
		ORDER BY r.created_at ASC, r.id ASC
	`
	return r.queryRequests(ctx, query, role, maxLevel, moduleNames)
}

// ListAudit returns a request's history in the order it happened.
func (r *PostgresRepository) ListAudit(ctx context.Context, requestID uuid.UUID) ([]domain.AuditEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, request_id, step_id, action, performed_by, status_before, status_after, metadata::text, performed_at
		FROM request_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC, seq ASC
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry  domain.AuditEntry
			before *string
			after  string
			action string
			meta   string
		)
		if err := rows.Scan(&entry.ID, &entry.RequestID, &entry.StepID, &action, &entry.PerformedBy, &before, &after, &meta, &entry.PerformedAt); err != nil {
			return nil, err
		}
		entry.Action = domain.Action(action)
		entry.StatusAfter = domain.RequestStatus(after)
		if before != nil {
			s := domain.RequestStatus(*before)
			entry.StatusBefore = &s
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata %s: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListStaleApprovals groups open requests untouched since the given time by
// type and waiting level.
func (r *PostgresRepository) ListStaleApprovals(ctx context.Context, untouchedSince time.Time) ([]StaleApprovalGroup, error) {
	rows, err := r.db.Query(ctx, `
		SELECT r.type, r.next_approval_level, s.approver_role, COUNT(*), MIN(r.updated_at)
		FROM requests r
		JOIN approval_steps s ON s.request_id = r.id AND s.level = r.next_approval_level
		WHERE r.status IN ('PENDING', 'IN_REVIEW', 'REVIEWED')
		  AND r.updated_at < $1
		GROUP BY r.type, r.next_approval_level, s.approver_role
		ORDER BY MIN(r.updated_at) ASC
	`, untouchedSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make([]StaleApprovalGroup, 0)
	for rows.Next() {
		var (
			g           StaleApprovalGroup
			requestType string
		)
		if err := rows.Scan(&requestType, &g.Level, &g.Role, &g.Count, &g.OldestSince); err != nil {
			return nil, err
		}
		g.Type = domain.RequestType(requestType)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// FindActor resolves the caller's highest unexpired role assignment. When every
// active assignment has expired the most senior one is returned so the caller
// is refused with an expiry reason.
func (r *PostgresRepository) FindActor(ctx context.Context, userID uuid.UUID) (*domain.Actor, error) {
	rows, err := r.db.Query(ctx, `
		SELECT ro.name, ro.permissions, ro.approval_level, ro.modules, ra.expires_at
		FROM users u
		JOIN role_assignments ra ON ra.user_id = u.id AND ra.is_active
		JOIN roles ro ON ro.id = ra.role_id
		WHERE u.id = $1 AND u.is_active
		ORDER BY ro.approval_level DESC, ra.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assignments := make([]domain.Role, 0, 2)
	for rows.Next() {
		var (
			role    domain.Role
			modules []string
		)
		if err := rows.Scan(&role.Name, &role.Permissions, &role.ApprovalLevel, &modules, &role.ExpiresAt); err != nil {
			return nil, err
		}
		role.Modules = make([]domain.Module, len(modules))
		for i, m := range modules {
			role.Modules[i] = domain.Module(m)
		}
		assignments = append(assignments, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	role, ok := chooseAssignment(assignments, time.Now().UTC())
	if !ok {
		return nil, ErrActorNotFound
	}
	return &domain.Actor{UserID: userID, Role: role}, nil
}

// chooseAssignment picks the first unexpired role from assignments ordered by
// seniority, falling back to the most senior expired one.
func chooseAssignment(assignments []domain.Role, now time.Time) (domain.Role, bool) {
	if len(assignments) == 0 {
		return domain.Role{}, false
	}
	for _, role := range assignments {
		if !role.Expired(now) {
			return role, true
		}
	}
	return assignments[0], true
}

// MissingLinks returns the names of the referenced entities that do not exist.
func (r *PostgresRepository) MissingLinks(ctx context.Context, link domain.Linkage) ([]string, error) {
	var biodataOK, loanOK, savingsOK bool
	err := r.db.QueryRow(ctx, `
		SELECT
			($1::uuid IS NULL OR EXISTS (SELECT 1 FROM biodata WHERE id = $1)),
			($2::uuid IS NULL OR EXISTS (SELECT 1 FROM loans WHERE id = $2)),
			($3::uuid IS NULL OR EXISTS (SELECT 1 FROM savings WHERE id = $3))
	`, link.BiodataID, link.LoanID, link.SavingsID).Scan(&biodataOK, &loanOK, &savingsOK)
	if err != nil {
		return nil, err
	}

	missing := make([]string, 0, 3)
	if !biodataOK {
		missing = append(missing, "biodataId")
	}
	if !loanOK {
		missing = append(missing, "loanId")
	}
	if !savingsOK {
		missing = append(missing, "savingsId")
	}
	return missing, nil
}

func (r *PostgresRepository) queryRequests(ctx context.Context, query string, args ...interface{}) ([]domain.Request, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]domain.Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachSteps(ctx, requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// attachSteps loads the steps of all given requests in one round trip.
func (r *PostgresRepository) attachSteps(ctx context.Context, requests []domain.Request) error {
	if len(requests) == 0 {
		return nil
	}
	ids := make([]string, len(requests))
	index := make(map[uuid.UUID]int, len(requests))
	for i := range requests {
		ids[i] = requests[i].ID.String()
		index[requests[i].ID] = i
		requests[i].Steps = []domain.ApprovalStep{}
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, request_id, level, status, approver_role, approver_id, approved_at, notes, created_at, updated_at
		FROM approval_steps
		WHERE request_id = ANY($1::uuid[])
		ORDER BY request_id, level ASC
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step   domain.ApprovalStep
			status string
		)
		if err := rows.Scan(&step.ID, &step.RequestID, &step.Level, &status, &step.ApproverRole, &step.ApproverID, &step.ApprovedAt, &step.Notes, &step.CreatedAt, &step.UpdatedAt); err != nil {
			return err
		}
		step.Status = domain.StepStatus(status)
		i := index[step.RequestID]
		requests[i].Steps = append(requests[i].Steps, step)
	}
	return rows.Err()
}

func scanRequest(row pgx.Row) (*domain.Request, error) {
	var (
		req         domain.Request
		requestType string
		module      string
		status      string
		priority    string
		content     string
	)
	err := row.Scan(
		&req.ID, &requestType, &module, &status, &priority, &content,
		&req.InitiatorID, &req.AssigneeID, &req.ApproverID, &req.NextApprovalLevel,
		&req.BiodataID, &req.LoanID, &req.SavingsID, &req.Notes, &req.Version,
		&req.CreatedAt, &req.UpdatedAt, &req.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Type = domain.RequestType(requestType)
	req.Module = domain.Module(module)
	req.Status = domain.RequestStatus(status)
	req.Priority = domain.Priority(priority)
	req.Content = json.RawMessage(content)
	return &req, nil
}

func (r *PostgresRepository) appendSideRecordsTx(ctx context.Context, tx pgx.Tx, tr domain.Transition) error {
	for _, entry := range tr.Audit {
		if err := insertAuditTx(ctx, tx, entry); err != nil {
			return err
		}
	}
	for _, n := range tr.Notifications {
		if err := insertNotificationTx(ctx, tx, n); err != nil {
			return err
		}
	}
	for _, event := range tr.Events {
		if err := enqueueEventTx(ctx, tx, r.exchange, event); err != nil {
			return err
		}
	}
	return nil
}

func insertAuditTx(ctx context.Context, tx pgx.Tx, entry domain.AuditEntry) error {
	meta := entry.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	blob, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	var before *string
	if entry.StatusBefore != nil {
		s := string(*entry.StatusBefore)
		before = &s
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO request_audit_log (id, request_id, step_id, action, performed_by, status_before, status_after, metadata, performed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
	`, entry.ID, entry.RequestID, entry.StepID, string(entry.Action), entry.PerformedBy, before, string(entry.StatusAfter), string(blob), entry.PerformedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func insertNotificationTx(ctx context.Context, tx pgx.Tx, n domain.Notification) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO notifications (id, request_id, recipient_user_id, recipient_role, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.RequestID, n.RecipientUserID, n.RecipientRole, n.Title, n.Message, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// translateWriteError maps constraint violations on the requests table.
func translateWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrLinkedEntityGone, pgErr.ConstraintName)
		case pgUniqueViolation:
			return fmt.Errorf("duplicate request (%s): %w", pgErr.ConstraintName, err)
		}
	}
	return err
}
