package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
)

const (
	outboxPending    = "pending"
	outboxProcessing = "processing"
	outboxPublished  = "published"

	maxOutboxErrorLength = 2000
)

// OutboxEvent is a committed lifecycle event waiting for the broker.
type OutboxEvent struct {
	ID         int64     `db:"id"`
	EventID    uuid.UUID `db:"event_id"`
	RequestID  uuid.UUID `db:"request_id"`
	Exchange   string    `db:"exchange"`
	RoutingKey string    `db:"routing_key"`
	Payload    []byte    `db:"payload"`
	Attempts   int       `db:"attempts"`
}

// ClaimEvents leases up to batch due events to the caller. A lease older than
// reclaimAfter is considered abandoned and handed out again.
func (r *PostgresRepository) ClaimEvents(ctx context.Context, batch int, reclaimAfter time.Duration) ([]OutboxEvent, error) {
	if batch <= 0 {
		batch = 50
	}
	if reclaimAfter <= 0 {
		reclaimAfter = 2 * time.Minute
	}

	rows, err := r.db.Query(ctx, `
		UPDATE event_outbox AS o
		SET status = @processing,
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		WHERE o.id IN (
			SELECT id FROM event_outbox
			WHERE (status = @pending AND next_attempt_at <= NOW())
			   OR (status = @processing AND processing_started_at < NOW() - make_interval(secs => @reclaim_secs))
			ORDER BY created_at
			LIMIT @batch
			FOR UPDATE SKIP LOCKED
		)
		RETURNING o.id, o.event_id, o.request_id, o.exchange, o.routing_key, o.payload::text AS payload, o.attempts
	`, pgx.NamedArgs{
		"pending":      outboxPending,
		"processing":   outboxProcessing,
		"reclaim_secs": reclaimAfter.Seconds(),
		"batch":        batch,
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[OutboxEvent])
}

// MarkEventPublished closes the lease on a delivered event.
func (r *PostgresRepository) MarkEventPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = @published, published_at = NOW(), processing_started_at = NULL, last_error = NULL
		WHERE id = @id
	`, pgx.NamedArgs{"published": outboxPublished, "id": id})
	return err
}

// RescheduleEvent releases the lease and makes the event due again after retryIn.
func (r *PostgresRepository) RescheduleEvent(ctx context.Context, id int64, retryIn time.Duration, cause error) error {
	if retryIn < time.Second {
		retryIn = time.Second
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if len(reason) > maxOutboxErrorLength {
		reason = reason[:maxOutboxErrorLength]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = @pending,
			next_attempt_at = NOW() + make_interval(secs => @retry_secs),
			processing_started_at = NULL,
			last_error = NULLIF(@reason, '')
		WHERE id = @id
	`, pgx.NamedArgs{"pending": outboxPending, "retry_secs": retryIn.Seconds(), "reason": reason, "id": id})
	return err
}

// enqueueEventTx writes event to the outbox inside the transaction that
// produced it. Re-enqueueing the same event id is a no-op.
func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange string, event domain.RequestEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Action, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (event_id, request_id, exchange, routing_key, payload)
		VALUES (@event_id, @request_id, @exchange, @routing_key, @payload::jsonb)
		ON CONFLICT (event_id) DO NOTHING
	`, pgx.NamedArgs{
		"event_id":    event.EventID,
		"request_id":  event.RequestID,
		"exchange":    exchange,
		"routing_key": event.Action.RoutingKey(),
		"payload":     string(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}
