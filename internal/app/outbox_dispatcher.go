package app

import (
	"context"
	"time"

	"github.com/michaelodikeme/coop-nest-sub006/internal/metrics"
	"github.com/michaelodikeme/coop-nest-sub006/internal/store"
	"github.com/michaelodikeme/coop-nest-sub006/pkg/rabbitmq"
	"github.com/rs/zerolog"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// PublisherFactory opens a publisher; it is called again after a failed publish.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher relays committed lifecycle events from the outbox table to
// RabbitMQ with exponential retry.
type OutboxDispatcher struct {
	repo                store.OutboxRepository
	dial                PublisherFactory
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	producer            rabbitmq.Publisher
	log                 zerolog.Logger
}

func NewOutboxDispatcher(repo store.OutboxRepository, dial PublisherFactory, pollInterval time.Duration, log zerolog.Logger) *OutboxDispatcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &OutboxDispatcher{
		repo:                repo,
		dial:                dial,
		batchSize:           defaultBatchSize,
		pollInterval:        pollInterval,
		staleProcessingTime: defaultStaleProcessing,
		log:                 log.With().Str("component", "outbox_dispatcher").Logger(),
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				d.log.Error().Err(err).Msg("outbox flush failed")
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	events, err := d.repo.ClaimEvents(ctx, d.batchSize, d.staleProcessingTime)
	if err != nil {
		return err
	}

	for _, event := range events {
		log := d.log.With().Int64("outbox_id", event.ID).Str("request_id", event.RequestID.String()).
			Str("routing_key", event.RoutingKey).Logger()
		if err := d.publish(ctx, event); err != nil {
			retryIn := retryDelay(event.Attempts)
			metrics.RecordOutbox("failed")
			log.Warn().Err(err).Int("attempts", event.Attempts).Dur("retry_in", retryIn).Msg("outbox publish failed")
			if rescheduleErr := d.repo.RescheduleEvent(ctx, event.ID, retryIn, err); rescheduleErr != nil {
				log.Error().Err(rescheduleErr).Msg("failed to reschedule outbox event")
			}
			continue
		}
		metrics.RecordOutbox("published")
		if err := d.repo.MarkEventPublished(ctx, event.ID); err != nil {
			log.Error().Err(err).Msg("failed to mark outbox event as published")
		}
	}
	return nil
}

func (d *OutboxDispatcher) publish(ctx context.Context, event store.OutboxEvent) error {
	if d.producer == nil {
		producer, err := d.dial()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.PublishRaw(ctx, event.Exchange, event.RoutingKey, event.Payload); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

// retryDelay doubles per attempt, capped at 256s.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return time.Second
	}
	return time.Duration(1<<min(attempt, 8)) * time.Second
}
