package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
	"github.com/michaelodikeme/coop-nest-sub006/pkg/rabbitmq"
	"github.com/rs/zerolog"
)

// Routing keys of the domain-effect events that complete APPROVED requests.
const (
	RoutingKeyLoanDisbursed      = "loan.disbursement.succeeded"
	RoutingKeyAccountProvisioned = "account.provisioned"
	RoutingKeyWithdrawalPaid     = "savings.withdrawal.paid"
)

// RequestCompleter is the slice of Service the consumer needs.
type RequestCompleter interface {
	CompleteRequest(ctx context.Context, id uuid.UUID, notes *string) (*domain.Request, error)
}

// DomainEffectConsumer completes requests once another service reports that
// the approved effect happened.
type DomainEffectConsumer struct {
	completer RequestCompleter
	timeout   time.Duration
	log       zerolog.Logger
}

func NewDomainEffectConsumer(completer RequestCompleter, log zerolog.Logger) *DomainEffectConsumer {
	return &DomainEffectConsumer{
		completer: completer,
		timeout:   15 * time.Second,
		log:       log.With().Str("component", "domain_effect_consumer").Logger(),
	}
}

// Bindings maps every routing key this consumer handles to its handler.
func (c *DomainEffectConsumer) Bindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		RoutingKeyLoanDisbursed:      c.HandleMessage,
		RoutingKeyAccountProvisioned: c.HandleMessage,
		RoutingKeyWithdrawalPaid:     c.HandleMessage,
	}
}

// HandleMessage returns true to acknowledge and false to requeue. Malformed
// payloads and transitions the request no longer permits are acknowledged;
// conflicts and infrastructure failures are retried.
func (c *DomainEffectConsumer) HandleMessage(ctx context.Context, body []byte) bool {
	var event domain.DomainEffectEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.log.Warn().Err(err).Msg("failed to unmarshal domain effect payload; dropping")
		return true
	}
	if event.RequestID == uuid.Nil {
		c.log.Warn().Str("body", string(body)).Msg("domain effect without request id; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.completer.CompleteRequest(ctx, event.RequestID, event.Notes)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrStaleState):
		c.log.Info().Err(err).Str("request_id", event.RequestID.String()).Msg("concurrent update while completing; requeueing")
		return false
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAuthorization),
		errors.Is(err, domain.ErrValidation):
		c.log.Warn().Err(err).Str("request_id", event.RequestID.String()).Msg("domain effect not applicable; acknowledging")
		return true
	}
	c.log.Error().Err(err).Str("request_id", event.RequestID.String()).Msg("failed to complete request; requeueing")
	return false
}
