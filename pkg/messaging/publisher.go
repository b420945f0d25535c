package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EventPublisher publishes a typed event. The routing key is the event type.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// confirmTimeout bounds the wait for a broker acknowledgement.
const confirmTimeout = 5 * time.Second

// Publisher publishes events to one exchange on its own channel in confirm
// mode. Publish returns only after the broker has taken the message.
type Publisher struct {
	ch       *amqp.Channel
	exchange string
	source   string
	logger   *logger.Logger
}

// NewPublisher declares exchange and opens a confirming channel for it.
func NewPublisher(rmq *RabbitMQ, exchange, source string, log *logger.Logger) (*Publisher, error) {
	if err := rmq.DeclareExchange(exchange); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	ch, err := rmq.OpenConfirmChannel()
	if err != nil {
		return nil, err
	}

	return &Publisher{
		ch:       ch,
		exchange: exchange,
		source:   source,
		logger:   log,
	}, nil
}

// Publish wraps data in an Event routed by its type. The correlation id is
// taken from ctx when present.
func (p *Publisher) Publish(ctx context.Context, eventType string, data interface{}) error {
	correlationID := CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	event, err := NewEvent(eventType, p.source, correlationID, data)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, eventType, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.ID,
		CorrelationId: event.CorrelationID,
		Timestamp:     event.Timestamp,
		Type:          event.Type,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("no broker confirm for event %s: %w", event.ID, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected event %s", event.ID)
	}

	p.logger.Debug().
		Str("routing_key", eventType).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Msg("event published")
	return nil
}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationID retrieves the correlation ID from context
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
