package events

import (
	"context"
	"time"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
)

// ServiceName is the event source of everything published here.
const ServiceName = "pharmacy-service"

// Cause values carried by StockChangedEvent.
const (
	CauseReceipt        = "receipt"
	CauseDispense       = "dispense"
	CauseAdjustment     = "adjustment"
	CauseReconciliation = "reconciliation"
	CauseDestruction    = "destruction"
	CauseExpiry         = "expiry"
	CauseRecompute      = "recompute"
)

// PharmacyEventPublisher publishes ledger events. A nil publisher, or one
// built without a transport, drops events. Failures are logged and never
// returned: events are notifications, the ledger is the record.
type PharmacyEventPublisher struct {
	publisher messaging.EventPublisher
	claims    Claimer
	cooldown  time.Duration
	logger    *logger.Logger
}

// NewPharmacyEventPublisher creates a publisher on the pharmacy exchange.
func NewPharmacyEventPublisher(rmq *messaging.RabbitMQ, claims Claimer, cooldown time.Duration, log *logger.Logger) (*PharmacyEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangePharmacyEvents, ServiceName, log)
	if err != nil {
		return nil, err
	}
	return NewPublisherWith(publisher, claims, cooldown, log), nil
}

// NewPublisherWith wraps any EventPublisher. claims throttles low stock
// alerts per medicine for cooldown; without claims every alert is sent.
func NewPublisherWith(publisher messaging.EventPublisher, claims Claimer, cooldown time.Duration, log *logger.Logger) *PharmacyEventPublisher {
	return &PharmacyEventPublisher{
		publisher: publisher,
		claims:    claims,
		cooldown:  cooldown,
		logger:    log,
	}
}

func (p *PharmacyEventPublisher) publish(ctx context.Context, eventType string, data interface{}, key, value string) {
	if p == nil || p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, eventType, data); err != nil {
		p.logger.Error().Err(err).Str("event_type", eventType).Str(key, value).Msg("failed to publish event")
	}
}

// PublishStockChanged publishes a stock changed event when the total moved.
func (p *PharmacyEventPublisher) PublishStockChanged(ctx context.Context, data messaging.StockChangedEvent) {
	if data.OldTotal == data.NewTotal {
		return
	}
	p.publish(ctx, messaging.EventStockChanged, data, "medicine_id", data.MedicineID)
}

// PublishLowStock publishes a low stock alert unless one went out for the
// same medicine within the cooldown.
func (p *PharmacyEventPublisher) PublishLowStock(ctx context.Context, m *repository.Medicine) {
	if p == nil || p.publisher == nil || !m.IsLowStock() {
		return
	}

	if p.claims != nil && p.cooldown > 0 {
		ok, err := p.claims.Claim(ctx, "low-stock:"+m.ID, p.cooldown)
		if err != nil {
			// Better a duplicate alert than a missed one.
			p.logger.Warn().Err(err).Str("medicine_id", m.ID).Msg("low stock throttle unavailable")
		} else if !ok {
			return
		}
	}

	p.publish(ctx, messaging.EventLowStockDetected, messaging.LowStockDetectedEvent{
		MedicineID:   m.ID,
		MedicineCode: m.Code,
		MedicineName: m.Name,
		StockOnHand:  m.StockOnHand,
		MinStock:     m.MinStock,
	}, "medicine_id", m.ID)
}

// PublishBatchExpiring warns about a batch inside the expiry window.
func (p *PharmacyEventPublisher) PublishBatchExpiring(ctx context.Context, b *repository.Batch, today time.Time) {
	days := int(clock.Date(b.ExpiryDate).Sub(clock.Date(today)).Hours() / 24)
	p.publish(ctx, messaging.EventBatchExpiring, messaging.BatchExpiringEvent{
		BatchID:           b.ID,
		MedicineID:        b.MedicineID,
		LotNumber:         b.LotNumber,
		ExpiryDate:        b.ExpiryDate.Format("2006-01-02"),
		DaysUntilExpiry:   days,
		AvailableQuantity: b.AvailableQuantity,
	}, "batch_id", b.ID)
}

// PublishBatchExpired reports a batch the sweep moved to EXPIRED.
func (p *PharmacyEventPublisher) PublishBatchExpired(ctx context.Context, b *repository.Batch) {
	p.publish(ctx, messaging.EventBatchExpired, messaging.BatchExpiredEvent{
		BatchID:           b.ID,
		MedicineID:        b.MedicineID,
		LotNumber:         b.LotNumber,
		ExpiryDate:        b.ExpiryDate.Format("2006-01-02"),
		AvailableQuantity: b.AvailableQuantity,
	}, "batch_id", b.ID)
}

// PublishReconciliationApproved announces an approved stock opname.
func (p *PharmacyEventPublisher) PublishReconciliationApproved(ctx context.Context, data messaging.CaseApprovedEvent) {
	p.publish(ctx, messaging.EventReconciliationApproved, data, "case_id", data.CaseID)
}

// PublishDestructionApproved announces an approved destruction.
func (p *PharmacyEventPublisher) PublishDestructionApproved(ctx context.Context, data messaging.CaseApprovedEvent) {
	p.publish(ctx, messaging.EventDestructionApproved, data, "case_id", data.CaseID)
}
