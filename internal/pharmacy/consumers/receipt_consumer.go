package consumers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/events"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/service"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
	"github.com/shopspring/decimal"
)

// receiptClaimTTL is how long a processed receipt id is remembered.
const receiptClaimTTL = 7 * 24 * time.Hour

// BatchReceiver books received lots into the ledger.
type BatchReceiver interface {
	ReceiveBatches(ctx context.Context, reqs []service.NewBatchRequest, a actor.Actor, ref service.Ref) ([]*repository.Batch, error)
}

// ReceiptConsumer turns procurement goods-received events into batches.
type ReceiptConsumer struct {
	consumer *messaging.Consumer
	receiver BatchReceiver
	claims   events.Claimer
	logger   *logger.Logger
}

// NewReceiptConsumer creates a new receipt consumer bound to queue.
func NewReceiptConsumer(rmq *messaging.RabbitMQ, queue string, receiver BatchReceiver, claims events.Claimer, log *logger.Logger) (*ReceiptConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, queue, log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeProcurementEvents, messaging.EventGoodsReceived); err != nil {
		return nil, err
	}

	c := newReceiptConsumer(receiver, claims, log)
	c.consumer = consumer
	consumer.RegisterHandler(messaging.EventGoodsReceived, c.handleGoodsReceived)

	return c, nil
}

func newReceiptConsumer(receiver BatchReceiver, claims events.Claimer, log *logger.Logger) *ReceiptConsumer {
	return &ReceiptConsumer{
		receiver: receiver,
		claims:   claims,
		logger:   log.WithComponent("receipt-consumer"),
	}
}

// Start starts consuming messages
func (c *ReceiptConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *ReceiptConsumer) handleGoodsReceived(ctx context.Context, event *messaging.Event) error {
	var data messaging.GoodsReceivedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return messaging.Permanent(err)
	}
	if data.ReceiptID == "" {
		return messaging.Permanent(fmt.Errorf("goods received event %s has no receipt id", event.ID))
	}

	reqs, err := toBatchRequests(data)
	if err != nil {
		return messaging.Permanent(err)
	}

	key := "receipt:" + data.ReceiptID
	if c.claims != nil {
		ok, err := c.claims.Claim(ctx, key, receiptClaimTTL)
		if err != nil {
			return err
		}
		if !ok {
			c.logger.Info().Str("receipt_id", data.ReceiptID).Msg("receipt already processed, skipping")
			return nil
		}
	}

	received := actor.System()
	if id := strings.TrimSpace(data.ReceivedBy); id != "" {
		received = actor.Actor{ID: id, Role: "procurement"}
	}

	batches, err := c.receiver.ReceiveBatches(ctx, reqs, received, service.Ref{Type: service.RefReceipt, ID: data.ReceiptID})
	if err != nil {
		if c.claims != nil {
			if releaseErr := c.claims.Release(ctx, key); releaseErr != nil {
				c.logger.Warn().Err(releaseErr).Str("receipt_id", data.ReceiptID).Msg("failed to release receipt claim")
			}
		}
		if isPermanent(err) {
			return messaging.Permanent(err)
		}
		return err
	}

	c.logger.Info().
		Str("receipt_id", data.ReceiptID).
		Int("batches", len(batches)).
		Msg("goods receipt booked")
	return nil
}

// isPermanent reports whether a ledger error would repeat on redelivery.
func isPermanent(err error) bool {
	switch errors.Kind(err) {
	case errors.ErrInvalidArgument, errors.ErrUnknownMedicine, errors.ErrUnknownBatch, errors.ErrConflict:
		return true
	}
	return false
}

func toBatchRequests(data messaging.GoodsReceivedEvent) ([]service.NewBatchRequest, error) {
	if len(data.Lines) == 0 {
		return nil, fmt.Errorf("receipt %s has no lines", data.ReceiptID)
	}

	var receivedAt time.Time
	if data.ReceivedAt != "" {
		t, err := parseDate(data.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: invalid received_at: %w", data.ReceiptID, err)
		}
		receivedAt = t
	}

	reqs := make([]service.NewBatchRequest, 0, len(data.Lines))
	for i, line := range data.Lines {
		expiry, err := time.Parse(time.DateOnly, line.ExpiryDate)
		if err != nil {
			return nil, fmt.Errorf("receipt %s line %d: invalid expiry_date: %w", data.ReceiptID, i+1, err)
		}

		cost := decimal.Zero
		if line.UnitCost != "" {
			if cost, err = decimal.NewFromString(line.UnitCost); err != nil {
				return nil, fmt.Errorf("receipt %s line %d: invalid unit_cost: %w", data.ReceiptID, i+1, err)
			}
		}

		reqs = append(reqs, service.NewBatchRequest{
			MedicineID:   line.MedicineID,
			LotNumber:    line.LotNumber,
			ExpiryDate:   expiry,
			ReceivedDate: receivedAt,
			Quantity:     line.Quantity,
			UnitCost:     cost,
		})
	}
	return reqs, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
