package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Published by the pharmacy service after a ledger commit.
	EventStockChanged           = "pharmacy.stock.changed"
	EventLowStockDetected       = "pharmacy.stock.low"
	EventBatchExpiring          = "pharmacy.batch.expiring"
	EventBatchExpired           = "pharmacy.batch.expired"
	EventReconciliationApproved = "pharmacy.reconciliation.approved"
	EventDestructionApproved    = "pharmacy.destruction.approved"

	// Consumed from procurement.
	EventGoodsReceived = "procurement.goods.received"
)

// Exchange names
const (
	ExchangePharmacyEvents    = "pharmacy.events"
	ExchangeProcurementEvents = "procurement.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// StockChangedEvent is published whenever a commit changes a medicine's
// stock on hand.
type StockChangedEvent struct {
	MedicineID string `json:"medicine_id"`
	OldTotal   int    `json:"old_total"`
	NewTotal   int    `json:"new_total"`
	Cause      string `json:"cause"`
	RefType    string `json:"ref_type,omitempty"`
	RefID      string `json:"ref_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
}

// LowStockDetectedEvent is published when stock on hand is at or below the
// medicine's minimum after a commit.
type LowStockDetectedEvent struct {
	MedicineID   string `json:"medicine_id"`
	MedicineCode string `json:"medicine_code"`
	MedicineName string `json:"medicine_name"`
	StockOnHand  int    `json:"stock_on_hand"`
	MinStock     int    `json:"min_stock"`
}

// BatchExpiringEvent is published by the expiry sweep for batches inside
// the warning window.
type BatchExpiringEvent struct {
	BatchID           string `json:"batch_id"`
	MedicineID        string `json:"medicine_id"`
	LotNumber         string `json:"lot_number"`
	ExpiryDate        string `json:"expiry_date"`
	DaysUntilExpiry   int    `json:"days_until_expiry"`
	AvailableQuantity int    `json:"available_quantity"`
}

// BatchExpiredEvent is published when the sweep retires a batch to EXPIRED.
type BatchExpiredEvent struct {
	BatchID           string `json:"batch_id"`
	MedicineID        string `json:"medicine_id"`
	LotNumber         string `json:"lot_number"`
	ExpiryDate        string `json:"expiry_date"`
	AvailableQuantity int    `json:"available_quantity"`
}

// CaseApprovedEvent is published when a reconciliation or destruction case
// reaches APPROVED.
type CaseApprovedEvent struct {
	CaseID     string `json:"case_id"`
	CaseNumber string `json:"case_number"`
	ApprovedBy string `json:"approved_by"`
	Movements  int    `json:"movements"`
	TotalValue string `json:"total_value,omitempty"`
}

// GoodsReceivedEvent is consumed from procurement. Each line becomes a new
// batch in the ledger.
type GoodsReceivedEvent struct {
	ReceiptID  string              `json:"receipt_id"`
	SupplierID string              `json:"supplier_id,omitempty"`
	ReceivedBy string              `json:"received_by"`
	ReceivedAt string              `json:"received_at"`
	Lines      []GoodsReceivedLine `json:"lines"`
}

// GoodsReceivedLine is one received lot.
type GoodsReceivedLine struct {
	MedicineID string `json:"medicine_id"`
	LotNumber  string `json:"lot_number"`
	ExpiryDate string `json:"expiry_date"`
	Quantity   int    `json:"quantity"`
	UnitCost   string `json:"unit_cost"`
}
