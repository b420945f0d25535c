package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/service"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/shopspring/decimal"
)

// StockHandler handles batch and ledger endpoints
type StockHandler struct {
	ledger  *service.Ledger
	catalog *service.Catalog
	sweeper *service.ExpirySweeper
	logger  *logger.Logger
}

// NewStockHandler creates a new stock handler
func NewStockHandler(ledger *service.Ledger, catalog *service.Catalog, sweeper *service.ExpirySweeper, log *logger.Logger) *StockHandler {
	return &StockHandler{
		ledger:  ledger,
		catalog: catalog,
		sweeper: sweeper,
		logger:  log,
	}
}

type refBody struct {
	RefID string `json:"ref_id" validate:"max=100"`
	Note  string `json:"note" validate:"max=500"`
}

func (b refBody) ref(refType string) service.Ref {
	return service.Ref{Type: refType, ID: b.RefID, Note: b.Note}
}

type receiveBatchBody struct {
	LotNumber    string          `json:"lot_number" validate:"required,max=100"`
	ExpiryDate   string          `json:"expiry_date" validate:"required,datetime=2006-01-02"`
	ReceivedDate string          `json:"received_date" validate:"omitempty,datetime=2006-01-02"`
	Quantity     int             `json:"quantity" validate:"gt=0"`
	UnitCost     decimal.Decimal `json:"unit_cost" validate:"gte=0"`
	refBody
}

// ReceiveBatch records a newly received lot of a medicine
func (h *StockHandler) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var body receiveBatchBody
	if !decodeAndValidate(w, r, &body) {
		return
	}

	// Format already checked by the validator.
	expiry, _ := time.Parse(time.DateOnly, body.ExpiryDate)
	var received time.Time
	if body.ReceivedDate != "" {
		received, _ = time.Parse(time.DateOnly, body.ReceivedDate)
	}

	batch, movement, err := h.ledger.ReceiveBatch(r.Context(), service.NewBatchRequest{
		MedicineID:   chi.URLParam(r, "id"),
		LotNumber:    body.LotNumber,
		ExpiryDate:   expiry,
		ReceivedDate: received,
		Quantity:     body.Quantity,
		UnitCost:     body.UnitCost,
	}, actorFrom(r), body.ref(service.RefReceipt))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, map[string]interface{}{
		"batch":    batch,
		"movement": movement,
	})
}

type restockBody struct {
	Quantity int             `json:"quantity" validate:"gt=0"`
	UnitCost decimal.Decimal `json:"unit_cost" validate:"gte=0"`
	refBody
}

// Restock receives more units into an existing batch
func (h *StockHandler) Restock(w http.ResponseWriter, r *http.Request) {
	var body restockBody
	if !decodeAndValidate(w, r, &body) {
		return
	}

	batch, err := h.catalog.Batch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	movement, err := h.ledger.CommitReceipt(r.Context(), service.ReceiptRequest{
		MedicineID: batch.MedicineID,
		BatchID:    batch.ID,
		Quantity:   body.Quantity,
		UnitCost:   body.UnitCost,
	}, actorFrom(r), body.ref(service.RefReceipt))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, movement)
}

type dispenseBody struct {
	Direction repository.Direction      `json:"direction" validate:"required,oneof=OUT SALE"`
	Items     []service.DispenseRequest `json:"items" validate:"required,min=1,dive"`
	refBody
}

// Dispense allocates FEFO and commits one or more medicines together
func (h *StockHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	var body dispenseBody
	if !decodeAndValidate(w, r, &body) {
		return
	}

	result, err := h.ledger.Dispense(r.Context(), body.Items, body.Direction, actorFrom(r), body.ref(""))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

type allocateBody struct {
	Items []service.AllocationRequest `json:"items" validate:"required,min=1,dive"`
}

// Allocate previews FEFO plans without committing anything
func (h *StockHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var body allocateBody
	if !decodeAndValidate(w, r, &body) {
		return
	}

	plans, err := h.ledger.Plan(r.Context(), body.Items)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, plans)
}

type adjustBody struct {
	Delta int `json:"delta" validate:"ne=0"`
	refBody
}

// Adjust applies a signed correction to a batch
func (h *StockHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var body adjustBody
	if !decodeAndValidate(w, r, &body) {
		return
	}

	movement, err := h.ledger.CommitAdjustment(r.Context(), chi.URLParam(r, "id"), body.Delta, actorFrom(r), body.ref(service.RefManual))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, movement)
}

type statusBody struct {
	Status repository.BatchStatus `json:"status" validate:"required,oneof=AVAILABLE QUARANTINED RECALLED"`
	Reason string                 `json:"reason" validate:"max=500"`
}

// ChangeStatus quarantines, recalls or releases a batch
func (h *StockHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if !decodeAndValidate(w, r, &body) {
		return
	}

	batch, err := h.ledger.ChangeBatchStatus(r.Context(), chi.URLParam(r, "id"), body.Status, actorFrom(r), body.Reason)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// CorrectCost fixes a batch's recorded unit cost
func (h *StockHandler) CorrectCost(w http.ResponseWriter, r *http.Request) {
	var body service.CorrectBatchCostRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}

	batch, err := h.catalog.CorrectBatchCost(r.Context(), chi.URLParam(r, "id"), body, actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// Retire soft-deletes an empty batch
func (h *StockHandler) Retire(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.RetireBatch(r.Context(), chi.URLParam(r, "id"), actorFrom(r)); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}

// GetBatch gets a batch by ID
func (h *StockHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.catalog.Batch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// BatchMovements lists the movements of a batch
func (h *StockHandler) BatchMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := h.catalog.BatchMovements(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movements)
}

// Expiring lists batches expiring within ?days (default 30)
func (h *StockHandler) Expiring(w http.ResponseWriter, r *http.Request) {
	batches, err := h.catalog.Expiring(r.Context(), httputil.QueryInt(r, "days", 30))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}

// Sweep runs the expiry sweep now
func (h *StockHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := httputil.DecodeJSON(r, v); err != nil {
		httputil.Error(w, err)
		return false
	}
	if err := httputil.Validate(v); err != nil {
		httputil.Error(w, err)
		return false
	}
	return true
}

// actorFrom returns the actor stored by httputil.RequireActor. Routes are
// always mounted behind that middleware; the zero actor fails service
// validation otherwise.
func actorFrom(r *http.Request) actor.Actor {
	a, _ := httputil.ActorFromContext(r.Context())
	return a
}
