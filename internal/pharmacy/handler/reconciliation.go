package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/service"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// ReconciliationHandler handles stock count endpoints
type ReconciliationHandler struct {
	service *service.ReconciliationService
	catalog *service.Catalog
	logger  *logger.Logger
}

// NewReconciliationHandler creates a new reconciliation handler
func NewReconciliationHandler(svc *service.ReconciliationService, catalog *service.Catalog, log *logger.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{
		service: svc,
		catalog: catalog,
		logger:  log,
	}
}

// List lists cases by ?status (default COMPLETED, i.e. pending approval)
func (h *ReconciliationHandler) List(w http.ResponseWriter, r *http.Request) {
	status := repository.ReconciliationStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = repository.ReconciliationCompleted
	}

	cases, err := h.service.ListByStatus(r.Context(), status)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, cases)
}

// Create opens a stock count
func (h *ReconciliationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateReconciliationRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	c, err := h.service.CreateCase(r.Context(), req, actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, c)
}

// Get gets a case with its lines
func (h *ReconciliationHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, c)
}

// AddLine adds a batch to the count
func (h *ReconciliationHandler) AddLine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchID string `json:"batch_id" validate:"required,uuid"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}

	line, err := h.service.AddLine(r.Context(), chi.URLParam(r, "id"), req.BatchID, actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, line)
}

// RecordCount stores the physical quantity of a line
func (h *ReconciliationHandler) RecordCount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhysicalQuantity *int   `json:"physical_quantity" validate:"required,gte=0"`
		Note             string `json:"note" validate:"max=500"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}

	line, err := h.service.RecordCount(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lineID"), *req.PhysicalQuantity, req.Note, actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, line)
}

// Complete closes counting
func (h *ReconciliationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Report string `json:"report" validate:"required"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}

	c, err := h.service.Complete(r.Context(), chi.URLParam(r, "id"), req.Report, actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, c)
}

// Approve books the differences and closes the case
func (h *ReconciliationHandler) Approve(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, c)
}

// Movements lists the adjustments booked by an approved case
func (h *ReconciliationHandler) Movements(w http.ResponseWriter, r *http.Request) {
	movements, err := h.catalog.DocumentMovements(r.Context(), service.RefReconciliation, chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movements)
}
