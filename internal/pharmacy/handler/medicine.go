package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/service"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// MedicineHandler handles catalog and stock query endpoints
type MedicineHandler struct {
	catalog *service.Catalog
	logger  *logger.Logger
}

// NewMedicineHandler creates a new medicine handler
func NewMedicineHandler(catalog *service.Catalog, log *logger.Logger) *MedicineHandler {
	return &MedicineHandler{
		catalog: catalog,
		logger:  log,
	}
}

// List lists active medicines
func (h *MedicineHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := httputil.Pagination(r, 50, 200)

	medicines, err := h.catalog.ListMedicines(r.Context(), perPage, (page-1)*perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, medicines, &httputil.Meta{Page: page, PerPage: perPage, Count: len(medicines)})
}

// Create registers a medicine
func (h *MedicineHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateMedicineRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	m, err := h.catalog.CreateMedicine(r.Context(), req, actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, m)
}

// Get returns a medicine with its batches
func (h *MedicineHandler) Get(w http.ResponseWriter, r *http.Request) {
	stock, err := h.catalog.Stock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, stock)
}

// UpdatePrices changes list prices
func (h *MedicineHandler) UpdatePrices(w http.ResponseWriter, r *http.Request) {
	var req service.UpdatePricesRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	m, err := h.catalog.UpdatePrices(r.Context(), chi.URLParam(r, "id"), req, actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, m)
}

// Movements lists the latest movements of a medicine
func (h *MedicineHandler) Movements(w http.ResponseWriter, r *http.Request) {
	limit := httputil.QueryInt(r, "limit", 100)

	movements, err := h.catalog.MedicineMovements(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movements)
}

// History returns the activity log of a medicine
func (h *MedicineHandler) History(w http.ResponseWriter, r *http.Request) {
	page, perPage := httputil.Pagination(r, 20, 100)

	entries, total, err := h.catalog.History(r.Context(), service.EntityMedicine, chi.URLParam(r, "id"), page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, entries, &httputil.Meta{Page: page, PerPage: perPage, Count: int(total)})
}

// Recompute rebuilds stock on hand from batches
func (h *MedicineHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	change, err := h.catalog.Recompute(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, change)
}

// LowStock lists medicines at or below their minimum stock
func (h *MedicineHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	medicines, err := h.catalog.LowStock(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, medicines)
}
