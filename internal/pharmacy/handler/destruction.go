package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/service"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// DestructionHandler handles destruction endpoints
type DestructionHandler struct {
	service *service.DestructionService
	logger  *logger.Logger
}

// NewDestructionHandler creates a new destruction handler
func NewDestructionHandler(svc *service.DestructionService, log *logger.Logger) *DestructionHandler {
	return &DestructionHandler{
		service: svc,
		logger:  log,
	}
}

// List lists cases by ?status (default COMPLETED, i.e. pending approval)
func (h *DestructionHandler) List(w http.ResponseWriter, r *http.Request) {
	status := repository.DestructionStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = repository.DestructionCompleted
	}

	cases, err := h.service.ListByStatus(r.Context(), status)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, cases)
}

// Create opens a draft destruction case
func (h *DestructionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateDestructionRequest
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

// Get gets a case with its lines and total value
func (h *DestructionHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"case":        c,
		"total_value": c.TotalValue(),
	})
}

// AddLine puts a batch quantity on the case
func (h *DestructionHandler) AddLine(w http.ResponseWriter, r *http.Request) {
	var req service.AddDestructionLineRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	line, err := h.service.AddLine(r.Context(), chi.URLParam(r, "id"), req, actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, line)
}

// Complete attaches the signed report reference
func (h *DestructionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentRef string `json:"document_ref" validate:"required,max=255"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}

	c, err := h.service.Complete(r.Context(), chi.URLParam(r, "id"), req.DocumentRef, actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, c)
}

// Approve writes off the case's stock
func (h *DestructionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, c)
}

// Eligible lists batches that can be destroyed for expiry
func (h *DestructionHandler) Eligible(w http.ResponseWriter, r *http.Request) {
	batches, err := h.service.EligibleBatches(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}
