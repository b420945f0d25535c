package handler

import (
	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/service"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// Mount registers the pharmacy API on r. Every route requires the gateway's
// identity headers.
func Mount(r chi.Router, svc *service.Services, log *logger.Logger) {
	medicines := NewMedicineHandler(svc.Catalog, log)
	stock := NewStockHandler(svc.Ledger, svc.Catalog, svc.Sweeper, log)
	reconciliation := NewReconciliationHandler(svc.Reconciliation, svc.Catalog, log)
	destruction := NewDestructionHandler(svc.Destruction, log)

	r.Route("/api/v1/pharmacy", func(r chi.Router) {
		r.Use(httputil.RequireActor)

		r.Route("/medicines", func(r chi.Router) {
			r.Get("/", medicines.List)
			r.Post("/", medicines.Create)
			r.Get("/low-stock", medicines.LowStock)
			r.Get("/{id}", medicines.Get)
			r.Put("/{id}/prices", medicines.UpdatePrices)
			r.Get("/{id}/movements", medicines.Movements)
			r.Get("/{id}/history", medicines.History)
			r.Post("/{id}/recompute", medicines.Recompute)
			r.Post("/{id}/batches", stock.ReceiveBatch)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Get("/expiring", stock.Expiring)
			r.Post("/expiry-sweep", stock.Sweep)
			r.Get("/{id}", stock.GetBatch)
			r.Get("/{id}/movements", stock.BatchMovements)
			r.Post("/{id}/receipts", stock.Restock)
			r.Post("/{id}/adjustments", stock.Adjust)
			r.Put("/{id}/status", stock.ChangeStatus)
			r.Put("/{id}/unit-cost", stock.CorrectCost)
			r.Delete("/{id}", stock.Retire)
		})

		r.Post("/allocations", stock.Allocate)
		r.Post("/dispenses", stock.Dispense)

		r.Route("/reconciliations", func(r chi.Router) {
			r.Get("/", reconciliation.List)
			r.Post("/", reconciliation.Create)
			r.Get("/{id}", reconciliation.Get)
			r.Post("/{id}/lines", reconciliation.AddLine)
			r.Put("/{id}/lines/{lineID}", reconciliation.RecordCount)
			r.Post("/{id}/complete", reconciliation.Complete)
			r.Post("/{id}/approve", reconciliation.Approve)
			r.Get("/{id}/movements", reconciliation.Movements)
		})

		r.Route("/destructions", func(r chi.Router) {
			r.Get("/", destruction.List)
			r.Post("/", destruction.Create)
			r.Get("/eligible-batches", destruction.Eligible)
			r.Get("/{id}", destruction.Get)
			r.Post("/{id}/lines", destruction.AddLine)
			r.Post("/{id}/complete", destruction.Complete)
			r.Post("/{id}/approve", destruction.Approve)
		})
	})
}
