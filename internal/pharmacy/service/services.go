package service

import (
	"time"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/events"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// Options configures NewServices.
type Options struct {
	Ledger             LedgerOptions
	ExpiringWindowDays int
	ExpiryScanInterval time.Duration
}

// Services is the wired pharmacy domain.
type Services struct {
	Aggregator     *StockAggregator
	Allocator      *Allocator
	Ledger         *Ledger
	Catalog        *Catalog
	Reconciliation *ReconciliationService
	Destruction    *DestructionService
	Sweeper        *ExpirySweeper
}

// NewServices builds every service on db. publisher and claims may be nil.
func NewServices(db *database.DB, publisher *events.PharmacyEventPublisher, claims events.Claimer, clk clock.Clock, opts Options, log *logger.Logger) *Services {
	medicines := repository.NewMedicineRepository(db)
	batches := repository.NewBatchRepository(db)
	movements := repository.NewMovementRepository(db)
	sequences := repository.NewSequenceRepository(db)
	audit := NewAuditRecorder(repository.NewAuditRepository(db))

	aggregator := NewStockAggregator(db, medicines, batches, clk)
	allocator := NewAllocator(medicines, batches, clk)
	ledger := NewLedger(db, medicines, batches, movements, audit, aggregator, allocator, publisher, clk, opts.Ledger, log)

	return &Services{
		Aggregator: aggregator,
		Allocator:  allocator,
		Ledger:     ledger,
		Catalog:    NewCatalog(db, medicines, batches, movements, aggregator, audit, publisher, clk),
		Reconciliation: NewReconciliationService(
			db, repository.NewReconciliationRepository(db), batches, sequences, ledger, audit, publisher, clk, log,
		),
		Destruction: NewDestructionService(
			db, repository.NewDestructionRepository(db), batches, sequences, ledger, audit, publisher, clk, log,
		),
		Sweeper: NewExpirySweeper(ledger, batches, publisher, claims, opts.ExpiringWindowDays, opts.ExpiryScanInterval, clk, log),
	}
}
