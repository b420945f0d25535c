package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/events"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
	"github.com/shopspring/decimal"
)

// ReconciliationPrefix starts every stock opname number.
const ReconciliationPrefix = "SO"

// CreateReconciliationRequest opens a stock count. Lines may be added now
// or later with AddLine.
type CreateReconciliationRequest struct {
	Notes    string   `json:"notes" validate:"max=1000"`
	BatchIDs []string `json:"batch_ids" validate:"dive,uuid"`
}

// ReconciliationService runs stock counts: IN_PROGRESS while counting,
// COMPLETED once every line is counted and the report is written, APPROVED
// when the differences have been booked as adjustments.
type ReconciliationService struct {
	db        *database.DB
	repo      *repository.ReconciliationRepository
	batches   *repository.BatchRepository
	sequences *repository.SequenceRepository
	ledger    *Ledger
	audit     *AuditRecorder
	publisher *events.PharmacyEventPublisher
	clock     clock.Clock
	logger    *logger.Logger
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(
	db *database.DB,
	repo *repository.ReconciliationRepository,
	batches *repository.BatchRepository,
	sequences *repository.SequenceRepository,
	ledger *Ledger,
	audit *AuditRecorder,
	publisher *events.PharmacyEventPublisher,
	clk clock.Clock,
	log *logger.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		db:        db,
		repo:      repo,
		batches:   batches,
		sequences: sequences,
		ledger:    ledger,
		audit:     audit,
		publisher: publisher,
		clock:     clk,
		logger:    log.WithComponent("reconciliation"),
	}
}

// CreateCase opens a new count and snapshots the listed batches.
func (s *ReconciliationService) CreateCase(ctx context.Context, req CreateReconciliationRequest, a actor.Actor) (*repository.ReconciliationCase, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}

	var c *repository.ReconciliationCase
	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		number, err := s.sequences.Next(ctx, ReconciliationPrefix, s.clock.Now())
		if err != nil {
			return err
		}

		c = &repository.ReconciliationCase{
			CaseNumber:    number,
			Notes:         optional(strings.TrimSpace(req.Notes)),
			CreatedByID:   a.ID,
			CreatedByName: a.NamePtr(),
		}
		if err := s.repo.CreateCase(ctx, c); err != nil {
			return err
		}

		for _, batchID := range repository.SortedUnique(req.BatchIDs) {
			line, err := s.snapshot(ctx, c.ID, batchID)
			if err != nil {
				return err
			}
			c.Lines = append(c.Lines, line)
		}

		return s.audit.Record(ctx, EntityReconciliation, c.ID, "reconciliation.created", a, map[string]any{
			"case_number": c.CaseNumber,
			"lines":       len(c.Lines),
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("case_number", c.CaseNumber).Str("actor", a.String()).Msg("reconciliation case opened")
	return c, nil
}

// AddLine snapshots the current available quantity of a batch into the case.
func (s *ReconciliationService) AddLine(ctx context.Context, caseID, batchID string, a actor.Actor) (*repository.ReconciliationLine, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}

	var line *repository.ReconciliationLine
	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		c, err := s.repo.LockCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status != repository.ReconciliationInProgress {
			return errors.InvalidState("lines can only be added while counting")
		}

		line, err = s.snapshot(ctx, c.ID, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

func (s *ReconciliationService) snapshot(ctx context.Context, caseID, batchID string) (*repository.ReconciliationLine, error) {
	b, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.RetiredAt != nil {
		return nil, errors.InvalidArgument("batch is retired").WithDetail("batch_id", b.ID)
	}

	line := &repository.ReconciliationLine{
		CaseID:         caseID,
		BatchID:        b.ID,
		MedicineID:     b.MedicineID,
		SystemQuantity: b.AvailableQuantity,
	}
	if err := s.repo.AddLine(ctx, line); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return nil, errors.Conflict("batch is already part of this count").WithDetail("batch_id", b.ID)
		}
		return nil, err
	}
	return line, nil
}

// RecordCount stores the physical quantity found for a line.
func (s *ReconciliationService) RecordCount(ctx context.Context, caseID, lineID string, physical int, note string, a actor.Actor) (*repository.ReconciliationLine, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	if physical < 0 {
		return nil, errors.InvalidArgument("physical quantity cannot be negative")
	}

	var line *repository.ReconciliationLine
	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		c, err := s.repo.LockCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status != repository.ReconciliationInProgress {
			return errors.InvalidState("counts can only be recorded while counting")
		}

		if _, err := s.repo.GetLine(ctx, c.ID, lineID); err != nil {
			return err
		}
		if err := s.repo.RecordCount(ctx, lineID, physical, optional(strings.TrimSpace(note)), s.clock.Now()); err != nil {
			return err
		}

		line, err = s.repo.GetLine(ctx, c.ID, lineID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Complete closes counting. Every line must have a physical count and the
// report must be written.
func (s *ReconciliationService) Complete(ctx context.Context, caseID, report string, a actor.Actor) (*repository.ReconciliationCase, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	report = strings.TrimSpace(report)
	if report == "" {
		return nil, errors.InvalidArgument("report is required to complete a count")
	}

	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		c, err := s.repo.LockCase(ctx, caseID)
		if err != nil {
			return err
		}
		if !c.Status.CanTransitionTo(repository.ReconciliationCompleted) {
			return errors.InvalidState(fmt.Sprintf("cannot complete a %s case", c.Status))
		}

		lines, err := s.repo.ListLines(ctx, c.ID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return errors.InvalidState("a count needs at least one line")
		}
		uncounted := 0
		for _, l := range lines {
			if !l.Counted() {
				uncounted++
			}
		}
		if uncounted > 0 {
			return errors.InvalidState(fmt.Sprintf("%d line(s) have not been counted", uncounted))
		}

		if err := s.repo.MarkCompleted(ctx, c.ID, report, s.clock.Now()); err != nil {
			return err
		}
		return s.audit.Record(ctx, EntityReconciliation, c.ID, "reconciliation.completed", a, nil)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetCase(ctx, caseID)
}

// Approve books every counted difference as an adjustment of its batch and
// closes the case. Either all adjustments and the status change commit, or
// nothing does. Approving twice fails with InvalidState.
func (s *ReconciliationService) Approve(ctx context.Context, caseID string, approver actor.Actor) (*repository.ReconciliationCase, error) {
	if err := requireActor(approver); err != nil {
		return nil, err
	}

	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		c, err := s.repo.LockCase(ctx, caseID)
		if err != nil {
			return err
		}
		if !c.Status.CanTransitionTo(repository.ReconciliationApproved) {
			return errors.InvalidState(fmt.Sprintf("cannot approve a %s case", c.Status))
		}

		lines, err := s.repo.ListLines(ctx, c.ID)
		if err != nil {
			return err
		}

		var adjustments []Adjustment
		for _, l := range lines {
			if diff := l.Difference(); diff != 0 {
				adjustments = append(adjustments, Adjustment{BatchID: l.BatchID, Delta: diff, Surplus: true})
			}
		}

		var movements []*repository.Movement
		if len(adjustments) > 0 {
			ref := Ref{Type: RefReconciliation, ID: c.ID, Note: c.CaseNumber}
			movements, err = s.ledger.CommitAdjustments(ctx, adjustments, approver, ref, events.CauseReconciliation, nil)
			if err != nil {
				return err
			}
		}

		if err := s.repo.MarkApproved(ctx, c.ID, approver.ID, approver.NamePtr(), s.clock.Now()); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, EntityReconciliation, c.ID, "reconciliation.approved", approver, map[string]any{
			"adjustments": len(adjustments),
		}); err != nil {
			return err
		}

		event := messaging.CaseApprovedEvent{
			CaseID:     c.ID,
			CaseNumber: c.CaseNumber,
			ApprovedBy: approver.ID,
			Movements:  len(movements),
			TotalValue: netValue(movements).StringFixed(2),
		}
		database.AfterCommit(ctx, func(ctx context.Context) {
			s.publisher.PublishReconciliationApproved(ctx, event)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("case_id", caseID).Str("approver", approver.String()).Msg("reconciliation approved")
	return s.repo.GetCase(ctx, caseID)
}

// Get returns a case with its lines.
func (s *ReconciliationService) Get(ctx context.Context, caseID string) (*repository.ReconciliationCase, error) {
	return s.repo.GetCase(ctx, caseID)
}

// ListPending lists cases waiting for approval.
func (s *ReconciliationService) ListPending(ctx context.Context) ([]*repository.ReconciliationCase, error) {
	return s.repo.ListByStatus(ctx, repository.ReconciliationCompleted)
}

// ListByStatus lists cases in any status.
func (s *ReconciliationService) ListByStatus(ctx context.Context, status repository.ReconciliationStatus) ([]*repository.ReconciliationCase, error) {
	return s.repo.ListByStatus(ctx, status)
}

// netValue is the signed value of movements: inbound adds, outbound subtracts.
func netValue(movements []*repository.Movement) decimal.Decimal {
	total := decimal.Zero
	for _, m := range movements {
		if m.Direction.Outbound() {
			total = total.Sub(m.TotalPrice)
		} else {
			total = total.Add(m.TotalPrice)
		}
	}
	return total
}
