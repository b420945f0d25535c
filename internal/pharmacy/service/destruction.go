package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
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

// DestructionPrefix starts every destruction report number.
const DestructionPrefix = "BA-MUSNAHKAN"

// CreateDestructionRequest opens a destruction case.
type CreateDestructionRequest struct {
	Reason    repository.DestructionReason `json:"reason" validate:"required,oneof=EXPIRED DAMAGED RECALLED OTHER"`
	Location  string                       `json:"location" validate:"required,max=255"`
	Method    string                       `json:"method" validate:"required,max=255"`
	Witnesses []string                     `json:"witnesses" validate:"dive,required,max=255"`
	Notes     string                       `json:"notes" validate:"max=1000"`
}

// AddDestructionLineRequest puts a batch quantity on a draft case.
type AddDestructionLineRequest struct {
	BatchID   string `json:"batch_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Condition string `json:"condition" validate:"max=255"`
}

// DestructionService runs witnessed write-offs: DRAFT while lines are
// collected, COMPLETED once the signed report is attached, APPROVED when the
// stock has been written off.
type DestructionService struct {
	db        *database.DB
	repo      *repository.DestructionRepository
	batches   *repository.BatchRepository
	sequences *repository.SequenceRepository
	ledger    *Ledger
	audit     *AuditRecorder
	publisher *events.PharmacyEventPublisher
	clock     clock.Clock
	logger    *logger.Logger
}

// NewDestructionService creates a new destruction service
func NewDestructionService(
	db *database.DB,
	repo *repository.DestructionRepository,
	batches *repository.BatchRepository,
	sequences *repository.SequenceRepository,
	ledger *Ledger,
	audit *AuditRecorder,
	publisher *events.PharmacyEventPublisher,
	clk clock.Clock,
	log *logger.Logger,
) *DestructionService {
	return &DestructionService{
		db:        db,
		repo:      repo,
		batches:   batches,
		sequences: sequences,
		ledger:    ledger,
		audit:     audit,
		publisher: publisher,
		clock:     clk,
		logger:    log.WithComponent("destruction"),
	}
}

// CreateCase opens a draft case.
func (s *DestructionService) CreateCase(ctx context.Context, req CreateDestructionRequest, a actor.Actor) (*repository.DestructionCase, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	if !req.Reason.Valid() {
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown destruction reason %q", req.Reason))
	}
	if strings.TrimSpace(req.Location) == "" || strings.TrimSpace(req.Method) == "" {
		return nil, errors.InvalidArgument("location and method are required")
	}

	var c *repository.DestructionCase
	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		number, err := s.sequences.Next(ctx, DestructionPrefix, s.clock.Now())
		if err != nil {
			return err
		}

		witnesses := make(pq.StringArray, 0, len(req.Witnesses))
		for _, w := range req.Witnesses {
			if w = strings.TrimSpace(w); w != "" {
				witnesses = append(witnesses, w)
			}
		}

		c = &repository.DestructionCase{
			CaseNumber:    number,
			Reason:        req.Reason,
			Location:      strings.TrimSpace(req.Location),
			Method:        strings.TrimSpace(req.Method),
			Witnesses:     witnesses,
			Notes:         optional(strings.TrimSpace(req.Notes)),
			CreatedByID:   a.ID,
			CreatedByName: a.NamePtr(),
		}
		if err := s.repo.CreateCase(ctx, c); err != nil {
			return err
		}

		return s.audit.Record(ctx, EntityDestruction, c.ID, "destruction.created", a, map[string]any{
			"case_number": c.CaseNumber,
			"reason":      c.Reason,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("case_number", c.CaseNumber).Str("reason", string(c.Reason)).Msg("destruction case opened")
	return c, nil
}

// AddLine puts a batch quantity on a draft case. The batch's unit cost is
// frozen on the line; later cost corrections do not change the case value.
func (s *DestructionService) AddLine(ctx context.Context, caseID string, req AddDestructionLineRequest, a actor.Actor) (*repository.DestructionLine, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, errors.InvalidArgument("quantity must be positive")
	}

	var line *repository.DestructionLine
	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		c, err := s.repo.LockCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status != repository.DestructionDraft {
			return errors.InvalidState("lines can only be added to a draft case")
		}

		b, err := s.batches.GetByID(ctx, req.BatchID)
		if err != nil {
			return err
		}
		if b.RetiredAt != nil {
			return errors.InvalidArgument("batch is retired").WithDetail("batch_id", b.ID)
		}
		if req.Quantity > b.AvailableQuantity {
			return errors.InsufficientStock(req.Quantity, b.AvailableQuantity).WithDetail("batch_id", b.ID)
		}
		if c.Reason == repository.ReasonExpired && !eligible(b, clock.Today(s.clock)) {
			return errors.InvalidArgument("batch has not expired").WithDetail("batch_id", b.ID)
		}

		line = &repository.DestructionLine{
			CaseID:           c.ID,
			BatchID:          b.ID,
			MedicineID:       b.MedicineID,
			Quantity:         req.Quantity,
			UnitCost:         b.UnitCost,
			AcquisitionValue: b.UnitCost.Mul(decimal.NewFromInt(int64(req.Quantity))),
			Condition:        optional(strings.TrimSpace(req.Condition)),
		}
		if err := s.repo.AddLine(ctx, line); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				return errors.Conflict("batch is already part of this case").WithDetail("batch_id", b.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

func eligible(b *repository.Batch, today time.Time) bool {
	return b.Status == repository.BatchExpired || b.IsExpired(today)
}

// Complete attaches the reference of the signed destruction report.
func (s *DestructionService) Complete(ctx context.Context, caseID, documentRef string, a actor.Actor) (*repository.DestructionCase, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	documentRef = strings.TrimSpace(documentRef)
	if documentRef == "" {
		return nil, errors.InvalidArgument("document reference is required to complete a destruction")
	}

	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		c, err := s.repo.LockCase(ctx, caseID)
		if err != nil {
			return err
		}
		if !c.Status.CanTransitionTo(repository.DestructionCompleted) {
			return errors.InvalidState(fmt.Sprintf("cannot complete a %s case", c.Status))
		}

		lines, err := s.repo.ListLines(ctx, c.ID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return errors.InvalidState("a destruction needs at least one line")
		}

		if err := s.repo.MarkCompleted(ctx, c.ID, documentRef, s.clock.Now()); err != nil {
			return err
		}
		return s.audit.Record(ctx, EntityDestruction, c.ID, "destruction.completed", a, map[string]any{
			"document_ref": documentRef,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetCase(ctx, caseID)
}

// Approve writes off every line. Batches destroyed for expiry end up
// EXPIRED. Any other batch emptied by the write off becomes DEPLETED, and
// a recalled batch with stock left is marked RECALLED. All lines commit
// together or none do.
func (s *DestructionService) Approve(ctx context.Context, caseID string, approver actor.Actor) (*repository.DestructionCase, error) {
	if err := requireActor(approver); err != nil {
		return nil, err
	}

	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		c, err := s.repo.LockCase(ctx, caseID)
		if err != nil {
			return err
		}
		if !c.Status.CanTransitionTo(repository.DestructionApproved) {
			return errors.InvalidState(fmt.Sprintf("cannot approve a %s case", c.Status))
		}

		if c.Lines, err = s.repo.ListLines(ctx, c.ID); err != nil {
			return err
		}

		adjustments := make([]Adjustment, len(c.Lines))
		for i, l := range c.Lines {
			cost := l.UnitCost
			adjustments[i] = Adjustment{BatchID: l.BatchID, Delta: -l.Quantity, UnitPrice: &cost}
		}

		ref := Ref{Type: RefDestruction, ID: c.ID, Note: c.CaseNumber}
		movements, err := s.ledger.CommitAdjustments(ctx, adjustments, approver, ref, events.CauseDestruction,
			func(ctx context.Context, updated map[string]*repository.Batch) error {
				return s.settleStatuses(ctx, c.Reason, updated)
			})
		if err != nil {
			return err
		}

		if err := s.repo.MarkApproved(ctx, c.ID, approver.ID, approver.NamePtr(), s.clock.Now()); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, EntityDestruction, c.ID, "destruction.approved", approver, map[string]any{
			"lines":       len(c.Lines),
			"total_value": c.TotalValue().StringFixed(2),
		}); err != nil {
			return err
		}

		event := messaging.CaseApprovedEvent{
			CaseID:     c.ID,
			CaseNumber: c.CaseNumber,
			ApprovedBy: approver.ID,
			Movements:  len(movements),
			TotalValue: c.TotalValue().StringFixed(2),
		}
		database.AfterCommit(ctx, func(ctx context.Context) {
			s.publisher.PublishDestructionApproved(ctx, event)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("case_id", caseID).Str("approver", approver.String()).Msg("destruction approved")
	return s.repo.GetCase(ctx, caseID)
}

func (s *DestructionService) settleStatuses(ctx context.Context, reason repository.DestructionReason, updated map[string]*repository.Batch) error {
	for _, id := range repository.SortedUnique(keys(updated)) {
		b := updated[id]

		var target repository.BatchStatus
		switch {
		case reason == repository.ReasonExpired:
			target = repository.BatchExpired
		case b.AvailableQuantity == 0:
			target = repository.BatchDepleted
		case reason == repository.ReasonRecalled:
			target = repository.BatchRecalled
		default:
			continue
		}

		if b.Status == target {
			continue
		}
		if _, err := s.batches.SetStatus(ctx, b.ID, target); err != nil {
			return err
		}
	}
	return nil
}

func keys(m map[string]*repository.Batch) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// EligibleBatches lists batches that can be destroyed for expiry.
func (s *DestructionService) EligibleBatches(ctx context.Context) ([]*repository.Batch, error) {
	return s.batches.ListEligibleForDestruction(ctx, clock.Today(s.clock))
}

// Get returns a case with its lines.
func (s *DestructionService) Get(ctx context.Context, caseID string) (*repository.DestructionCase, error) {
	return s.repo.GetCase(ctx, caseID)
}

// ListPending lists cases waiting for approval.
func (s *DestructionService) ListPending(ctx context.Context) ([]*repository.DestructionCase, error) {
	return s.repo.ListByStatus(ctx, repository.DestructionCompleted)
}

// ListByStatus lists cases in any status.
func (s *DestructionService) ListByStatus(ctx context.Context, status repository.DestructionStatus) ([]*repository.DestructionCase, error) {
	return s.repo.ListByStatus(ctx, status)
}
