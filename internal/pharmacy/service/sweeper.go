package service

import (
	"context"
	"time"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/events"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// SweepResult summarises one expiry sweep.
type SweepResult struct {
	Expired  int `json:"expired"`
	Expiring int `json:"expiring"`
	Warned   int `json:"warned"`
}

// ExpirySweeper periodically expires batches past their date and warns
// about batches inside the expiring window.
type ExpirySweeper struct {
	ledger     *Ledger
	batches    *repository.BatchRepository
	publisher  *events.PharmacyEventPublisher
	claims     events.Claimer
	windowDays int
	interval   time.Duration
	clock      clock.Clock
	logger     *logger.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewExpirySweeper creates a new expiry sweeper. claims limits expiring
// warnings to one per batch per day; nil sends one every cycle.
func NewExpirySweeper(
	ledger *Ledger,
	batches *repository.BatchRepository,
	publisher *events.PharmacyEventPublisher,
	claims events.Claimer,
	windowDays int,
	interval time.Duration,
	clk clock.Clock,
	log *logger.Logger,
) *ExpirySweeper {
	return &ExpirySweeper{
		ledger:     ledger,
		batches:    batches,
		publisher:  publisher,
		claims:     claims,
		windowDays: windowDays,
		interval:   interval,
		clock:      clk,
		logger:     log.WithComponent("expiry-sweeper"),
	}
}

// Start runs a sweep immediately and then on every interval until Stop.
func (s *ExpirySweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Info().Dur("interval", s.interval).Int("window_days", s.windowDays).Msg("expiry sweeper started")

		s.runCycle(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("expiry sweeper stopped")
				return
			case <-ticker.C:
				s.runCycle(ctx)
			}
		}
	}()
}

// Stop stops the sweeper and waits for a running cycle to finish.
func (s *ExpirySweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *ExpirySweeper) runCycle(ctx context.Context) {
	start := time.Now()

	result, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("expiry sweep failed")
		return
	}

	s.logger.Info().
		Dur("duration", time.Since(start)).
		Int("expired", result.Expired).
		Int("expiring", result.Expiring).
		Int("warned", result.Warned).
		Msg("expiry sweep completed")
}

// Sweep runs one cycle.
func (s *ExpirySweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	expired, _, err := s.ledger.ExpireBatches(ctx)
	if err != nil {
		return result, err
	}
	result.Expired = len(expired)

	today := clock.Today(s.clock)
	expiring, err := s.batches.ListExpiring(ctx, today, s.windowDays)
	if err != nil {
		return result, err
	}
	result.Expiring = len(expiring)

	day := today.Format("20060102")
	for _, b := range expiring {
		if s.claims != nil {
			ok, err := s.claims.Claim(ctx, "expiring:"+b.ID+":"+day, 24*time.Hour)
			if err != nil {
				s.logger.Warn().Err(err).Str("batch_id", b.ID).Msg("expiring throttle unavailable")
			} else if !ok {
				continue
			}
		}
		s.publisher.PublishBatchExpiring(ctx, b, today)
		result.Warned++
	}

	return result, nil
}
