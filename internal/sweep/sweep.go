// Package sweep closes reservations whose TTL elapsed without a
// reconciliation. A sweep run is a bounded batch: it lists overdue active
// reservations and, for each, either reconciles against a cost signal
// that already arrived or releases the hold.
//
// Runs are idempotent. Every close goes through the reservation state
// gate, so a reservation closed by a concurrent run or a late reconcile is
// counted as skipped rather than released twice.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/guardrail/internal/reconciliation"
	"github.com/mbd888/guardrail/internal/reservation"
	"github.com/mbd888/guardrail/internal/traces"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Reservations is the part of the reservation manager a sweep drives.
type Reservations interface {
	ListOverdue(ctx context.Context, tenantID string, now time.Time, limit int) ([]*reservation.Reservation, error)
	PendingSignal(ctx context.Context, decisionID string) (*big.Int, bool, error)
	Reconcile(ctx context.Context, tenantID, decisionID string, actual *big.Int, notes, by string) (*reconciliation.Exception, error)
	Expire(ctx context.Context, r *reservation.Reservation) (*reconciliation.Exception, error)
}

// Options bounds a run. An empty TenantID sweeps every tenant.
type Options struct {
	Limit    int
	TenantID string
}

// Result counts what a run did.
type Result struct {
	Scanned         int `json:"scanned"`
	ReleasedCount   int `json:"releasedCount"`
	ReconciledCount int `json:"reconciledCount"`
	Skipped         int `json:"skipped"`
	Failed          int `json:"failed"`
}

// Sweeper runs sweep batches.
type Sweeper struct {
	reservations Reservations
	defaultLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a sweeper. defaultLimit applies when a run passes no limit.
func New(reservations Reservations, defaultLimit int, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		reservations: reservations,
		defaultLimit: clampLimit(defaultLimit, DefaultLimit),
		logger:       logger.With("component", "sweep"),
		now:          time.Now,
	}
}

func clampLimit(limit, fallback int) int {
	switch {
	case limit <= 0:
		return fallback
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// SweepOverdue closes at most opts.Limit overdue reservations.
func (s *Sweeper) SweepOverdue(ctx context.Context, opts Options) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "sweep.run", traces.TenantID(opts.TenantID))
	defer span.End()
	start := time.Now()

	limit := clampLimit(opts.Limit, s.defaultLimit)
	overdue, err := s.reservations.ListOverdue(ctx, opts.TenantID, s.now().UTC(), limit)
	if err != nil {
		traces.Fail(span, err)
		observeRun(outcomeError, nil, time.Since(start))
		return nil, err
	}

	res := &Result{Scanned: len(overdue)}
	for _, r := range overdue {
		if ctx.Err() != nil {
			break
		}
		s.sweepOne(ctx, r, res)
	}

	observeRun(outcomeOK, res, time.Since(start))
	if res.Scanned > 0 {
		s.logger.Info("sweep completed", "tenant_id", opts.TenantID, "scanned", res.Scanned,
			"released", res.ReleasedCount, "reconciled", res.ReconciledCount, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res, ctx.Err()
}

func (s *Sweeper) sweepOne(ctx context.Context, r *reservation.Reservation, res *Result) {
	actual, hasSignal, err := s.reservations.PendingSignal(ctx, r.DecisionID)
	if err != nil {
		s.logger.Warn("failed to check cost signal, releasing", "decision_id", r.DecisionID, "error", err)
		hasSignal = false
	}

	if hasSignal {
		_, err = s.reservations.Reconcile(ctx, r.TenantID, r.DecisionID, actual, reconciliation.NoteSweepReconcile, "sweep")
	} else {
		_, err = s.reservations.Expire(ctx, r)
	}
	switch {
	case err == nil && hasSignal:
		res.ReconciledCount++
	case err == nil:
		res.ReleasedCount++
	case errors.Is(err, reservation.ErrAlreadyReconciled):
		res.Skipped++
	default:
		res.Failed++
		s.logger.Error("failed to sweep reservation", "decision_id", r.DecisionID, "tenant_id", r.TenantID, "error", err)
	}
}
