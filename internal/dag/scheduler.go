package dag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sweeper periodically scans stored runs, merging safe pending proposals
// and counting open debt in metrics; it optionally re-triggers a run whose
// debt has aged past a threshold, but that re-trigger is opt-in and off
// by default.
type Sweeper struct {
	cron  *cron.Cron
	store *Store
	mu    sync.Mutex

	retriggerDebt bool
	debtMaxAge    time.Duration
	onRetrigger   func(ctx context.Context, runID string) error

	sweepRuns   metric.Int64Counter
	debtFound   metric.Int64Counter
	proposalsOK metric.Int64Counter
}

// NewSweeper builds a seconds-precision cron sweeper over store.
func NewSweeper(store *Store, meter metric.Meter) *Sweeper {
	sweepRuns, _ := meter.Int64Counter("cis_dag_sweep_runs_total")
	debtFound, _ := meter.Int64Counter("cis_dag_sweep_debt_found_total")
	proposalsOK, _ := meter.Int64Counter("cis_dag_sweep_proposals_merged_total")

	return &Sweeper{
		cron:        cron.New(cron.WithSeconds()),
		store:       store,
		debtMaxAge:  24 * time.Hour,
		sweepRuns:   sweepRuns,
		debtFound:   debtFound,
		proposalsOK: proposalsOK,
	}
}

// EnableRetrigger turns on automatic re-triggering of runs whose open
// debt exceeds maxAge; fn is invoked with the run id to re-trigger.
func (s *Sweeper) EnableRetrigger(maxAge time.Duration, fn func(ctx context.Context, runID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retriggerDebt = true
	s.debtMaxAge = maxAge
	s.onRetrigger = fn
}

// AddSweep schedules the sweep on the given cron expression (seconds
// precision, e.g. "0 */1 * * * *" for every minute).
func (s *Sweeper) AddSweep(ctx context.Context, cronExpr string) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		s.sweep(ctx)
	})
	return err
}

// Start begins running scheduled sweeps.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop waits for in-flight sweeps to finish, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	s.sweepRuns.Add(ctx, 1)
	now := time.Now()

	for _, r := range s.store.ListRuns(ctx) {
		merged := r.Todo.AutoMergeSafeProposals(now)
		if merged > 0 {
			s.proposalsOK.Add(ctx, int64(merged), metric.WithAttributes(attribute.String("run_id", r.RunID)))
			if err := s.store.UpdateWithVersion(ctx, r, r.Version); err != nil {
				slog.Warn("sweep: persist merged proposals failed", "run_id", r.RunID, "err", err)
			}
		}

		open := r.OpenDebts()
		if len(open) == 0 {
			continue
		}
		s.debtFound.Add(ctx, int64(len(open)), metric.WithAttributes(attribute.String("run_id", r.RunID)))

		s.mu.Lock()
		retrigger := s.retriggerDebt
		maxAge := s.debtMaxAge
		fn := s.onRetrigger
		s.mu.Unlock()
		if !retrigger || fn == nil {
			continue
		}
		for _, d := range open {
			if now.Sub(d.CreatedAt) < maxAge {
				continue
			}
			if err := fn(ctx, r.RunID); err != nil {
				slog.Warn("sweep: retrigger failed", "run_id", r.RunID, "task_id", d.TaskID, "err", err)
			}
			break
		}
	}
}
