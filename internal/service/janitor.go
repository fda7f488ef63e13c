package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qdeck/warden/internal/store"
)

// JanitorConfig controls the housekeeping cron jobs
type JanitorConfig struct {
	// Spec is a standard five-field cron expression for the retention
	// prune, evaluated in UTC.
	Spec string
	// RecalculateSpec schedules the drift-repair sweep that resyncs
	// next_run_at and the standing dispatch of every recurring schedule.
	RecalculateSpec string
	// RunRetention is how long terminal run history is kept.
	RunRetention time.Duration
	// DispatchRetention is how long finished dispatch rows are kept.
	DispatchRetention time.Duration
}

// Janitor runs the periodic housekeeping: pruning old run history and
// finished dispatch rows, and re-running the schedule recalculation so
// queue drift left by crashes or races that beat the per-mutation sync is
// repaired without operator action. In-flight runs and undelivered
// dispatches are never touched.
type Janitor struct {
	cfg    JanitorConfig
	store  store.Store
	recalc func(context.Context) (int, error)
	cron   *cron.Cron
}

// NewJanitor creates a janitor with defaults applied. recalc is typically
// ScheduleService.RecalculateAll; nil disables the drift-repair sweep.
func NewJanitor(cfg JanitorConfig, st store.Store, recalc func(context.Context) (int, error)) *Janitor {
	if cfg.Spec == "" {
		cfg.Spec = "0 3 * * *"
	}
	if cfg.RecalculateSpec == "" {
		cfg.RecalculateSpec = "0 * * * *"
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = 90 * 24 * time.Hour
	}
	if cfg.DispatchRetention <= 0 {
		cfg.DispatchRetention = 7 * 24 * time.Hour
	}
	return &Janitor{cfg: cfg, store: st, recalc: recalc}
}

// Start registers the housekeeping jobs and starts the cron loop
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := j.cron.AddFunc(j.cfg.Spec, func() { j.prune(ctx) }); err != nil {
		return fmt.Errorf("janitor: invalid cron spec %q: %w", j.cfg.Spec, err)
	}
	if j.recalc != nil {
		if _, err := j.cron.AddFunc(j.cfg.RecalculateSpec, func() { j.recalculate(ctx) }); err != nil {
			return fmt.Errorf("janitor: invalid cron spec %q: %w", j.cfg.RecalculateSpec, err)
		}
	}
	j.cron.Start()

	slog.Info("Starting janitor",
		"spec", j.cfg.Spec,
		"recalculate_spec", j.cfg.RecalculateSpec,
		"run_retention", j.cfg.RunRetention,
		"dispatch_retention", j.cfg.DispatchRetention,
	)
	return nil
}

// Stop halts the cron loop and waits for a running job to finish
func (j *Janitor) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}

	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("Timeout waiting for janitor jobs to complete")
	}
	slog.Info("Janitor stopped")
}

func (j *Janitor) prune(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	now := time.Now().UTC()
	runs, err := j.store.DeleteRunsBefore(ctx, now.Add(-j.cfg.RunRetention))
	if err != nil {
		slog.Error("Failed to prune run history", "error", err)
	}
	dispatches, err := j.store.DeleteFinishedDispatchesBefore(ctx, now.Add(-j.cfg.DispatchRetention))
	if err != nil {
		slog.Error("Failed to prune finished dispatches", "error", err)
	}

	if runs > 0 || dispatches > 0 {
		slog.Info("Pruned old records", "runs", runs, "dispatches", dispatches)
	}
}

func (j *Janitor) recalculate(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	n, err := j.recalc(ctx)
	if err != nil {
		slog.Error("Failed to recalculate schedules", "error", err)
		return
	}
	slog.Debug("Recalculated schedules", "count", n)
}
