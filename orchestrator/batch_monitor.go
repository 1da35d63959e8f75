package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
	"github.com/scanhive-labs/scanhive-go/internal/repo"
	"github.com/scanhive-labs/scanhive-go/internal/runtimeexec"
)

type batchMonitorConfig struct {
	Namespace  string
	Interval   time.Duration
	StaleAfter time.Duration
}

// batchMonitor reconciles the ledger against the execution backend. It
// covers batches whose orchestrator died mid-wait: crashed units are
// marked failed, cleanly exited units completed, and running batches
// without progress past the stale threshold time out.
type batchMonitor struct {
	logger     *slog.Logger
	batches    repo.BatchRepository
	executor   runtimeexec.Executor
	namespace  string
	interval   time.Duration
	staleAfter time.Duration
	limit      int
}

func startBatchMonitor(ctx context.Context, logger *slog.Logger, batches repo.BatchRepository, executor runtimeexec.Executor, cfg batchMonitorConfig) {
	if batches == nil || executor == nil {
		return
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	m := &batchMonitor{
		logger:     logger,
		batches:    batches,
		executor:   executor,
		namespace:  cfg.Namespace,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      50,
	}

	go m.run(ctx)
}

func (m *batchMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.syncOnce(ctx)
		}
	}
}

func (m *batchMonitor) syncOnce(ctx context.Context) {
	unfinished, err := m.batches.ListUnfinished(ctx, m.limit)
	if err != nil {
		m.log("list unfinished failed", "error", err)
		return
	}

	for _, b := range unfinished {
		// Pending batches have no unit yet; launch is the
		// orchestrator's responsibility.
		if b.Status != domain.BatchStatusRunning {
			continue
		}
		m.syncBatch(ctx, b)
	}
}

func (m *batchMonitor) syncBatch(ctx context.Context, b domain.BatchJob) {
	unitName := runtimeexec.UnitName(b.Module, b.ID)
	handle := runtimeexec.Handle{
		BatchID:         b.ID,
		Executor:        m.executor.Kind(),
		Namespace:       m.namespace,
		JobName:         unitName,
		DockerContainer: unitName,
	}

	obs, err := m.executor.Describe(ctx, handle)
	if err != nil {
		m.log("describe unit failed", "batch_id", b.ID, "module", b.Module, "error", err)
		return
	}

	switch {
	case obs.Phase == runtimeexec.PhaseSucceeded:
		m.transition(ctx, b, domain.BatchStatusCompleted, obs)
	case obs.Phase == runtimeexec.PhaseFailed, !obs.Healthy:
		m.transition(ctx, b, domain.BatchStatusFailed, obs)
	default:
		if m.stale(b) {
			m.transition(ctx, b, domain.BatchStatusTimeout, obs)
		}
	}
}

func (m *batchMonitor) stale(b domain.BatchJob) bool {
	started := b.CreatedAt
	if b.StartedAt != nil {
		started = *b.StartedAt
	}
	if started.IsZero() {
		return false
	}
	return time.Now().UTC().Sub(started) > m.staleAfter
}

func (m *batchMonitor) transition(ctx context.Context, b domain.BatchJob, status domain.BatchStatus, obs runtimeexec.Observation) {
	if err := m.batches.UpdateStatus(ctx, b.ID, status); err != nil {
		// A concurrent orchestrator wait may have settled the batch
		// between the list and the update.
		if errors.Is(err, repo.ErrTerminalStatus) {
			return
		}
		m.log("update status failed", "batch_id", b.ID, "status", string(status), "error", err)
		return
	}
	m.log("reconciled batch", "batch_id", b.ID, "module", b.Module,
		"status", string(status), "phase", string(obs.Phase), "reason", obs.StopReason)
}

func (m *batchMonitor) log(msg string, attrs ...any) {
	if m.logger == nil {
		return
	}
	fields := []any{"component", "batch_monitor"}
	fields = append(fields, attrs...)
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok || key != "error" {
			continue
		}
		if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	m.logger.Info(msg, fields...)
}
