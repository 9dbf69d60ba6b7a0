package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/robfig/cron/v3"
)

// resetter is implemented by dedup stores that only live in process memory.
type resetter interface {
	Reset() int
}

// Maintenance runs the engine's periodic jobs: clearing the in-memory dedup
// store and finalizing joins past their deadline.
type Maintenance struct {
	engine *Engine
	logger *slog.Logger
	cron   *cron.Cron
	mutex  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewMaintenance(engine *Engine, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		engine: engine,
		logger: logger.With("module", "maintenance"),
	}
}

func (m *Maintenance) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	config := m.engine.Config()

	if _, ok := m.engine.Deduplicator().(resetter); ok && config.DedupResetInterval > 0 {
		entryID := m.cron.Schedule(cron.Every(config.DedupResetInterval), cron.FuncJob(m.ResetDedup))
		m.logger.Info("Scheduled dedup reset", "interval", config.DedupResetInterval, "entry_id", entryID)
	}

	if config.JoinSweepInterval > 0 {
		entryID := m.cron.Schedule(cron.Every(config.JoinSweepInterval), cron.FuncJob(func() {
			m.SweepJoins(m.ctx)
		}))
		m.logger.Info("Scheduled join deadline sweep", "interval", config.JoinSweepInterval, "entry_id", entryID)
	}

	m.cron.Start()

	return nil
}

// ResetDedup clears an in-memory dedup store.
func (m *Maintenance) ResetDedup() {
	store, ok := m.engine.Deduplicator().(resetter)
	if !ok {
		return
	}

	dropped := store.Reset()
	m.logger.Debug("Dedup store reset", "dropped_keys", dropped)
}

// SweepJoins finalizes joins whose deadline passed.
func (m *Maintenance) SweepJoins(ctx context.Context) {
	ctx, span := otelhelper.StartSpan(ctx, m.engine.tracer, "maintenance.sweep_joins")
	defer span.End()

	expired, err := m.engine.SweepExpiredJoins(ctx)
	if err != nil {
		otelhelper.SetError(span, err)
		m.logger.ErrorContext(ctx, "Join deadline sweep failed", "error", err)

		return
	}

	if expired > 0 {
		m.logger.InfoContext(ctx, "Expired joins finalized", "count", expired)
	}
}

func (m *Maintenance) Stop(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	if m.cron != nil {
		select {
		case <-m.cron.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
