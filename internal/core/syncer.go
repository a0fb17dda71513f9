package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSyncInterval is how often the task list is refetched for reconciliation.
const DefaultSyncInterval = 5 * time.Second

// TaskLister lists authoritative task state.
type TaskLister interface {
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
}

// Reconciler accepts a full authoritative task list.
type Reconciler interface {
	Reconcile(tasks []*Task)
}

// Syncer periodically refetches the task list and reconciles the simulator with it.
type Syncer struct {
	source     TaskLister
	reconciler Reconciler
	logger     *slog.Logger
	interval   time.Duration

	cron *cron.Cron
}

// NewSyncer constructs a syncer. A non-positive interval uses DefaultSyncInterval.
func NewSyncer(source TaskLister, reconciler Reconciler, logger *slog.Logger, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Syncer{
		source:     source,
		reconciler: reconciler,
		logger:     logger,
		interval:   interval,
		cron:       c,
	}
}

// Start runs an initial sync and begins the refetch loop. ctx is used for background refetches.
func (s *Syncer) Start(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("initial sync", "err", err)
	}
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		if err := s.Sync(ctx); err != nil {
			s.logger.Warn("sync tasks", "err", err)
		}
	}))
	s.cron.Start()
}

// Stop stops the loop. The returned context is done once a running refetch finishes.
func (s *Syncer) Stop() context.Context {
	return s.cron.Stop()
}

// Sync refetches all tasks once and reconciles.
func (s *Syncer) Sync(ctx context.Context) error {
	tasks, err := s.source.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	s.reconciler.Reconcile(tasks)
	s.logger.Debug("tasks reconciled", "count", len(tasks))
	return nil
}
