// Package scheduler re-runs history sync and balance snapshots for every
// portfolio on fixed intervals. It never retries inside a tick; the next
// tick is the retry.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/reconciler/internal/history"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/store"
)

// Event names pushed to subscribers.
const (
	EventSyncCompleted   = "sync_completed"
	EventBalanceSnapshot = "balance_snapshot"
)

// Syncer runs one history sync cycle for a portfolio.
type Syncer interface {
	SyncPortfolio(ctx context.Context, portfolioID int64) (history.Result, error)
}

// Snapshotter takes one balance snapshot for a portfolio.
type Snapshotter interface {
	Snapshot(ctx context.Context, portfolioID int64) (*model.BalanceSnapshot, error)
}

// Publisher receives an event after each successful unit of work.
type Publisher interface {
	Publish(event string, portfolioID int64, data any)
}

// Scheduler owns the two interval loops.
type Scheduler struct {
	store         store.Store
	syncer        Syncer
	snapshotter   Snapshotter
	pub           Publisher
	syncEvery     time.Duration
	snapshotEvery time.Duration
}

// New creates a scheduler. pub may be nil.
func New(st store.Store, syncer Syncer, snapshotter Snapshotter, pub Publisher, syncEvery, snapshotEvery time.Duration) *Scheduler {
	return &Scheduler{
		store:         st,
		syncer:        syncer,
		snapshotter:   snapshotter,
		pub:           pub,
		syncEvery:     syncEvery,
		snapshotEvery: snapshotEvery,
	}
}

// Run starts both loops and blocks until ctx is cancelled. Each loop fires
// once immediately, then on its interval.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		loop(ctx, "sync", s.syncEvery, s.SyncAll)
	}()
	go func() {
		defer wg.Done()
		loop(ctx, "snapshot", s.snapshotEvery, s.SnapshotAll)
	}()
	wg.Wait()
}

func loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped", "loop", name)
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// SyncAll runs history sync for every portfolio in turn.
func (s *Scheduler) SyncAll(ctx context.Context) {
	start := time.Now()
	portfolios, err := s.store.ListPortfolios(ctx)
	if err != nil {
		slog.Error("sync tick: list portfolios", "err", err)
		return
	}

	for _, p := range portfolios {
		if ctx.Err() != nil {
			return
		}
		res, err := s.syncer.SyncPortfolio(ctx, p.ID)
		if errors.Is(err, store.ErrMissingCredentials) {
			slog.Debug("sync tick: no credentials", "portfolio", p.ID)
			continue
		}
		if err != nil {
			slog.Error("sync tick failed", "portfolio", p.ID, "fills", res.Fills, "orders", res.Orders, "err", err)
		}
		if res.Fills+res.Orders > 0 {
			s.publish(EventSyncCompleted, p.ID, res)
		}
	}
	slog.Debug("sync tick complete", "portfolios", len(portfolios), "elapsed", time.Since(start))
}

// SnapshotAll takes one balance snapshot per portfolio.
func (s *Scheduler) SnapshotAll(ctx context.Context) {
	portfolios, err := s.store.ListPortfolios(ctx)
	if err != nil {
		slog.Error("snapshot tick: list portfolios", "err", err)
		return
	}

	for _, p := range portfolios {
		if ctx.Err() != nil {
			return
		}
		snap, err := s.snapshotter.Snapshot(ctx, p.ID)
		if errors.Is(err, store.ErrMissingCredentials) {
			slog.Debug("snapshot tick: no credentials", "portfolio", p.ID)
			continue
		}
		if err != nil {
			slog.Error("snapshot tick failed", "portfolio", p.ID, "err", err)
			continue
		}
		s.publish(EventBalanceSnapshot, p.ID, snap)
	}
}

func (s *Scheduler) publish(event string, portfolioID int64, data any) {
	if s.pub != nil {
		s.pub.Publish(event, portfolioID, data)
	}
}
