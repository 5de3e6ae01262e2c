package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/reconciler/internal/lease"
	"github.com/atmx/reconciler/internal/metrics"
)

// pager binds the cursor protocol to one ledger kind.
type pager[T any] struct {
	kind  string
	maxID func(ctx context.Context) (int64, bool, error)
	fetch func(ctx context.Context, fromID *int64, limit int) ([]T, error)
	id    func(T) int64
	store func(ctx context.Context, page []T) ([]T, error)

	// applied runs after a page is stored, with only the rows that were new.
	applied func(ctx context.Context, inserted []T) error
}

// runCycle holds the (kind, portfolio, symbol) lease for one paging loop.
func runCycle[T any](ctx context.Context, s *Synchronizer, p pager[T], portfolioID int64, symbol string) (int, error) {
	start := time.Now()

	l, err := s.locker.Acquire(ctx, lease.SyncKey(p.kind, portfolioID, symbol), s.cfg.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		metrics.LeaseContention.Inc()
		metrics.SyncCycles.WithLabelValues(p.kind, "skipped").Inc()
		slog.Debug("sync skipped, lease held",
			"kind", p.kind, "portfolio", portfolioID, "symbol", symbol)
		return 0, nil
	}
	if err != nil {
		metrics.SyncCycles.WithLabelValues(p.kind, "failed").Inc()
		return 0, fmt.Errorf("sync %s %d/%s: %w", p.kind, portfolioID, symbol, err)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("lease release failed", "key", l.Key, "err", err)
		}
	}()

	// The cycle may not outlive its lease.
	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.LeaseTTL)
	defer cancel()

	n, err := drain(cycleCtx, p, s.cfg.PageSize)
	metrics.SyncDuration.WithLabelValues(p.kind).Observe(time.Since(start).Seconds())
	if n > 0 {
		metrics.RecordsIngested.WithLabelValues(p.kind).Add(float64(n))
	}
	if err != nil {
		metrics.SyncCycles.WithLabelValues(p.kind, "failed").Inc()
		slog.Error("sync failed",
			"kind", p.kind, "portfolio", portfolioID, "symbol", symbol, "stored", n, "err", err)
		return n, fmt.Errorf("sync %s %d/%s: %w", p.kind, portfolioID, symbol, err)
	}

	metrics.SyncCycles.WithLabelValues(p.kind, "ok").Inc()
	if n > 0 {
		slog.Info("history synced",
			"kind", p.kind, "portfolio", portfolioID, "symbol", symbol, "stored", n)
	}
	return n, nil
}

// drain pages forward from the stored cursor until the venue has nothing
// newer. A failed call stops the loop; pages stored before it stay stored.
func drain[T any](ctx context.Context, p pager[T], pageSize int) (int, error) {
	cursor, seeded, err := p.maxID(ctx)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}

	stored := 0
	for {
		var fromID *int64
		if seeded {
			next := cursor + 1
			fromID = &next
		}

		page, err := p.fetch(ctx, fromID, pageSize)
		if err != nil {
			return stored, err
		}

		// Venues with an inclusive fromId repeat the last seen record.
		fresh := make([]T, 0, len(page))
		for _, rec := range page {
			if !seeded || p.id(rec) > cursor {
				fresh = append(fresh, rec)
			}
		}
		if len(fresh) == 0 {
			return stored, nil
		}

		inserted, err := p.store(ctx, fresh)
		if err != nil {
			return stored, fmt.Errorf("store page: %w", err)
		}
		if p.applied != nil && len(inserted) > 0 {
			if err := p.applied(ctx, inserted); err != nil {
				return stored + len(inserted), fmt.Errorf("apply page: %w", err)
			}
		}
		stored += len(inserted)

		for _, rec := range fresh {
			if id := p.id(rec); !seeded || id > cursor {
				cursor, seeded = id, true
			}
		}
		// Fewer fresh records than a page means caught up. A repeated
		// boundary record can end a full page early; the next cycle
		// resumes from the cursor.
		if len(fresh) < pageSize {
			return stored, nil
		}
	}
}
