// Package history pulls unseen fills and order records from the venue into
// the ledger, one (portfolio, symbol) cursor at a time.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/reconciler/internal/lease"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/store"
	"github.com/atmx/reconciler/internal/venue"
)

const (
	KindFills  = "fills"
	KindOrders = "orders"
)

// Config tunes the synchronizer.
type Config struct {
	PageSize    int
	LeaseTTL    time.Duration
	Concurrency int
}

// DefaultConfig matches the venue's page size and the 2 minute schedule.
var DefaultConfig = Config{
	PageSize:    300,
	LeaseTTL:    5 * time.Minute,
	Concurrency: 8,
}

// Result counts the rows one SyncPortfolio call stored.
type Result struct {
	Fills  int `json:"fills"`
	Orders int `json:"orders"`
}

// Synchronizer runs incremental history sync cycles.
type Synchronizer struct {
	store  store.Store
	venues *venue.Factory
	locker lease.Locker
	cfg    Config
}

// NewSynchronizer creates a synchronizer. Zero fields in cfg fall back to
// DefaultConfig.
func NewSynchronizer(st store.Store, venues *venue.Factory, locker lease.Locker, cfg Config) *Synchronizer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig.PageSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig.LeaseTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig.Concurrency
	}
	return &Synchronizer{store: st, venues: venues, locker: locker, cfg: cfg}
}

// SyncFills ingests new fills for one symbol and returns how many were
// stored. A held lease skips the cycle and reports 0.
func (s *Synchronizer) SyncFills(ctx context.Context, portfolioID int64, symbol string) (int, error) {
	client, err := s.client(ctx, portfolioID)
	if err != nil {
		return 0, err
	}
	return s.syncFills(ctx, client, portfolioID, symbol)
}

// SyncOrders ingests new order records for one symbol.
func (s *Synchronizer) SyncOrders(ctx context.Context, portfolioID int64, symbol string) (int, error) {
	client, err := s.client(ctx, portfolioID)
	if err != nil {
		return 0, err
	}
	return s.syncOrders(ctx, client, portfolioID, symbol)
}

// SyncPortfolio syncs fills and orders for every tradable symbol. Symbols
// run concurrently; one failing symbol does not stop the others and all
// failures are returned joined.
func (s *Synchronizer) SyncPortfolio(ctx context.Context, portfolioID int64) (Result, error) {
	client, err := s.client(ctx, portfolioID)
	if err != nil {
		return Result{}, err
	}
	symbols, err := s.store.ListSymbols(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list symbols: %w", err)
	}

	var (
		mu   sync.Mutex
		res  Result
		errs []error
	)
	record := func(kind *int, n int, err error) {
		mu.Lock()
		defer mu.Unlock()
		*kind += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, sym := range symbols {
		symbol := sym.Symbol
		g.Go(func() error {
			n, err := s.syncFills(ctx, client, portfolioID, symbol)
			record(&res.Fills, n, err)
			n, err = s.syncOrders(ctx, client, portfolioID, symbol)
			record(&res.Orders, n, err)
			return nil
		})
	}
	_ = g.Wait()

	return res, errors.Join(errs...)
}

func (s *Synchronizer) client(ctx context.Context, portfolioID int64) (venue.Client, error) {
	creds, err := s.store.GetCredentials(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	return s.venues.For(portfolioID, creds), nil
}

func (s *Synchronizer) syncFills(ctx context.Context, client venue.Client, portfolioID int64, symbol string) (int, error) {
	p := pager[model.Fill]{
		kind: KindFills,
		maxID: func(ctx context.Context) (int64, bool, error) {
			return s.store.MaxFillID(ctx, portfolioID, symbol)
		},
		fetch: func(ctx context.Context, fromID *int64, limit int) ([]model.Fill, error) {
			return client.GetFills(ctx, symbol, fromID, limit)
		},
		id: func(f model.Fill) int64 { return f.VenueTradeID },
		store: func(ctx context.Context, page []model.Fill) ([]model.Fill, error) {
			return s.store.AppendFills(ctx, portfolioID, page)
		},
		applied: func(ctx context.Context, inserted []model.Fill) error {
			pnl := decimal.Zero
			for _, f := range inserted {
				pnl = pnl.Add(f.RealizedPnl)
			}
			return s.store.AddRealizedPnl(ctx, portfolioID, model.Truncate(pnl))
		},
	}
	return runCycle(ctx, s, p, portfolioID, symbol)
}

func (s *Synchronizer) syncOrders(ctx context.Context, client venue.Client, portfolioID int64, symbol string) (int, error) {
	p := pager[model.OrderEvent]{
		kind: KindOrders,
		maxID: func(ctx context.Context) (int64, bool, error) {
			return s.store.MaxOrderEventID(ctx, portfolioID, symbol)
		},
		fetch: func(ctx context.Context, fromID *int64, limit int) ([]model.OrderEvent, error) {
			return client.GetOrderEvents(ctx, symbol, fromID, limit)
		},
		id: func(e model.OrderEvent) int64 { return e.OrderID },
		store: func(ctx context.Context, page []model.OrderEvent) ([]model.OrderEvent, error) {
			return s.store.AppendOrderEvents(ctx, portfolioID, page)
		},
	}
	return runCycle(ctx, s, p, portfolioID, symbol)
}
