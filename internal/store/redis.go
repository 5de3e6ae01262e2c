package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only portfolio metadata and the default snapshot series are cached. The
// ledger is always read from the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.CreatePortfolio(ctx, p); err != nil {
		return err
	}
	s.cachePortfolio(ctx, p)
	return nil
}

func (s *CachedStore) AddRealizedPnl(ctx context.Context, id int64, delta decimal.Decimal) error {
	if err := s.primary.AddRealizedPnl(ctx, id, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, portfolioKey(id))
	return nil
}

func (s *CachedStore) InsertBalanceSnapshot(ctx context.Context, snap *model.BalanceSnapshot) error {
	if err := s.primary.InsertBalanceSnapshot(ctx, snap); err != nil {
		return err
	}
	s.rdb.Del(ctx, snapshotsKey(snap.PortfolioID))
	return nil
}

// --- Read-through (check cache first) ---

// GetPortfolio never serves credentials from cache; they are not serialized.
// Use GetCredentials for anything that talks to the venue.
func (s *CachedStore) GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(id)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPortfolio(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePortfolio(ctx, p)
	return p, nil
}

func (s *CachedStore) ListBalanceSnapshots(ctx context.Context, portfolioID int64, limit int) ([]model.BalanceSnapshot, error) {
	if limit > 0 && limit != DefaultSnapshotLimit {
		return s.primary.ListBalanceSnapshots(ctx, portfolioID, limit)
	}

	data, err := s.rdb.Get(ctx, snapshotsKey(portfolioID)).Bytes()
	if err == nil {
		var snaps []model.BalanceSnapshot
		if json.Unmarshal(data, &snaps) == nil {
			return snaps, nil
		}
	}

	// Cache miss.
	snaps, err := s.primary.ListBalanceSnapshots(ctx, portfolioID, DefaultSnapshotLimit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(snaps); err == nil {
		s.rdb.Set(ctx, snapshotsKey(portfolioID), data, s.ttl)
	}
	return snaps, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	return s.primary.ListPortfolios(ctx)
}

func (s *CachedStore) GetCredentials(ctx context.Context, id int64) (model.Credentials, error) {
	return s.primary.GetCredentials(ctx, id)
}

func (s *CachedStore) UpsertSymbol(ctx context.Context, sym model.Symbol) error {
	return s.primary.UpsertSymbol(ctx, sym)
}

func (s *CachedStore) ListSymbols(ctx context.Context) ([]model.Symbol, error) {
	return s.primary.ListSymbols(ctx)
}

func (s *CachedStore) MaxFillID(ctx context.Context, portfolioID int64, symbol string) (int64, bool, error) {
	return s.primary.MaxFillID(ctx, portfolioID, symbol)
}

func (s *CachedStore) AppendFills(ctx context.Context, portfolioID int64, fills []model.Fill) ([]model.Fill, error) {
	return s.primary.AppendFills(ctx, portfolioID, fills)
}

func (s *CachedStore) RecentFills(ctx context.Context, portfolioID int64, symbol string, limit int) ([]model.Fill, error) {
	return s.primary.RecentFills(ctx, portfolioID, symbol, limit)
}

func (s *CachedStore) MaxOrderEventID(ctx context.Context, portfolioID int64, symbol string) (int64, bool, error) {
	return s.primary.MaxOrderEventID(ctx, portfolioID, symbol)
}

func (s *CachedStore) AppendOrderEvents(ctx context.Context, portfolioID int64, events []model.OrderEvent) ([]model.OrderEvent, error) {
	return s.primary.AppendOrderEvents(ctx, portfolioID, events)
}

func (s *CachedStore) ListOrderEvents(ctx context.Context, portfolioID int64, symbol string, limit int) ([]model.OrderEvent, error) {
	return s.primary.ListOrderEvents(ctx, portfolioID, symbol, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cachePortfolio(ctx context.Context, p *model.Portfolio) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, portfolioKey(p.ID), data, s.ttl)
	}
}

func portfolioKey(id int64) string { return fmt.Sprintf("portfolio:%d", id) }
func snapshotsKey(id int64) string { return fmt.Sprintf("snapshots:%d", id) }
