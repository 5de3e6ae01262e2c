package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/model"
)

type ledgerKey struct {
	portfolioID int64
	symbol      string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	portfolios map[int64]*model.Portfolio
	symbols    map[string]model.Symbol
	fills      map[ledgerKey][]model.Fill
	fillIDs    map[ledgerKey]map[int64]struct{}
	orders     map[ledgerKey][]model.OrderEvent
	orderIDs   map[ledgerKey]map[int64]struct{}
	snapshots  map[int64][]model.BalanceSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios: make(map[int64]*model.Portfolio),
		symbols:    make(map[string]model.Symbol),
		fills:      make(map[ledgerKey][]model.Fill),
		fillIDs:    make(map[ledgerKey]map[int64]struct{}),
		orders:     make(map[ledgerKey][]model.OrderEvent),
		orderIDs:   make(map[ledgerKey]map[int64]struct{}),
		snapshots:  make(map[int64][]model.BalanceSnapshot),
	}
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		s.nextID++
		p.ID = s.nextID
	} else if _, exists := s.portfolios[p.ID]; exists {
		return fmt.Errorf("portfolio %d already exists", p.ID)
	}
	if p.ID > s.nextID {
		s.nextID = p.ID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt

	// Store a copy to avoid external mutation.
	cp := clonePortfolio(p)
	s.portfolios[p.ID] = cp
	return nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Portfolio, 0, len(s.portfolios))
	for _, p := range s.portfolios {
		out = append(out, *clonePortfolio(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, id int64) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %d: %w", id, ErrNotFound)
	}
	return clonePortfolio(p), nil
}

func (s *MemoryStore) GetCredentials(_ context.Context, id int64) (model.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return model.Credentials{}, fmt.Errorf("portfolio %d: %w", id, ErrNotFound)
	}
	if !p.Credentials.Valid() {
		return model.Credentials{}, fmt.Errorf("portfolio %d: %w", id, ErrMissingCredentials)
	}
	return *p.Credentials, nil
}

func (s *MemoryStore) AddRealizedPnl(_ context.Context, id int64, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolios[id]
	if !ok {
		return fmt.Errorf("portfolio %d: %w", id, ErrNotFound)
	}
	p.RealizedPnl = p.RealizedPnl.Add(delta)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpsertSymbol(_ context.Context, sym model.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.symbols[sym.Symbol] = sym
	return nil
}

func (s *MemoryStore) ListSymbols(_ context.Context) ([]model.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Symbol, 0, len(s.symbols))
	for _, sym := range s.symbols {
		if sym.CanTrade {
			out = append(out, sym)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) MaxFillID(_ context.Context, portfolioID int64, symbol string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxID int64
	found := false
	for id := range s.fillIDs[ledgerKey{portfolioID, symbol}] {
		if !found || id > maxID {
			maxID, found = id, true
		}
	}
	return maxID, found, nil
}

func (s *MemoryStore) AppendFills(_ context.Context, portfolioID int64, fills []model.Fill) ([]model.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make([]model.Fill, 0, len(fills))
	for _, f := range fills {
		key := ledgerKey{portfolioID, f.Symbol}
		seen := s.fillIDs[key]
		if seen == nil {
			seen = make(map[int64]struct{})
			s.fillIDs[key] = seen
		}
		if _, dup := seen[f.VenueTradeID]; dup {
			continue
		}
		f.PortfolioID = portfolioID
		seen[f.VenueTradeID] = struct{}{}
		s.fills[key] = append(s.fills[key], f)
		inserted = append(inserted, f)
	}
	return inserted, nil
}

func (s *MemoryStore) RecentFills(_ context.Context, portfolioID int64, symbol string, limit int) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Fill
	for key, fills := range s.fills {
		if key.portfolioID != portfolioID || (symbol != "" && key.symbol != symbol) {
			continue
		}
		out = append(out, fills...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].VenueTradeID > out[j].VenueTradeID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MaxOrderEventID(_ context.Context, portfolioID int64, symbol string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxID int64
	found := false
	for id := range s.orderIDs[ledgerKey{portfolioID, symbol}] {
		if !found || id > maxID {
			maxID, found = id, true
		}
	}
	return maxID, found, nil
}

func (s *MemoryStore) AppendOrderEvents(_ context.Context, portfolioID int64, events []model.OrderEvent) ([]model.OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make([]model.OrderEvent, 0, len(events))
	for _, e := range events {
		key := ledgerKey{portfolioID, e.Symbol}
		seen := s.orderIDs[key]
		if seen == nil {
			seen = make(map[int64]struct{})
			s.orderIDs[key] = seen
		}
		if _, dup := seen[e.OrderID]; dup {
			continue
		}
		e.PortfolioID = portfolioID
		seen[e.OrderID] = struct{}{}
		s.orders[key] = append(s.orders[key], e)
		inserted = append(inserted, e)
	}
	return inserted, nil
}

func (s *MemoryStore) ListOrderEvents(_ context.Context, portfolioID int64, symbol string, limit int) ([]model.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OrderEvent
	for key, events := range s.orders {
		if key.portfolioID != portfolioID || (symbol != "" && key.symbol != symbol) {
			continue
		}
		out = append(out, events...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].OrderID > out[j].OrderID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertBalanceSnapshot(_ context.Context, snap *model.BalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[snap.PortfolioID]; !ok {
		return fmt.Errorf("portfolio %d: %w", snap.PortfolioID, ErrNotFound)
	}
	s.snapshots[snap.PortfolioID] = append(s.snapshots[snap.PortfolioID], *snap)
	return nil
}

func (s *MemoryStore) ListBalanceSnapshots(_ context.Context, portfolioID int64, limit int) ([]model.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	series := s.snapshots[portfolioID]
	out := make([]model.BalanceSnapshot, 0, min(limit, len(series)))
	for i := len(series) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, series[i])
	}
	return out, nil
}

func clonePortfolio(p *model.Portfolio) *model.Portfolio {
	cp := *p
	if p.Credentials != nil {
		creds := *p.Credentials
		cp.Credentials = &creds
	}
	return &cp
}
