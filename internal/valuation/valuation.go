// Package valuation turns live balance and positions into balance snapshots.
package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/metrics"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/position"
	"github.com/atmx/reconciler/internal/store"
	"github.com/atmx/reconciler/internal/venue"
)

// Valuation is the breakdown behind one snapshot.
type Valuation struct {
	Available  decimal.Decimal `json:"available_balance"`
	Locked     decimal.Decimal `json:"locked_margin"`
	Unrealized decimal.Decimal `json:"unrealized_pnl"`
	Total      decimal.Decimal `json:"total_balance"`
}

// Compute values an account: locked margin is notional over leverage (at
// least 1) summed across positions, and the total adds available balance
// and unrealized PnL.
func Compute(available decimal.Decimal, positions []model.ActivePosition) Valuation {
	locked := decimal.Zero
	unrealized := decimal.Zero
	for _, p := range positions {
		locked = locked.Add(p.Notional.Div(model.SafeLeverage(p.Leverage)))
		unrealized = unrealized.Add(p.UnrealizedPnl)
	}
	locked = model.Truncate(locked)
	unrealized = model.Truncate(unrealized)

	return Valuation{
		Available:  available,
		Locked:     locked,
		Unrealized: unrealized,
		Total:      model.Truncate(available.Add(locked).Add(unrealized)),
	}
}

// Service takes and persists snapshots.
type Service struct {
	store   store.Store
	venues  *venue.Factory
	deriver *position.Deriver
	now     func() time.Time
}

// NewService creates a valuation service.
func NewService(st store.Store, venues *venue.Factory, deriver *position.Deriver) *Service {
	return &Service{store: st, venues: venues, deriver: deriver, now: time.Now}
}

// Current values the portfolio from live venue state without persisting.
func (s *Service) Current(ctx context.Context, portfolioID int64) (Valuation, []model.ActivePosition, error) {
	creds, err := s.store.GetCredentials(ctx, portfolioID)
	if err != nil {
		return Valuation{}, nil, err
	}
	client := s.venues.For(portfolioID, creds)

	bal, err := client.GetBalance(ctx)
	if err != nil {
		return Valuation{}, nil, fmt.Errorf("get balance: %w", err)
	}
	positions, err := s.deriver.FromClient(ctx, client)
	if err != nil {
		return Valuation{}, nil, err
	}
	return Compute(bal.Available, positions), positions, nil
}

// Snapshot values the portfolio and appends one BalanceSnapshot row.
func (s *Service) Snapshot(ctx context.Context, portfolioID int64) (*model.BalanceSnapshot, error) {
	v, _, err := s.Current(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	snap := &model.BalanceSnapshot{
		ID:               uuid.NewString(),
		PortfolioID:      portfolioID,
		AvailableBalance: v.Available,
		TotalBalance:     v.Total,
		TotalPnl:         v.Unrealized,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.InsertBalanceSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	metrics.SnapshotsTaken.Inc()
	slog.Info("balance snapshot taken",
		"portfolio", portfolioID,
		"available", v.Available.String(),
		"locked", v.Locked.String(),
		"total", v.Total.String(),
	)
	return snap, nil
}
