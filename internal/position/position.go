// Package position derives the open-exposure view from live venue state.
package position

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/store"
	"github.com/atmx/reconciler/internal/venue"
)

// Deriver builds ActivePositions for a portfolio.
type Deriver struct {
	store  store.Store
	venues *venue.Factory
	now    func() time.Time
}

// NewDeriver creates a deriver reading credentials from st.
func NewDeriver(st store.Store, venues *venue.Factory) *Deriver {
	return &Deriver{store: st, venues: venues, now: time.Now}
}

// Derive returns the portfolio's active positions sorted by symbol.
func (d *Deriver) Derive(ctx context.Context, portfolioID int64) ([]model.ActivePosition, error) {
	creds, err := d.store.GetCredentials(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	return d.FromClient(ctx, d.venues.For(portfolioID, creds))
}

// FromClient fetches every live position and resting order in one call
// each and merges them.
func (d *Deriver) FromClient(ctx context.Context, client venue.Client) ([]model.ActivePosition, error) {
	positions, err := client.GetPositions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	orders, err := client.GetOpenOrders(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	return Build(positions, orders, d.now()), nil
}

// Build merges live positions with resting orders. Positions with a zero
// amount are flat and skipped. now stamps positions the venue sent without
// an update time.
func Build(positions []model.LivePosition, orders []model.RestingOrder, now time.Time) []model.ActivePosition {
	bySymbol := make(map[string][]model.RestingOrder)
	for _, o := range orders {
		key := strings.ToUpper(o.Symbol)
		bySymbol[key] = append(bySymbol[key], o)
	}

	out := []model.ActivePosition{}
	for _, p := range positions {
		if p.PositionAmt.IsZero() {
			continue
		}

		side := model.Long
		if p.PositionAmt.IsNegative() {
			side = model.Short
		}
		qty := p.PositionAmt.Abs()

		created := p.UpdateTime
		if created.IsZero() {
			created = now
		}

		out = append(out, model.ActivePosition{
			Side:          side,
			Symbol:        p.Symbol,
			Quantity:      qty,
			Leverage:      p.Leverage,
			Notional:      model.Truncate(qty.Mul(p.MarkPrice)),
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			ExitPlan:      exitPlan(bySymbol[strings.ToUpper(p.Symbol)]),
			UnrealizedPnl: p.UnrealizedPnl,
			CreatedAt:     created,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// exitPlan takes the trigger price of the first reduce-only take-profit
// and the first reduce-only stop order.
func exitPlan(orders []model.RestingOrder) model.ExitPlan {
	plan := model.ExitPlan{Target: decimal.Zero, Stop: decimal.Zero}
	var haveTarget, haveStop bool
	for _, o := range orders {
		if !o.ReduceOnly && !o.ClosePosition {
			continue
		}
		switch strings.ToUpper(o.Type) {
		case "TAKE_PROFIT", "TAKE_PROFIT_MARKET":
			if !haveTarget {
				plan.Target, haveTarget = o.StopPrice, true
			}
		case "STOP", "STOP_MARKET":
			if !haveStop {
				plan.Stop, haveStop = o.StopPrice, true
			}
		}
	}
	return plan
}
