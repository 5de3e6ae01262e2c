// Package aggregate folds ledger fills into order-level aggregates.
// Aggregates are recomputed from a bounded window of recent fills on every
// read; nothing here is persisted.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/store"
)

// DefaultWindow is how many of the most recent fills are folded per read.
const DefaultWindow = 5000

// Epsilon separates entry lots from exit lots by net realized PnL.
var Epsilon = decimal.New(1, -12)

// Service reads the fill window from the store and folds it.
type Service struct {
	store  store.Store
	window int
}

// NewService creates an aggregator over st. A non-positive window uses
// DefaultWindow.
func NewService(st store.Store, window int) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{store: st, window: window}
}

// Aggregate returns the portfolio's order aggregates newest first. An empty
// symbol covers every symbol.
func (s *Service) Aggregate(ctx context.Context, portfolioID int64, symbol string) ([]model.OrderAggregate, error) {
	fills, err := s.store.RecentFills(ctx, portfolioID, symbol, s.window)
	if err != nil {
		return nil, fmt.Errorf("read fills: %w", err)
	}
	return Fold(fills), nil
}

// Fold groups fills by symbol and order id (the venue trade id when the
// order id is missing) and returns one aggregate per group, sorted by last fill time
// descending.
func Fold(fills []model.Fill) []model.OrderAggregate {
	type acc struct {
		agg      model.OrderAggregate
		notional decimal.Decimal
	}

	byOrder := make(map[string]*acc)
	order := make([]string, 0)

	for _, f := range fills {
		id := f.OrderID
		if id == "" {
			id = strconv.FormatInt(f.VenueTradeID, 10)
		}
		// Venue ids are only unique within a symbol.
		key := f.Symbol + ":" + id

		a, ok := byOrder[key]
		if !ok {
			a = &acc{agg: model.OrderAggregate{
				OrderID:        id,
				Symbol:         f.Symbol,
				Side:           f.Side,
				TotalQty:       decimal.Zero,
				AvgPrice:       f.Price,
				NetRealizedPnl: decimal.Zero,
				FirstTime:      f.Time,
				LastTime:       f.Time,
			}, notional: decimal.Zero}
			byOrder[key] = a
			order = append(order, key)
		}

		g := &a.agg
		if f.Time.Before(g.FirstTime) {
			g.FirstTime = f.Time
		}
		if f.Time.After(g.LastTime) {
			g.LastTime = f.Time
		}

		g.TotalQty = g.TotalQty.Add(f.Qty)
		a.notional = a.notional.Add(f.Qty.Mul(f.Price))
		// Zero quantity keeps the previous average.
		if g.TotalQty.IsPositive() {
			g.AvgPrice = model.Truncate(a.notional.Div(g.TotalQty))
		}
		g.NetRealizedPnl = g.NetRealizedPnl.Add(f.RealizedPnl)
		g.Fills = append(g.Fills, f)
	}

	out := make([]model.OrderAggregate, 0, len(order))
	for _, key := range order {
		g := byOrder[key].agg
		g.TotalQty = model.Truncate(g.TotalQty)
		g.NetRealizedPnl = model.Truncate(g.NetRealizedPnl)
		g.Kind = Classify(g.NetRealizedPnl)
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastTime.After(out[j].LastTime)
	})
	return out
}

// Classify tags an aggregate by its net realized PnL: no booked PnL means
// the order opened exposure.
func Classify(pnl decimal.Decimal) model.LotKind {
	if pnl.Abs().LessThan(Epsilon) {
		return model.LotEntry
	}
	return model.LotExit
}
