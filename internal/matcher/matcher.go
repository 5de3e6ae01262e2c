// Package matcher pairs entry and exit lots into completed positions.
//
// Entries and exits are each ordered newest first by first fill time and
// walked with two cursors. This pairs the most recent entry with the most
// recent exit; it is not chronological FIFO lot accounting.
package matcher

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/aggregate"
	"github.com/atmx/reconciler/internal/model"
)

// DefaultLimit caps the completed positions returned by MatchAll.
const DefaultLimit = 100

type lot struct {
	agg       *model.OrderAggregate
	remaining decimal.Decimal
	allocated decimal.Decimal // exit PnL handed out so far
}

// Match pairs the aggregates of one symbol. Each exit's net PnL is split
// pro rata by matched quantity across the entries it meets; the portion
// that exhausts an exit takes whatever is left so the split sums exactly.
func Match(symbol string, aggs []model.OrderAggregate) []model.CompletedPosition {
	entries, exits := partition(aggs)

	var out []model.CompletedPosition
	ei, xi := 0, 0
	for ei < len(entries) && xi < len(exits) {
		e, x := entries[ei], exits[xi]

		if !e.remaining.IsPositive() || !x.remaining.IsPositive() {
			if !e.remaining.IsPositive() {
				ei++
			}
			if !x.remaining.IsPositive() {
				xi++
			}
			continue
		}

		qty := decimal.Min(e.remaining, x.remaining)
		e.remaining = e.remaining.Sub(qty)
		x.remaining = x.remaining.Sub(qty)

		var pnl decimal.Decimal
		if x.remaining.IsPositive() {
			pnl = model.Truncate(x.agg.NetRealizedPnl.Mul(qty).Div(x.agg.TotalQty))
		} else {
			pnl = x.agg.NetRealizedPnl.Sub(x.allocated)
		}
		x.allocated = x.allocated.Add(pnl)

		entryPx, exitPx := e.agg.AvgPrice, x.agg.AvgPrice
		out = append(out, model.CompletedPosition{
			Side:        inferSide(entryPx, exitPx, pnl),
			Symbol:      symbol,
			EntryPrice:  entryPx,
			ExitPrice:   exitPx,
			Quantity:    qty,
			Pnl:         pnl,
			HoldingTime: x.agg.LastTime.Sub(e.agg.FirstTime),
			CreatedAt:   x.agg.LastTime,
		})

		if !e.remaining.IsPositive() {
			ei++
		}
		if !x.remaining.IsPositive() {
			xi++
		}
	}
	return out
}

// MatchAll matches every symbol present in aggs and returns the most recent
// limit positions by exit time. A non-positive limit uses DefaultLimit.
func MatchAll(aggs []model.OrderAggregate, limit int) []model.CompletedPosition {
	if limit <= 0 {
		limit = DefaultLimit
	}

	bySymbol := make(map[string][]model.OrderAggregate)
	var symbols []string
	for _, a := range aggs {
		if _, ok := bySymbol[a.Symbol]; !ok {
			symbols = append(symbols, a.Symbol)
		}
		bySymbol[a.Symbol] = append(bySymbol[a.Symbol], a)
	}

	out := []model.CompletedPosition{}
	for _, sym := range symbols {
		out = append(out, Match(sym, bySymbol[sym])...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// partition splits aggregates into entry and exit lots, each sorted newest
// first by first fill time.
func partition(aggs []model.OrderAggregate) (entries, exits []*lot) {
	sorted := make([]model.OrderAggregate, len(aggs))
	copy(sorted, aggs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FirstTime.After(sorted[j].FirstTime)
	})

	for i := range sorted {
		a := &sorted[i]
		kind := a.Kind
		if kind == 0 {
			kind = aggregate.Classify(a.NetRealizedPnl)
		}
		l := &lot{agg: a, remaining: a.TotalQty, allocated: decimal.Zero}
		if kind == model.LotEntry {
			entries = append(entries, l)
		} else {
			exits = append(exits, l)
		}
	}
	return entries, exits
}

// inferSide reads direction from how price moved against the sign of PnL:
// a rise that paid was long, a rise that lost was short, and the reverse
// for a fall.
func inferSide(entryPx, exitPx, pnl decimal.Decimal) model.Direction {
	gained := !pnl.IsNegative()
	if exitPx.GreaterThanOrEqual(entryPx) {
		if gained {
			return model.Long
		}
		return model.Short
	}
	if gained {
		return model.Short
	}
	return model.Long
}
