package matcher

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/reconciler/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func entry(id, qty, px string, at time.Duration) model.OrderAggregate {
	return model.OrderAggregate{
		OrderID:        id,
		Symbol:         "BTCUSDT",
		TotalQty:       d(qty),
		AvgPrice:       d(px),
		NetRealizedPnl: decimal.Zero,
		FirstTime:      t0.Add(at),
		LastTime:       t0.Add(at),
		Kind:           model.LotEntry,
	}
}

func exit(id, qty, px, pnl string, at time.Duration) model.OrderAggregate {
	return model.OrderAggregate{
		OrderID:        id,
		Symbol:         "BTCUSDT",
		TotalQty:       d(qty),
		AvgPrice:       d(px),
		NetRealizedPnl: d(pnl),
		FirstTime:      t0.Add(at),
		LastTime:       t0.Add(at + time.Minute),
		Kind:           model.LotExit,
	}
}

func sumQty(ps []model.CompletedPosition) decimal.Decimal {
	s := decimal.Zero
	for _, p := range ps {
		s = s.Add(p.Quantity)
	}
	return s
}

func sumPnl(ps []model.CompletedPosition) decimal.Decimal {
	s := decimal.Zero
	for _, p := range ps {
		s = s.Add(p.Pnl)
	}
	return s
}

func TestMatch_SingleLongRoundTrip(t *testing.T) {
	got := Match("BTCUSDT", []model.OrderAggregate{
		entry("e1", "1", "100", 0),
		exit("x1", "1", "110", "10", time.Hour),
	})
	require.Len(t, got, 1)

	p := got[0]
	assert.Equal(t, model.Long, p.Side)
	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.True(t, p.EntryPrice.Equal(d("100")))
	assert.True(t, p.ExitPrice.Equal(d("110")))
	assert.True(t, p.Quantity.Equal(d("1")))
	assert.True(t, p.Pnl.Equal(d("10")))
	assert.Equal(t, time.Hour+time.Minute, p.HoldingTime)
	assert.Equal(t, t0.Add(time.Hour+time.Minute), p.CreatedAt)
}

func TestMatch_SideInference(t *testing.T) {
	tests := []struct {
		name    string
		entryPx string
		exitPx  string
		pnl     string
		want    model.Direction
	}{
		{"rise paid", "100", "110", "10", model.Long},
		{"rise lost", "100", "110", "-10", model.Short},
		{"fall paid", "100", "90", "10", model.Short},
		{"fall lost", "100", "90", "-10", model.Long},
		{"flat paid", "100", "100", "1", model.Long},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match("BTCUSDT", []model.OrderAggregate{
				entry("e", "1", tt.entryPx, 0),
				exit("x", "1", tt.exitPx, tt.pnl, time.Minute),
			})
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Side)
		})
	}
}

func TestMatch_ExitSplitAcrossEntries(t *testing.T) {
	got := Match("BTCUSDT", []model.OrderAggregate{
		entry("e1", "1", "100", 0),
		entry("e2", "1", "100", time.Minute),
		entry("e3", "1", "100", 2*time.Minute),
		exit("x1", "3", "110", "10", time.Hour),
	})
	require.Len(t, got, 3)

	assert.Equal(t, "3.33333333", got[0].Pnl.String())
	assert.Equal(t, "3.33333333", got[1].Pnl.String())
	assert.Equal(t, "3.33333334", got[2].Pnl.String())
	assert.True(t, sumPnl(got).Equal(d("10")))
}

func TestMatch_PairsMostRecentFirst(t *testing.T) {
	got := Match("BTCUSDT", []model.OrderAggregate{
		entry("old", "1", "100", 0),
		entry("new", "1", "105", 30*time.Minute),
		exit("x1", "1", "110", "5", time.Hour),
	})
	require.Len(t, got, 1)
	assert.True(t, got[0].EntryPrice.Equal(d("105")))
}

func TestMatch_Conservation(t *testing.T) {
	aggs := []model.OrderAggregate{
		entry("e1", "2.5", "100", 0),
		entry("e2", "1", "101", 10*time.Minute),
		entry("e3", "0.75", "99", 20*time.Minute),
		exit("x1", "1.2", "104", "4.2", 30*time.Minute),
		exit("x2", "2", "97", "-3.1", 40*time.Minute),
	}
	got := Match("BTCUSDT", aggs)

	// Entries 4.25 >= exits 3.2: every exit unit is matched.
	assert.True(t, sumQty(got).Equal(d("3.2")), "matched %s", sumQty(got))
	assert.True(t, sumPnl(got).Equal(d("1.1")), "pnl %s", sumPnl(got))

	// Prices are unique per lot, so they identify the lots each match drew on.
	entryLeft := map[string]decimal.Decimal{"100": d("2.5"), "101": d("1"), "99": d("0.75")}
	exitLeft := map[string]decimal.Decimal{"104": d("1.2"), "97": d("2")}
	for _, p := range got {
		assert.True(t, p.Quantity.IsPositive())

		ek, xk := p.EntryPrice.String(), p.ExitPrice.String()
		require.Contains(t, entryLeft, ek)
		require.Contains(t, exitLeft, xk)
		assert.True(t, p.Quantity.LessThanOrEqual(entryLeft[ek]), "qty %s exceeds entry %s left %s", p.Quantity, ek, entryLeft[ek])
		assert.True(t, p.Quantity.LessThanOrEqual(exitLeft[xk]), "qty %s exceeds exit %s left %s", p.Quantity, xk, exitLeft[xk])
		entryLeft[ek] = entryLeft[ek].Sub(p.Quantity)
		exitLeft[xk] = exitLeft[xk].Sub(p.Quantity)
	}
	for k, left := range exitLeft {
		assert.True(t, left.IsZero(), "exit %s left %s", k, left)
	}
}

func TestMatch_SkipsExhaustedLots(t *testing.T) {
	got := Match("BTCUSDT", []model.OrderAggregate{
		entry("empty", "0", "100", time.Hour),
		entry("e1", "1", "100", 0),
		exit("void", "0", "120", "7", 3*time.Hour),
		exit("x1", "1", "110", "10", 2*time.Hour),
	})
	require.Len(t, got, 1)
	assert.True(t, got[0].Pnl.Equal(d("10")))
	assert.True(t, got[0].Quantity.Equal(d("1")))
}

func TestMatch_NoExits(t *testing.T) {
	assert.Empty(t, Match("BTCUSDT", []model.OrderAggregate{entry("e1", "1", "100", 0)}))
	assert.Empty(t, Match("BTCUSDT", nil))
}

func TestMatch_UnsetKindIsClassified(t *testing.T) {
	e := entry("e1", "1", "100", 0)
	x := exit("x1", "1", "110", "10", time.Minute)
	e.Kind, x.Kind = 0, 0

	got := Match("BTCUSDT", []model.OrderAggregate{e, x})
	require.Len(t, got, 1)
	assert.True(t, got[0].Pnl.Equal(d("10")))
}

func TestMatchAll_SortsAndCaps(t *testing.T) {
	var aggs []model.OrderAggregate
	for i := 0; i < 60; i++ {
		at := time.Duration(i) * time.Hour
		for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
			e := entry(fmt.Sprintf("%s-e%d", sym, i), "1", "100", at)
			x := exit(fmt.Sprintf("%s-x%d", sym, i), "1", "101", "1", at+time.Minute)
			e.Symbol, x.Symbol = sym, sym
			aggs = append(aggs, e, x)
		}
	}

	got := MatchAll(aggs, 0)
	require.Len(t, got, DefaultLimit)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CreatedAt.After(got[i-1].CreatedAt))
	}

	symbols := map[string]bool{}
	for _, p := range got {
		symbols[p.Symbol] = true
	}
	assert.Len(t, symbols, 2)

	assert.Len(t, MatchAll(aggs, 5), 5)
}
