package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func mkFill(id int64, orderID, price, qty, pnl string, at time.Duration) model.Fill {
	return model.Fill{
		VenueTradeID: id,
		OrderID:      orderID,
		Symbol:       "BTCUSDT",
		Side:         model.SideBuy,
		Price:        d(price),
		Qty:          d(qty),
		RealizedPnl:  d(pnl),
		Time:         t0.Add(at),
	}
}

func TestFold_WeightedAverageAndSpan(t *testing.T) {
	aggs := Fold([]model.Fill{
		mkFill(3, "A", "110", "3", "0", 2*time.Minute),
		mkFill(1, "A", "100", "1", "0", 0),
		mkFill(2, "A", "105", "1", "0", time.Minute),
	})
	require.Len(t, aggs, 1)

	a := aggs[0]
	assert.Equal(t, "A", a.OrderID)
	assert.True(t, a.TotalQty.Equal(d("5")))
	// (100*1 + 105*1 + 110*3) / 5 = 107
	assert.True(t, a.AvgPrice.Equal(d("107")), "avg = %s", a.AvgPrice)
	assert.Equal(t, t0, a.FirstTime)
	assert.Equal(t, t0.Add(2*time.Minute), a.LastTime)
	assert.Equal(t, model.LotEntry, a.Kind)
	assert.Len(t, a.Fills, 3)
}

func TestFold_AverageIsTruncated(t *testing.T) {
	aggs := Fold([]model.Fill{
		mkFill(1, "A", "1", "1", "0", 0),
		mkFill(2, "A", "2", "2", "0", 0),
	})
	require.Len(t, aggs, 1)
	// 5/3 truncated, not rounded.
	assert.Equal(t, "1.66666666", aggs[0].AvgPrice.String())
}

func TestFold_ZeroQuantityKeepsPriorAverage(t *testing.T) {
	aggs := Fold([]model.Fill{
		mkFill(1, "A", "250", "0", "0", 0),
		mkFill(2, "A", "260", "0", "0", time.Second),
	})
	require.Len(t, aggs, 1)
	assert.True(t, aggs[0].TotalQty.IsZero())
	assert.True(t, aggs[0].AvgPrice.Equal(d("250")))
}

func TestFold_FallsBackToTradeID(t *testing.T) {
	aggs := Fold([]model.Fill{
		mkFill(7, "", "100", "1", "0", 0),
		mkFill(8, "", "100", "1", "0", time.Second),
	})
	require.Len(t, aggs, 2)
	assert.Equal(t, "8", aggs[0].OrderID)
	assert.Equal(t, "7", aggs[1].OrderID)
}

func TestFold_SameIDOnDifferentSymbols(t *testing.T) {
	eth := func(f model.Fill) model.Fill {
		f.Symbol = "ETHUSDT"
		return f
	}
	aggs := Fold([]model.Fill{
		mkFill(1, "", "100", "1", "0", 0),
		eth(mkFill(1, "", "3000", "2", "15", time.Second)),
		mkFill(2, "42", "101", "1", "0", 2*time.Second),
		eth(mkFill(2, "42", "3100", "1", "0", 3*time.Second)),
	})
	require.Len(t, aggs, 4)

	assert.Equal(t, "ETHUSDT", aggs[0].Symbol)
	assert.Equal(t, "42", aggs[0].OrderID)
	assert.True(t, aggs[0].AvgPrice.Equal(d("3100")))

	assert.Equal(t, "BTCUSDT", aggs[1].Symbol)
	assert.Equal(t, "42", aggs[1].OrderID)
	assert.True(t, aggs[1].AvgPrice.Equal(d("101")))

	assert.Equal(t, "ETHUSDT", aggs[2].Symbol)
	assert.Equal(t, "1", aggs[2].OrderID)
	assert.True(t, aggs[2].TotalQty.Equal(d("2")))
	assert.True(t, aggs[2].NetRealizedPnl.Equal(d("15")))
	assert.Len(t, aggs[2].Fills, 1)

	assert.Equal(t, "BTCUSDT", aggs[3].Symbol)
	assert.Equal(t, "1", aggs[3].OrderID)
	assert.True(t, aggs[3].AvgPrice.Equal(d("100")))
	assert.Equal(t, model.LotEntry, aggs[3].Kind)
}

func TestFold_ClassifiesAndSortsNewestFirst(t *testing.T) {
	aggs := Fold([]model.Fill{
		mkFill(1, "entry", "100", "1", "0", 0),
		mkFill(2, "exit", "110", "0.4", "4", 10*time.Minute),
		mkFill(3, "exit", "110", "0.6", "6", 11*time.Minute),
		mkFill(4, "flat", "90", "1", "-0.5", 5*time.Minute),
	})
	require.Len(t, aggs, 3)

	assert.Equal(t, "exit", aggs[0].OrderID)
	assert.Equal(t, "flat", aggs[1].OrderID)
	assert.Equal(t, "entry", aggs[2].OrderID)

	assert.Equal(t, model.LotExit, aggs[0].Kind)
	assert.True(t, aggs[0].NetRealizedPnl.Equal(d("10")))
	assert.Equal(t, model.LotExit, aggs[1].Kind)
	assert.Equal(t, model.LotEntry, aggs[2].Kind)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, model.LotEntry, Classify(decimal.Zero))
	assert.Equal(t, model.LotEntry, Classify(d("0.0000000000001")))
	assert.Equal(t, model.LotExit, Classify(d("0.00000001")))
	assert.Equal(t, model.LotExit, Classify(d("-3")))
}

func TestService_AggregateUsesWindow(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	p := &model.Portfolio{Name: "alpha"}
	require.NoError(t, ms.CreatePortfolio(ctx, p))

	var fills []model.Fill
	for i := int64(1); i <= 6; i++ {
		fills = append(fills, mkFill(i, "", "100", "1", "0", time.Duration(i)*time.Second))
	}
	_, err := ms.AppendFills(ctx, p.ID, fills)
	require.NoError(t, err)

	aggs, err := NewService(ms, 4).Aggregate(ctx, p.ID, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, aggs, 4)
	assert.Equal(t, "6", aggs[0].OrderID)
	assert.Equal(t, "3", aggs[3].OrderID)

	none, err := NewService(ms, 0).Aggregate(ctx, p.ID, "ETHUSDT")
	require.NoError(t, err)
	assert.Empty(t, none)
}
