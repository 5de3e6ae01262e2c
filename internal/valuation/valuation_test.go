package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/position"
	"github.com/atmx/reconciler/internal/store"
	"github.com/atmx/reconciler/internal/venue"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCompute_LockedMarginAndUnrealized(t *testing.T) {
	v := Compute(d("500"), []model.ActivePosition{
		{Notional: d("1000"), Leverage: d("10"), UnrealizedPnl: d("-20")},
	})
	assert.True(t, v.Locked.Equal(d("100")))
	assert.True(t, v.Unrealized.Equal(d("-20")))
	assert.True(t, v.Total.Equal(d("580")), "total = %s", v.Total)
}

func TestCompute_ZeroLeverageCountsAsOne(t *testing.T) {
	v := Compute(d("0"), []model.ActivePosition{
		{Notional: d("250"), Leverage: decimal.Zero},
		{Notional: d("90"), Leverage: d("3"), UnrealizedPnl: d("5")},
	})
	assert.True(t, v.Locked.Equal(d("280")))
	assert.True(t, v.Total.Equal(d("285")))
}

func TestCompute_NoPositions(t *testing.T) {
	v := Compute(d("42.5"), nil)
	assert.True(t, v.Locked.IsZero())
	assert.True(t, v.Total.Equal(d("42.5")))
}

func newService(t *testing.T, fake *venue.Fake) (*Service, *store.MemoryStore, int64) {
	t.Helper()
	ms := store.NewMemoryStore()
	p := &model.Portfolio{Name: "alpha", Credentials: &model.Credentials{APIKey: "k", BaseURL: "http://venue"}}
	require.NoError(t, ms.CreatePortfolio(context.Background(), p))

	factory := venue.Static(fake)
	return NewService(ms, factory, position.NewDeriver(ms, factory)), ms, p.ID
}

func TestService_SnapshotPersistsOneRow(t *testing.T) {
	ctx := context.Background()
	fake := venue.NewFake()
	fake.SetBalance(model.Balance{Available: d("500")})
	fake.SetPositions(model.LivePosition{
		Symbol:        "BTCUSDT",
		PositionAmt:   d("0.02"),
		MarkPrice:     d("50000"),
		Leverage:      d("10"),
		UnrealizedPnl: d("-20"),
	})

	svc, ms, pid := newService(t, fake)
	at := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }

	snap, err := svc.Snapshot(ctx, pid)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.True(t, snap.AvailableBalance.Equal(d("500")))
	assert.True(t, snap.TotalBalance.Equal(d("580")))
	assert.True(t, snap.TotalPnl.Equal(d("-20")))
	assert.Equal(t, at, snap.CreatedAt)

	second, err := svc.Snapshot(ctx, pid)
	require.NoError(t, err)
	assert.NotEqual(t, snap.ID, second.ID)

	rows, err := ms.ListBalanceSnapshots(ctx, pid, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestService_SnapshotVenueFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	fake := venue.NewFake()
	fake.FailOn("GetBalance", 1, errors.New("timeout"))

	svc, ms, pid := newService(t, fake)
	_, err := svc.Snapshot(ctx, pid)
	assert.True(t, errors.Is(err, venue.ErrUnavailable))

	rows, err := ms.ListBalanceSnapshots(ctx, pid, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
