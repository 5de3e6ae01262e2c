package history_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/reconciler/internal/history"
	"github.com/atmx/reconciler/internal/lease"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/store"
	"github.com/atmx/reconciler/internal/venue"
)

type env struct {
	store  *store.MemoryStore
	fake   *venue.Fake
	locker *lease.LocalLocker
	sync   *history.Synchronizer
	pid    int64
}

func newEnv(t *testing.T, cfg history.Config) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	p := &model.Portfolio{
		Name:        "alpha",
		Credentials: &model.Credentials{APIKey: "key", BaseURL: "http://venue"},
	}
	require.NoError(t, ms.CreatePortfolio(context.Background(), p))

	fake := venue.NewFake()
	locker := lease.NewLocalLocker()
	return &env{
		store:  ms,
		fake:   fake,
		locker: locker,
		sync:   history.NewSynchronizer(ms, venue.Static(fake), locker, cfg),
		pid:    p.ID,
	}
}

// fills builds ids from..to, each carrying pnl.
func fills(from, to int64, pnl string) []model.Fill {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Fill, 0, to-from+1)
	for id := from; id <= to; id++ {
		out = append(out, model.Fill{
			VenueTradeID: id,
			OrderID:      "ord",
			Side:         model.SideSell,
			Price:        decimal.NewFromInt(100),
			Qty:          decimal.NewFromInt(1),
			RealizedPnl:  decimal.RequireFromString(pnl),
			Time:         base.Add(time.Duration(id) * time.Second),
		})
	}
	return out
}

func (e *env) pnl(t *testing.T) decimal.Decimal {
	t.Helper()
	p, err := e.store.GetPortfolio(context.Background(), e.pid)
	require.NoError(t, err)
	return p.RealizedPnl
}

func (e *env) maxFill(t *testing.T, symbol string) int64 {
	t.Helper()
	id, _, err := e.store.MaxFillID(context.Background(), e.pid, symbol)
	require.NoError(t, err)
	return id
}

func TestSyncFills_PaginatesUntilPartialPage(t *testing.T) {
	e := newEnv(t, history.Config{PageSize: 300})
	e.fake.AddFills("BTCUSDT", fills(1, 650, "0.5")...)

	n, err := e.sync.SyncFills(context.Background(), e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 650, n)
	assert.Equal(t, 3, e.fake.Calls("GetFills"))
	assert.Equal(t, int64(650), e.maxFill(t, "BTCUSDT"))
	assert.True(t, e.pnl(t).Equal(decimal.NewFromInt(325)), "pnl = %s", e.pnl(t))
}

func TestSyncFills_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, history.Config{PageSize: 300})
	e.fake.AddFills("BTCUSDT", fills(1, 10, "2")...)

	n, err := e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	before := e.pnl(t)

	n, err = e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, e.pnl(t).Equal(before))

	rows, err := e.store.RecentFills(ctx, e.pid, "BTCUSDT", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 10)
}

func TestSyncFills_CursorIsMonotonic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, history.Config{PageSize: 4})

	prior := int64(0)
	for cycle := int64(0); cycle < 5; cycle++ {
		from := cycle*7 + 1
		e.fake.AddFills("ETHUSDT", fills(from, from+6, "1")...)

		_, err := e.sync.SyncFills(ctx, e.pid, "ETHUSDT")
		require.NoError(t, err)

		cur := e.maxFill(t, "ETHUSDT")
		assert.GreaterOrEqual(t, cur, prior)

		rows, err := e.store.RecentFills(ctx, e.pid, "ETHUSDT", 0)
		require.NoError(t, err)
		for _, r := range rows {
			if r.VenueTradeID >= from {
				assert.Greater(t, r.VenueTradeID, prior)
			}
		}
		prior = cur
	}
	assert.Equal(t, int64(35), prior)
	assert.True(t, e.pnl(t).Equal(decimal.NewFromInt(35)))
}

func TestSyncFills_InclusiveBoundaryIsFiltered(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, history.Config{PageSize: 300})
	e.fake.InclusiveFrom = true
	e.fake.AddFills("BTCUSDT", fills(1, 5, "1")...)

	n, err := e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	e.fake.AddFills("BTCUSDT", fills(6, 8, "1")...)
	n, err = e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, e.pnl(t).Equal(decimal.NewFromInt(8)))

	// Nothing new: the repeated boundary record alone means caught up.
	n, err = e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncFills_InclusiveFullPageEndsCycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, history.Config{PageSize: 300})
	e.fake.InclusiveFrom = true
	e.fake.AddFills("BTCUSDT", fills(1, 600, "1")...)

	// The second page repeats id 300, leaving 299 fresh records.
	n, err := e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 599, n)
	assert.Equal(t, 2, e.fake.Calls("GetFills"))
	assert.Equal(t, int64(599), e.maxFill(t, "BTCUSDT"))

	n, err = e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, e.fake.Calls("GetFills"))
	assert.True(t, e.pnl(t).Equal(decimal.NewFromInt(600)))
}

// stallingVenue blocks history calls until the caller's context ends.
type stallingVenue struct {
	*venue.Fake
}

func (v stallingVenue) GetFills(ctx context.Context, _ string, _ *int64, _ int) ([]model.Fill, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSyncFills_CycleBoundedByLeaseTTL(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	p := &model.Portfolio{
		Name:        "alpha",
		Credentials: &model.Credentials{APIKey: "key", BaseURL: "http://venue"},
	}
	require.NoError(t, ms.CreatePortfolio(ctx, p))

	locker := lease.NewLocalLocker()
	s := history.NewSynchronizer(ms, venue.Static(stallingVenue{venue.NewFake()}), locker,
		history.Config{LeaseTTL: 50 * time.Millisecond})

	start := time.Now()
	n, err := s.SyncFills(ctx, p.ID, "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, n)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The lease was released with the cycle.
	l, err := locker.Acquire(ctx, lease.SyncKey(history.KindFills, p.ID, "BTCUSDT"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
}

func TestSyncFills_FailureAbortsOnlyCurrentPage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, history.Config{PageSize: 300})
	e.fake.AddFills("BTCUSDT", fills(1, 650, "1")...)
	e.fake.FailOn("GetFills", 2, errors.New("connection reset"))

	n, err := e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, venue.ErrUnavailable))
	assert.Equal(t, 300, n)
	assert.Equal(t, int64(300), e.maxFill(t, "BTCUSDT"))
	assert.True(t, e.pnl(t).Equal(decimal.NewFromInt(300)))

	// The next scheduled cycle resumes from the cursor.
	n, err = e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 350, n)
	assert.Equal(t, 4, e.fake.Calls("GetFills"))
	assert.True(t, e.pnl(t).Equal(decimal.NewFromInt(650)))
}

func TestSyncFills_SkipsWhenLeaseHeld(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, history.Config{})
	e.fake.AddFills("BTCUSDT", fills(1, 3, "1")...)

	held, err := e.locker.Acquire(ctx, lease.SyncKey(history.KindFills, e.pid, "BTCUSDT"), time.Minute)
	require.NoError(t, err)

	n, err := e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, e.fake.Calls("GetFills"))

	require.NoError(t, held.Release(ctx))
	n, err = e.sync.SyncFills(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSyncFills_MissingCredentials(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, history.Config{})
	bare := &model.Portfolio{Name: "no-keys"}
	require.NoError(t, e.store.CreatePortfolio(ctx, bare))

	_, err := e.sync.SyncFills(ctx, bare.ID, "BTCUSDT")
	assert.True(t, errors.Is(err, store.ErrMissingCredentials))
	assert.Zero(t, e.fake.Calls("GetFills"))
}

func TestSyncOrders_DoesNotTouchPnl(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, history.Config{PageSize: 2})
	now := time.Now().UTC()
	e.fake.AddOrderEvents("BTCUSDT",
		model.OrderEvent{OrderID: 1, Status: "FILLED", Time: now},
		model.OrderEvent{OrderID: 2, Status: "FILLED", Time: now},
		model.OrderEvent{OrderID: 3, Status: "CANCELED", Time: now},
	)

	n, err := e.sync.SyncOrders(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, e.fake.Calls("GetOrderEvents"))
	assert.True(t, e.pnl(t).IsZero())

	maxID, ok, err := e.store.MaxOrderEventID(ctx, e.pid, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), maxID)
}

func TestSyncPortfolio_OneSymbolFailureDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, history.Config{Concurrency: 1})
	require.NoError(t, e.store.UpsertSymbol(ctx, model.Symbol{Symbol: "BTCUSDT", CanTrade: true}))
	require.NoError(t, e.store.UpsertSymbol(ctx, model.Symbol{Symbol: "ETHUSDT", CanTrade: true}))

	e.fake.AddFills("BTCUSDT", fills(1, 4, "1")...)
	e.fake.AddFills("ETHUSDT", fills(1, 2, "1")...)
	e.fake.AddOrderEvents("ETHUSDT", model.OrderEvent{OrderID: 9, Status: "FILLED"})

	// Symbols run in order with one worker: the second fills call is ETHUSDT.
	e.fake.FailOn("GetFills", 2, errors.New("timeout"))

	res, err := e.sync.SyncPortfolio(ctx, e.pid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, venue.ErrUnavailable))
	assert.Equal(t, 4, res.Fills)
	assert.Equal(t, 1, res.Orders)
	assert.Equal(t, int64(4), e.maxFill(t, "BTCUSDT"))
	assert.Zero(t, e.maxFill(t, "ETHUSDT"))
}
