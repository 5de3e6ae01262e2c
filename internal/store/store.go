// Package store defines the persistence interface for the reconciler.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and local runs).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/model"
)

var (
	// ErrNotFound is returned for unknown portfolios.
	ErrNotFound = errors.New("store: not found")

	// ErrMissingCredentials is returned when a portfolio has no usable venue
	// credentials. Callers skip the portfolio for the cycle.
	ErrMissingCredentials = errors.New("store: missing credentials")
)

// DefaultSnapshotLimit is the number of balance snapshots returned when the
// caller does not ask for a specific count.
const DefaultSnapshotLimit = 100

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Portfolios ---

	// CreatePortfolio persists a new portfolio and assigns its ID.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// ListPortfolios returns all live portfolios ordered by ID.
	ListPortfolios(ctx context.Context) ([]model.Portfolio, error)

	// GetPortfolio retrieves a portfolio by ID.
	GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error)

	// GetCredentials returns the portfolio's venue credentials or
	// ErrMissingCredentials.
	GetCredentials(ctx context.Context, id int64) (model.Credentials, error)

	// AddRealizedPnl adds delta to the portfolio's realized-PnL counter.
	// A zero delta is a no-op.
	AddRealizedPnl(ctx context.Context, id int64, delta decimal.Decimal) error

	// UpsertSymbol registers a tradable symbol.
	UpsertSymbol(ctx context.Context, s model.Symbol) error

	// ListSymbols returns the tradable symbols.
	ListSymbols(ctx context.Context) ([]model.Symbol, error)

	// --- Immutable ledger ---

	// MaxFillID returns the highest stored venue trade id for the pair.
	// ok is false when nothing is stored yet.
	MaxFillID(ctx context.Context, portfolioID int64, symbol string) (id int64, ok bool, err error)

	// AppendFills stores fills, skipping any already stored under the same
	// (portfolio, symbol, venue id). It returns the rows actually inserted.
	AppendFills(ctx context.Context, portfolioID int64, fills []model.Fill) ([]model.Fill, error)

	// RecentFills returns up to limit fills newest first. An empty symbol
	// selects every symbol.
	RecentFills(ctx context.Context, portfolioID int64, symbol string, limit int) ([]model.Fill, error)

	// MaxOrderEventID is MaxFillID for order records.
	MaxOrderEventID(ctx context.Context, portfolioID int64, symbol string) (id int64, ok bool, err error)

	// AppendOrderEvents is AppendFills for order records.
	AppendOrderEvents(ctx context.Context, portfolioID int64, events []model.OrderEvent) ([]model.OrderEvent, error)

	// ListOrderEvents returns up to limit order records newest first.
	ListOrderEvents(ctx context.Context, portfolioID int64, symbol string, limit int) ([]model.OrderEvent, error)

	// --- Balance snapshots ---

	// InsertBalanceSnapshot appends one immutable valuation row.
	InsertBalanceSnapshot(ctx context.Context, s *model.BalanceSnapshot) error

	// ListBalanceSnapshots returns up to limit snapshots newest first.
	ListBalanceSnapshots(ctx context.Context, portfolioID int64, limit int) ([]model.BalanceSnapshot, error)
}
