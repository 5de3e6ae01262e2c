package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Portfolios ---

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	var creds []byte
	if p.Credentials != nil {
		var err error
		if creds, err = json.Marshal(p.Credentials); err != nil {
			return fmt.Errorf("encode credentials: %w", err)
		}
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO portfolios (name, description, avatar, pnl, credentials, is_visible)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
		 RETURNING id, created_at, updated_at`,
		p.Name, p.Description, p.Avatar, p.RealizedPnl.String(), creds, p.Visible,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

const portfolioColumns = `id, name, description, avatar, pnl::TEXT, credentials, is_visible, created_at, updated_at`

func (s *PostgresStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1 AND deleted_at IS NULL`, id)
	p, err := scanPortfolio(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) GetCredentials(ctx context.Context, id int64) (model.Credentials, error) {
	p, err := s.GetPortfolio(ctx, id)
	if err != nil {
		return model.Credentials{}, err
	}
	if !p.Credentials.Valid() {
		return model.Credentials{}, fmt.Errorf("portfolio %d: %w", id, ErrMissingCredentials)
	}
	return *p.Credentials, nil
}

func (s *PostgresStore) AddRealizedPnl(ctx context.Context, id int64, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	// Single-row additive update; concurrent increments serialize on the row lock.
	tag, err := s.pool.Exec(ctx,
		`UPDATE portfolios SET pnl = pnl + $2::NUMERIC, updated_at = now() WHERE id = $1`,
		id, delta.String())
	if err != nil {
		return fmt.Errorf("add realized pnl %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpsertSymbol(ctx context.Context, sym model.Symbol) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO symbols (symbol, name, can_trade) VALUES ($1, $2, $3)
		 ON CONFLICT (symbol) DO UPDATE SET name = EXCLUDED.name, can_trade = EXCLUDED.can_trade`,
		sym.Symbol, sym.Name, sym.CanTrade)
	return err
}

func (s *PostgresStore) ListSymbols(ctx context.Context) ([]model.Symbol, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, name, can_trade FROM symbols WHERE can_trade ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Symbol
	for rows.Next() {
		var sym model.Symbol
		if err := rows.Scan(&sym.Symbol, &sym.Name, &sym.CanTrade); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// --- Immutable ledger ---

func (s *PostgresStore) MaxFillID(ctx context.Context, portfolioID int64, symbol string) (int64, bool, error) {
	return s.maxID(ctx, `SELECT MAX(venue_trade_id) FROM fills WHERE portfolio_id = $1 AND symbol = $2`, portfolioID, symbol)
}

func (s *PostgresStore) MaxOrderEventID(ctx context.Context, portfolioID int64, symbol string) (int64, bool, error) {
	return s.maxID(ctx, `SELECT MAX(order_id) FROM order_events WHERE portfolio_id = $1 AND symbol = $2`, portfolioID, symbol)
}

func (s *PostgresStore) maxID(ctx context.Context, query string, portfolioID int64, symbol string) (int64, bool, error) {
	var id *int64
	if err := s.pool.QueryRow(ctx, query, portfolioID, symbol).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("max id %d/%s: %w", portfolioID, symbol, err)
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

// AppendFills sends the page as one batch; ON CONFLICT DO NOTHING makes
// replays no-ops and RETURNING tells which rows were new.
func (s *PostgresStore) AppendFills(ctx context.Context, portfolioID int64, fills []model.Fill) ([]model.Fill, error) {
	if len(fills) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, f := range fills {
		batch.Queue(
			`INSERT INTO fills (portfolio_id, symbol, venue_trade_id, order_id, side,
			                    price, qty, quote_qty, realized_pnl, commission,
			                    commission_asset, margin_asset, position_side, buyer, maker, time)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
			         $11, $12, $13, $14, $15, $16)
			 ON CONFLICT (portfolio_id, symbol, venue_trade_id) DO NOTHING
			 RETURNING venue_trade_id`,
			portfolioID, f.Symbol, f.VenueTradeID, f.OrderID, f.Side,
			f.Price.String(), f.Qty.String(), f.QuoteQty.String(), f.RealizedPnl.String(), f.Commission.String(),
			f.CommissionAsset, f.MarginAsset, f.PositionSide, f.Buyer, f.Maker, f.Time,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := make([]model.Fill, 0, len(fills))
	for _, f := range fills {
		var id int64
		err := br.QueryRow().Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append fill %d: %w", f.VenueTradeID, err)
		}
		f.PortfolioID = portfolioID
		inserted = append(inserted, f)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("append fills: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) RecentFills(ctx context.Context, portfolioID int64, symbol string, limit int) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT portfolio_id, symbol, venue_trade_id, order_id, side,
		        price::TEXT, qty::TEXT, quote_qty::TEXT, realized_pnl::TEXT, commission::TEXT,
		        commission_asset, margin_asset, position_side, buyer, maker, time
		 FROM fills
		 WHERE portfolio_id = $1 AND ($2 = '' OR symbol = $2)
		 ORDER BY time DESC, venue_trade_id DESC
		 LIMIT $3`, portfolioID, symbol, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Fill
	for rows.Next() {
		var f model.Fill
		var price, qty, quoteQty, pnl, commission string
		if err := rows.Scan(&f.PortfolioID, &f.Symbol, &f.VenueTradeID, &f.OrderID, &f.Side,
			&price, &qty, &quoteQty, &pnl, &commission,
			&f.CommissionAsset, &f.MarginAsset, &f.PositionSide, &f.Buyer, &f.Maker, &f.Time); err != nil {
			return nil, err
		}
		f.Price = model.ParseAmount(price)
		f.Qty = model.ParseAmount(qty)
		f.QuoteQty = model.ParseAmount(quoteQty)
		f.RealizedPnl = model.ParseAmount(pnl)
		f.Commission = model.ParseAmount(commission)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendOrderEvents(ctx context.Context, portfolioID int64, events []model.OrderEvent) ([]model.OrderEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(
			`INSERT INTO order_events (portfolio_id, symbol, order_id, client_order_id, status, side, type,
			                           orig_type, time_in_force, position_side, working_type,
			                           price, avg_price, orig_qty, executed_qty, cum_quote, stop_price,
			                           reduce_only, close_position, price_protect, time, update_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			         $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC,
			         $18, $19, $20, $21, $22)
			 ON CONFLICT (portfolio_id, symbol, order_id) DO NOTHING
			 RETURNING order_id`,
			portfolioID, e.Symbol, e.OrderID, e.ClientOrderID, e.Status, e.Side, e.Type,
			e.OrigType, e.TimeInForce, e.PositionSide, e.WorkingType,
			e.Price.String(), e.AvgPrice.String(), e.OrigQty.String(), e.ExecutedQty.String(), e.CumQuote.String(), e.StopPrice.String(),
			e.ReduceOnly, e.ClosePosition, e.PriceProtect, e.Time, e.UpdateTime,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := make([]model.OrderEvent, 0, len(events))
	for _, e := range events {
		var id int64
		err := br.QueryRow().Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append order %d: %w", e.OrderID, err)
		}
		e.PortfolioID = portfolioID
		inserted = append(inserted, e)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("append orders: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) ListOrderEvents(ctx context.Context, portfolioID int64, symbol string, limit int) ([]model.OrderEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT portfolio_id, symbol, order_id, client_order_id, status, side, type,
		        orig_type, time_in_force, position_side, working_type,
		        price::TEXT, avg_price::TEXT, orig_qty::TEXT, executed_qty::TEXT, cum_quote::TEXT, stop_price::TEXT,
		        reduce_only, close_position, price_protect, time, update_time
		 FROM order_events
		 WHERE portfolio_id = $1 AND ($2 = '' OR symbol = $2)
		 ORDER BY time DESC, order_id DESC
		 LIMIT $3`, portfolioID, symbol, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OrderEvent
	for rows.Next() {
		var e model.OrderEvent
		var price, avgPrice, origQty, executedQty, cumQuote, stopPrice string
		if err := rows.Scan(&e.PortfolioID, &e.Symbol, &e.OrderID, &e.ClientOrderID, &e.Status, &e.Side, &e.Type,
			&e.OrigType, &e.TimeInForce, &e.PositionSide, &e.WorkingType,
			&price, &avgPrice, &origQty, &executedQty, &cumQuote, &stopPrice,
			&e.ReduceOnly, &e.ClosePosition, &e.PriceProtect, &e.Time, &e.UpdateTime); err != nil {
			return nil, err
		}
		e.Price = model.ParseAmount(price)
		e.AvgPrice = model.ParseAmount(avgPrice)
		e.OrigQty = model.ParseAmount(origQty)
		e.ExecutedQty = model.ParseAmount(executedQty)
		e.CumQuote = model.ParseAmount(cumQuote)
		e.StopPrice = model.ParseAmount(stopPrice)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Balance snapshots ---

func (s *PostgresStore) InsertBalanceSnapshot(ctx context.Context, snap *model.BalanceSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balance_snapshots (id, portfolio_id, available_balance, total_balance, total_pnl, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)`,
		snap.ID, snap.PortfolioID,
		snap.AvailableBalance.String(), snap.TotalBalance.String(), snap.TotalPnl.String(),
		snap.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListBalanceSnapshots(ctx context.Context, portfolioID int64, limit int) ([]model.BalanceSnapshot, error) {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, portfolio_id, available_balance::TEXT, total_balance::TEXT, total_pnl::TEXT, created_at
		 FROM balance_snapshots WHERE portfolio_id = $1
		 ORDER BY created_at DESC LIMIT $2`, portfolioID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.BalanceSnapshot{}
	for rows.Next() {
		var snap model.BalanceSnapshot
		var available, total, pnl string
		if err := rows.Scan(&snap.ID, &snap.PortfolioID, &available, &total, &pnl, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snap.AvailableBalance = model.ParseAmount(available)
		snap.TotalBalance = model.ParseAmount(total)
		snap.TotalPnl = model.ParseAmount(pnl)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// scanPortfolio reads one portfolio from a pgx row.
func scanPortfolio(row pgx.Row) (*model.Portfolio, error) {
	var p model.Portfolio
	var pnl string
	var creds []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Avatar, &pnl, &creds,
		&p.Visible, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.RealizedPnl = model.ParseAmount(pnl)
	if len(creds) > 0 {
		var c model.Credentials
		// Malformed credentials behave like missing ones.
		if json.Unmarshal(creds, &c) == nil {
			p.Credentials = &c
		}
	}
	return &p, nil
}

// limitOrAll maps a non-positive limit to no limit (LIMIT NULL).
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
