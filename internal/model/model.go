// Package model defines the core domain types shared across the reconciler.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides as reported by the venue.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Fill is an immutable record of one execution pulled from the venue.
// VenueTradeID is strictly increasing per (portfolio, symbol) and a fill is
// never stored twice.
type Fill struct {
	PortfolioID     int64           `json:"portfolio_id" db:"portfolio_id"`
	VenueTradeID    int64           `json:"venue_trade_id" db:"venue_trade_id"`
	OrderID         string          `json:"order_id" db:"order_id"` // empty when the venue omits it
	Symbol          string          `json:"symbol" db:"symbol"`
	Side            string          `json:"side" db:"side"` // "BUY" or "SELL"
	Price           decimal.Decimal `json:"price" db:"price"`
	Qty             decimal.Decimal `json:"qty" db:"qty"`
	QuoteQty        decimal.Decimal `json:"quote_qty" db:"quote_qty"`
	RealizedPnl     decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Commission      decimal.Decimal `json:"commission" db:"commission"`
	CommissionAsset string          `json:"commission_asset" db:"commission_asset"`
	MarginAsset     string          `json:"margin_asset" db:"margin_asset"`
	PositionSide    string          `json:"position_side" db:"position_side"`
	Buyer           bool            `json:"buyer" db:"buyer"`
	Maker           bool            `json:"maker" db:"maker"`
	Time            time.Time       `json:"time" db:"time"`
}

// OrderEvent mirrors the venue's view of one order. It follows the same
// monotonic-id rule as Fill but with its own cursor.
type OrderEvent struct {
	PortfolioID   int64           `json:"portfolio_id" db:"portfolio_id"`
	OrderID       int64           `json:"order_id" db:"order_id"`
	ClientOrderID string          `json:"client_order_id" db:"client_order_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Status        string          `json:"status" db:"status"` // NEW, FILLED, CANCELED, EXPIRED
	Side          string          `json:"side" db:"side"`
	Type          string          `json:"type" db:"type"`
	OrigType      string          `json:"orig_type" db:"orig_type"`
	TimeInForce   string          `json:"time_in_force" db:"time_in_force"`
	PositionSide  string          `json:"position_side" db:"position_side"`
	WorkingType   string          `json:"working_type" db:"working_type"`
	Price         decimal.Decimal `json:"price" db:"price"`
	AvgPrice      decimal.Decimal `json:"avg_price" db:"avg_price"`
	OrigQty       decimal.Decimal `json:"orig_qty" db:"orig_qty"`
	ExecutedQty   decimal.Decimal `json:"executed_qty" db:"executed_qty"`
	CumQuote      decimal.Decimal `json:"cum_quote" db:"cum_quote"`
	StopPrice     decimal.Decimal `json:"stop_price" db:"stop_price"`
	ReduceOnly    bool            `json:"reduce_only" db:"reduce_only"`
	ClosePosition bool            `json:"close_position" db:"close_position"`
	PriceProtect  bool            `json:"price_protect" db:"price_protect"`
	Time          time.Time       `json:"time" db:"time"`
	UpdateTime    time.Time       `json:"update_time" db:"update_time"`
}

// Credentials grant read access to one venue account.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	BaseURL   string `json:"base_url"`
}

// Valid reports whether the credentials can be used to build a client.
func (c *Credentials) Valid() bool {
	return c != nil && c.APIKey != "" && c.BaseURL != ""
}

// Portfolio is one trading account tracked by the reconciler. RealizedPnl is
// the cumulative counter advanced by history sync; it is never decremented
// independently.
type Portfolio struct {
	ID          int64           `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description,omitempty" db:"description"`
	Avatar      string          `json:"avatar,omitempty" db:"avatar"`
	RealizedPnl decimal.Decimal `json:"realized_pnl" db:"pnl"`
	Credentials *Credentials    `json:"-" db:"credentials"`
	Visible     bool            `json:"visible" db:"is_visible"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Symbol is a tradable instrument the reconciler syncs history for.
type Symbol struct {
	Symbol   string `json:"symbol" db:"symbol"`
	Name     string `json:"name" db:"name"`
	CanTrade bool   `json:"can_trade" db:"can_trade"`
}

// LivePosition is the venue's current position record for one symbol.
type LivePosition struct {
	Symbol           string          `json:"symbol"`
	PositionSide     string          `json:"position_side"`
	PositionAmt      decimal.Decimal `json:"position_amt"` // signed: +long, -short
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	Leverage         decimal.Decimal `json:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Notional         decimal.Decimal `json:"notional"`
	MarginType       string          `json:"margin_type"`
	UpdateTime       time.Time       `json:"update_time"`
}

// RestingOrder is an open order still working on the venue.
type RestingOrder struct {
	OrderID       int64           `json:"order_id"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	Type          string          `json:"type"`
	Side          string          `json:"side"`
	PositionSide  string          `json:"position_side"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	OrigQty       decimal.Decimal `json:"orig_qty"`
	ReduceOnly    bool            `json:"reduce_only"`
	ClosePosition bool            `json:"close_position"`
	Time          time.Time       `json:"time"`
}

// Balance is the venue account summary.
type Balance struct {
	Available     decimal.Decimal `json:"available"`
	TotalWallet   decimal.Decimal `json:"total_wallet"`
	TotalMargin   decimal.Decimal `json:"total_margin"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
}

// BalanceSnapshot is one immutable point of the account valuation series.
// TotalBalance = AvailableBalance + locked margin + unrealized PnL.
type BalanceSnapshot struct {
	ID               string          `json:"id" db:"id"`
	PortfolioID      int64           `json:"portfolio_id" db:"portfolio_id"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	TotalBalance     decimal.Decimal `json:"total_balance" db:"total_balance"`
	TotalPnl         decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}
