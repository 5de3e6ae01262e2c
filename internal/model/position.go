package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the exposure direction of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// LotKind tags an order aggregate as opening or closing exposure.
type LotKind int

const (
	// LotEntry is an aggregate with no realized PnL (opening movement).
	LotEntry LotKind = iota + 1
	// LotExit is an aggregate that booked realized PnL (closing movement).
	LotExit
)

func (k LotKind) String() string {
	switch k {
	case LotEntry:
		return "entry"
	case LotExit:
		return "exit"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k LotKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind written by MarshalText.
func (k *LotKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "entry":
		*k = LotEntry
	case "exit":
		*k = LotExit
	default:
		*k = 0
	}
	return nil
}

// OrderAggregate folds every fill sharing one order id. Derived on read,
// never persisted.
type OrderAggregate struct {
	OrderID        string          `json:"order_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	TotalQty       decimal.Decimal `json:"total_qty"`
	AvgPrice       decimal.Decimal `json:"avg_price"` // qty-weighted
	NetRealizedPnl decimal.Decimal `json:"net_realized_pnl"`
	FirstTime      time.Time       `json:"first_time"`
	LastTime       time.Time       `json:"last_time"`
	Kind           LotKind         `json:"kind"`
	Fills          []Fill          `json:"fills"`
}

// CompletedPosition is one matched entry/exit portion with attributed PnL.
type CompletedPosition struct {
	Side        Direction       `json:"side"`
	Symbol      string          `json:"symbol"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Pnl         decimal.Decimal `json:"pnl"`
	HoldingTime time.Duration   `json:"holding_time_ns"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ExitPlan holds the trigger prices of resting reduce-only orders.
// Zero means no such order rests on the venue.
type ExitPlan struct {
	Target decimal.Decimal `json:"target"`
	Stop   decimal.Decimal `json:"stop"`
}

// ActivePosition is the open-exposure view of one live venue position.
type ActivePosition struct {
	Side          Direction       `json:"side"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	Leverage      decimal.Decimal `json:"leverage"`
	Notional      decimal.Decimal `json:"notional"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	ExitPlan      ExitPlan        `json:"exit_plan"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	CreatedAt     time.Time       `json:"created_at"`
}
