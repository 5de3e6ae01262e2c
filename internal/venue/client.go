// Package venue is the read-only boundary to the trading venue. Every payload
// is decoded here into the normalized records of package model before any
// reconciliation logic sees it.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/reconciler/internal/model"
)

// ErrUnavailable marks a failed venue call: transport error, timeout, or a
// non-success response. Callers abort the current page or cycle on it.
var ErrUnavailable = errors.New("venue: unavailable")

// Client is the read-only view of one venue account.
type Client interface {
	// GetFills returns fills for symbol in ascending id order starting at
	// fromID (unbounded when nil), at most limit records.
	GetFills(ctx context.Context, symbol string, fromID *int64, limit int) ([]model.Fill, error)

	// GetOrderEvents returns order records in ascending order id, same paging
	// contract as GetFills.
	GetOrderEvents(ctx context.Context, symbol string, fromID *int64, limit int) ([]model.OrderEvent, error)

	// GetPositions returns live positions, all symbols when symbol is empty.
	GetPositions(ctx context.Context, symbol string) ([]model.LivePosition, error)

	// GetOpenOrders returns resting orders, all symbols when symbol is empty.
	GetOpenOrders(ctx context.Context, symbol string) ([]model.RestingOrder, error)

	// GetBalance returns the account balance summary.
	GetBalance(ctx context.Context) (model.Balance, error)
}

// APIError is a non-success response from the venue.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Unwrap lets errors.Is(err, ErrUnavailable) match API errors.
func (e *APIError) Unwrap() error { return ErrUnavailable }
