package venue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/atmx/reconciler/internal/model"
)

// Fake is an in-memory venue for tests and local development. It honours
// the paging contract of Client and can inject failures per call number.
type Fake struct {
	mu         sync.Mutex
	fills      map[string][]model.Fill
	orders     map[string][]model.OrderEvent
	positions  []model.LivePosition
	openOrders []model.RestingOrder
	balance    model.Balance
	calls      map[string]int
	failOn     map[string]map[int]error

	// InclusiveFrom makes history calls also return the record at fromID-1,
	// like venues whose fromId boundary is inclusive of the last seen id.
	InclusiveFrom bool
}

// NewFake creates an empty fake venue.
func NewFake() *Fake {
	return &Fake{
		fills:  make(map[string][]model.Fill),
		orders: make(map[string][]model.OrderEvent),
		calls:  make(map[string]int),
		failOn: make(map[string]map[int]error),
	}
}

// AddFills appends fills to the symbol's history, kept in ascending id order.
func (f *Fake) AddFills(symbol string, fills ...model.Fill) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fl := range fills {
		fl.Symbol = symbol
		f.fills[symbol] = append(f.fills[symbol], fl)
	}
	sort.Slice(f.fills[symbol], func(i, j int) bool {
		return f.fills[symbol][i].VenueTradeID < f.fills[symbol][j].VenueTradeID
	})
}

// AddOrderEvents appends order records to the symbol's history.
func (f *Fake) AddOrderEvents(symbol string, events ...model.OrderEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range events {
		e.Symbol = symbol
		f.orders[symbol] = append(f.orders[symbol], e)
	}
	sort.Slice(f.orders[symbol], func(i, j int) bool {
		return f.orders[symbol][i].OrderID < f.orders[symbol][j].OrderID
	})
}

// SetPositions replaces the live positions.
func (f *Fake) SetPositions(positions ...model.LivePosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = positions
}

// SetOpenOrders replaces the resting orders.
func (f *Fake) SetOpenOrders(orders ...model.RestingOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openOrders = orders
}

// SetBalance replaces the account balance.
func (f *Fake) SetBalance(b model.Balance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = b
}

// FailOn makes the n-th call (1-based) to method return err wrapped in
// ErrUnavailable. Method names match the Client methods, e.g. "GetFills".
func (f *Fake) FailOn(method string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[method] == nil {
		f.failOn[method] = make(map[int]error)
	}
	f.failOn[method][n] = err
}

// Calls returns how many times method has been invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// call records an invocation and returns the injected failure, if any.
// Must be called with f.mu held.
func (f *Fake) call(method string) error {
	f.calls[method]++
	if err, ok := f.failOn[method][f.calls[method]]; ok {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	return nil
}

func (f *Fake) lowerBound(fromID *int64) int64 {
	if fromID == nil {
		return 0
	}
	if f.InclusiveFrom {
		return *fromID - 1
	}
	return *fromID
}

// GetFills implements Client.
func (f *Fake) GetFills(_ context.Context, symbol string, fromID *int64, limit int) ([]model.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetFills"); err != nil {
		return nil, err
	}
	lo := f.lowerBound(fromID)
	out := []model.Fill{}
	for _, fl := range f.fills[symbol] {
		if fl.VenueTradeID < lo {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, fl)
	}
	return out, nil
}

// GetOrderEvents implements Client.
func (f *Fake) GetOrderEvents(_ context.Context, symbol string, fromID *int64, limit int) ([]model.OrderEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetOrderEvents"); err != nil {
		return nil, err
	}
	lo := f.lowerBound(fromID)
	out := []model.OrderEvent{}
	for _, e := range f.orders[symbol] {
		if e.OrderID < lo {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// GetPositions implements Client.
func (f *Fake) GetPositions(_ context.Context, symbol string) ([]model.LivePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetPositions"); err != nil {
		return nil, err
	}
	out := []model.LivePosition{}
	for _, p := range f.positions {
		if symbol == "" || strings.EqualFold(p.Symbol, symbol) {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetOpenOrders implements Client.
func (f *Fake) GetOpenOrders(_ context.Context, symbol string) ([]model.RestingOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetOpenOrders"); err != nil {
		return nil, err
	}
	out := []model.RestingOrder{}
	for _, o := range f.openOrders {
		if symbol == "" || strings.EqualFold(o.Symbol, symbol) {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetBalance implements Client.
func (f *Fake) GetBalance(_ context.Context) (model.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetBalance"); err != nil {
		return model.Balance{}, err
	}
	return f.balance, nil
}
