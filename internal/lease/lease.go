// Package lease serializes work on a shared key across goroutines and
// processes. A Lease is held for one unit of work and released when the
// work completes; the TTL reclaims leases whose holder crashed or hung.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrHeld is returned by Acquire when another holder owns the key.
var ErrHeld = errors.New("lease: held by another owner")

// Locker hands out exclusive, expiring leases on string keys.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is an acquired hold on a key.
type Lease struct {
	Key     string
	Token   string
	release func(ctx context.Context) error
}

// Release gives the key back. Releasing a lease that already expired and
// was taken by someone else is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx)
}

// SyncKey names the lease guarding one history sync cycle.
func SyncKey(kind string, portfolioID int64, symbol string) string {
	return fmt.Sprintf("sync:%s:%d:%s", kind, portfolioID, symbol)
}
