// Package lease provides short-lived exclusive leases: one per document
// around an apply, and one per request while its replacement is generated.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease is held by another owner")

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is an acquired lock. Release is safe to call more than once; only the
// first call has an effect, and it never releases a lease taken over by
// another owner after expiry.
type Lease struct {
	Key     string
	Token   string
	release func(ctx context.Context) error
	done    bool
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.done {
		return nil
	}
	l.done = true
	return l.release(ctx)
}

func DocumentKey(documentID string) string {
	return "apply:document:" + documentID
}

func RequestKey(requestID string) string {
	return "claim:request:" + requestID
}
