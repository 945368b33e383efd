package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chronicle/anchoredit/internal/util"
)

// LocalLocker is an in-process Locker for single-instance deployments and
// the CLI.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localEntry
	now    func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, fmt.Errorf("acquire lease %s: %w", key, ErrHeld)
	}
	token := util.NewID("lease")
	l.leases[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &Lease{
		Key:   key,
		Token: token,
		release: func(context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if held, ok := l.leases[key]; ok && held.token == token {
				delete(l.leases, key)
			}
			return nil
		},
	}, nil
}
