package memory

import (
	"context"
	"sync"
	"time"

	"github.com/takarun/takaledger/internal/domain"
)

// Locks is an in-process domain.LockManager with per-key expiry.
type Locks struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocks() *Locks {
	return &Locks{held: map[string]time.Time{}, now: time.Now}
}

// Acquire takes key for ttl or fails with domain.ErrLockHeld.
func (l *Locks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[key]; ok && exp.After(now) {
		return nil, domain.ErrLockHeld
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key].Equal(exp) {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

var _ domain.LockManager = (*Locks)(nil)
