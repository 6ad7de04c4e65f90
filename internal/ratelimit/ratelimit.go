// Package ratelimit gates user-triggered reconciliation with a sliding
// window. The limiter is a cost control, not a correctness control, so it
// fails open: when the backing store is unreachable the check allows the
// operation rather than blocking the user flow.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rytkhs/event-pay/internal/obs"
)

const (
	// DefaultLimit is the number of operations allowed per window per user.
	DefaultLimit = 5
	// DefaultWindow is the sliding window size; exhaustion blocks for the
	// remainder of the window.
	DefaultWindow = time.Minute
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Store keeps per-user event timestamps. Implementations prune expired
// events on their own schedule.
type Store interface {
	// Events returns timestamps for the user at or after since, ascending.
	Events(ctx context.Context, userID string, since time.Time) ([]time.Time, error)
	// Record appends one event.
	Record(ctx context.Context, userID string, at time.Time) error
}

// Limiter enforces the sliding window.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimit overrides the per-window operation count.
func WithLimit(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.limit = n
		}
	}
}

// WithWindow overrides the window size.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) { l.now = fn }
}

// New creates a limiter over the given store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limit:  DefaultLimit,
		window: DefaultWindow,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check consumes one slot for the user if available. Store failures on
// either the read or the write side degrade to allowed.
func (l *Limiter) Check(ctx context.Context, userID string) Decision {
	now := l.now()
	since := now.Add(-l.window)

	events, err := l.store.Events(ctx, userID, since)
	if err != nil {
		obs.Warn("rate limit store read failed, failing open", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
		return Decision{Allowed: true, Remaining: l.limit}
	}

	if len(events) >= l.limit {
		oldest := events[0]
		retryAfter := oldest.Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		obs.RateLimitRejectionsTotal.Inc()
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	if err := l.store.Record(ctx, userID, now); err != nil {
		obs.Warn("rate limit store write failed, failing open", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
		return Decision{Allowed: true, Remaining: l.limit - len(events) - 1}
	}
	return Decision{Allowed: true, Remaining: l.limit - len(events) - 1}
}

// InMemoryStore keeps events in process memory, pruning lazily on read.
type InMemoryStore struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[string][]time.Time)}
}

func (s *InMemoryStore) Events(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[userID]
	kept := all[:0]
	for _, ts := range all {
		if !ts.Before(since) {
			kept = append(kept, ts)
		}
	}
	s.events[userID] = kept

	out := make([]time.Time, len(kept))
	copy(out, kept)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *InMemoryStore) Record(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[userID] = append(s.events[userID], at)
	return nil
}
