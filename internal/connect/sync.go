package connect

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rytkhs/event-pay/internal/obs"
)

// SnapshotFetcher is the slice of the provider port the syncer needs.
type SnapshotFetcher interface {
	FetchAccount(ctx context.Context, accountID string) (AccountSnapshot, error)
}

// SyncOptions bound the retry loop.
type SyncOptions struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// DefaultSyncOptions mirrors the documented defaults.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{MaxRetries: 3, InitialBackoff: time.Second}
}

// Syncer reconciles the local record against a freshly fetched provider
// snapshot. Safe to call concurrently for the same account: every run
// recomputes full state, so the outcome is last-write-wins.
type Syncer struct {
	store   Store
	fetcher SnapshotFetcher
	audit   AuditRecorder
	events  EventSink

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithEventSink attaches a live event fan-out.
func WithEventSink(sink EventSink) SyncerOption {
	return func(s *Syncer) { s.events = sink }
}

// WithSleep overrides the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) SyncerOption {
	return func(s *Syncer) { s.sleep = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) SyncerOption {
	return func(s *Syncer) { s.now = fn }
}

// NewSyncer wires the syncer with its ports.
func NewSyncer(store Store, fetcher SnapshotFetcher, audit AuditRecorder, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		store:   store,
		fetcher: fetcher,
		audit:   audit,
		sleep:   sleepCtx,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncAccountStatus fetches, classifies and persists in a bounded retry loop.
// Transient failures back off exponentially (InitialBackoff * 2^attempt);
// permanent ones fail immediately. The last classified error is returned
// after exhaustion — never silently downgraded.
func (s *Syncer) SyncAccountStatus(ctx context.Context, userID, externalAccountID string, trigger Trigger, opts SyncOptions) error {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultSyncOptions().MaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultSyncOptions().InitialBackoff
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			obs.SyncRetriesTotal.Inc()
			backoff := opts.InitialBackoff << (attempt - 1)
			if err := s.sleep(ctx, backoff); err != nil {
				obs.SyncAttemptsTotal.WithLabelValues(string(trigger), "cancelled").Inc()
				return lastErr
			}
		}

		lastErr = s.syncOnce(ctx, userID, externalAccountID, trigger)
		if lastErr == nil {
			obs.SyncAttemptsTotal.WithLabelValues(string(trigger), "success").Inc()
			return nil
		}
		if !retryable(lastErr) {
			obs.SyncAttemptsTotal.WithLabelValues(string(trigger), "permanent_failure").Inc()
			return lastErr
		}
		obs.SyncAttemptsTotal.WithLabelValues(string(trigger), "transient_failure").Inc()
	}

	obs.Warn("sync retries exhausted", map[string]any{
		"user_id": userID,
		"account": externalAccountID,
		"error":   lastErr.Error(),
	})
	return lastErr
}

func (s *Syncer) syncOnce(ctx context.Context, userID, externalAccountID string, trigger Trigger) error {
	snap, err := s.fetcher.FetchAccount(ctx, externalAccountID)
	if err != nil {
		return err
	}
	if snap.ID == "" {
		snap.ID = externalAccountID
	}
	_, _, err = applySnapshot(ctx, s.store, s.audit, s.events, s.now(), userID, snap, trigger)
	return err
}

// retryable decides whether a failed attempt is worth repeating. Provider
// errors carry their own classification; storage failures are matched on
// transient connection/timeout patterns; anything unrecognised fails fast.
func retryable(err error) bool {
	var rc interface{ Retryable() bool }
	if errors.As(err, &rc) {
		return rc.Retryable()
	}
	if errors.Is(err, ErrAccountConflict) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return transientStorageError(err)
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"too many connections",
}

func transientStorageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
