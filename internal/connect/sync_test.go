package connect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	// errs are returned in order; once exhausted the snapshot succeeds.
	errs []error
	snap AccountSnapshot
}

func (f *fakeFetcher) FetchAccount(ctx context.Context, accountID string) (AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return AccountSnapshot{}, err
	}
	return f.snap, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	changes []StatusChange
	err     error
}

func (a *fakeAudit) RecordStatusChange(ctx context.Context, change StatusChange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.changes = append(a.changes, change)
	return nil
}

type classifiedError struct {
	msg       string
	retryable bool
}

func (e *classifiedError) Error() string   { return e.msg }
func (e *classifiedError) Retryable() bool { return e.retryable }

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestSyncPersistsClassifiedStatus(t *testing.T) {
	store := NewInMemoryStore()
	audit := &fakeAudit{}
	fetcher := &fakeFetcher{snap: verifiedSnapshot()}
	s := NewSyncer(store, fetcher, audit, WithSleep(noSleep))

	if err := s.SyncAccountStatus(context.Background(), "u1", "acct_1", TriggerOnDemand, SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	rec, err := store.GetByUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusVerified {
		t.Fatalf("expected verified, got %s", rec.Status)
	}
	if len(audit.changes) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(audit.changes))
	}
	if audit.changes[0].Previous != StatusUnverified || audit.changes[0].New != StatusVerified {
		t.Fatalf("unexpected transition: %s -> %s", audit.changes[0].Previous, audit.changes[0].New)
	}
	if audit.changes[0].Trigger != TriggerOnDemand {
		t.Fatalf("unexpected trigger %s", audit.changes[0].Trigger)
	}
}

func TestSyncUnchangedStatusNoNewAudit(t *testing.T) {
	store := NewInMemoryStore()
	audit := &fakeAudit{}
	fetcher := &fakeFetcher{snap: verifiedSnapshot()}
	s := NewSyncer(store, fetcher, audit, WithSleep(noSleep))

	ctx := context.Background()
	if err := s.SyncAccountStatus(ctx, "u1", "acct_1", TriggerOnDemand, SyncOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.SyncAccountStatus(ctx, "u1", "acct_1", TriggerOnDemand, SyncOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(audit.changes) != 1 {
		t.Fatalf("repeated sync must not append audit entries, got %d", len(audit.changes))
	}
}

func TestSyncPermanentErrorFailsFast(t *testing.T) {
	store := NewInMemoryStore()
	permErr := &classifiedError{msg: "permission denied by provider", retryable: false}
	fetcher := &fakeFetcher{errs: []error{permErr, permErr, permErr, permErr}}
	s := NewSyncer(store, fetcher, &fakeAudit{}, WithSleep(noSleep))

	err := s.SyncAccountStatus(context.Background(), "u1", "acct_1", TriggerOnDemand, SyncOptions{})
	if !errors.Is(err, permErr) {
		t.Fatalf("expected the provider error back, got %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", fetcher.calls)
	}
}

func TestSyncTransientErrorRetriesWithBackoff(t *testing.T) {
	store := NewInMemoryStore()
	transient := &classifiedError{msg: "rate limited", retryable: true}
	fetcher := &fakeFetcher{errs: []error{transient, transient}, snap: verifiedSnapshot()}

	var backoffs []time.Duration
	s := NewSyncer(store, fetcher, &fakeAudit{}, WithSleep(func(ctx context.Context, d time.Duration) error {
		backoffs = append(backoffs, d)
		return nil
	}))

	opts := SyncOptions{MaxRetries: 3, InitialBackoff: time.Second}
	if err := s.SyncAccountStatus(context.Background(), "u1", "acct_1", TriggerWebhook, opts); err != nil {
		t.Fatal(err)
	}
	if fetcher.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", fetcher.calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(backoffs) != len(want) {
		t.Fatalf("expected %d backoffs, got %v", len(want), backoffs)
	}
	for i := range want {
		if backoffs[i] != want[i] {
			t.Fatalf("backoff %d: expected %v, got %v", i, want[i], backoffs[i])
		}
	}
}

func TestSyncExhaustionReturnsLastError(t *testing.T) {
	store := NewInMemoryStore()
	transient := &classifiedError{msg: "provider internal error", retryable: true}
	fetcher := &fakeFetcher{errs: []error{transient, transient, transient, transient, transient}}
	s := NewSyncer(store, fetcher, &fakeAudit{}, WithSleep(noSleep))

	opts := SyncOptions{MaxRetries: 3, InitialBackoff: time.Millisecond}
	err := s.SyncAccountStatus(context.Background(), "u1", "acct_1", TriggerOnDemand, opts)
	if !errors.Is(err, transient) {
		t.Fatalf("expected last error back, got %v", err)
	}
	if fetcher.calls != 4 {
		t.Fatalf("expected initial attempt plus 3 retries, got %d calls", fetcher.calls)
	}
}

func TestSyncCancelledDuringBackoff(t *testing.T) {
	store := NewInMemoryStore()
	transient := &classifiedError{msg: "rate limited", retryable: true}
	fetcher := &fakeFetcher{errs: []error{transient, transient, transient, transient}}

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSyncer(store, fetcher, &fakeAudit{}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	err := s.SyncAccountStatus(ctx, "u1", "acct_1", TriggerOnDemand, SyncOptions{MaxRetries: 3, InitialBackoff: time.Second})
	if !errors.Is(err, transient) {
		t.Fatalf("expected the pre-cancellation error back, got %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", fetcher.calls)
	}
}

func TestSyncDefaultsSnapshotID(t *testing.T) {
	store := NewInMemoryStore()
	snap := verifiedSnapshot()
	snap.ID = ""
	fetcher := &fakeFetcher{snap: snap}
	s := NewSyncer(store, fetcher, &fakeAudit{}, WithSleep(noSleep))

	if err := s.SyncAccountStatus(context.Background(), "u1", "acct_42", TriggerManual, SyncOptions{}); err != nil {
		t.Fatal(err)
	}
	rec, _ := store.GetByUser(context.Background(), "u1")
	if rec.ExternalAccountID != "acct_42" {
		t.Fatalf("expected the requested account id, got %q", rec.ExternalAccountID)
	}
}

func TestRetryableClassification(t *testing.T) {
	if retryable(ErrAccountConflict) {
		t.Fatal("conflict must not retry")
	}
	if retryable(context.Canceled) || retryable(context.DeadlineExceeded) {
		t.Fatal("context errors must not retry")
	}
	if !retryable(errors.New("dial tcp: connection refused")) {
		t.Fatal("transient storage error must retry")
	}
	if retryable(errors.New("syntax error at or near")) {
		t.Fatal("unknown errors must fail fast")
	}
}
