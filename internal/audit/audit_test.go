package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rytkhs/event-pay/internal/connect"
)

func change(key string) connect.StatusChange {
	return connect.StatusChange{
		Timestamp: time.Now().UTC(),
		UserID:    "u1",
		Previous:  connect.StatusOnboarding,
		New:       connect.StatusVerified,
		Trigger:   connect.TriggerWebhook,
		DedupeKey: key,
	}
}

func TestLogRecorderDeduplicates(t *testing.T) {
	r := NewLogRecorder()
	ctx := context.Background()

	if err := r.RecordStatusChange(ctx, change("k1")); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordStatusChange(ctx, change("k1")); err != nil {
		t.Fatal(err)
	}
	if len(r.seen) != 1 {
		t.Fatalf("expected one recorded key, got %d", len(r.seen))
	}

	if err := r.RecordStatusChange(ctx, change("k2")); err != nil {
		t.Fatal(err)
	}
	if len(r.seen) != 2 {
		t.Fatalf("expected two recorded keys, got %d", len(r.seen))
	}
}

func TestLogRecorderConcurrent(t *testing.T) {
	r := NewLogRecorder()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.RecordStatusChange(ctx, change("same"))
		}()
	}
	wg.Wait()

	if len(r.seen) != 1 {
		t.Fatalf("concurrent duplicates must collapse, got %d", len(r.seen))
	}
}

type countingRecorder struct {
	calls int
	err   error
}

func (c *countingRecorder) RecordStatusChange(ctx context.Context, change connect.StatusChange) error {
	c.calls++
	return c.err
}

func TestTeeFansOutAndReportsFirstError(t *testing.T) {
	a := &countingRecorder{err: errors.New("a failed")}
	b := &countingRecorder{}
	tee := Tee{a, b}

	err := tee.RecordStatusChange(context.Background(), change("k1"))
	if !errors.Is(err, a.err) {
		t.Fatalf("expected first error back, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("every recorder must see the entry: a=%d b=%d", a.calls, b.calls)
	}
}
