package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rytkhs/event-pay/internal/connect"
)

type capturingNotifier struct {
	mu       sync.Mutex
	received []connect.Notification
	block    chan struct{}
}

func (c *capturingNotifier) Send(ctx context.Context, n connect.Notification) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, n)
	return nil
}

func (c *capturingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func TestDispatcherDelivers(t *testing.T) {
	inner := &capturingNotifier{}
	d := NewDispatcher(inner, 8, time.Second)

	n := connect.Notification{Kind: connect.NotifyVerificationComplete, UserID: "u1"}
	if err := d.Send(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	d.Close()

	if inner.count() != 1 {
		t.Fatalf("expected one delivery, got %d", inner.count())
	}
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	inner := &capturingNotifier{}
	d := NewDispatcher(inner, 16, time.Second)

	for i := 0; i < 10; i++ {
		if err := d.Send(context.Background(), connect.Notification{UserID: "u1"}); err != nil {
			t.Fatal(err)
		}
	}
	d.Close()

	if inner.count() != 10 {
		t.Fatalf("expected all queued deliveries, got %d", inner.count())
	}
}

func TestDispatcherFullQueueDropsInsteadOfBlocking(t *testing.T) {
	inner := &capturingNotifier{block: make(chan struct{})}
	d := NewDispatcher(inner, 1, time.Second)

	// First fills the worker, second fills the buffer; give the worker a
	// moment to pick the first one up.
	_ = d.Send(context.Background(), connect.Notification{UserID: "u1"})
	time.Sleep(20 * time.Millisecond)
	_ = d.Send(context.Background(), connect.Notification{UserID: "u2"})

	err := d.Send(context.Background(), connect.Notification{UserID: "u3"})
	if err == nil {
		t.Fatal("expected queue-full error")
	}

	close(inner.block)
	d.Close()
}
