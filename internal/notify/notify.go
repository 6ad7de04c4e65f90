// Package notify delivers best-effort user notifications for account status
// transitions. Delivery is a side channel: it runs on its own goroutine with
// its own error reporting and is never joined with the reconciliation
// result.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rytkhs/event-pay/internal/connect"
	"github.com/rytkhs/event-pay/internal/obs"
)

// LogNotifier emits notifications as structured log lines. Stands in for a
// real mail/push channel in development and tests.
type LogNotifier struct{}

var _ connect.Notifier = LogNotifier{}

func (LogNotifier) Send(ctx context.Context, n connect.Notification) error {
	obs.Info("notification", map[string]any{
		"kind":     string(n.Kind),
		"user_id":  n.UserID,
		"previous": string(n.Previous),
		"new":      string(n.New),
	})
	return nil
}

// Dispatcher wraps a Notifier with a buffered asynchronous queue. Send
// enqueues and returns immediately; a worker drains the queue and logs
// delivery failures on its own channel. A full queue drops the notification
// rather than blocking the caller.
type Dispatcher struct {
	inner   connect.Notifier
	queue   chan connect.Notification
	timeout time.Duration
	done    chan struct{}
}

var _ connect.Notifier = (*Dispatcher)(nil)

// NewDispatcher starts the worker. Close must be called on shutdown.
func NewDispatcher(inner connect.Notifier, buffer int, timeout time.Duration) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		inner:   inner,
		queue:   make(chan connect.Notification, buffer),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Send enqueues without blocking.
func (d *Dispatcher) Send(ctx context.Context, n connect.Notification) error {
	select {
	case d.queue <- n:
		return nil
	default:
		return errors.New("notification queue full")
	}
}

// Close stops accepting work and drains the queue.
func (d *Dispatcher) Close() {
	close(d.queue)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.inner.Send(ctx, n); err != nil {
			obs.Warn("notification delivery failed", map[string]any{
				"kind":    string(n.Kind),
				"user_id": n.UserID,
				"error":   err.Error(),
			})
		}
		cancel()
	}
}
