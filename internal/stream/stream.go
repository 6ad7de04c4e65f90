package stream

import (
	"context"
	"sync"

	"github.com/rytkhs/event-pay/internal/connect"
)

// Stream fan-outs account status changes to all active subscribers
// (the dashboard SSE feed).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan connect.StatusChange
	next int
}

var _ connect.EventSink = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan connect.StatusChange)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan connect.StatusChange {
	ch := make(chan connect.StatusChange, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the change to all subscribers without blocking.
func (s *Stream) Publish(change connect.StatusChange) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- change:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
