// Package audit provides append-only sinks for account status transitions.
// All sinks deduplicate on the entry's deterministic key: writing the same
// transition twice is silently absorbed instead of erroring, which keeps
// retried syncs and racing writers from double-logging.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rytkhs/event-pay/internal/connect"
	"github.com/rytkhs/event-pay/internal/ids"
	"github.com/rytkhs/event-pay/internal/obs"
)

// LogRecorder appends transitions as structured JSON lines through the
// shared logger. Dedupe state is in-process; the Postgres recorder enforces
// the same invariant durably.
type LogRecorder struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

var _ connect.AuditRecorder = (*LogRecorder)(nil)

// NewLogRecorder creates an empty log-backed recorder.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{seen: make(map[string]struct{})}
}

// RecordStatusChange writes one transition, dropping exact duplicates.
func (r *LogRecorder) RecordStatusChange(ctx context.Context, change connect.StatusChange) error {
	r.mu.Lock()
	if _, dup := r.seen[change.DedupeKey]; dup {
		r.mu.Unlock()
		return nil
	}
	r.seen[change.DedupeKey] = struct{}{}
	r.mu.Unlock()

	entry := map[string]any{
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"type":       "audit",
		"event":      "connect.status.change",
		"id":         ids.New(),
		"user_id":    change.UserID,
		"account":    change.ExternalAccountID,
		"previous":   string(change.Previous),
		"new":        string(change.New),
		"trigger":    string(change.Trigger),
		"dedupe_key": change.DedupeKey,
		"meta":       change.Meta,
		"occurred":   change.Timestamp.UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Tee fans one transition out to several recorders; the first error wins but
// every recorder still sees the entry.
type Tee []connect.AuditRecorder

var _ connect.AuditRecorder = (Tee)(nil)

func (t Tee) RecordStatusChange(ctx context.Context, change connect.StatusChange) error {
	var first error
	for _, r := range t {
		if err := r.RecordStatusChange(ctx, change); err != nil && first == nil {
			first = err
		}
	}
	return first
}
