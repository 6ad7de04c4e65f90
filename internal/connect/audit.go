package connect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// StatusChange is one observed status transition, appended to the audit log
// and fanned out to event subscribers.
type StatusChange struct {
	Timestamp         time.Time          `json:"timestamp"`
	UserID            string             `json:"user_id"`
	ExternalAccountID string             `json:"external_account_id"`
	Previous          AccountStatus      `json:"previous_status"`
	New               AccountStatus      `json:"new_status"`
	Trigger           Trigger            `json:"trigger"`
	Meta              ClassificationMeta `json:"classification"`
	DedupeKey         string             `json:"dedupe_key"`
}

// NewDedupeKey derives the deterministic deduplication key for a transition.
// Identical transitions observed by concurrent writers in the same second
// collapse to one audit entry.
func NewDedupeKey(userID string, previous, next AccountStatus, ts time.Time) string {
	raw := userID + "|" + string(previous) + "|" + string(next) + "|" +
		ts.UTC().Truncate(time.Second).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// AuditRecorder appends status transitions. Implementations must silently
// drop entries whose DedupeKey was already recorded. Recording is best
// effort: callers log failures and continue.
type AuditRecorder interface {
	RecordStatusChange(ctx context.Context, change StatusChange) error
}

// EventSink receives status changes for live consumers (dashboard streams).
// Publish must not block.
type EventSink interface {
	Publish(change StatusChange)
}
