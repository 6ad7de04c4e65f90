package connect

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rytkhs/event-pay/internal/obs"
)

// applySnapshot is the single mutation path shared by the webhook and
// on-demand triggers: classify the snapshot, overwrite the stored record and
// append an audit entry when the status moved. The upsert auto-creates the
// record, so webhooks arriving before the first on-demand fetch still land.
//
// Audit and event fan-out are best effort; only classification and
// persistence decide success.
func applySnapshot(
	ctx context.Context,
	store Store,
	audit AuditRecorder,
	events EventSink,
	now time.Time,
	userID string,
	snap AccountSnapshot,
	trigger Trigger,
) (AccountRecord, *StatusChange, error) {
	status, meta, reason := Classify(snap)
	obs.ClassificationsTotal.WithLabelValues(string(status), strconv.Itoa(meta.Gate)).Inc()

	previous := StatusUnverified
	if prev, err := store.GetByUser(ctx, userID); err == nil {
		previous = prev.Status
	} else if !errors.Is(err, ErrNotFound) {
		return AccountRecord{}, nil, err
	}

	record := AccountRecord{
		UserID:            userID,
		ExternalAccountID: snap.ID,
		Status:            status,
		ChargesEnabled:    snap.ChargesEnabled,
		PayoutsEnabled:    snap.PayoutsEnabled,
		UpdatedAt:         now,
	}
	if err := store.Upsert(ctx, record); err != nil {
		return AccountRecord{}, nil, err
	}

	if previous == status {
		return record, nil, nil
	}

	change := StatusChange{
		Timestamp:         now,
		UserID:            userID,
		ExternalAccountID: snap.ID,
		Previous:          previous,
		New:               status,
		Trigger:           trigger,
		Meta:              meta,
		DedupeKey:         NewDedupeKey(userID, previous, status, now),
	}
	if audit != nil {
		if err := audit.RecordStatusChange(ctx, change); err != nil {
			obs.Warn("audit write failed", map[string]any{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}
	if events != nil {
		events.Publish(change)
	}
	obs.Info("account status changed", map[string]any{
		"user_id":  userID,
		"account":  snap.ID,
		"previous": string(previous),
		"status":   string(status),
		"trigger":  string(trigger),
		"gate":     meta.Gate,
		"reason":   reason,
	})
	return record, &change, nil
}
