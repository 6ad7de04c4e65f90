package connect

import (
	"context"
	"errors"
	"time"

	"github.com/rytkhs/event-pay/internal/obs"
)

// Provider event types handled by the webhook path.
const (
	EventAccountUpdated      = "account.updated"
	EventAccountDeauthorized = "account.application.deauthorized"
)

// WebhookOutcome summarises how an inbound event was handled.
type WebhookOutcome string

const (
	OutcomeUpdated   WebhookOutcome = "updated"
	OutcomeUnchanged WebhookOutcome = "unchanged"
	OutcomeSkipped   WebhookOutcome = "skipped"
)

// WebhookResult is returned to the ingress so it can acknowledge delivery.
type WebhookResult struct {
	Outcome WebhookOutcome `json:"outcome"`
	UserID  string         `json:"user_id,omitempty"`
	Status  AccountStatus  `json:"status,omitempty"`
}

// WebhookProcessor applies provider push events. The snapshot inside the
// event is authoritative as of delivery, so no extra fetch happens.
type WebhookProcessor struct {
	store    Store
	audit    AuditRecorder
	notifier Notifier
	events   EventSink
	now      func() time.Time
}

// ProcessorOption configures a WebhookProcessor.
type ProcessorOption func(*WebhookProcessor)

// WithProcessorEventSink attaches a live event fan-out.
func WithProcessorEventSink(sink EventSink) ProcessorOption {
	return func(p *WebhookProcessor) { p.events = sink }
}

// WithProcessorClock overrides the time source, for tests.
func WithProcessorClock(fn func() time.Time) ProcessorOption {
	return func(p *WebhookProcessor) { p.now = fn }
}

// NewWebhookProcessor wires the processor with its ports.
func NewWebhookProcessor(store Store, audit AuditRecorder, notifier Notifier, opts ...ProcessorOption) *WebhookProcessor {
	p := &WebhookProcessor{
		store:    store,
		audit:    audit,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleAccountUpdated classifies and persists the pushed snapshot. A
// snapshot without a user linking key is acknowledged as skipped rather than
// failing the delivery. Notification failures never fail processing.
func (p *WebhookProcessor) HandleAccountUpdated(ctx context.Context, snap AccountSnapshot) (WebhookResult, error) {
	userID, ok := snap.UserID()
	if !ok {
		obs.Warn("webhook snapshot missing user metadata", map[string]any{"account": snap.ID})
		obs.WebhookEventsTotal.WithLabelValues(EventAccountUpdated, string(OutcomeSkipped)).Inc()
		return WebhookResult{Outcome: OutcomeSkipped}, nil
	}

	record, change, err := applySnapshot(ctx, p.store, p.audit, p.events, p.now(), userID, snap, TriggerWebhook)
	if err != nil {
		obs.WebhookEventsTotal.WithLabelValues(EventAccountUpdated, "error").Inc()
		return WebhookResult{}, err
	}

	outcome := OutcomeUnchanged
	if change != nil {
		outcome = OutcomeUpdated
		p.notify(ctx, *change)
	}
	obs.WebhookEventsTotal.WithLabelValues(EventAccountUpdated, string(outcome)).Inc()
	return WebhookResult{Outcome: outcome, UserID: userID, Status: record.Status}, nil
}

// HandleDeauthorized resets the local record after the merchant disconnects.
// This is an explicit external signal, not a snapshot to classify: status
// goes back to unverified with both capability flags off, and the row stays.
func (p *WebhookProcessor) HandleDeauthorized(ctx context.Context, externalAccountID string) (WebhookResult, error) {
	record, err := p.store.GetByExternalID(ctx, externalAccountID)
	if errors.Is(err, ErrNotFound) {
		obs.WebhookEventsTotal.WithLabelValues(EventAccountDeauthorized, string(OutcomeSkipped)).Inc()
		return WebhookResult{Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		obs.WebhookEventsTotal.WithLabelValues(EventAccountDeauthorized, "error").Inc()
		return WebhookResult{}, err
	}

	previous := record.Status
	now := p.now()
	record.Status = StatusUnverified
	record.ChargesEnabled = false
	record.PayoutsEnabled = false
	record.UpdatedAt = now
	if err := p.store.Upsert(ctx, record); err != nil {
		obs.WebhookEventsTotal.WithLabelValues(EventAccountDeauthorized, "error").Inc()
		return WebhookResult{}, err
	}

	outcome := OutcomeUnchanged
	if previous != StatusUnverified {
		outcome = OutcomeUpdated
		change := StatusChange{
			Timestamp:         now,
			UserID:            record.UserID,
			ExternalAccountID: externalAccountID,
			Previous:          previous,
			New:               StatusUnverified,
			Trigger:           TriggerWebhook,
			DedupeKey:         NewDedupeKey(record.UserID, previous, StatusUnverified, now),
		}
		if p.audit != nil {
			if err := p.audit.RecordStatusChange(ctx, change); err != nil {
				obs.Warn("audit write failed", map[string]any{
					"user_id": record.UserID,
					"error":   err.Error(),
				})
			}
		}
		if p.events != nil {
			p.events.Publish(change)
		}
	}
	obs.WebhookEventsTotal.WithLabelValues(EventAccountDeauthorized, string(outcome)).Inc()
	return WebhookResult{Outcome: outcome, UserID: record.UserID, Status: StatusUnverified}, nil
}

// notify sends the side-effect notification for a transition when it is on
// the allow-list. Best effort only.
func (p *WebhookProcessor) notify(ctx context.Context, change StatusChange) {
	if p.notifier == nil {
		return
	}
	kind, ok := NotificationFor(change.Previous, change.New)
	if !ok {
		return
	}
	n := Notification{
		Kind:     kind,
		UserID:   change.UserID,
		Previous: change.Previous,
		New:      change.New,
	}
	if err := p.notifier.Send(ctx, n); err != nil {
		obs.NotificationsTotal.WithLabelValues(string(kind), "error").Inc()
		obs.Warn("notification send failed", map[string]any{
			"user_id": change.UserID,
			"kind":    string(kind),
			"error":   err.Error(),
		})
		return
	}
	obs.NotificationsTotal.WithLabelValues(string(kind), "ok").Inc()
}
