package connect

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AccountStatus is the merchant onboarding status persisted locally. It is
// recomputed in full from every provider snapshot, never mutated
// incrementally.
type AccountStatus string

const (
	StatusUnverified AccountStatus = "unverified"
	StatusOnboarding AccountStatus = "onboarding"
	StatusVerified   AccountStatus = "verified"
	StatusRestricted AccountStatus = "restricted"
)

// Valid reports whether s is one of the persisted statuses.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusUnverified, StatusOnboarding, StatusVerified, StatusRestricted:
		return true
	}
	return false
}

// DisplayStatus is the coarser UI-facing derivation of AccountStatus. It is
// computed per read and never stored.
type DisplayStatus string

const (
	DisplayNoAccount       DisplayStatus = "no_account"
	DisplayUnverified      DisplayStatus = "unverified"
	DisplayRequirementsDue DisplayStatus = "requirements_due"
	DisplayPendingReview   DisplayStatus = "pending_review"
	DisplayRestricted      DisplayStatus = "restricted"
	DisplayReady           DisplayStatus = "ready"
)

// Trigger identifies what started a reconciliation.
type Trigger string

const (
	TriggerWebhook  Trigger = "webhook"
	TriggerOnDemand Trigger = "ondemand"
	TriggerManual   Trigger = "manual"
)

// CapabilityStatus is the provider-side state of a single capability.
type CapabilityStatus string

const (
	CapabilityActive   CapabilityStatus = "active"
	CapabilityInactive CapabilityStatus = "inactive"
	CapabilityPending  CapabilityStatus = "pending"
)

// Requirements lists outstanding provider-side verification items. A nil
// Requirements is treated everywhere as empty.
type Requirements struct {
	CurrentlyDue        []string `json:"currently_due,omitempty"`
	PastDue             []string `json:"past_due,omitempty"`
	EventuallyDue       []string `json:"eventually_due,omitempty"`
	PendingVerification []string `json:"pending_verification,omitempty"`
	DisabledReason      string   `json:"disabled_reason,omitempty"`
}

// HasDue reports whether any of the due lists is non-empty. Nil-safe.
func (r *Requirements) HasDue() bool {
	if r == nil {
		return false
	}
	return len(r.CurrentlyDue) > 0 || len(r.PastDue) > 0 || len(r.EventuallyDue) > 0
}

// HasPendingVerification reports whether items await provider review. Nil-safe.
func (r *Requirements) HasPendingVerification() bool {
	return r != nil && len(r.PendingVerification) > 0
}

// Reason returns the disabled reason or "" when requirements are absent.
func (r *Requirements) Reason() string {
	if r == nil {
		return ""
	}
	return r.DisabledReason
}

// Capability is the state of one provider capability. On the wire it arrives
// either as a bare status string or as an object carrying its own
// requirements; both decode into this one shape so nothing downstream
// branches on the external representation.
type Capability struct {
	Status       CapabilityStatus `json:"status"`
	Requirements *Requirements    `json:"requirements,omitempty"`
}

// UnmarshalJSON accepts both the string and the object form.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		c.Status = CapabilityStatus(bare)
		c.Requirements = nil
		return nil
	}
	type alias Capability
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("capability: %w", err)
	}
	*c = Capability(obj)
	return nil
}

// Active reports whether the capability is present and active. A missing
// capability is conservatively not active.
func (c *Capability) Active() bool {
	return c != nil && c.Status == CapabilityActive
}

// Impaired reports whether the capability carries its own outstanding due
// items or disabled reason. Nil-safe.
func (c *Capability) Impaired() bool {
	if c == nil {
		return false
	}
	return c.Requirements.HasDue() || c.Requirements.Reason() != ""
}

// Capabilities groups the two capabilities the engine cares about.
type Capabilities struct {
	Transfers    *Capability `json:"transfers,omitempty"`
	CardPayments *Capability `json:"card_payments,omitempty"`
}

// AccountSnapshot is the provider's point-in-time view of a merchant
// account. It is read-only to this system: fetched or pushed, classified,
// never mutated.
type AccountSnapshot struct {
	ID               string            `json:"id"`
	DetailsSubmitted bool              `json:"details_submitted"`
	ChargesEnabled   bool              `json:"charges_enabled"`
	PayoutsEnabled   bool              `json:"payouts_enabled"`
	Capabilities     Capabilities      `json:"capabilities"`
	Requirements     *Requirements     `json:"requirements,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// MetadataUserKey is the provider-side metadata key linking a snapshot back
// to a local user.
const MetadataUserKey = "user_id"

// UserID extracts the linking key from provider metadata, if present.
func (s AccountSnapshot) UserID() (string, bool) {
	v, ok := s.Metadata[MetadataUserKey]
	return v, ok && v != ""
}

// ClassificationMeta records why a classification was reached. It is attached
// to audit entries for debugging and never consulted by later decisions.
type ClassificationMeta struct {
	Gate               int    `json:"gate"`
	DetailsSubmitted   bool   `json:"details_submitted"`
	PayoutsEnabled     bool   `json:"payouts_enabled"`
	TransfersActive    bool   `json:"transfers_active"`
	CardPaymentsActive bool   `json:"card_payments_active"`
	HasDueRequirements bool   `json:"has_due_requirements"`
	DisabledReason     string `json:"disabled_reason,omitempty"`
}

// AccountRecord is the locally persisted merchant account row. It is the only
// shared mutable resource in the subsystem and is always written via a full
// upsert keyed by UserID.
type AccountRecord struct {
	UserID            string        `json:"user_id"`
	ExternalAccountID string        `json:"external_account_id"`
	Status            AccountStatus `json:"status"`
	ChargesEnabled    bool          `json:"charges_enabled"`
	PayoutsEnabled    bool          `json:"payouts_enabled"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Domain errors.
var (
	// ErrNotFound indicates no local record exists for the user.
	ErrNotFound = errors.New("connect account not found")

	// ErrAccountConflict indicates an external account id already linked to a
	// different user. This is a data-integrity violation and never resolved
	// by overwriting.
	ErrAccountConflict = errors.New("external account linked to another user")
)
