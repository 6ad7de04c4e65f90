package connect

import (
	"strings"
)

// Disabled reasons that signal a provider review in progress rather than a
// hard stop.
const (
	reasonUnderReview         = "under_review"
	reasonPendingVerification = "requirements.pending_verification"
)

// requirementsReasonPrefix marks disabled reasons rooted in outstanding
// requirements; those are handled by the requirements gates, not gate 1.
const requirementsReasonPrefix = "requirements."

func isReviewPending(reason string) bool {
	return reason == reasonUnderReview || reason == reasonPendingVerification
}

// Classify maps a provider snapshot to the persisted account status. Pure and
// total: every snapshot lands in exactly one of the four statuses, decided by
// five gates evaluated in order with first match winning.
func Classify(snap AccountSnapshot) (AccountStatus, ClassificationMeta, string) {
	meta := ClassificationMeta{
		DetailsSubmitted:   snap.DetailsSubmitted,
		PayoutsEnabled:     snap.PayoutsEnabled,
		TransfersActive:    snap.Capabilities.Transfers.Active(),
		CardPaymentsActive: snap.Capabilities.CardPayments.Active(),
		HasDueRequirements: snap.Requirements.HasDue(),
		DisabledReason:     snap.Requirements.Reason(),
	}

	reason := snap.Requirements.Reason()

	// Gate 1: hard restriction. Reasons rooted in outstanding requirements
	// are not hard stops and fall through to the requirements gates.
	if reason != "" && !isReviewPending(reason) && !strings.HasPrefix(reason, requirementsReasonPrefix) {
		meta.Gate = 1
		return StatusRestricted, meta, "account disabled: " + reason
	}

	// Gate 2: provider review in progress. Kept inside onboarding at the
	// persisted layer; the display layer recovers the distinction.
	if isReviewPending(reason) {
		meta.Gate = 2
		return StatusOnboarding, meta, "verification review in progress"
	}

	// Gate 3: both capabilities active and payouts enabled.
	if !meta.TransfersActive || !meta.CardPaymentsActive || !snap.PayoutsEnabled {
		meta.Gate = 3
		return submissionFallback(snap.DetailsSubmitted), meta, "capabilities not fully active"
	}

	// Gate 4: requirements health, account level and per capability.
	if snap.Requirements.HasDue() ||
		snap.Capabilities.Transfers.Impaired() ||
		snap.Capabilities.CardPayments.Impaired() {
		meta.Gate = 4
		return submissionFallback(snap.DetailsSubmitted), meta, "outstanding requirements"
	}

	// Gate 5: everything checks out.
	meta.Gate = 5
	return StatusVerified, meta, "all capabilities active, no outstanding requirements"
}

// submissionFallback is the shared fallback for gates 3 and 4: an account
// whose details were submitted is mid-onboarding, otherwise it never started.
func submissionFallback(detailsSubmitted bool) AccountStatus {
	if detailsSubmitted {
		return StatusOnboarding
	}
	return StatusUnverified
}
