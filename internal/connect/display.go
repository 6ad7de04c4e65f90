package connect

// DisplayStatusFor derives the UI-facing status from the persisted status and
// an optional fresh snapshot. Deliberately coarser and more conservative than
// the classifier: it never reports ready while anything is due, and a
// restricted account is never folded into requirements_due.
func DisplayStatusFor(status *AccountStatus, snap *AccountSnapshot) DisplayStatus {
	if status == nil {
		return DisplayNoAccount
	}
	switch *status {
	case StatusRestricted:
		return DisplayRestricted
	case StatusUnverified:
		return DisplayUnverified
	}

	if snap != nil && (snap.Requirements.HasDue() || snap.Requirements.Reason() != "") {
		return DisplayRequirementsDue
	}

	if *status == StatusVerified {
		return DisplayReady
	}

	// Onboarding with nothing explicitly due: items sitting in provider
	// review surface as pending_review, anything else defaults to
	// requirements_due so the UI never over-promises.
	if snap != nil && snap.Requirements.HasPendingVerification() {
		return DisplayPendingReview
	}
	return DisplayRequirementsDue
}
