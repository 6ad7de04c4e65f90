package connect

import "context"

// NotificationKind names the user-facing message sent for a transition.
type NotificationKind string

const (
	NotifyOnboardingStarted    NotificationKind = "onboarding_started"
	NotifyVerificationComplete NotificationKind = "verification_complete"
	NotifyAccountRestricted    NotificationKind = "account_restricted"
	NotifyStatusChanged        NotificationKind = "status_changed"
)

// Notification is the payload handed to the notification channel.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	UserID   string           `json:"user_id"`
	Previous AccountStatus    `json:"previous_status"`
	New      AccountStatus    `json:"new_status"`
}

// Notifier delivers notifications. Failures are non-fatal to callers; the
// webhook path logs and swallows them.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

type transition struct {
	from, to AccountStatus
}

// notifiableTransitions is the allow-list of transitions worth telling the
// user about. Lateral and no-op transitions stay silent.
var notifiableTransitions = map[transition]NotificationKind{
	{StatusUnverified, StatusOnboarding}: NotifyOnboardingStarted,
	{StatusOnboarding, StatusVerified}:   NotifyVerificationComplete,
	{StatusUnverified, StatusVerified}:   NotifyVerificationComplete,
	{StatusUnverified, StatusRestricted}: NotifyAccountRestricted,
	{StatusOnboarding, StatusRestricted}: NotifyAccountRestricted,
	{StatusVerified, StatusRestricted}:   NotifyAccountRestricted,
	{StatusRestricted, StatusVerified}:   NotifyVerificationComplete,
	{StatusRestricted, StatusOnboarding}: NotifyStatusChanged,
}

// NotificationFor returns the notification kind for a transition, if the
// transition is on the allow-list.
func NotificationFor(previous, next AccountStatus) (NotificationKind, bool) {
	kind, ok := notifiableTransitions[transition{previous, next}]
	return kind, ok
}
