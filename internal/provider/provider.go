package provider

import (
	"context"

	"github.com/rytkhs/event-pay/internal/connect"
)

// CreateAccountParams describes a merchant account to open with the payment
// provider. UserID is mirrored into provider metadata so webhooks can be
// linked back to the local user.
type CreateAccountParams struct {
	UserID       string
	Email        string
	Country      string
	BusinessType string
}

// OnboardingLinkParams configures a hosted onboarding session.
type OnboardingLinkParams struct {
	AccountID  string
	RefreshURL string
	ReturnURL  string
}

// Client is the port to the external payment provider. Implementations must
// surface failures as *Error so the sync retry loop can classify them.
type Client interface {
	FetchAccount(ctx context.Context, accountID string) (connect.AccountSnapshot, error)
	CreateAccount(ctx context.Context, params CreateAccountParams) (string, error)
	CreateOnboardingLink(ctx context.Context, params OnboardingLinkParams) (string, error)
}
