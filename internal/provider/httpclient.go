package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rytkhs/event-pay/internal/connect"
)

const defaultTimeout = 10 * time.Second

// HTTPClient talks to the provider's REST API. The base URL is configurable
// so tests and staging environments can point it elsewhere.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an authenticated provider client.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// FetchAccount retrieves the current account snapshot.
func (c *HTTPClient) FetchAccount(ctx context.Context, accountID string) (connect.AccountSnapshot, error) {
	var snap connect.AccountSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+accountID, nil, &snap); err != nil {
		return connect.AccountSnapshot{}, err
	}
	return snap, nil
}

type createAccountRequest struct {
	Email        string            `json:"email"`
	Country      string            `json:"country"`
	BusinessType string            `json:"business_type,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

type createAccountResponse struct {
	ID string `json:"id"`
}

// CreateAccount opens a merchant account and returns the provider-side id.
func (c *HTTPClient) CreateAccount(ctx context.Context, params CreateAccountParams) (string, error) {
	req := createAccountRequest{
		Email:        params.Email,
		Country:      params.Country,
		BusinessType: params.BusinessType,
		Metadata:     map[string]string{connect.MetadataUserKey: params.UserID},
	}
	var resp createAccountResponse
	if err := c.do(ctx, http.MethodPost, "/v1/accounts", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type onboardingLinkRequest struct {
	Account    string `json:"account"`
	RefreshURL string `json:"refresh_url"`
	ReturnURL  string `json:"return_url"`
	Type       string `json:"type"`
}

type onboardingLinkResponse struct {
	URL string `json:"url"`
}

// CreateOnboardingLink creates a hosted onboarding session URL.
func (c *HTTPClient) CreateOnboardingLink(ctx context.Context, params OnboardingLinkParams) (string, error) {
	req := onboardingLinkRequest{
		Account:    params.AccountID,
		RefreshURL: params.RefreshURL,
		ReturnURL:  params.ReturnURL,
		Type:       "account_onboarding",
	}
	var resp onboardingLinkResponse
	if err := c.do(ctx, http.MethodPost, "/v1/account_links", req, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("marshal request: %v", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: KindInvalidRequest, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindConnection, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyHTTP(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: KindAPI, Message: fmt.Sprintf("decode response: %v", err), StatusCode: resp.StatusCode}
		}
	}
	return nil
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func classifyHTTP(resp *http.Response) *Error {
	var body errorBody
	msg := http.StatusText(resp.StatusCode)
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Message != "" {
		msg = body.Error.Message
	}

	kind := KindAPI
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		kind = KindAuthentication
	case resp.StatusCode == http.StatusForbidden:
		kind = KindPermission
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		kind = KindInvalidRequest
	}
	return &Error{Kind: kind, Message: msg, StatusCode: resp.StatusCode}
}
