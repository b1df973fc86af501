// Package mfa integrates with the external multifactor provider: the HTTP
// API that creates push requests and validates one-time codes, the JWT
// callback tokens it signs, and the pool of connections waiting for a
// second factor to complete.
package mfa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Common errors for provider calls.
var (
	// ErrUnavailable reports that the provider could not be reached or
	// answered with a server error. Binds fail open or closed on it
	// depending on policy; the API surface reports it as a timeout.
	ErrUnavailable = errors.New("multifactor provider unavailable")

	// ErrDenied reports that the provider rejected the authentication.
	ErrDenied = errors.New("multifactor authentication denied")
)

// Client calls the multifactor provider's access request API. Key and
// secret are the tenant credentials, sent as basic auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
	key        string
	secret     string
}

// NewClient builds a provider client. timeout bounds each HTTP call.
func NewClient(baseURL, key, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
		secret:     secret,
	}
}

type createRequestPayload struct {
	Identity string          `json:"identity"`
	Claims   string          `json:"claims,omitempty"`
	Callback callbackPayload `json:"callback"`
}

type callbackPayload struct {
	Action string `json:"action"`
	Target string `json:"target"`
}

type accessResponse struct {
	Model struct {
		ID      string `json:"id"`
		URL     string `json:"url"`
		Status  string `json:"status"`
		Granted bool   `json:"granted"`
	} `json:"model"`
	Success bool `json:"success"`
}

// CreateRequest asks the provider to start a push authentication for the
// identity and returns the URL the end user must open. callbackURL is where
// the provider posts the signed access token on completion.
func (c *Client) CreateRequest(ctx context.Context, identity, callbackURL string) (string, error) {
	payload := createRequestPayload{
		Identity: identity,
		Callback: callbackPayload{Action: callbackURL, Target: "_self"},
	}
	var resp accessResponse
	if err := c.post(ctx, "/requests", payload, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.Model.URL == "" {
		return "", ErrDenied
	}
	return resp.Model.URL, nil
}

type validatePayload struct {
	Identity string `json:"identity"`
	Passcode string `json:"passCode"`
}

// ValidateBind checks a one-time passcode carried in a bind password. It
// returns nil when access is granted.
func (c *Client) ValidateBind(ctx context.Context, identity, passcode string) error {
	payload := validatePayload{Identity: identity, Passcode: passcode}
	var resp accessResponse
	if err := c.post(ctx, "/requests/ra", payload, &resp); err != nil {
		return err
	}
	if !resp.Success || !resp.Model.Granted {
		return ErrDenied
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.key, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrDenied
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
