// Package provision calls the subscription service after a payment is
// captured. The order is durably PAID before any call here; failures are
// never rolled back against the payment.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"payment-service/internal/config"
	"payment-service/internal/errs"
)

const defaultTimeoutMs = 5_000

type Client struct {
	authURL      string
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg config.Provisioning) *Client {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	return &Client{
		authURL:      cfg.AuthURL,
		baseURL:      cfg.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		client:       &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// serviceToken returns a cached service credential, minting a fresh one from
// the auth service when the cached token is near expiry.
func (c *Client) serviceToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-30*time.Second)) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", pkgerrors.Wrapf(errs.ErrProvisioning, "token request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", pkgerrors.Wrapf(errs.ErrProvisioning, "token request: status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil || tr.AccessToken == "" {
		return "", pkgerrors.Wrap(errs.ErrProvisioning, "token request: invalid response")
	}

	c.token = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.token, nil
}

// Provision activates the purchased plan for the user.
func (c *Client) Provision(ctx context.Context, userID, planID, orderNo string) error {
	token, err := c.serviceToken(ctx)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{
		"user_id":  userID,
		"plan_id":  planID,
		"order_no": orderNo,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/subscriptions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return pkgerrors.Wrapf(errs.ErrProvisioning, "subscription create: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return pkgerrors.Wrapf(errs.ErrProvisioning, "subscription create: status %d", resp.StatusCode)
	}
	return nil
}

// InvalidateToken drops the cached credential, forcing a fresh mint on the
// next call. Used when the subscription service rejects the bearer token.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExpiry = time.Time{}
}
