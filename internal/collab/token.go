// Package collab holds the HTTP clients for the festival application's internal API:
// the notification sink and the budget ledger.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenService manages OAuth client-credentials tokens with thread-safe access
type TokenService struct {
	clientID     string
	clientSecret string
	tokenURL     string
	client       *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// TokenResponse is the OAuth token endpoint response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewTokenService creates a token service sharing the collaborator HTTP client
func NewTokenService(clientID, clientSecret, tokenURL string, client *http.Client) *TokenService {
	return &TokenService{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		client:       client,
	}
}

// GetToken returns a valid access token, refreshing if necessary
func (ts *TokenService) GetToken(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if time.Now().Before(ts.expiresAt) && ts.token != "" {
		token := ts.token
		ts.mu.RUnlock()
		return token, nil
	}
	ts.mu.RUnlock()

	return ts.refreshTokenSafe(ctx)
}

// refreshTokenSafe ensures only one goroutine refreshes the token at a time
func (ts *TokenService) refreshTokenSafe(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	// Another goroutine may have refreshed while we waited
	if time.Now().Before(ts.expiresAt) && ts.token != "" {
		return ts.token, nil
	}

	if err := ts.refreshToken(ctx); err != nil {
		return "", err
	}
	return ts.token, nil
}

// refreshToken fetches a new token (caller must hold write lock)
func (ts *TokenService) refreshToken(ctx context.Context) error {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(ts.clientID, ts.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return fmt.Errorf("received empty access token")
	}

	expiresIn := time.Hour
	if tokenResp.ExpiresIn > 0 {
		expiresIn = time.Duration(tokenResp.ExpiresIn) * time.Second
	}

	// Refresh one minute before actual expiry
	ts.token = tokenResp.AccessToken
	ts.expiresAt = time.Now().Add(expiresIn - time.Minute)
	return nil
}
