package collab

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/models"
)

// Client calls the festival application's internal API. It implements
// effects.Notifier and effects.Ledger.
type Client struct {
	baseURL string
	tokens  *TokenService
	client  *http.Client
	logger  *zap.Logger
}

// Config configures the festival API client
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// NewClient creates a client. Requests carry a bearer token when client
// credentials are configured.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		logger:  logger,
	}
	if cfg.ClientID != "" && cfg.TokenURL != "" {
		c.tokens = NewTokenService(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, httpClient)
	}
	return c
}

// Notify posts a notification to the notification sink
func (c *Client) Notify(ctx context.Context, n models.Notification) error {
	return c.post(ctx, "/api/internal/notifications", n.IdempotencyKey, n)
}

// Adjust posts a signed budget adjustment to the festival ledger
func (c *Client) Adjust(ctx context.Context, a models.LedgerAdjustment) error {
	path := fmt.Sprintf("/api/internal/festivals/%d/budget_adjustments", a.FestivalID)
	return c.post(ctx, path, a.IdempotencyKey, a)
}

// post sends body with an Idempotency-Key. 409 means the key was already
// applied and counts as success.
func (c *Client) post(ctx context.Context, path, idempotencyKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	if c.tokens != nil {
		token, err := c.tokens.GetToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.logger.Debug("Festival API call",
		zap.String("path", path),
		zap.String("idempotency_key", idempotencyKey),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		c.logger.Info("Festival API already applied request", zap.String("idempotency_key", idempotencyKey))
		return nil
	default:
		return fmt.Errorf("POST %s failed with status %d: %s", path, resp.StatusCode, string(respBody))
	}
}
