package collab

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/models"
)

const festivalAPI = "http://festival.test"

func newTestClient(t *testing.T, withAuth bool) *Client {
	t.Helper()
	cfg := Config{BaseURL: festivalAPI + "/"}
	if withAuth {
		cfg.TokenURL = festivalAPI + "/oauth/token"
		cfg.ClientID = "gateway"
		cfg.ClientSecret = "client-secret"
	}
	c := NewClient(cfg, zap.NewNop())
	gock.InterceptClient(c.client)
	t.Cleanup(func() {
		gock.RestoreClient(c.client)
		gock.Off()
	})
	return c
}

func TestNotify_SendsIdempotencyKey(t *testing.T) {
	c := newTestClient(t, false)

	gock.New(festivalAPI).
		Post("/api/internal/notifications").
		MatchHeader("Idempotency-Key", "eff-1").
		MatchHeader("Content-Type", "application/json").
		Reply(http.StatusCreated)

	err := c.Notify(context.Background(), models.Notification{
		UserID:         7,
		Kind:           "payment_completed",
		Title:          "Payment received",
		Message:        "Payment txn_001 of 5000 JPY was completed.",
		RelatedEntity:  models.RelatedEntity{Type: "payment_transaction", ID: "t-1"},
		IdempotencyKey: "eff-1",
	})
	require.NoError(t, err)
	assert.True(t, gock.IsDone())
}

func TestAdjust_ConflictMeansAlreadyApplied(t *testing.T) {
	c := newTestClient(t, false)

	gock.New(festivalAPI).
		Post("/api/internal/festivals/42/budget_adjustments").
		MatchHeader("Idempotency-Key", "eff-2").
		Reply(http.StatusConflict)

	err := c.Adjust(context.Background(), models.LedgerAdjustment{
		FestivalID:     42,
		Amount:         decimal.NewFromInt(5000),
		Currency:       "JPY",
		TransactionID:  uuid.New(),
		IdempotencyKey: "eff-2",
	})
	require.NoError(t, err)
	assert.True(t, gock.IsDone())
}

func TestAdjust_ServerErrorIsReturned(t *testing.T) {
	c := newTestClient(t, false)

	gock.New(festivalAPI).
		Post("/api/internal/festivals/42/budget_adjustments").
		Reply(http.StatusServiceUnavailable).
		BodyString("maintenance")

	err := c.Adjust(context.Background(), models.LedgerAdjustment{FestivalID: 42, IdempotencyKey: "eff-3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "maintenance")
}

func TestClient_ReusesBearerToken(t *testing.T) {
	c := newTestClient(t, true)

	gock.New(festivalAPI).
		Post("/oauth/token").
		MatchHeader("Authorization", "^Basic ").
		Reply(http.StatusOK).
		JSON(map[string]any{"access_token": "tok-123", "token_type": "bearer", "expires_in": 3600})
	gock.New(festivalAPI).
		Post("/api/internal/notifications").
		MatchHeader("Authorization", "Bearer tok-123").
		Times(2).
		Reply(http.StatusOK)

	ctx := context.Background()
	require.NoError(t, c.Notify(ctx, models.Notification{IdempotencyKey: "a"}))
	require.NoError(t, c.Notify(ctx, models.Notification{IdempotencyKey: "b"}))
	assert.True(t, gock.IsDone())
}

func TestTokenService_RejectsEmptyToken(t *testing.T) {
	c := newTestClient(t, true)

	gock.New(festivalAPI).
		Post("/oauth/token").
		Reply(http.StatusOK).
		JSON(map[string]any{"access_token": ""})

	_, err := c.tokens.GetToken(context.Background())
	assert.ErrorContains(t, err, "empty access token")
}
