package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []TransactionStatus{
	StatusPending, StatusProcessing, StatusCompleted,
	StatusFailed, StatusCanceled, StatusRefunded,
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to TransactionStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCanceled, true},
		{StatusCompleted, StatusRefunded, true},
		{StatusCanceled, StatusFailed, true},
		{StatusCompleted, StatusFailed, false},
		{StatusRefunded, StatusFailed, false},
		{StatusRefunded, StatusPending, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusCanceled, false},
		{StatusCanceled, StatusProcessing, false},
		{TransactionStatus("bogus"), StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(Edge(tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestCanReach(t *testing.T) {
	assert.True(t, CanReach(StatusPending, StatusCompleted))
	assert.True(t, CanReach(StatusPending, StatusRefunded))
	assert.True(t, CanReach(StatusPending, StatusCanceled))
	assert.True(t, CanReach(StatusProcessing, StatusRefunded))

	assert.False(t, CanReach(StatusRefunded, StatusPending))
	assert.False(t, CanReach(StatusRefunded, StatusCompleted))
	assert.False(t, CanReach(StatusCompleted, StatusPending))
	assert.False(t, CanReach(StatusCompleted, StatusFailed))
	assert.False(t, CanReach(StatusCompleted, StatusCompleted))
	assert.False(t, CanReach(StatusCanceled, StatusCompleted))
	assert.True(t, CanReach(StatusCanceled, StatusFailed))
}

func TestCanReach_NothingLeadsBackward(t *testing.T) {
	// every status reachable from X must itself be unable to reach X
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if CanReach(from, to) {
				assert.False(t, CanReach(to, from), "cycle between %s and %s", from, to)
			}
		}
	}
}

func TestCanReach_FailedUnlessSettled(t *testing.T) {
	for _, from := range allStatuses {
		want := from != StatusCompleted && from != StatusRefunded && from != StatusFailed
		assert.Equal(t, want, CanReach(from, StatusFailed), "from %s", from)
	}
}

func TestCanReach_LifecycleIsMonotonic(t *testing.T) {
	rank := map[TransactionStatus]int{
		StatusPending:    0,
		StatusProcessing: 1,
		StatusCompleted:  2,
		StatusCanceled:   2,
		StatusRefunded:   3,
		StatusFailed:     3,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if CanReach(from, to) {
				assert.Greater(t, rank[to], rank[from], Edge(from, to))
			}
		}
	}
}

func TestTransitionPath(t *testing.T) {
	assert.Equal(t,
		[]TransactionStatus{StatusProcessing, StatusCompleted},
		TransitionPath(StatusPending, StatusCompleted))
	assert.Equal(t,
		[]TransactionStatus{StatusProcessing, StatusCompleted, StatusRefunded},
		TransitionPath(StatusPending, StatusRefunded))
	assert.Equal(t,
		[]TransactionStatus{StatusFailed},
		TransitionPath(StatusPending, StatusFailed))
	assert.Equal(t,
		[]TransactionStatus{StatusFailed},
		TransitionPath(StatusCanceled, StatusFailed))
	assert.Nil(t, TransitionPath(StatusRefunded, StatusPending))
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusRefunded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusCanceled.Terminal())
	assert.False(t, StatusCompleted.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestFromMinorUnits(t *testing.T) {
	assert.True(t, FromMinorUnits(5000, "jpy").Equal(decimal.NewFromInt(5000)))
	assert.True(t, FromMinorUnits(1999, "USD").Equal(decimal.RequireFromString("19.99")))
}

func TestAmountsMatch(t *testing.T) {
	assert.True(t, AmountsMatch(decimal.RequireFromString("10.00"), decimal.RequireFromString("10.01"), "USD"))
	assert.False(t, AmountsMatch(decimal.RequireFromString("10.00"), decimal.RequireFromString("10.02"), "USD"))
	assert.False(t, AmountsMatch(decimal.NewFromInt(5000), decimal.NewFromInt(5001), "JPY"))
}

func TestNormalizedEventValidate(t *testing.T) {
	valid := NormalizedEvent{
		Provider:        ProviderStripe,
		ProviderEventID: "evt_1",
		Kind:            EventPaymentSucceeded,
		ExternalID:      "pi_1",
		Amount:          decimal.NewFromInt(100),
		HasAmount:       true,
		Currency:        "JPY",
		PayloadDigest:   "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	}
	require.NoError(t, valid.Validate())

	missingID := valid
	missingID.ExternalID = ""
	assert.Error(t, missingID.Validate())

	negative := valid
	negative.Amount = decimal.NewFromInt(-1)
	assert.Error(t, negative.Validate())

	lower := valid
	lower.Currency = "jpy"
	assert.Error(t, lower.Validate())

	noop := NormalizedEvent{Kind: EventNoop}
	assert.NoError(t, noop.Validate())
}
