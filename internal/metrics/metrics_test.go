package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a := New("test")
	b := New("test")

	a.StaleTotal.WithLabelValues("stripe").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.StaleTotal.WithLabelValues("stripe")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.StaleTotal.WithLabelValues("stripe")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New("festpay")
	m.WebhookRequestsTotal.WithLabelValues("komoju", "applied").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `festpay_webhook_requests_total{outcome="applied",provider="komoju"} 1`)
}
