package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if _, err := io.ReadAll(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	w.WriteHeader(http.StatusOK)
})

func TestEnsureInternalAuth(t *testing.T) {
	h := EnsureInternalAuth("0123456789abcdef", zap.NewNop())(ok)

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{"valid", "0123456789abcdef", http.StatusOK},
		{"wrong", "fedcba9876543210", http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/internal/transactions/x", nil)
			if tt.secret != "" {
				req.Header.Set(InternalSecretHeader, tt.secret)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestEnsureInternalAuth_EmptySecretRejectsAll(t *testing.T) {
	h := EnsureInternalAuth("", zap.NewNop())(ok)
	req := httptest.NewRequest(http.MethodGet, "/internal/transactions/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIPFilter(t *testing.T) {
	h := IPFilter([]string{"203.0.113.7", "198.51.100.0/24", "not-an-ip"}, zap.NewNop())(ok)

	tests := []struct {
		remote string
		want   int
	}{
		{"203.0.113.7:5000", http.StatusOK},
		{"198.51.100.42:443", http.StatusOK},
		{"192.0.2.1:443", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestIPFilter_EmptyAllowsAll(t *testing.T) {
	h := IPFilter(nil, zap.NewNop())(ok)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestSizeLimit(t *testing.T) {
	h := RequestSizeLimit(8)(ok)

	small := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, small)
	assert.Equal(t, http.StatusOK, rec.Code)

	large := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"0123456789"}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, large)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
