package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"malformed", E(KindMalformedPayload, "parse", errors.New("eof")), http.StatusBadRequest},
		{"signature", E(KindInvalidSignature, "verify", nil), http.StatusUnauthorized},
		{"integration", E(KindIntegrationNotFound, "resolve", nil), http.StatusNotFound},
		{"unprocessable", E(KindUnprocessableEvent, "normalize", nil), http.StatusUnprocessableEntity},
		{"duplicate", E(KindDuplicateEvent, "reconcile", nil), http.StatusOK},
		{"stale", E(KindStaleTransition, "reconcile", nil), http.StatusOK},
		{"unrecognized", E(KindUnrecognizedEventShape, "normalize", nil), http.StatusOK},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("outer: %w", E(KindInvalidSignature, "verify", nil)), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("stage: %w", E(KindStaleTransition, "reconcile", errors.New("completed->pending")))

	assert.True(t, errors.Is(err, ErrStaleTransition))
	assert.False(t, errors.Is(err, ErrDuplicateEvent))
	assert.Equal(t, KindStaleTransition, KindOf(err))
	assert.True(t, Acknowledged(err))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("hmac mismatch")
	err := E(KindInvalidSignature, "stripe.verify", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "stripe.verify: invalid_signature: hmac mismatch", err.Error())
}
