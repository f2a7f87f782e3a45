package provider

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/festpay/webhook-gateway/internal/apperrors"
	"github.com/festpay/webhook-gateway/internal/models"
)

// Request is one inbound webhook delivery, threaded explicitly through every stage
type Request struct {
	Provider   models.ProviderKind
	Headers    http.Header
	Body       []byte
	ReceivedAt time.Time
}

// Probe carries the fields read from an unverified body that are needed to find
// the owning integration before its secret is known.
type Probe struct {
	EventID       string
	EventType     string
	IntegrationID string
	AccountID     string
}

// Provider is the verify/normalize capability pair implemented by each provider kind
type Provider interface {
	Kind() models.ProviderKind

	// Probe parses the body without trusting it
	Probe(body []byte) (Probe, error)

	// Verify checks the request signature against the integration's secret
	Verify(req *Request, integration *models.PaymentIntegration) error

	// Normalize maps a verified body onto the canonical event vocabulary.
	// Unsupported provider event types normalize to models.EventNoop.
	Normalize(req *Request, integration *models.PaymentIntegration) (*models.NormalizedEvent, error)
}

// Config holds verification settings shared by the provider variants
type Config struct {
	StripeTolerance       time.Duration
	BankTransferTolerance time.Duration
	// PublicBaseURL is used to rebuild the notification URL Square signs
	// when an integration does not store its own.
	PublicBaseURL string
	// PayPalPublicKey verifies PayPal transmissions; nil rejects every PayPal request
	PayPalPublicKey *rsa.PublicKey
	Now             func() time.Time
}

// Registry routes a ProviderKind to its implementation
type Registry struct {
	providers map[models.ProviderKind]Provider
}

// NewRegistry builds the closed set of supported providers
func NewRegistry(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StripeTolerance <= 0 {
		cfg.StripeTolerance = 5 * time.Minute
	}
	if cfg.BankTransferTolerance <= 0 {
		cfg.BankTransferTolerance = 5 * time.Minute
	}

	r := &Registry{providers: make(map[models.ProviderKind]Provider)}
	for _, p := range []Provider{
		&Stripe{tolerance: cfg.StripeTolerance},
		&Square{publicBaseURL: cfg.PublicBaseURL},
		&Komoju{},
		&PayPal{publicKey: cfg.PayPalPublicKey},
		&BankTransfer{tolerance: cfg.BankTransferTolerance, now: cfg.Now},
	} {
		r.providers[p.Kind()] = p
	}
	return r
}

// Get returns the provider for kind
func (r *Registry) Get(kind models.ProviderKind) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", kind)
	}
	return p, nil
}

// digest is the hex SHA-256 of a raw payload
func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}

// equalHexMAC compares a hex-encoded header digest in constant time
func equalHexMAC(expected []byte, header string) bool {
	provided, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

var (
	errMissingSignature  = errors.New("missing signature header")
	errMissingSecret     = errors.New("integration has no signing secret")
	errSignatureMismatch = errors.New("signature mismatch")
)

func invalidSignature(p models.ProviderKind, err error) error {
	return apperrors.E(apperrors.KindInvalidSignature, string(p)+".verify", err)
}

func malformed(p models.ProviderKind, err error) error {
	return apperrors.E(apperrors.KindMalformedPayload, string(p)+".parse", err)
}

func unprocessable(p models.ProviderKind, err error) error {
	return apperrors.E(apperrors.KindUnprocessableEvent, string(p)+".normalize", err)
}

// finish fills the shared fields and validates the event
func finish(req *Request, ev *models.NormalizedEvent) (*models.NormalizedEvent, error) {
	ev.Provider = req.Provider
	ev.PayloadDigest = digest(req.Body)
	ev.Currency = models.NormalizeCurrency(ev.Currency)
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = req.ReceivedAt
	}
	if ev.Kind == models.EventNoop {
		return ev, nil
	}
	if err := ev.Validate(); err != nil {
		return nil, unprocessable(req.Provider, err)
	}
	return ev, nil
}
