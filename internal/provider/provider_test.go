package provider

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/festpay/webhook-gateway/internal/apperrors"
	"github.com/festpay/webhook-gateway/internal/models"
)

const testSecret = "s3cr3t"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, key *rsa.PublicKey) *Registry {
	t.Helper()
	return NewRegistry(Config{
		PublicBaseURL:   "https://pay.example.com",
		PayPalPublicKey: key,
		Now:             func() time.Time { return fixedNow },
	})
}

func integrationFor(kind models.ProviderKind) *models.PaymentIntegration {
	return &models.PaymentIntegration{
		Provider:      kind,
		AccountID:     "acct_1",
		SigningSecret: testSecret,
		Active:        true,
	}
}

func hexHMAC(secret string, message []byte) string {
	return hex.EncodeToString(computeHMAC([]byte(secret), message))
}

func newRequest(kind models.ProviderKind, body string, headers map[string]string) *Request {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Request{Provider: kind, Headers: h, Body: []byte(body), ReceivedAt: fixedNow}
}

func TestRegistryGet(t *testing.T) {
	reg := newTestRegistry(t, nil)
	for _, kind := range models.ProviderKinds {
		p, err := reg.Get(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, p.Kind())
	}

	_, err := reg.Get("venmo")
	assert.Error(t, err)
}

const stripeSucceeded = `{
	"id": "evt_1",
	"object": "event",
	"type": "payment_intent.succeeded",
	"account": "acct_1",
	"created": 1767225600,
	"data": {"object": {
		"id": "txn_001",
		"object": "payment_intent",
		"amount": 5000,
		"currency": "jpy",
		"metadata": {"integration_id": "7f1c0f5e-3c1d-4d7a-9b43-0d0f5b8e2a11"}
	}}
}`

func TestStripe(t *testing.T) {
	p, err := newTestRegistry(t, nil).Get(models.ProviderStripe)
	require.NoError(t, err)
	integ := integrationFor(models.ProviderStripe)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(stripeSucceeded),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})

	t.Run("probe", func(t *testing.T) {
		probe, err := p.Probe([]byte(stripeSucceeded))
		require.NoError(t, err)
		assert.Equal(t, "evt_1", probe.EventID)
		assert.Equal(t, "acct_1", probe.AccountID)
		assert.Equal(t, "7f1c0f5e-3c1d-4d7a-9b43-0d0f5b8e2a11", probe.IntegrationID)
	})

	t.Run("valid signature", func(t *testing.T) {
		req := newRequest(models.ProviderStripe, stripeSucceeded, map[string]string{"Stripe-Signature": signed.Header})
		assert.NoError(t, p.Verify(req, integ))
	})

	t.Run("tampered body", func(t *testing.T) {
		req := newRequest(models.ProviderStripe, stripeSucceeded+" ", map[string]string{"Stripe-Signature": signed.Header})
		err := p.Verify(req, integ)
		assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
	})

	t.Run("expired timestamp", func(t *testing.T) {
		old := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   []byte(stripeSucceeded),
			Secret:    testSecret,
			Timestamp: time.Now().Add(-time.Hour),
		})
		req := newRequest(models.ProviderStripe, stripeSucceeded, map[string]string{"Stripe-Signature": old.Header})
		assert.ErrorIs(t, p.Verify(req, integ), apperrors.ErrInvalidSignature)
	})

	t.Run("missing header", func(t *testing.T) {
		req := newRequest(models.ProviderStripe, stripeSucceeded, nil)
		assert.ErrorIs(t, p.Verify(req, integ), apperrors.ErrInvalidSignature)
	})

	t.Run("normalize", func(t *testing.T) {
		req := newRequest(models.ProviderStripe, stripeSucceeded, nil)
		ev, err := p.Normalize(req, integ)
		require.NoError(t, err)
		assert.Equal(t, models.EventPaymentSucceeded, ev.Kind)
		assert.Equal(t, "txn_001", ev.ExternalID)
		assert.True(t, ev.Amount.Equal(decimal.NewFromInt(5000)))
		assert.Equal(t, "JPY", ev.Currency)
		assert.Equal(t, models.ProviderStripe, ev.Provider)
		assert.Len(t, ev.PayloadDigest, 64)
	})

	t.Run("refund targets payment intent", func(t *testing.T) {
		body := `{"id":"evt_2","type":"charge.refunded","data":{"object":{
			"id":"ch_1","object":"charge","amount":1999,"currency":"usd","refunded":true,"payment_intent":"pi_9"}}}`
		ev, err := p.Normalize(newRequest(models.ProviderStripe, body, nil), integ)
		require.NoError(t, err)
		assert.Equal(t, models.EventRefundSucceeded, ev.Kind)
		assert.Equal(t, "pi_9", ev.ExternalID)
		assert.True(t, ev.Amount.Equal(decimal.RequireFromString("19.99")))
	})

	t.Run("refund update covering part of the charge is noop", func(t *testing.T) {
		body := `{"id":"evt_5","type":"refund.updated","data":{"object":{
			"id":"re_1","object":"refund","amount":1000,"currency":"jpy","status":"succeeded",
			"payment_intent":"pi_9","charge":{"id":"ch_1","object":"charge","amount":5000,"currency":"jpy"}}}}`
		ev, err := p.Normalize(newRequest(models.ProviderStripe, body, nil), integ)
		require.NoError(t, err)
		assert.Equal(t, models.EventNoop, ev.Kind)
	})

	t.Run("refund update covering the whole charge", func(t *testing.T) {
		body := `{"id":"evt_6","type":"refund.updated","data":{"object":{
			"id":"re_2","object":"refund","amount":5000,"currency":"jpy","status":"succeeded",
			"payment_intent":"pi_9","charge":{"id":"ch_1","object":"charge","amount":5000,"currency":"jpy"}}}}`
		ev, err := p.Normalize(newRequest(models.ProviderStripe, body, nil), integ)
		require.NoError(t, err)
		assert.Equal(t, models.EventRefundSucceeded, ev.Kind)
		assert.Equal(t, "pi_9", ev.ExternalID)
		assert.True(t, ev.Amount.Equal(decimal.NewFromInt(5000)))
	})

	t.Run("unknown type is noop", func(t *testing.T) {
		body := `{"id":"evt_3","type":"customer.created","data":{"object":{"id":"cus_1"}}}`
		ev, err := p.Normalize(newRequest(models.ProviderStripe, body, nil), integ)
		require.NoError(t, err)
		assert.Equal(t, models.EventNoop, ev.Kind)
	})

	t.Run("missing id is unprocessable", func(t *testing.T) {
		body := `{"id":"evt_4","type":"payment_intent.succeeded","data":{"object":{"object":"payment_intent","amount":5,"currency":"jpy"}}}`
		_, err := p.Normalize(newRequest(models.ProviderStripe, body, nil), integ)
		assert.ErrorIs(t, err, apperrors.ErrUnprocessableEvent)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := p.Probe([]byte(`{"id":`))
		assert.ErrorIs(t, err, apperrors.ErrMalformedPayload)
	})
}

const squareCompleted = `{
	"merchant_id": "MERCHANT_1",
	"type": "payment.updated",
	"event_id": "sq_evt_1",
	"created_at": "2026-03-01T11:59:00Z",
	"data": {"type": "payment", "id": "sq_pay_1", "object": {"payment": {
		"id": "sq_pay_1",
		"status": "COMPLETED",
		"location_id": "LOC_1",
		"amount_money": {"amount": 1050, "currency": "USD"}
	}}}
}`

func TestSquare(t *testing.T) {
	p, err := newTestRegistry(t, nil).Get(models.ProviderSquare)
	require.NoError(t, err)
	integ := integrationFor(models.ProviderSquare)

	sign := func(url, body string) string {
		return base64.StdEncoding.EncodeToString(computeHMAC([]byte(testSecret), []byte(url+body)))
	}

	t.Run("probe prefers location", func(t *testing.T) {
		probe, err := p.Probe([]byte(squareCompleted))
		require.NoError(t, err)
		assert.Equal(t, "LOC_1", probe.AccountID)
		assert.Equal(t, "sq_evt_1", probe.EventID)
	})

	t.Run("signature over base url", func(t *testing.T) {
		sig := sign("https://pay.example.com/webhooks/square", squareCompleted)
		req := newRequest(models.ProviderSquare, squareCompleted, map[string]string{"X-Square-Signature": sig})
		assert.NoError(t, p.Verify(req, integ))
	})

	t.Run("integration notification url wins", func(t *testing.T) {
		custom := *integ
		custom.NotificationURL = "https://hooks.example.com/sq"
		sig := sign(custom.NotificationURL, squareCompleted)
		req := newRequest(models.ProviderSquare, squareCompleted, map[string]string{"X-Square-Hmacsha256-Signature": sig})
		assert.NoError(t, p.Verify(req, &custom))
		assert.ErrorIs(t, p.Verify(req, integ), apperrors.ErrInvalidSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		sig := sign("https://pay.example.com/webhooks/square", squareCompleted)
		other := *integ
		other.SigningSecret = "other"
		req := newRequest(models.ProviderSquare, squareCompleted, map[string]string{"X-Square-Signature": sig})
		assert.ErrorIs(t, p.Verify(req, &other), apperrors.ErrInvalidSignature)
	})

	t.Run("normalize", func(t *testing.T) {
		ev, err := p.Normalize(newRequest(models.ProviderSquare, squareCompleted, nil), integ)
		require.NoError(t, err)
		assert.Equal(t, models.EventPaymentSucceeded, ev.Kind)
		assert.Equal(t, "sq_pay_1", ev.ExternalID)
		assert.True(t, ev.Amount.Equal(decimal.RequireFromString("10.50")))
	})
}

func TestSquarePaymentKind(t *testing.T) {
	assert.Equal(t, models.EventPaymentPending, squarePaymentKind("payment.created", "PENDING"))
	assert.Equal(t, models.EventPaymentProcessing, squarePaymentKind("payment.updated", "APPROVED"))
	assert.Equal(t, models.EventPaymentFailed, squarePaymentKind("payment.updated", "FAILED"))
	assert.Equal(t, models.EventPaymentCanceled, squarePaymentKind("payment.updated", "CANCELED"))
	assert.Equal(t, models.EventNoop, squarePaymentKind("payment.updated", "WHATEVER"))
}

func TestKomoju(t *testing.T) {
	p, err := newTestRegistry(t, nil).Get(models.ProviderKomoju)
	require.NoError(t, err)
	integ := integrationFor(models.ProviderKomoju)

	body := `{"id":"km_evt_1","type":"payment.captured","created_at":"2026-03-01T11:00:00Z",
		"data":{"id":"km_pay_1","status":"captured","amount":3000,"currency":"JPY","metadata":{"integration_id":"abc"}}}`

	req := newRequest(models.ProviderKomoju, body, map[string]string{"X-Komoju-Signature": hexHMAC(testSecret, []byte(body))})
	require.NoError(t, p.Verify(req, integ))

	tampered := newRequest(models.ProviderKomoju, body+"\n", nil)
	tampered.Headers = req.Headers.Clone()
	assert.ErrorIs(t, p.Verify(tampered, integ), apperrors.ErrInvalidSignature)

	bad := newRequest(models.ProviderKomoju, body, map[string]string{"X-Komoju-Signature": "zz-not-hex"})
	assert.ErrorIs(t, p.Verify(bad, integ), apperrors.ErrInvalidSignature)

	probe, err := p.Probe([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "abc", probe.IntegrationID)
	assert.Empty(t, probe.AccountID)

	ev, err := p.Normalize(req, integ)
	require.NoError(t, err)
	assert.Equal(t, models.EventPaymentSucceeded, ev.Kind)
	assert.True(t, ev.Amount.Equal(decimal.NewFromInt(3000)))

	noop := `{"id":"km_evt_2","type":"payment.refund.created","data":{"id":"km_pay_1"}}`
	ev, err = p.Normalize(newRequest(models.ProviderKomoju, noop, nil), integ)
	require.NoError(t, err)
	assert.Equal(t, models.EventNoop, ev.Kind)
}

const paypalRefund = `{
	"id": "WH-1",
	"event_type": "PAYMENT.CAPTURE.REFUNDED",
	"create_time": "2026-03-01T10:00:00Z",
	"resource_type": "refund",
	"resource": {
		"id": "RF-1",
		"status": "COMPLETED",
		"custom_id": "int-1",
		"amount": {"currency_code": "USD", "value": "25.00"},
		"payee": {"merchant_id": "MERCH"},
		"links": [
			{"href": "https://api.paypal.com/v2/payments/refunds/RF-1", "rel": "self"},
			{"href": "https://api.paypal.com/v2/payments/captures/CAP-7", "rel": "up"}
		]
	}
}`

func TestPayPal(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p, err := newTestRegistry(t, &key.PublicKey).Get(models.ProviderPayPal)
	require.NoError(t, err)
	integ := integrationFor(models.ProviderPayPal)
	integ.SigningSecret = "WEBHOOK-ID-1"

	signFor := func(body string) map[string]string {
		msg := paypalSignedMessage("tx-1", "2026-03-01T10:00:01Z", integ.SigningSecret, []byte(body))
		hashed := sha256.Sum256([]byte(msg))
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
		require.NoError(t, err)
		return map[string]string{
			"PAYPAL-TRANSMISSION-ID":   "tx-1",
			"PAYPAL-TRANSMISSION-TIME": "2026-03-01T10:00:01Z",
			"PAYPAL-TRANSMISSION-SIG":  base64.StdEncoding.EncodeToString(sig),
		}
	}

	t.Run("valid signature", func(t *testing.T) {
		req := newRequest(models.ProviderPayPal, paypalRefund, signFor(paypalRefund))
		assert.NoError(t, p.Verify(req, integ))
	})

	t.Run("tampered body", func(t *testing.T) {
		req := newRequest(models.ProviderPayPal, paypalRefund+" ", signFor(paypalRefund))
		assert.ErrorIs(t, p.Verify(req, integ), apperrors.ErrInvalidSignature)
	})

	t.Run("missing public key fails closed", func(t *testing.T) {
		noKey, err := newTestRegistry(t, nil).Get(models.ProviderPayPal)
		require.NoError(t, err)
		req := newRequest(models.ProviderPayPal, paypalRefund, signFor(paypalRefund))
		assert.ErrorIs(t, noKey.Verify(req, integ), apperrors.ErrInvalidSignature)
	})

	t.Run("refund points at capture", func(t *testing.T) {
		probe, err := p.Probe([]byte(paypalRefund))
		require.NoError(t, err)
		assert.Equal(t, "int-1", probe.IntegrationID)
		assert.Equal(t, "MERCH", probe.AccountID)

		ev, err := p.Normalize(newRequest(models.ProviderPayPal, paypalRefund, nil), integ)
		require.NoError(t, err)
		assert.Equal(t, models.EventRefundSucceeded, ev.Kind)
		assert.Equal(t, "CAP-7", ev.ExternalID)
		assert.True(t, ev.Amount.Equal(decimal.NewFromInt(25)))
		assert.Equal(t, "USD", ev.Currency)
	})

	t.Run("bad amount is unprocessable", func(t *testing.T) {
		body := `{"id":"WH-2","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","amount":{"currency_code":"USD","value":"ten"}}}`
		_, err := p.Normalize(newRequest(models.ProviderPayPal, body, nil), integ)
		assert.ErrorIs(t, err, apperrors.ErrUnprocessableEvent)
	})
}

func TestBankTransfer(t *testing.T) {
	p, err := newTestRegistry(t, nil).Get(models.ProviderBankTransfer)
	require.NoError(t, err)
	integ := integrationFor(models.ProviderBankTransfer)

	body := `{"id":"bt_1","type":"transfer.received","account_id":"acct_1",
		"transfer":{"reference":"REF-1","amount":"5000","currency":"jpy"}}`

	signed := func(at time.Time) map[string]string {
		ts := strconv.FormatInt(at.Unix(), 10)
		return map[string]string{
			"X-Webhook-Timestamp": ts,
			"X-Webhook-Signature": hexHMAC(testSecret, []byte(ts+":"+body)),
		}
	}

	t.Run("within tolerance", func(t *testing.T) {
		req := newRequest(models.ProviderBankTransfer, body, signed(fixedNow.Add(-4*time.Minute)))
		assert.NoError(t, p.Verify(req, integ))
	})

	t.Run("outside tolerance", func(t *testing.T) {
		req := newRequest(models.ProviderBankTransfer, body, signed(fixedNow.Add(-6*time.Minute)))
		assert.ErrorIs(t, p.Verify(req, integ), apperrors.ErrInvalidSignature)

		future := newRequest(models.ProviderBankTransfer, body, signed(fixedNow.Add(6*time.Minute)))
		assert.ErrorIs(t, p.Verify(future, integ), apperrors.ErrInvalidSignature)
	})

	t.Run("far future timestamp", func(t *testing.T) {
		ts := "4611686018427387904"
		req := newRequest(models.ProviderBankTransfer, body, map[string]string{
			"X-Webhook-Timestamp": ts,
			"X-Webhook-Signature": hexHMAC(testSecret, []byte(ts+":"+body)),
		})
		assert.ErrorIs(t, p.Verify(req, integ), apperrors.ErrInvalidSignature)

		ts = "-4611686018427387904"
		req = newRequest(models.ProviderBankTransfer, body, map[string]string{
			"X-Webhook-Timestamp": ts,
			"X-Webhook-Signature": hexHMAC(testSecret, []byte(ts+":"+body)),
		})
		assert.ErrorIs(t, p.Verify(req, integ), apperrors.ErrInvalidSignature)
	})

	t.Run("replayed timestamp with new body", func(t *testing.T) {
		headers := signed(fixedNow)
		req := newRequest(models.ProviderBankTransfer, `{"id":"bt_2"}`, headers)
		assert.ErrorIs(t, p.Verify(req, integ), apperrors.ErrInvalidSignature)
	})

	t.Run("normalize", func(t *testing.T) {
		ev, err := p.Normalize(newRequest(models.ProviderBankTransfer, body, nil), integ)
		require.NoError(t, err)
		assert.Equal(t, models.EventPaymentSucceeded, ev.Kind)
		assert.Equal(t, "REF-1", ev.ExternalID)
		assert.Equal(t, "JPY", ev.Currency)
		assert.Equal(t, fixedNow, ev.OccurredAt)
	})
}

func TestDigestIsStable(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		digest(nil))
}
