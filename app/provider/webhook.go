package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrAuthenticationFailure = errors.New("webhook authentication failed")
	ErrInvalidSignature      = fmt.Errorf("%w: invalid signature", ErrAuthenticationFailure)
	ErrStaleTimestamp        = fmt.Errorf("%w: stale timestamp", ErrAuthenticationFailure)
	ErrMalformedPayload      = errors.New("malformed webhook payload")
)

const (
	SignatureHeader = "X-PG-Signature"
	TimestampHeader = "X-PG-Timestamp"
)

// VerifiedPayload can only be obtained from WebhookVerifier.Verify.
type VerifiedPayload struct {
	body      []byte
	timestamp time.Time
}

func (p VerifiedPayload) Bytes() []byte {
	return p.body
}

func (p VerifiedPayload) Timestamp() time.Time {
	return p.timestamp
}

type WebhookVerifier struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

func NewWebhookVerifier(secret string, window time.Duration) *WebhookVerifier {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &WebhookVerifier{
		secret: []byte(secret),
		window: window,
		now:    time.Now,
	}
}

// Verify authenticates raw against the HMAC-SHA256 of timestamp + "." + raw
// and then checks the timestamp against the replay window.
func (v *WebhookVerifier) Verify(raw []byte, signatureHeader, timestampHeader string) (VerifiedPayload, error) {
	return v.VerifyAt(raw, signatureHeader, timestampHeader, v.now())
}

// VerifyAt is Verify with the freshness window measured from receivedAt
// instead of the current time. Stored deliveries are replayed with it.
func (v *WebhookVerifier) VerifyAt(raw []byte, signatureHeader, timestampHeader string, receivedAt time.Time) (VerifiedPayload, error) {
	ts := strings.TrimSpace(timestampHeader)
	candidates := parseSignatures(signatureHeader)
	if len(v.secret) == 0 || ts == "" || len(candidates) == 0 {
		return VerifiedPayload{}, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(ts))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(raw)
	expected := mac.Sum(nil)

	matched := false
	for _, candidate := range candidates {
		if hmac.Equal(candidate, expected) {
			matched = true
		}
	}
	if !matched {
		return VerifiedPayload{}, ErrInvalidSignature
	}

	sent, err := parseTimestamp(ts)
	if err != nil {
		return VerifiedPayload{}, ErrInvalidSignature
	}
	skew := receivedAt.Sub(sent)
	if skew > v.window || skew < -v.window {
		return VerifiedPayload{}, ErrStaleTimestamp
	}

	body := make([]byte, len(raw))
	copy(body, raw)
	return VerifiedPayload{body: body, timestamp: sent}, nil
}

// Sign produces the signature header value for ts and raw. Used by tests and tooling.
func (v *WebhookVerifier) Sign(raw []byte, ts string) string {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(ts + "."))
	_, _ = mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseSignatures accepts a bare hex digest or comma separated v1=<hex> entries.
func parseSignatures(header string) [][]byte {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	out := make([][]byte, 0, 1)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "v1="):
			part = strings.TrimPrefix(part, "v1=")
		case strings.HasPrefix(part, "sha256="):
			part = strings.TrimPrefix(part, "sha256=")
		case strings.Contains(part, "="):
			continue
		}
		decoded, err := hex.DecodeString(strings.TrimSpace(part))
		if err != nil || len(decoded) != sha256.Size {
			continue
		}
		out = append(out, decoded)
	}
	return out
}

func parseTimestamp(ts string) (time.Time, error) {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(ts) >= 13 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}

type WebhookKind string

const (
	WebhookKindPaid               WebhookKind = "payment.paid"
	WebhookKindFailed             WebhookKind = "payment.failed"
	WebhookKindCanceled           WebhookKind = "payment.cancelled"
	WebhookKindChargeback         WebhookKind = "payment.chargeback"
	WebhookKindChargebackResolved WebhookKind = "payment.chargeback.resolved"
)

var webhookKindAliases = map[string]WebhookKind{
	"payment.paid":                WebhookKindPaid,
	"payment.succeeded":           WebhookKindPaid,
	"payment.failed":              WebhookKindFailed,
	"payment.cancelled":           WebhookKindCanceled,
	"payment.canceled":            WebhookKindCanceled,
	"payment.chargeback":          WebhookKindChargeback,
	"payment.chargeback.opened":   WebhookKindChargeback,
	"payment.chargeback.resolved": WebhookKindChargebackResolved,
}

type WebhookEvent struct {
	EventID          string
	Kind             WebhookKind
	Type             string
	GatewayPaymentID string
	Status           string
	AmountCents      *int64
	Currency         string
	PaidAt           *time.Time
	Resolution       string
	// Raw is the provider object for this payment, used for receipt and card extraction.
	Raw []byte
}

// Known reports whether the event type is one this service acts on.
func (e *WebhookEvent) Known() bool {
	return e.Kind != ""
}

// ParseWebhook decodes a payload that already passed verification.
func ParseWebhook(payload VerifiedPayload) (*WebhookEvent, error) {
	var body struct {
		EventID    string          `json:"event_id"`
		Type       string          `json:"type"`
		PaymentID  string          `json:"payment_id"`
		Status     string          `json:"status"`
		Amount     *int64          `json:"amount"`
		Currency   string          `json:"currency"`
		PaidAt     *time.Time      `json:"paid_at"`
		Resolution string          `json:"resolution"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload.Bytes(), &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	eventType := strings.ToLower(strings.TrimSpace(body.Type))
	paymentID := strings.TrimSpace(body.PaymentID)
	if eventType == "" || paymentID == "" {
		return nil, fmt.Errorf("%w: type and payment_id are required", ErrMalformedPayload)
	}

	raw := []byte(body.Data)
	if len(raw) == 0 || string(raw) == "null" {
		raw = payload.Bytes()
	}

	return &WebhookEvent{
		EventID:          strings.TrimSpace(body.EventID),
		Kind:             webhookKindAliases[eventType],
		Type:             eventType,
		GatewayPaymentID: paymentID,
		Status:           strings.ToLower(strings.TrimSpace(body.Status)),
		AmountCents:      body.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(body.Currency)),
		PaidAt:           body.PaidAt,
		Resolution:       strings.ToLower(strings.TrimSpace(body.Resolution)),
		Raw:              raw,
	}, nil
}
