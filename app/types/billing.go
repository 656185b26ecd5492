package types

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	SignatureHeader      = "X-PG-Signature"
	TimestampHeader      = "X-PG-Timestamp"

	maxWebhookBody = 1 << 20

	// column widths of webhook_events.signature and timestamp_header
	maxSignatureHeader = 512
	maxTimestampHeader = 32
)

type CreateCheckoutRequest struct {
	SubscriberId     string `json:"subscriber_id"`
	PaymentMethodId  uint64 `json:"payment_method_id"`
	BillingMode      string `json:"billing_mode"`
	TermMonths       int32  `json:"term_months"`
	GatewayPaymentId string `json:"gateway_payment_id"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
}

func NewCreateCheckoutRequestFromContext(ctx echo.Context) (*CreateCheckoutRequest, error) {
	var body CreateCheckoutRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.SubscriberId = strings.TrimSpace(body.SubscriberId)
	body.BillingMode = strings.ToUpper(strings.TrimSpace(body.BillingMode))
	body.GatewayPaymentId = strings.TrimSpace(body.GatewayPaymentId)
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))

	return &body, nil
}

func (r *CreateCheckoutRequest) Validate() error {
	if r.GetGatewayPaymentId() == "" {
		return errors.New("gateway_payment_id is required")
	}
	if r.GetAmountCents() <= 0 {
		return errors.New("amount_cents must be > 0")
	}
	if r.GetCurrency() != "" && len(r.GetCurrency()) != 3 {
		return errors.New("currency must be 3 letters")
	}
	if r.GetPaymentMethodId() > 0 {
		return nil
	}
	if r.GetSubscriberId() == "" {
		return errors.New("subscriber_id is required")
	}
	switch r.GetBillingMode() {
	case "", "MONTHLY":
	case "PREPAID_TERM":
		if r.GetTermMonths() < 0 {
			return errors.New("term_months must be >= 0")
		}
	default:
		return errors.New("billing_mode must be MONTHLY or PREPAID_TERM")
	}
	return nil
}

func (r *CreateCheckoutRequest) GetSubscriberId() string     { return r.SubscriberId }
func (r *CreateCheckoutRequest) GetPaymentMethodId() uint64  { return r.PaymentMethodId }
func (r *CreateCheckoutRequest) GetBillingMode() string      { return r.BillingMode }
func (r *CreateCheckoutRequest) GetTermMonths() int32        { return r.TermMonths }
func (r *CreateCheckoutRequest) GetGatewayPaymentId() string { return r.GatewayPaymentId }
func (r *CreateCheckoutRequest) GetAmountCents() int64       { return r.AmountCents }
func (r *CreateCheckoutRequest) GetCurrency() string         { return r.Currency }

type GatewayPaymentRequest struct {
	GatewayPaymentId string `json:"gateway_payment_id"`
}

func NewGatewayPaymentRequestFromContext(ctx echo.Context) (*GatewayPaymentRequest, error) {
	return &GatewayPaymentRequest{GatewayPaymentId: strings.TrimSpace(ctx.Param("gateway_payment_id"))}, nil
}

func (r *GatewayPaymentRequest) Validate() error {
	if r.GetGatewayPaymentId() == "" {
		return errors.New("gateway_payment_id is required")
	}
	return nil
}

func (r *GatewayPaymentRequest) GetGatewayPaymentId() string { return r.GatewayPaymentId }

type PaymentMethodRequest struct {
	Id uint64 `json:"id"`
}

func NewPaymentMethodRequestFromContext(ctx echo.Context) (*PaymentMethodRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}
	return &PaymentMethodRequest{Id: id}, nil
}

func (r *PaymentMethodRequest) Validate() error {
	if r.GetId() == 0 {
		return errors.New("invalid payment method id")
	}
	return nil
}

func (r *PaymentMethodRequest) GetId() uint64 { return r.Id }

type CreateRefundRequest struct {
	GatewayPaymentId string `json:"-"`
	IdempotencyKey   string `json:"idempotency_key"`
	Type             string `json:"type"`
	Method           string `json:"method"`
	AmountCents      int64  `json:"amount_cents"`
	Reason           string `json:"reason"`
}

func NewCreateRefundRequestFromContext(ctx echo.Context) (*CreateRefundRequest, error) {
	var body CreateRefundRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.GatewayPaymentId = strings.TrimSpace(ctx.Param("gateway_payment_id"))
	body.IdempotencyKey = strings.TrimSpace(body.IdempotencyKey)
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = strings.TrimSpace(ctx.Request().Header.Get(IdempotencyKeyHeader))
	}
	body.Type = strings.ToUpper(strings.TrimSpace(body.Type))
	body.Method = strings.ToUpper(strings.TrimSpace(body.Method))
	body.Reason = strings.TrimSpace(body.Reason)

	return &body, nil
}

func (r *CreateRefundRequest) Validate() error {
	if r.GetGatewayPaymentId() == "" {
		return errors.New("gateway_payment_id is required")
	}
	switch r.GetType() {
	case "FULL", "VOID":
	case "PARTIAL":
		if r.GetAmountCents() <= 0 {
			return errors.New("amount_cents must be > 0 for a partial refund")
		}
	default:
		return errors.New("type must be FULL, PARTIAL or VOID")
	}
	if r.GetMethod() != "" && r.GetMethod() != "ORIGINAL" && r.GetMethod() != "MANUAL" {
		return errors.New("method must be ORIGINAL or MANUAL")
	}
	if len(r.GetIdempotencyKey()) > 128 {
		return errors.New("idempotency_key is too long")
	}
	return nil
}

func (r *CreateRefundRequest) GetGatewayPaymentId() string { return r.GatewayPaymentId }
func (r *CreateRefundRequest) GetIdempotencyKey() string   { return r.IdempotencyKey }
func (r *CreateRefundRequest) GetType() string             { return r.Type }
func (r *CreateRefundRequest) GetMethod() string           { return r.Method }
func (r *CreateRefundRequest) GetAmountCents() int64       { return r.AmountCents }
func (r *CreateRefundRequest) GetReason() string           { return r.Reason }

type RefundActionRequest struct {
	Id     uint64 `json:"-"`
	Reason string `json:"reason"`
}

func NewRefundActionRequestFromContext(ctx echo.Context) (*RefundActionRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}

	var body RefundActionRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.Id = id
	body.Reason = strings.TrimSpace(body.Reason)

	return &body, nil
}

func (r *RefundActionRequest) Validate() error {
	if r.GetId() == 0 {
		return errors.New("invalid refund id")
	}
	return nil
}

func (r *RefundActionRequest) GetId() uint64     { return r.Id }
func (r *RefundActionRequest) GetReason() string { return r.Reason }

// WebhookRequest carries the body exactly as received. Nothing may parse it
// before the signature is checked.
type WebhookRequest struct {
	Payload   []byte
	Signature string
	Timestamp string
}

func NewWebhookRequestFromContext(ctx echo.Context) (*WebhookRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxWebhookBody+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxWebhookBody {
		return nil, errors.New("payload too large")
	}

	return &WebhookRequest{
		Payload:   raw,
		Signature: headerValue(ctx, SignatureHeader, maxSignatureHeader),
		Timestamp: headerValue(ctx, TimestampHeader, maxTimestampHeader),
	}, nil
}

// headerValue truncates oversized values so the event can still be stored.
// A cut signature never verifies.
func headerValue(ctx echo.Context, name string, limit int) string {
	value := strings.TrimSpace(ctx.Request().Header.Get(name))
	if len(value) > limit {
		value = strings.ToValidUTF8(value[:limit], "")
	}
	return value
}

func (r *WebhookRequest) Validate() error {
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.Signature == "" || r.Timestamp == "" {
		return errors.New("signature headers are required")
	}
	return nil
}
