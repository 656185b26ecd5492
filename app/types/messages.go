package types

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type PaymentMethod struct {
	Id                 uint64 `json:"id"`
	SubscriberId       string `json:"subscriber_id"`
	BillingMode        string `json:"billing_mode"`
	TermMonths         int32  `json:"term_months,omitempty"`
	Status             string `json:"status"`
	CurrentPeriodStart string `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   string `json:"current_period_end,omitempty"`
	CardBin            string `json:"card_bin,omitempty"`
	CardLast4          string `json:"card_last4,omitempty"`
	CardBrand          string `json:"card_brand,omitempty"`
	PgProvider         string `json:"pg_provider,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

type PaymentAttempt struct {
	Id               uint64 `json:"id"`
	PaymentMethodId  uint64 `json:"payment_method_id"`
	GatewayPaymentId string `json:"gateway_payment_id"`
	Status           string `json:"status"`
	GatewayResult    string `json:"gateway_result,omitempty"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	RefundedCents    int64  `json:"refunded_cents"`
	ReceiptUrl       string `json:"receipt_url,omitempty"`
	ConfirmedVia     string `json:"confirmed_via,omitempty"`
	PaidAt           string `json:"paid_at,omitempty"`
	PeriodStart      string `json:"period_start,omitempty"`
	PeriodEnd        string `json:"period_end,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type RefundRequest struct {
	Id               uint64 `json:"id"`
	PaymentAttemptId uint64 `json:"payment_attempt_id"`
	IdempotencyKey   string `json:"idempotency_key"`
	Type             string `json:"type"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	AmountCents      int64  `json:"amount_cents"`
	Reason           string `json:"reason,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type CheckoutResponse struct {
	PaymentMethod *PaymentMethod  `json:"payment_method"`
	Attempt       *PaymentAttempt `json:"attempt"`
}

type ConfirmResponse struct {
	Attempt       *PaymentAttempt `json:"attempt"`
	PaymentMethod *PaymentMethod  `json:"payment_method,omitempty"`
	Pending       bool            `json:"pending"`
	Skipped       bool            `json:"skipped,omitempty"`
}

type PaymentAttemptResponse struct {
	Attempt *PaymentAttempt `json:"attempt"`
}

type PaymentMethodResponse struct {
	PaymentMethod *PaymentMethod `json:"payment_method"`
}

type RefundResponse struct {
	Refund *RefundRequest `json:"refund"`
}

type WebhookAckResponse struct {
	Received bool   `json:"received"`
	Id       uint64 `json:"id"`
}
