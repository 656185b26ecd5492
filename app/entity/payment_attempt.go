package entity

import "time"

type PaymentAttempt struct {
	ID uint64

	PaymentMethodID  uint64
	GatewayPaymentID string

	Status        AttemptStatus
	GatewayResult *GatewayResult

	AmountCents   int64
	Currency      string
	RefundedCents int64

	RawResponse  *string
	ReceiptURL   *string
	ConfirmedVia *ConfirmChannel

	PaidAt            *time.Time
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	PreviousPeriodEnd *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *PaymentAttempt) Channel() ConfirmChannel {
	if a.ConfirmedVia == nil {
		return ""
	}
	return *a.ConfirmedVia
}

// RefundableCents is what is left of the paid amount after completed refunds.
func (a *PaymentAttempt) RefundableCents() int64 {
	left := a.AmountCents - a.RefundedCents
	if left < 0 {
		return 0
	}
	return left
}
