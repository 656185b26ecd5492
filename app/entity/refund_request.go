package entity

import "time"

type RefundRequest struct {
	ID uint64

	PaymentAttemptID uint64
	IdempotencyKey   string

	Type   RefundType
	Status RefundStatus
	Method RefundMethod

	AmountCents int64
	Reason      *string

	ProviderEventID *string
	RawResponse     *string
	FailureReason   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
