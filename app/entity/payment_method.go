package entity

import "time"

type PaymentMethod struct {
	ID uint64

	SubscriberID string
	BillingMode  BillingMode
	TermMonths   int32
	Status       MethodStatus

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	CardBin    *string
	CardLast4  *string
	CardBrand  *string
	PGProvider *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CoveredAt reports whether the paid period includes t.
func (m *PaymentMethod) CoveredAt(t time.Time) bool {
	if m.CurrentPeriodStart == nil || m.CurrentPeriodEnd == nil {
		return false
	}
	return !t.Before(*m.CurrentPeriodStart) && t.Before(*m.CurrentPeriodEnd)
}
