package entity

import "time"

const (
	AttemptEventCreated       = "attempt_created"
	AttemptEventPaid          = "attempt_paid"
	AttemptEventFailed        = "attempt_failed"
	AttemptEventCanceled      = "attempt_canceled"
	AttemptEventRefunded      = "attempt_refunded"
	AttemptEventCorroborated  = "attempt_corroborated"
	AttemptEventConflict      = "attempt_conflict"
	AttemptEventNonFinal      = "attempt_non_final"
	AttemptEventPeriodReverse = "period_reversed"
)

type AttemptEvent struct {
	ID uint64

	PaymentAttemptID uint64

	EventType string
	Channel   *ConfirmChannel

	OldStatus *AttemptStatus
	NewStatus AttemptStatus

	PayloadJSON *string

	CreatedAt time.Time
}
