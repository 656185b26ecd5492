package entity

import "time"

type WebhookStatus string

const (
	WebhookStatusReceived  WebhookStatus = "RECEIVED"
	WebhookStatusProcessed WebhookStatus = "PROCESSED"
	WebhookStatusRejected  WebhookStatus = "REJECTED"
	WebhookStatusInvalid   WebhookStatus = "INVALID"
	WebhookStatusIgnored   WebhookStatus = "IGNORED"
	WebhookStatusConflict  WebhookStatus = "CONFLICT"
)

// WebhookEvent is the durable copy of an inbound delivery. Payload holds the
// exact bytes received.
type WebhookEvent struct {
	ID uint64

	Payload         []byte
	Signature       string
	Timestamp       string
	Status          WebhookStatus
	Attempts        int32
	Error           *string
	ProviderEventID *string
	EventType       *string

	GatewayPaymentID *string

	ReceivedAt  time.Time
	ProcessedAt *time.Time
	UpdatedAt   time.Time
}
