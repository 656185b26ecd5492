package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/events"
)

const maxStoredError = 1024

// outbox collects events raised inside a transaction. They are published
// only after the transaction commits.
type outbox struct {
	events []events.Event
}

func (o *outbox) add(event events.Event) {
	o.events = append(o.events, event)
}

func (o *outbox) flush(ctx context.Context, publisher events.Publisher, logger logrus.FieldLogger) {
	for _, event := range o.events {
		if err := publisher.Publish(ctx, event); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"event_type":         event.Type,
				"gateway_payment_id": event.GatewayPaymentID,
			}).Warn("event publish failed")
		}
	}
	o.events = nil
}

func writeAudit(ctx context.Context, repo attemptEventRepository, attempt *entity.PaymentAttempt, eventType string, channel entity.ConfirmChannel, oldStatus entity.AttemptStatus, payload interface{}, now time.Time) error {
	event := &entity.AttemptEvent{
		PaymentAttemptID: attempt.ID,
		EventType:        eventType,
		NewStatus:        attempt.Status,
		PayloadJSON:      auditPayload(payload),
		CreatedAt:        now,
	}
	if channel != "" {
		event.Channel = &channel
	}
	if oldStatus != "" {
		event.OldStatus = &oldStatus
	}
	return repo.Create(ctx, event)
}

func auditPayload(payload interface{}) *string {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	value := string(data)
	return &value
}

func rawJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return json.RawMessage(raw)
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func timePtr(value time.Time) *time.Time {
	return &value
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

func keepFirstErr(current error, next error) error {
	if current != nil {
		return current
	}
	return next
}
