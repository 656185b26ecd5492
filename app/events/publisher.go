package events

import (
	"context"
	"fmt"
	"time"

	"github.com/vibast-solutions/ms-go-billing/config"
)

const (
	TypeAttemptPaid        = "billing.attempt.paid"
	TypeAttemptFailed      = "billing.attempt.failed"
	TypeAttemptCanceled    = "billing.attempt.canceled"
	TypeAttemptRefunded    = "billing.attempt.refunded"
	TypeConflictAlert      = "billing.alert.conflicting_state"
	TypeRefundUpdated      = "billing.refund.updated"
	TypePeriodReversed     = "billing.period.reversed"
	TypeSubscriptionStatus = "billing.subscription.status"
)

type Event struct {
	Type             string     `json:"type"`
	GatewayPaymentID string     `json:"gateway_payment_id,omitempty"`
	PaymentAttemptID uint64     `json:"payment_attempt_id,omitempty"`
	PaymentMethodID  uint64     `json:"payment_method_id,omitempty"`
	RefundRequestID  uint64     `json:"refund_request_id,omitempty"`
	Channel          string     `json:"channel,omitempty"`
	Status           string     `json:"status,omitempty"`
	PeriodEnd        *time.Time `json:"period_end,omitempty"`
	Detail           string     `json:"detail,omitempty"`
	OccurredAt       time.Time  `json:"occurred_at"`
}

// Key orders events of one payment on the same partition or routing key.
func (e Event) Key() string {
	if e.GatewayPaymentID != "" {
		return e.GatewayPaymentID
	}
	return fmt.Sprintf("method-%d", e.PaymentMethodID)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

func NewPublisher(cfg config.EventsConfig) (Publisher, error) {
	switch cfg.Backend {
	case "", "none":
		return NoopPublisher{}, nil
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "rabbitmq":
		return NewRabbitMQPublisher(cfg.RabbitMQURL.Value(), cfg.RabbitMQQueue)
	default:
		return nil, fmt.Errorf("unsupported events backend %q", cfg.Backend)
	}
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

func (NoopPublisher) Close() error { return nil }
