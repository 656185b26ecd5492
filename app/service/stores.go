package service

import (
	"context"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/executor"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
)

type txRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type paymentMethodRepository interface {
	Create(ctx context.Context, method *entity.PaymentMethod) error
	Update(ctx context.Context, method *entity.PaymentMethod) error
	FindByID(ctx context.Context, id uint64) (*entity.PaymentMethod, error)
	LockByID(ctx context.Context, id uint64) (*entity.PaymentMethod, error)
	ListCancelScheduledDue(ctx context.Context, now time.Time, limit int32) ([]*entity.PaymentMethod, error)
}

type paymentAttemptRepository interface {
	Create(ctx context.Context, attempt *entity.PaymentAttempt) error
	Update(ctx context.Context, attempt *entity.PaymentAttempt) error
	FindByID(ctx context.Context, id uint64) (*entity.PaymentAttempt, error)
	FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*entity.PaymentAttempt, error)
	LockByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*entity.PaymentAttempt, error)
	LockByID(ctx context.Context, id uint64) (*entity.PaymentAttempt, error)
	FindLatestSettledForMethod(ctx context.Context, methodID uint64) (*entity.PaymentAttempt, error)
	ListStalePending(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentAttempt, error)
}

type refundRequestRepository interface {
	Create(ctx context.Context, refund *entity.RefundRequest) error
	Update(ctx context.Context, refund *entity.RefundRequest) error
	FindByID(ctx context.Context, id uint64) (*entity.RefundRequest, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*entity.RefundRequest, error)
	ListByAttempt(ctx context.Context, attemptID uint64) ([]*entity.RefundRequest, error)
}

type webhookEventRepository interface {
	Create(ctx context.Context, event *entity.WebhookEvent) error
	Update(ctx context.Context, event *entity.WebhookEvent) error
	FindByID(ctx context.Context, id uint64) (*entity.WebhookEvent, error)
	ListPendingReplay(ctx context.Context, before time.Time, maxAttempts int32, limit int32) ([]*entity.WebhookEvent, error)
}

type attemptEventRepository interface {
	Create(ctx context.Context, event *entity.AttemptEvent) error
}

type paymentGateway interface {
	Confirm(ctx context.Context, paymentID string, amountCents int64, currency string) (*provider.GatewayResponse, error)
	CancelOrRefund(ctx context.Context, paymentID string, amountCents *int64) (*provider.GatewayResponse, error)
}

type webhookVerifier interface {
	VerifyAt(raw []byte, signatureHeader, timestampHeader string, receivedAt time.Time) (provider.VerifiedPayload, error)
}

type taskSubmitter interface {
	Submit(task executor.Task) error
}

// Stores groups the repositories the billing services share. Every write
// that spans more than one row goes through Tx.
type Stores struct {
	Tx       txRunner
	Methods  paymentMethodRepository
	Attempts paymentAttemptRepository
	Refunds  refundRequestRepository
	Webhooks webhookEventRepository
	Audit    attemptEventRepository
}
