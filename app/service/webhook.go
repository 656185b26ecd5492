package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
)

type WebhookConfig struct {
	ReplayMinAge      time.Duration
	ReplayMaxAttempts int32
	BatchSize         int32
}

// WebhookService stores every gateway delivery before acknowledging it and
// processes stored deliveries on the webhook pool. Anything the pool could
// not take is picked up by the replay job.
type WebhookService struct {
	stores     Stores
	verifier   webhookVerifier
	reconciler *Reconciler
	refunds    *RefundWorkflow
	pool       taskSubmitter
	cfg        WebhookConfig
	now        func() time.Time
	logger     logrus.FieldLogger
}

func NewWebhookService(stores Stores, verifier webhookVerifier, reconciler *Reconciler, refunds *RefundWorkflow, pool taskSubmitter, cfg WebhookConfig) *WebhookService {
	if cfg.ReplayMinAge <= 0 {
		cfg.ReplayMinAge = 30 * time.Second
	}
	if cfg.ReplayMaxAttempts <= 0 {
		cfg.ReplayMaxAttempts = 20
	}
	return &WebhookService{
		stores:     stores,
		verifier:   verifier,
		reconciler: reconciler,
		refunds:    refunds,
		pool:       pool,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     factory.NewModuleLogger("webhook-service"),
	}
}

// Ingest persists the raw delivery and hands it to the webhook pool. It
// returns once the row is durable.
func (s *WebhookService) Ingest(ctx context.Context, raw []byte, signature, timestamp string) (*entity.WebhookEvent, error) {
	now := s.now()
	payload := make([]byte, len(raw))
	copy(payload, raw)

	event := &entity.WebhookEvent{
		Payload:    payload,
		Signature:  signature,
		Timestamp:  timestamp,
		Status:     entity.WebhookStatusReceived,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	if err := s.stores.Webhooks.Create(ctx, event); err != nil {
		return nil, err
	}

	queued := *event
	if err := s.pool.Submit(func(taskCtx context.Context) {
		_ = s.Process(taskCtx, &queued)
	}); err != nil {
		s.logger.WithError(err).WithField("webhook_event_id", event.ID).Warn("webhook left for replay")
	}
	return event, nil
}

// Process verifies, parses and applies one stored delivery. Terminal outcomes
// return nil; a returned error means the row stays RECEIVED for replay.
func (s *WebhookService) Process(ctx context.Context, event *entity.WebhookEvent) error {
	logger := s.logger.WithField("webhook_event_id", event.ID)
	event.Attempts++

	payload, err := s.verifier.VerifyAt(event.Payload, event.Signature, event.Timestamp, event.ReceivedAt)
	if err != nil {
		logger.WithError(err).Warn("webhook rejected")
		return s.finish(ctx, event, entity.WebhookStatusRejected, err)
	}

	parsed, err := provider.ParseWebhook(payload)
	if err != nil {
		logger.WithError(err).Warn("webhook payload invalid")
		return s.finish(ctx, event, entity.WebhookStatusInvalid, err)
	}
	event.ProviderEventID = stringPtr(parsed.EventID)
	event.EventType = stringPtr(parsed.Type)
	event.GatewayPaymentID = stringPtr(parsed.GatewayPaymentID)
	logger = logger.WithFields(logrus.Fields{
		"event_type":         parsed.Type,
		"gateway_payment_id": parsed.GatewayPaymentID,
	})

	if !parsed.Known() {
		logger.Info("webhook type ignored")
		return s.finish(ctx, event, entity.WebhookStatusIgnored, nil)
	}

	err = s.dispatch(ctx, parsed)
	switch {
	case err == nil:
		return s.finish(ctx, event, entity.WebhookStatusProcessed, nil)
	case errors.Is(err, ErrPaymentAttemptNotFound), errors.Is(err, ErrRefundNotFound):
		logger.WithError(err).Warn("webhook references unknown payment")
		return s.finish(ctx, event, entity.WebhookStatusIgnored, err)
	case errors.Is(err, ErrConflictingState), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrRefundExceedsPaid):
		return s.finish(ctx, event, entity.WebhookStatusConflict, err)
	case errors.Is(err, ErrInvalidRequest):
		return s.finish(ctx, event, entity.WebhookStatusInvalid, err)
	}

	logger.WithError(err).Error("webhook processing failed")
	message := truncate(err.Error(), maxStoredError)
	event.Error = &message
	event.UpdatedAt = s.now()
	if updateErr := s.stores.Webhooks.Update(ctx, event); updateErr != nil {
		logger.WithError(updateErr).Error("webhook status update failed")
	}
	return err
}

func (s *WebhookService) dispatch(ctx context.Context, parsed *provider.WebhookEvent) error {
	switch parsed.Kind {
	case provider.WebhookKindPaid:
		_, err := s.reconciler.Apply(ctx, s.outcome(parsed, OutcomePaid))
		return err
	case provider.WebhookKindFailed:
		_, err := s.reconciler.Apply(ctx, s.outcome(parsed, OutcomeFailed))
		return err
	case provider.WebhookKindCanceled:
		handled, err := s.refunds.CompleteFromGateway(ctx, parsed.GatewayPaymentID, parsed.Raw)
		if err != nil || handled {
			return err
		}
		_, err = s.reconciler.Apply(ctx, s.outcome(parsed, OutcomeCanceled))
		return err
	case provider.WebhookKindChargeback:
		_, err := s.refunds.OpenChargeback(ctx, ChargebackInput{
			GatewayPaymentID: parsed.GatewayPaymentID,
			ProviderEventID:  parsed.EventID,
			AmountCents:      parsed.AmountCents,
			Raw:              parsed.Raw,
		})
		return err
	case provider.WebhookKindChargebackResolved:
		_, err := s.refunds.ResolveChargeback(ctx, parsed.GatewayPaymentID, parsed.Resolution, parsed.Raw)
		return err
	}
	return nil
}

func (s *WebhookService) outcome(parsed *provider.WebhookEvent, kind OutcomeKind) Outcome {
	return Outcome{
		GatewayPaymentID: parsed.GatewayPaymentID,
		Channel:          entity.ConfirmChannelWebhook,
		Kind:             kind,
		AmountCents:      parsed.AmountCents,
		PaidAt:           parsed.PaidAt,
		Raw:              parsed.Raw,
	}
}

func (s *WebhookService) finish(ctx context.Context, event *entity.WebhookEvent, status entity.WebhookStatus, cause error) error {
	now := s.now()
	event.Status = status
	event.ProcessedAt = &now
	event.UpdatedAt = now
	event.Error = nil
	if cause != nil {
		message := truncate(cause.Error(), maxStoredError)
		event.Error = &message
	}
	return s.stores.Webhooks.Update(ctx, event)
}

// RunReplayBatch reprocesses stored deliveries that are still RECEIVED.
func (s *WebhookService) RunReplayBatch(ctx context.Context) error {
	before := s.now().Add(-s.cfg.ReplayMinAge)
	items, err := s.stores.Webhooks.ListPendingReplay(ctx, before, s.cfg.ReplayMaxAttempts, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, item := range items {
		if item == nil {
			continue
		}
		if err := s.Process(ctx, item); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func (s *WebhookService) batchSize() int32 {
	if s.cfg.BatchSize <= 0 {
		return 100
	}
	return s.cfg.BatchSize
}
