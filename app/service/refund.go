package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/events"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
)

const (
	ChargebackWon  = "won"
	ChargebackLost = "lost"
)

type requestRefundRequest interface {
	GetGatewayPaymentId() string
	GetIdempotencyKey() string
	GetType() string
	GetMethod() string
	GetAmountCents() int64
	GetReason() string
}

type ChargebackInput struct {
	GatewayPaymentID string
	ProviderEventID  string
	AmountCents      *int64
	Raw              []byte
}

// RefundWorkflow moves refund requests through their lifecycle. Refund rows
// are only written while the owning attempt's row lock is held, so the
// refundable amount check and the write it guards cannot interleave.
type RefundWorkflow struct {
	stores     Stores
	reconciler *Reconciler
	gateway    paymentGateway
	publisher  events.Publisher
	now        func() time.Time
	logger     logrus.FieldLogger
}

func NewRefundWorkflow(stores Stores, reconciler *Reconciler, gateway paymentGateway, publisher events.Publisher) *RefundWorkflow {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &RefundWorkflow{
		stores:     stores,
		reconciler: reconciler,
		gateway:    gateway,
		publisher:  publisher,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     factory.NewModuleLogger("refund-workflow"),
	}
}

func (w *RefundWorkflow) RequestRefund(ctx context.Context, req requestRefundRequest) (*entity.RefundRequest, error) {
	gatewayPaymentID := strings.TrimSpace(req.GetGatewayPaymentId())
	refundType := entity.RefundType(strings.ToUpper(strings.TrimSpace(req.GetType())))
	method := entity.RefundMethod(strings.ToUpper(strings.TrimSpace(req.GetMethod())))
	if method == "" {
		method = entity.RefundMethodOriginal
	}
	if gatewayPaymentID == "" || !refundType.Valid() || refundType == entity.RefundTypeChargeback || !method.Valid() {
		return nil, ErrInvalidRequest
	}
	if refundType == entity.RefundTypePartial && req.GetAmountCents() <= 0 {
		return nil, ErrInvalidRequest
	}

	key := strings.TrimSpace(req.GetIdempotencyKey())
	if key != "" {
		existing, err := w.stores.Refunds.FindByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	} else {
		key = uuid.NewString()
	}

	unlock := w.reconciler.lock(gatewayPaymentID)
	defer unlock()

	now := w.now()
	refund := &entity.RefundRequest{
		IdempotencyKey: key,
		Type:           refundType,
		Status:         entity.RefundStatusRequested,
		Method:         method,
		Reason:         stringPtr(strings.TrimSpace(req.GetReason())),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := w.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		attempt, err := w.stores.Attempts.LockByGatewayPaymentID(ctx, gatewayPaymentID)
		if err != nil {
			return err
		}
		if attempt == nil {
			return ErrPaymentAttemptNotFound
		}
		if attempt.Status != entity.AttemptStatusPaid {
			return ErrAttemptNotRefundable
		}

		refunds, err := w.stores.Refunds.ListByAttempt(ctx, attempt.ID)
		if err != nil {
			return err
		}
		reserved := int64(0)
		for _, item := range refunds {
			if !item.Status.Open() {
				continue
			}
			if item.Type != entity.RefundTypePartial {
				return ErrRefundInProgress
			}
			reserved += item.AmountCents
		}

		available := attempt.RefundableCents() - reserved
		switch refundType {
		case entity.RefundTypePartial:
			refund.AmountCents = req.GetAmountCents()
		default:
			if reserved > 0 {
				return ErrRefundInProgress
			}
			refund.AmountCents = available
		}
		if refund.AmountCents <= 0 || refund.AmountCents > available {
			return ErrRefundExceedsPaid
		}

		refund.PaymentAttemptID = attempt.ID
		if err := w.stores.Refunds.Create(ctx, refund); err != nil {
			if errors.Is(err, repository.ErrRefundRequestAlreadyExists) {
				return ErrRefundInProgress
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.publishRefund(ctx, gatewayPaymentID, refund, now)
	return refund, nil
}

func (w *RefundWorkflow) Get(ctx context.Context, id uint64) (*entity.RefundRequest, error) {
	if id == 0 {
		return nil, ErrInvalidRequest
	}
	refund, err := w.stores.Refunds.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, ErrRefundNotFound
	}
	return refund, nil
}

func (w *RefundWorkflow) Approve(ctx context.Context, id uint64) (*entity.RefundRequest, error) {
	return w.transition(ctx, id, func(refund *entity.RefundRequest) error {
		return moveRefund(refund, entity.RefundStatusApproved)
	})
}

func (w *RefundWorkflow) Reject(ctx context.Context, id uint64, reason string) (*entity.RefundRequest, error) {
	return w.transition(ctx, id, func(refund *entity.RefundRequest) error {
		if err := moveRefund(refund, entity.RefundStatusRejected); err != nil {
			return err
		}
		if reason = strings.TrimSpace(reason); reason != "" {
			refund.FailureReason = &reason
		}
		return nil
	})
}

// Process submits an approved refund. The gateway is called outside the
// payment lock; a PROCESSING refund can be processed again after a gateway
// outage.
func (w *RefundWorkflow) Process(ctx context.Context, id uint64) (*entity.RefundRequest, error) {
	refund, err := w.transition(ctx, id, func(refund *entity.RefundRequest) error {
		if refund.Type == entity.RefundTypeChargeback {
			return ErrInvalidTransition
		}
		if refund.Status == entity.RefundStatusProcessing {
			return nil
		}
		return moveRefund(refund, entity.RefundStatusProcessing)
	})
	if err != nil {
		return nil, err
	}

	if refund.Method == entity.RefundMethodManual {
		return w.complete(ctx, refund.ID, nil)
	}

	attempt, err := w.stores.Attempts.FindByID(ctx, refund.PaymentAttemptID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, ErrPaymentAttemptNotFound
	}

	var amount *int64
	if refund.Type == entity.RefundTypePartial {
		value := refund.AmountCents
		amount = &value
	}
	resp, err := w.gateway.CancelOrRefund(ctx, attempt.GatewayPaymentID, amount)
	if err != nil {
		if errors.Is(err, provider.ErrGatewayUnavailable) || errors.Is(err, provider.ErrGatewayNotConfigured) {
			return refund, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	switch resp.Result {
	case entity.GatewayResultSuccess:
		return w.complete(ctx, refund.ID, resp.Raw)
	case entity.GatewayResultFail:
		return w.fail(ctx, refund.ID, "gateway declined refund", resp.Raw)
	default:
		w.logger.WithFields(logrus.Fields{
			"refund_request_id": refund.ID,
			"result":            resp.Result,
		}).Info("refund accepted by gateway, waiting for completion")
		return refund, nil
	}
}

// CompleteFromGateway finishes the PROCESSING refund of a payment the gateway
// reported as cancelled. A repeated report for a refund that already completed
// is absorbed. It returns false when no refund explains the cancellation.
func (w *RefundWorkflow) CompleteFromGateway(ctx context.Context, gatewayPaymentID string, raw []byte) (bool, error) {
	attempt, err := w.stores.Attempts.FindByGatewayPaymentID(ctx, gatewayPaymentID)
	if err != nil {
		return false, err
	}
	if attempt == nil {
		return false, ErrPaymentAttemptNotFound
	}
	refunds, err := w.stores.Refunds.ListByAttempt(ctx, attempt.ID)
	if err != nil {
		return false, err
	}

	var processing, completed *entity.RefundRequest
	for _, item := range refunds {
		if item.Type == entity.RefundTypeChargeback {
			continue
		}
		switch item.Status {
		case entity.RefundStatusProcessing:
			processing = item
		case entity.RefundStatusRefunded:
			completed = item
		}
	}
	if processing == nil {
		if completed != nil {
			w.logger.WithFields(logrus.Fields{
				"refund_request_id":  completed.ID,
				"gateway_payment_id": gatewayPaymentID,
			}).Info("cancellation already applied")
			return true, nil
		}
		return false, nil
	}

	if _, err := w.complete(ctx, processing.ID, raw); err != nil {
		return true, err
	}
	return true, nil
}

func (w *RefundWorkflow) complete(ctx context.Context, id uint64, raw []byte) (*entity.RefundRequest, error) {
	var attemptRef *entity.PaymentAttempt
	exceeded := false

	refund, err := w.transitionWithAttempt(ctx, id, func(ctx context.Context, refund *entity.RefundRequest, attempt *entity.PaymentAttempt, box *outbox, now time.Time) error {
		if refund.Status == entity.RefundStatusRefunded {
			return nil
		}
		if refund.Status != entity.RefundStatusProcessing {
			return ErrInvalidTransition
		}
		if len(raw) > 0 {
			refund.RawResponse = stringPtr(string(raw))
		}

		if refund.AmountCents > attempt.RefundableCents() {
			exceeded = true
			refund.Status = entity.RefundStatusFailed
			refund.FailureReason = stringPtr(ErrRefundExceedsPaid.Error())
			box.add(events.Event{
				Type:             events.TypeConflictAlert,
				GatewayPaymentID: attempt.GatewayPaymentID,
				PaymentAttemptID: attempt.ID,
				RefundRequestID:  refund.ID,
				Detail:           "refund completed for more than the refundable amount",
				OccurredAt:       now,
			})
			return nil
		}

		refund.Status = entity.RefundStatusRefunded
		attemptRef = attempt
		return w.applyRefundToAttempt(ctx, attempt, refund, box, now)
	})
	if err != nil {
		return nil, err
	}
	if exceeded {
		return refund, ErrRefundExceedsPaid
	}
	if attemptRef != nil {
		w.logger.WithFields(logrus.Fields{
			"refund_request_id":  refund.ID,
			"gateway_payment_id": attemptRef.GatewayPaymentID,
			"type":               refund.Type,
		}).Info("refund completed")
	}
	return refund, nil
}

func (w *RefundWorkflow) fail(ctx context.Context, id uint64, reason string, raw []byte) (*entity.RefundRequest, error) {
	return w.transition(ctx, id, func(refund *entity.RefundRequest) error {
		if err := moveRefund(refund, entity.RefundStatusFailed); err != nil {
			return err
		}
		refund.FailureReason = &reason
		if len(raw) > 0 {
			refund.RawResponse = stringPtr(string(raw))
		}
		return nil
	})
}

// applyRefundToAttempt books a completed refund. Only a FULL or VOID refund
// or a lost chargeback moves the attempt to REFUNDED.
func (w *RefundWorkflow) applyRefundToAttempt(ctx context.Context, attempt *entity.PaymentAttempt, refund *entity.RefundRequest, box *outbox, now time.Time) error {
	attempt.RefundedCents += refund.AmountCents
	oldStatus := attempt.Status
	if refund.Type != entity.RefundTypePartial && attempt.Status.CanTransitionTo(entity.AttemptStatusRefunded) {
		attempt.Status = entity.AttemptStatusRefunded
	}
	attempt.UpdatedAt = now
	if err := w.stores.Attempts.Update(ctx, attempt); err != nil {
		return err
	}

	if err := writeAudit(ctx, w.stores.Audit, attempt, entity.AttemptEventRefunded, "", oldStatus, map[string]interface{}{
		"refund_request_id": refund.ID,
		"type":              refund.Type,
		"amount_cents":      refund.AmountCents,
	}, now); err != nil {
		return err
	}

	if attempt.Status != oldStatus {
		box.add(events.Event{
			Type:             events.TypeAttemptRefunded,
			GatewayPaymentID: attempt.GatewayPaymentID,
			PaymentAttemptID: attempt.ID,
			PaymentMethodID:  attempt.PaymentMethodID,
			RefundRequestID:  refund.ID,
			Status:           string(attempt.Status),
			OccurredAt:       now,
		})
	}
	return nil
}

// OpenChargeback records a dispute raised by the gateway. Only one open
// chargeback exists per attempt; repeats return it.
func (w *RefundWorkflow) OpenChargeback(ctx context.Context, input ChargebackInput) (*entity.RefundRequest, error) {
	gatewayPaymentID := strings.TrimSpace(input.GatewayPaymentID)
	if gatewayPaymentID == "" {
		return nil, ErrInvalidRequest
	}

	unlock := w.reconciler.lock(gatewayPaymentID)
	defer unlock()

	now := w.now()
	var refund *entity.RefundRequest
	created := false
	err := w.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		attempt, err := w.stores.Attempts.LockByGatewayPaymentID(ctx, gatewayPaymentID)
		if err != nil {
			return err
		}
		if attempt == nil {
			return ErrPaymentAttemptNotFound
		}
		refunds, err := w.stores.Refunds.ListByAttempt(ctx, attempt.ID)
		if err != nil {
			return err
		}
		if open := latestChargeback(refunds, true); open != nil {
			refund = open
			return nil
		}
		if attempt.Status != entity.AttemptStatusPaid {
			return fmt.Errorf("%w: chargeback on %s attempt", ErrConflictingState, attempt.Status)
		}

		amount := attempt.RefundableCents()
		if input.AmountCents != nil && *input.AmountCents > 0 && *input.AmountCents < amount {
			amount = *input.AmountCents
		}
		key := "chargeback:" + gatewayPaymentID + ":" + uuid.NewString()
		if eventID := strings.TrimSpace(input.ProviderEventID); eventID != "" {
			key = "chargeback:" + eventID
		}

		refund = &entity.RefundRequest{
			PaymentAttemptID: attempt.ID,
			IdempotencyKey:   key,
			Type:             entity.RefundTypeChargeback,
			Status:           entity.RefundStatusRequested,
			Method:           entity.RefundMethodOriginal,
			AmountCents:      amount,
			ProviderEventID:  stringPtr(strings.TrimSpace(input.ProviderEventID)),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if len(input.Raw) > 0 {
			refund.RawResponse = stringPtr(string(input.Raw))
		}
		if err := w.stores.Refunds.Create(ctx, refund); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		w.logger.WithField("gateway_payment_id", gatewayPaymentID).Warn("chargeback opened")
		w.publishRefund(ctx, gatewayPaymentID, refund, now)
	}
	return refund, nil
}

// ResolveChargeback closes the open chargeback of a payment. A lost dispute
// refunds the attempt and, when it is still the latest paid attempt of its
// payment method, takes back the period it granted.
func (w *RefundWorkflow) ResolveChargeback(ctx context.Context, gatewayPaymentID, resolution string, raw []byte) (*entity.RefundRequest, error) {
	gatewayPaymentID = strings.TrimSpace(gatewayPaymentID)
	resolution = strings.ToLower(strings.TrimSpace(resolution))
	if gatewayPaymentID == "" || (resolution != ChargebackWon && resolution != ChargebackLost) {
		return nil, ErrInvalidRequest
	}

	unlock := w.reconciler.lock(gatewayPaymentID)
	defer unlock()

	now := w.now()
	box := &outbox{}
	var refund *entity.RefundRequest
	err := w.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		attempt, err := w.stores.Attempts.LockByGatewayPaymentID(ctx, gatewayPaymentID)
		if err != nil {
			return err
		}
		if attempt == nil {
			return ErrPaymentAttemptNotFound
		}
		refunds, err := w.stores.Refunds.ListByAttempt(ctx, attempt.ID)
		if err != nil {
			return err
		}
		refund = latestChargeback(refunds, true)
		if refund == nil {
			if closed := latestChargeback(refunds, false); closed != nil {
				refund = closed
				return nil
			}
			return ErrRefundNotFound
		}
		if len(raw) > 0 {
			refund.RawResponse = stringPtr(string(raw))
		}
		refund.UpdatedAt = now

		if resolution == ChargebackWon {
			if err := moveRefund(refund, entity.RefundStatusRejected); err != nil {
				return err
			}
			return w.stores.Refunds.Update(ctx, refund)
		}

		for _, next := range []entity.RefundStatus{entity.RefundStatusApproved, entity.RefundStatusProcessing, entity.RefundStatusRefunded} {
			if refund.Status.CanTransitionTo(next) {
				refund.Status = next
			}
		}
		if refund.Status != entity.RefundStatusRefunded {
			return fmt.Errorf("%w: chargeback stuck in %s", ErrInvalidTransition, refund.Status)
		}
		if err := w.stores.Refunds.Update(ctx, refund); err != nil {
			return err
		}

		latest, err := w.stores.Attempts.FindLatestSettledForMethod(ctx, attempt.PaymentMethodID)
		if err != nil {
			return err
		}
		if err := w.applyRefundToAttempt(ctx, attempt, refund, box, now); err != nil {
			return err
		}
		if latest != nil && latest.ID == attempt.ID {
			return w.reversePeriod(ctx, attempt, box, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	box.flush(ctx, w.publisher, w.logger)
	w.publishRefund(ctx, gatewayPaymentID, refund, now)
	return refund, nil
}

// reversePeriod rolls the payment method's period end back to where the
// attempt's period began. This is the only place a period end moves backwards.
func (w *RefundWorkflow) reversePeriod(ctx context.Context, attempt *entity.PaymentAttempt, box *outbox, now time.Time) error {
	method, err := w.stores.Methods.LockByID(ctx, attempt.PaymentMethodID)
	if err != nil {
		return err
	}
	if method == nil {
		return ErrPaymentMethodNotFound
	}

	restored := attempt.PeriodStart
	if restored == nil {
		restored = attempt.PreviousPeriodEnd
	}
	if restored == nil {
		return nil
	}
	previous := method.CurrentPeriodEnd

	end := *restored
	method.CurrentPeriodEnd = &end
	if method.CurrentPeriodStart != nil && method.CurrentPeriodStart.After(end) {
		method.CurrentPeriodStart = &end
	}
	if !now.Before(end) && method.Status.CanTransitionTo(entity.MethodStatusExpired) {
		method.Status = entity.MethodStatusExpired
	}
	method.UpdatedAt = now
	if err := w.stores.Methods.Update(ctx, method); err != nil {
		return err
	}

	if err := writeAudit(ctx, w.stores.Audit, attempt, entity.AttemptEventPeriodReverse, "", attempt.Status, map[string]interface{}{
		"previous_period_end": previous,
		"period_end":          end,
		"method_status":       method.Status,
	}, now); err != nil {
		return err
	}

	box.add(events.Event{
		Type:             events.TypePeriodReversed,
		GatewayPaymentID: attempt.GatewayPaymentID,
		PaymentAttemptID: attempt.ID,
		PaymentMethodID:  method.ID,
		Status:           string(method.Status),
		PeriodEnd:        method.CurrentPeriodEnd,
		OccurredAt:       now,
	})
	return nil
}

// transition applies fn to a refund under its payment's lock and persists it.
func (w *RefundWorkflow) transition(ctx context.Context, id uint64, fn func(refund *entity.RefundRequest) error) (*entity.RefundRequest, error) {
	return w.transitionWithAttempt(ctx, id, func(_ context.Context, refund *entity.RefundRequest, _ *entity.PaymentAttempt, _ *outbox, _ time.Time) error {
		return fn(refund)
	})
}

func (w *RefundWorkflow) transitionWithAttempt(ctx context.Context, id uint64, fn func(ctx context.Context, refund *entity.RefundRequest, attempt *entity.PaymentAttempt, box *outbox, now time.Time) error) (*entity.RefundRequest, error) {
	if id == 0 {
		return nil, ErrInvalidRequest
	}
	current, err := w.stores.Refunds.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrRefundNotFound
	}
	owner, err := w.stores.Attempts.FindByID(ctx, current.PaymentAttemptID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, ErrPaymentAttemptNotFound
	}

	unlock := w.reconciler.lock(owner.GatewayPaymentID)
	defer unlock()

	now := w.now()
	box := &outbox{}
	var refund *entity.RefundRequest
	err = w.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		attempt, err := w.stores.Attempts.LockByID(ctx, owner.ID)
		if err != nil {
			return err
		}
		if attempt == nil {
			return ErrPaymentAttemptNotFound
		}
		refund, err = w.stores.Refunds.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if refund == nil {
			return ErrRefundNotFound
		}

		before := refund.Status
		if err := fn(ctx, refund, attempt, box, now); err != nil {
			return err
		}
		if refund.Status == before {
			return nil
		}
		refund.UpdatedAt = now
		return w.stores.Refunds.Update(ctx, refund)
	})
	if err != nil {
		return nil, err
	}

	box.flush(ctx, w.publisher, w.logger)
	w.publishRefund(ctx, owner.GatewayPaymentID, refund, now)
	return refund, nil
}

func (w *RefundWorkflow) publishRefund(ctx context.Context, gatewayPaymentID string, refund *entity.RefundRequest, now time.Time) {
	box := &outbox{}
	box.add(events.Event{
		Type:             events.TypeRefundUpdated,
		GatewayPaymentID: gatewayPaymentID,
		PaymentAttemptID: refund.PaymentAttemptID,
		RefundRequestID:  refund.ID,
		Status:           string(refund.Status),
		Detail:           string(refund.Type),
		OccurredAt:       now,
	})
	box.flush(ctx, w.publisher, w.logger)
}

func moveRefund(refund *entity.RefundRequest, next entity.RefundStatus) error {
	if !refund.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: refund %s to %s", ErrInvalidTransition, refund.Status, next)
	}
	refund.Status = next
	return nil
}

// latestChargeback returns the newest chargeback that is open, or closed when open is false.
func latestChargeback(refunds []*entity.RefundRequest, open bool) *entity.RefundRequest {
	var found *entity.RefundRequest
	for _, item := range refunds {
		if item.Type == entity.RefundTypeChargeback && item.Status.Open() == open {
			found = item
		}
	}
	return found
}
