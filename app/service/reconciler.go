package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/billing"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/events"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
)

type OutcomeKind string

const (
	OutcomePaid     OutcomeKind = "paid"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeCanceled OutcomeKind = "canceled"
	OutcomeNonFinal OutcomeKind = "non_final"
)

// OutcomeFromResult maps a gateway confirm result onto a reconcile outcome.
func OutcomeFromResult(result entity.GatewayResult) OutcomeKind {
	switch result {
	case entity.GatewayResultSuccess:
		return OutcomePaid
	case entity.GatewayResultFail:
		return OutcomeFailed
	default:
		return OutcomeNonFinal
	}
}

// Outcome is one channel's report about a gateway payment.
type Outcome struct {
	GatewayPaymentID string
	Channel          entity.ConfirmChannel
	Kind             OutcomeKind
	Result           entity.GatewayResult
	AmountCents      *int64
	PaidAt           *time.Time
	Raw              []byte
}

type ApplyResult struct {
	Attempt *entity.PaymentAttempt
	Method  *entity.PaymentMethod
	// Transitioned is true when this call moved the attempt out of PENDING.
	Transitioned bool
	Corroborated bool
}

type ReconcilerConfig struct {
	AdminConsoleURL   string
	PrepaidTermMonths int
}

// Reconciler applies DIRECT and WEBHOOK outcomes to an attempt and its
// payment method. All mutations of one gateway payment run under the same
// in-process key lock and inside one transaction holding the attempt row lock.
type Reconciler struct {
	stores    Stores
	locks     *keyedLocker
	calc      *billing.Calculator
	extractor *provider.Extractor
	publisher events.Publisher
	cfg       ReconcilerConfig
	now       func() time.Time
	logger    logrus.FieldLogger
}

func NewReconciler(stores Stores, calc *billing.Calculator, extractor *provider.Extractor, publisher events.Publisher, cfg ReconcilerConfig) *Reconciler {
	if extractor == nil {
		extractor = provider.DefaultExtractor()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if cfg.PrepaidTermMonths <= 0 {
		cfg.PrepaidTermMonths = 12
	}
	return &Reconciler{
		stores:    stores,
		locks:     newKeyedLocker(),
		calc:      calc,
		extractor: extractor,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    factory.NewModuleLogger("reconciler"),
	}
}

// lock is shared with refund handling so it serializes with confirmation of
// the same gateway payment.
func (r *Reconciler) lock(gatewayPaymentID string) func() {
	return r.locks.Lock(gatewayPaymentID)
}

// conflict aborts the outcome but is still recorded, so the transaction commits.
type conflict struct {
	detail string
}

func (r *Reconciler) Apply(ctx context.Context, outcome Outcome) (*ApplyResult, error) {
	id := strings.TrimSpace(outcome.GatewayPaymentID)
	if id == "" {
		return nil, ErrInvalidRequest
	}
	outcome.GatewayPaymentID = id

	unlock := r.lock(id)
	defer unlock()

	logger := r.logger.WithFields(logrus.Fields{
		"gateway_payment_id": id,
		"channel":            outcome.Channel,
		"outcome":            outcome.Kind,
	})

	result := &ApplyResult{}
	box := &outbox{}
	var found *conflict

	err := r.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		attempt, err := r.stores.Attempts.LockByGatewayPaymentID(ctx, id)
		if err != nil {
			return err
		}
		if attempt == nil {
			return ErrPaymentAttemptNotFound
		}
		method, err := r.stores.Methods.LockByID(ctx, attempt.PaymentMethodID)
		if err != nil {
			return err
		}
		if method == nil {
			return ErrPaymentMethodNotFound
		}
		result.Attempt, result.Method = attempt, method

		now := r.now()
		switch outcome.Kind {
		case OutcomePaid:
			found, err = r.applyPaid(ctx, attempt, method, outcome, result, box, now)
		case OutcomeFailed:
			found, err = r.applyFailed(ctx, attempt, method, outcome, result, box, now)
		case OutcomeCanceled:
			found, err = r.applyCanceled(ctx, attempt, outcome, result, box, now)
		case OutcomeNonFinal:
			err = r.applyNonFinal(ctx, attempt, outcome, now)
		default:
			return ErrInvalidRequest
		}
		if err != nil {
			return err
		}
		if found != nil {
			return r.recordConflict(ctx, attempt, outcome, found.detail, box, now)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrPaymentAttemptNotFound) {
			logger.WithError(err).Error("apply outcome failed")
		}
		return nil, err
	}

	box.flush(ctx, r.publisher, logger)

	if found != nil {
		logger.WithField("detail", found.detail).Warn("conflicting payment state")
		return result, fmt.Errorf("%w: %s", ErrConflictingState, found.detail)
	}
	if result.Transitioned {
		logger.WithField("status", result.Attempt.Status).Info("payment attempt settled")
	}
	return result, nil
}

func (r *Reconciler) applyPaid(ctx context.Context, attempt *entity.PaymentAttempt, method *entity.PaymentMethod, outcome Outcome, result *ApplyResult, box *outbox, now time.Time) (*conflict, error) {
	if outcome.AmountCents != nil && *outcome.AmountCents != attempt.AmountCents {
		return &conflict{detail: fmt.Sprintf("reported amount %d does not match attempt amount %d", *outcome.AmountCents, attempt.AmountCents)}, nil
	}

	switch attempt.Status {
	case entity.AttemptStatusPending:
	case entity.AttemptStatusPaid, entity.AttemptStatusRefunded:
		return nil, r.corroborate(ctx, attempt, outcome, result, now)
	default:
		return &conflict{detail: fmt.Sprintf("success reported for %s attempt", attempt.Status)}, nil
	}

	paidAt := now
	if outcome.PaidAt != nil && !outcome.PaidAt.IsZero() {
		paidAt = outcome.PaidAt.UTC()
	}

	previousEnd := method.CurrentPeriodEnd
	start, end := r.calc.NextPeriod(paidAt, previousEnd, r.termMonths(method))
	start, end = start.UTC(), end.UTC()

	if previousEnd == nil || !previousEnd.After(paidAt) || method.CurrentPeriodStart == nil {
		method.CurrentPeriodStart = timePtr(start)
	}
	method.CurrentPeriodEnd = timePtr(end)
	if method.Status.CanTransitionTo(entity.MethodStatusActive) {
		method.Status = entity.MethodStatusActive
	}

	details := r.extractor.Extract(outcome.Raw)
	if details.CardBin != nil || details.CardLast4 != nil || details.CardBrand != nil {
		method.CardBin = details.CardBin
		method.CardLast4 = details.CardLast4
		method.CardBrand = details.CardBrand
	}
	if details.PGProvider != nil {
		method.PGProvider = details.PGProvider
	}
	method.UpdatedAt = now

	oldStatus := attempt.Status
	attempt.Status = entity.AttemptStatusPaid
	success := entity.GatewayResultSuccess
	attempt.GatewayResult = &success
	channel := attempt.Channel().Merge(outcome.Channel)
	attempt.ConfirmedVia = &channel
	attempt.PaidAt = timePtr(paidAt)
	attempt.PeriodStart = timePtr(start)
	attempt.PeriodEnd = timePtr(end)
	attempt.PreviousPeriodEnd = previousEnd
	if len(outcome.Raw) > 0 {
		attempt.RawResponse = stringPtr(string(outcome.Raw))
	}
	attempt.ReceiptURL = details.ReceiptURL
	if attempt.ReceiptURL == nil {
		attempt.ReceiptURL = r.fallbackReceiptURL(attempt.GatewayPaymentID)
	}
	attempt.UpdatedAt = now

	if err := r.stores.Methods.Update(ctx, method); err != nil {
		return nil, err
	}
	if err := r.stores.Attempts.Update(ctx, attempt); err != nil {
		return nil, err
	}
	if err := writeAudit(ctx, r.stores.Audit, attempt, entity.AttemptEventPaid, outcome.Channel, oldStatus, map[string]interface{}{
		"period_start":        start,
		"period_end":          end,
		"previous_period_end": previousEnd,
		"raw":                 rawJSON(outcome.Raw),
	}, now); err != nil {
		return nil, err
	}

	if method.Status == entity.MethodStatusCanceled {
		r.logger.WithField("payment_method_id", method.ID).Warn("payment settled on canceled payment method")
	}

	result.Transitioned = true
	box.add(events.Event{
		Type:             events.TypeAttemptPaid,
		GatewayPaymentID: attempt.GatewayPaymentID,
		PaymentAttemptID: attempt.ID,
		PaymentMethodID:  method.ID,
		Channel:          string(outcome.Channel),
		Status:           string(attempt.Status),
		PeriodEnd:        method.CurrentPeriodEnd,
		OccurredAt:       now,
	})
	return nil, nil
}

func (r *Reconciler) applyFailed(ctx context.Context, attempt *entity.PaymentAttempt, method *entity.PaymentMethod, outcome Outcome, result *ApplyResult, box *outbox, now time.Time) (*conflict, error) {
	switch attempt.Status {
	case entity.AttemptStatusPending:
	case entity.AttemptStatusFailed, entity.AttemptStatusCanceled:
		return nil, r.corroborate(ctx, attempt, outcome, result, now)
	default:
		return &conflict{detail: fmt.Sprintf("failure reported for %s attempt", attempt.Status)}, nil
	}

	oldStatus := attempt.Status
	attempt.Status = entity.AttemptStatusFailed
	fail := entity.GatewayResultFail
	attempt.GatewayResult = &fail
	channel := attempt.Channel().Merge(outcome.Channel)
	attempt.ConfirmedVia = &channel
	if len(outcome.Raw) > 0 {
		attempt.RawResponse = stringPtr(string(outcome.Raw))
	}
	attempt.UpdatedAt = now
	if err := r.stores.Attempts.Update(ctx, attempt); err != nil {
		return nil, err
	}

	if method.CurrentPeriodEnd != nil && !now.Before(*method.CurrentPeriodEnd) && method.Status.CanTransitionTo(entity.MethodStatusExpired) {
		method.Status = entity.MethodStatusExpired
		method.UpdatedAt = now
		if err := r.stores.Methods.Update(ctx, method); err != nil {
			return nil, err
		}
		box.add(events.Event{
			Type:            events.TypeSubscriptionStatus,
			PaymentMethodID: method.ID,
			Status:          string(method.Status),
			PeriodEnd:       method.CurrentPeriodEnd,
			OccurredAt:      now,
		})
	}

	if err := writeAudit(ctx, r.stores.Audit, attempt, entity.AttemptEventFailed, outcome.Channel, oldStatus, map[string]interface{}{
		"raw": rawJSON(outcome.Raw),
	}, now); err != nil {
		return nil, err
	}

	result.Transitioned = true
	box.add(events.Event{
		Type:             events.TypeAttemptFailed,
		GatewayPaymentID: attempt.GatewayPaymentID,
		PaymentAttemptID: attempt.ID,
		PaymentMethodID:  method.ID,
		Channel:          string(outcome.Channel),
		Status:           string(attempt.Status),
		OccurredAt:       now,
	})
	return nil, nil
}

func (r *Reconciler) applyCanceled(ctx context.Context, attempt *entity.PaymentAttempt, outcome Outcome, result *ApplyResult, box *outbox, now time.Time) (*conflict, error) {
	switch attempt.Status {
	case entity.AttemptStatusPending:
	case entity.AttemptStatusCanceled, entity.AttemptStatusFailed, entity.AttemptStatusRefunded:
		return nil, r.corroborate(ctx, attempt, outcome, result, now)
	default:
		return &conflict{detail: "cancellation reported for paid attempt without an open refund"}, nil
	}

	oldStatus := attempt.Status
	attempt.Status = entity.AttemptStatusCanceled
	if len(outcome.Raw) > 0 {
		attempt.RawResponse = stringPtr(string(outcome.Raw))
	}
	attempt.UpdatedAt = now
	if err := r.stores.Attempts.Update(ctx, attempt); err != nil {
		return nil, err
	}
	if err := writeAudit(ctx, r.stores.Audit, attempt, entity.AttemptEventCanceled, outcome.Channel, oldStatus, map[string]interface{}{
		"raw": rawJSON(outcome.Raw),
	}, now); err != nil {
		return nil, err
	}

	result.Transitioned = true
	box.add(events.Event{
		Type:             events.TypeAttemptCanceled,
		GatewayPaymentID: attempt.GatewayPaymentID,
		PaymentAttemptID: attempt.ID,
		PaymentMethodID:  attempt.PaymentMethodID,
		Channel:          string(outcome.Channel),
		Status:           string(attempt.Status),
		OccurredAt:       now,
	})
	return nil, nil
}

// applyNonFinal records the last gateway result without touching the
// subscription.
func (r *Reconciler) applyNonFinal(ctx context.Context, attempt *entity.PaymentAttempt, outcome Outcome, now time.Time) error {
	if attempt.Status == entity.AttemptStatusPending && outcome.Result != "" {
		res := outcome.Result
		attempt.GatewayResult = &res
		attempt.UpdatedAt = now
		if err := r.stores.Attempts.Update(ctx, attempt); err != nil {
			return err
		}
	}
	if err := writeAudit(ctx, r.stores.Audit, attempt, entity.AttemptEventNonFinal, outcome.Channel, attempt.Status, map[string]interface{}{
		"result": outcome.Result,
		"raw":    rawJSON(outcome.Raw),
	}, now); err != nil {
		return err
	}
	return nil
}

// corroborate handles a repeat of an outcome that is already applied.
func (r *Reconciler) corroborate(ctx context.Context, attempt *entity.PaymentAttempt, outcome Outcome, result *ApplyResult, now time.Time) error {
	result.Corroborated = true

	merged := attempt.Channel().Merge(outcome.Channel)
	if attempt.Status != entity.AttemptStatusCanceled && merged != attempt.Channel() {
		attempt.ConfirmedVia = &merged
		attempt.UpdatedAt = now
		if err := r.stores.Attempts.Update(ctx, attempt); err != nil {
			return err
		}
	}
	if err := writeAudit(ctx, r.stores.Audit, attempt, entity.AttemptEventCorroborated, outcome.Channel, attempt.Status, map[string]interface{}{
		"outcome": outcome.Kind,
		"raw":     rawJSON(outcome.Raw),
	}, now); err != nil {
		return err
	}
	return nil
}

func (r *Reconciler) recordConflict(ctx context.Context, attempt *entity.PaymentAttempt, outcome Outcome, detail string, box *outbox, now time.Time) error {
	if err := writeAudit(ctx, r.stores.Audit, attempt, entity.AttemptEventConflict, outcome.Channel, attempt.Status, map[string]interface{}{
		"reported": outcome.Kind,
		"current":  attempt.Status,
		"detail":   detail,
		"raw":      rawJSON(outcome.Raw),
	}, now); err != nil {
		return err
	}
	box.add(events.Event{
		Type:             events.TypeConflictAlert,
		GatewayPaymentID: attempt.GatewayPaymentID,
		PaymentAttemptID: attempt.ID,
		PaymentMethodID:  attempt.PaymentMethodID,
		Channel:          string(outcome.Channel),
		Status:           string(attempt.Status),
		Detail:           detail,
		OccurredAt:       now,
	})
	return nil
}

func (r *Reconciler) termMonths(method *entity.PaymentMethod) int {
	if method.BillingMode == entity.BillingModePrepaidTerm {
		if method.TermMonths > 0 {
			return int(method.TermMonths)
		}
		return r.cfg.PrepaidTermMonths
	}
	return 1
}

func (r *Reconciler) fallbackReceiptURL(gatewayPaymentID string) *string {
	base := strings.TrimRight(strings.TrimSpace(r.cfg.AdminConsoleURL), "/")
	if base == "" {
		return nil
	}
	value := base + "/payments/" + gatewayPaymentID
	return &value
}
