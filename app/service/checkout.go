package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/events"
	"github.com/vibast-solutions/ms-go-billing/app/executor"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
	"golang.org/x/sync/singleflight"
)

type createCheckoutRequest interface {
	GetSubscriberId() string
	GetPaymentMethodId() uint64
	GetBillingMode() string
	GetTermMonths() int32
	GetGatewayPaymentId() string
	GetAmountCents() int64
	GetCurrency() string
}

type CheckoutConfig struct {
	ImmediateEnabled    bool
	DefaultCurrency     string
	DirectWait          time.Duration
	ReconcileStaleAfter time.Duration
	BatchSize           int32
}

// DirectConfirmResult is what the caller of a direct confirmation sees.
// Pending is set when the outcome is not known yet; the attempt is then
// settled later by the webhook or the reconcile job.
type DirectConfirmResult struct {
	Attempt *entity.PaymentAttempt
	Method  *entity.PaymentMethod
	Pending bool
	Skipped bool
}

type CheckoutService struct {
	stores     Stores
	reconciler *Reconciler
	gateway    paymentGateway
	directPool taskSubmitter
	publisher  events.Publisher
	cfg        CheckoutConfig
	inflight   singleflight.Group
	now        func() time.Time
	logger     logrus.FieldLogger
}

func NewCheckoutService(stores Stores, reconciler *Reconciler, gateway paymentGateway, directPool taskSubmitter, publisher events.Publisher, cfg CheckoutConfig) *CheckoutService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if cfg.DirectWait <= 0 {
		cfg.DirectWait = 65 * time.Second
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "KRW"
	}
	return &CheckoutService{
		stores:     stores,
		reconciler: reconciler,
		gateway:    gateway,
		directPool: directPool,
		publisher:  publisher,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     factory.NewModuleLogger("checkout-service"),
	}
}

// CreateCheckout registers a PENDING attempt for a gateway payment the client
// just opened. A retry with the same gateway payment id returns the stored attempt.
func (s *CheckoutService) CreateCheckout(ctx context.Context, req createCheckoutRequest) (*entity.PaymentMethod, *entity.PaymentAttempt, error) {
	gatewayPaymentID := strings.TrimSpace(req.GetGatewayPaymentId())
	if gatewayPaymentID == "" || req.GetAmountCents() <= 0 {
		return nil, nil, ErrInvalidRequest
	}
	currency := strings.ToUpper(strings.TrimSpace(req.GetCurrency()))
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	existing, err := s.stores.Attempts.FindByGatewayPaymentID(ctx, gatewayPaymentID)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return s.existingCheckout(ctx, existing, req, currency)
	}

	now := s.now()
	var method *entity.PaymentMethod
	attempt := &entity.PaymentAttempt{
		GatewayPaymentID: gatewayPaymentID,
		Status:           entity.AttemptStatusPending,
		AmountCents:      req.GetAmountCents(),
		Currency:         currency,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		if id := req.GetPaymentMethodId(); id > 0 {
			found, err := s.stores.Methods.LockByID(ctx, id)
			if err != nil {
				return err
			}
			if found == nil {
				return ErrPaymentMethodNotFound
			}
			if found.Status == entity.MethodStatusCanceled {
				return ErrInvalidTransition
			}
			method = found
		} else {
			mode := entity.BillingMode(strings.ToUpper(strings.TrimSpace(req.GetBillingMode())))
			if mode == "" {
				mode = entity.BillingModeMonthly
			}
			subscriberID := strings.TrimSpace(req.GetSubscriberId())
			if !mode.Valid() || subscriberID == "" || req.GetTermMonths() < 0 {
				return ErrInvalidRequest
			}
			method = &entity.PaymentMethod{
				SubscriberID: subscriberID,
				BillingMode:  mode,
				TermMonths:   req.GetTermMonths(),
				Status:       entity.MethodStatusPending,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := s.stores.Methods.Create(ctx, method); err != nil {
				return err
			}
		}

		attempt.PaymentMethodID = method.ID
		if err := s.stores.Attempts.Create(ctx, attempt); err != nil {
			if errors.Is(err, repository.ErrPaymentAttemptAlreadyExists) {
				return ErrPaymentAttemptAlreadyExists
			}
			return err
		}
		return writeAudit(ctx, s.stores.Audit, attempt, entity.AttemptEventCreated, "", "", nil, now)
	})
	if errors.Is(err, ErrPaymentAttemptAlreadyExists) {
		// a concurrent checkout for the same payment committed first
		winner, findErr := s.stores.Attempts.FindByGatewayPaymentID(ctx, gatewayPaymentID)
		if findErr != nil {
			return nil, nil, findErr
		}
		if winner != nil {
			return s.existingCheckout(ctx, winner, req, currency)
		}
	}
	if err != nil {
		return nil, nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"gateway_payment_id": gatewayPaymentID,
		"payment_method_id":  method.ID,
	}).Info("checkout created")
	return method, attempt, nil
}

func (s *CheckoutService) existingCheckout(ctx context.Context, attempt *entity.PaymentAttempt, req createCheckoutRequest, currency string) (*entity.PaymentMethod, *entity.PaymentAttempt, error) {
	if attempt.AmountCents != req.GetAmountCents() || attempt.Currency != currency {
		return nil, nil, ErrPaymentAttemptAlreadyExists
	}
	if id := req.GetPaymentMethodId(); id > 0 && id != attempt.PaymentMethodID {
		return nil, nil, ErrPaymentAttemptAlreadyExists
	}
	method, err := s.stores.Methods.FindByID(ctx, attempt.PaymentMethodID)
	if err != nil {
		return nil, nil, err
	}
	if method == nil {
		return nil, nil, ErrPaymentMethodNotFound
	}
	return method, attempt, nil
}

// ConfirmDirect asks the gateway to confirm a payment on behalf of the client
// and applies the answer. When the call outlives ctx or the direct wait, the
// current state is returned with Pending set. The gateway call itself keeps
// running on the direct pool.
func (s *CheckoutService) ConfirmDirect(ctx context.Context, gatewayPaymentID string) (*DirectConfirmResult, error) {
	id := strings.TrimSpace(gatewayPaymentID)
	if id == "" {
		return nil, ErrInvalidRequest
	}

	attempt, err := s.stores.Attempts.FindByGatewayPaymentID(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, ErrPaymentAttemptNotFound
	}

	if !s.cfg.ImmediateEnabled {
		s.logger.WithField("gateway_payment_id", id).Info("direct confirmation disabled, waiting for webhook")
		return &DirectConfirmResult{Attempt: attempt, Pending: !attempt.Status.Settled(), Skipped: true}, nil
	}

	switch attempt.Status {
	case entity.AttemptStatusPending:
	case entity.AttemptStatusPaid:
		if ch := attempt.Channel(); ch == entity.ConfirmChannelDirect || ch == entity.ConfirmChannelBoth {
			return s.settledResult(ctx, attempt)
		}
	default:
		return s.settledResult(ctx, attempt)
	}

	resultCh := s.inflight.DoChan(id, func() (interface{}, error) {
		return s.submitDirect(attempt)
	})

	wait := time.NewTimer(s.cfg.DirectWait)
	defer wait.Stop()

	select {
	case res := <-resultCh:
		if res.Err != nil {
			if errors.Is(res.Err, ErrConflictingState) {
				return nil, res.Err
			}
			if errors.Is(res.Err, ErrGatewayUnavailable) {
				return s.pendingResult(ctx, id, attempt)
			}
			return nil, res.Err
		}
		applied := res.Val.(*ApplyResult)
		return &DirectConfirmResult{
			Attempt: applied.Attempt,
			Method:  applied.Method,
			Pending: !applied.Attempt.Status.Settled(),
		}, nil
	case <-ctx.Done():
		return s.pendingResult(context.WithoutCancel(ctx), id, attempt)
	case <-wait.C:
		return s.pendingResult(ctx, id, attempt)
	}
}

// submitDirect runs one gateway confirmation on the direct pool and waits for
// it. Callers sharing the singleflight key share its result.
func (s *CheckoutService) submitDirect(attempt *entity.PaymentAttempt) (*ApplyResult, error) {
	type outcome struct {
		result *ApplyResult
		err    error
	}
	done := make(chan outcome, 1)

	err := s.directPool.Submit(func(ctx context.Context) {
		result, err := s.confirmAndApply(ctx, attempt)
		done <- outcome{result: result, err: err}
	})
	if err != nil {
		if errors.Is(err, executor.ErrQueueFull) || errors.Is(err, executor.ErrPoolClosed) {
			return nil, fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return nil, err
	}

	out := <-done
	return out.result, out.err
}

func (s *CheckoutService) confirmAndApply(ctx context.Context, attempt *entity.PaymentAttempt) (*ApplyResult, error) {
	resp, err := s.gateway.Confirm(ctx, attempt.GatewayPaymentID, attempt.AmountCents, attempt.Currency)
	if err != nil {
		if errors.Is(err, provider.ErrGatewayUnavailable) || errors.Is(err, provider.ErrGatewayNotConfigured) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	return s.reconciler.Apply(ctx, Outcome{
		GatewayPaymentID: attempt.GatewayPaymentID,
		Channel:          entity.ConfirmChannelDirect,
		Kind:             OutcomeFromResult(resp.Result),
		Result:           resp.Result,
		Raw:              resp.Raw,
	})
}

func (s *CheckoutService) settledResult(ctx context.Context, attempt *entity.PaymentAttempt) (*DirectConfirmResult, error) {
	method, err := s.stores.Methods.FindByID(ctx, attempt.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	return &DirectConfirmResult{Attempt: attempt, Method: method, Pending: !attempt.Status.Settled()}, nil
}

func (s *CheckoutService) pendingResult(ctx context.Context, id string, fallback *entity.PaymentAttempt) (*DirectConfirmResult, error) {
	current, err := s.stores.Attempts.FindByGatewayPaymentID(ctx, id)
	if err != nil || current == nil {
		current = fallback
	}
	s.logger.WithField("gateway_payment_id", id).Info("direct confirmation still pending")
	return &DirectConfirmResult{Attempt: current, Pending: !current.Status.Settled()}, nil
}

func (s *CheckoutService) GetAttempt(ctx context.Context, gatewayPaymentID string) (*entity.PaymentAttempt, error) {
	id := strings.TrimSpace(gatewayPaymentID)
	if id == "" {
		return nil, ErrInvalidRequest
	}
	attempt, err := s.stores.Attempts.FindByGatewayPaymentID(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, ErrPaymentAttemptNotFound
	}
	return attempt, nil
}

func (s *CheckoutService) GetPaymentMethod(ctx context.Context, id uint64) (*entity.PaymentMethod, error) {
	if id == 0 {
		return nil, ErrInvalidRequest
	}
	method, err := s.stores.Methods.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if method == nil {
		return nil, ErrPaymentMethodNotFound
	}
	return method, nil
}

// CancelSubscription schedules cancellation at the end of the paid period.
func (s *CheckoutService) CancelSubscription(ctx context.Context, id uint64) (*entity.PaymentMethod, error) {
	if id == 0 {
		return nil, ErrInvalidRequest
	}

	var method *entity.PaymentMethod
	changed := false
	now := s.now()
	err := s.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		found, err := s.stores.Methods.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if found == nil {
			return ErrPaymentMethodNotFound
		}
		method = found
		if method.Status == entity.MethodStatusCancelScheduled {
			return nil
		}
		if !method.Status.CanTransitionTo(entity.MethodStatusCancelScheduled) {
			return ErrInvalidTransition
		}
		method.Status = entity.MethodStatusCancelScheduled
		method.UpdatedAt = now
		changed = true
		return s.stores.Methods.Update(ctx, method)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publishStatus(ctx, method, now)
	}
	return method, nil
}

func (s *CheckoutService) RunRolloverBatch(ctx context.Context) error {
	now := s.now()
	items, err := s.stores.Methods.ListCancelScheduledDue(ctx, now, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, item := range items {
		if item == nil {
			continue
		}
		var method *entity.PaymentMethod
		err := s.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
			found, err := s.stores.Methods.LockByID(ctx, item.ID)
			if err != nil || found == nil {
				return err
			}
			if found.Status != entity.MethodStatusCancelScheduled || found.CurrentPeriodEnd == nil || now.Before(*found.CurrentPeriodEnd) {
				return nil
			}
			found.Status = entity.MethodStatusCanceled
			found.UpdatedAt = now
			method = found
			return s.stores.Methods.Update(ctx, found)
		})
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if method != nil {
			s.publishStatus(ctx, method, now)
		}
	}

	return firstErr
}

// RunReconcileBatch asks the gateway about attempts that stayed PENDING past
// the stale threshold.
func (s *CheckoutService) RunReconcileBatch(ctx context.Context) error {
	if !s.cfg.ImmediateEnabled {
		return nil
	}
	staleAfter := s.cfg.ReconcileStaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}

	items, err := s.stores.Attempts.ListStalePending(ctx, s.now().Add(-staleAfter), s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, attempt := range items {
		if attempt == nil {
			continue
		}
		if _, err := s.confirmAndApply(ctx, attempt); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func (s *CheckoutService) publishStatus(ctx context.Context, method *entity.PaymentMethod, now time.Time) {
	box := &outbox{}
	box.add(events.Event{
		Type:            events.TypeSubscriptionStatus,
		PaymentMethodID: method.ID,
		Status:          string(method.Status),
		PeriodEnd:       method.CurrentPeriodEnd,
		OccurredAt:      now,
	})
	box.flush(ctx, s.publisher, s.logger)
}

func (s *CheckoutService) batchSize() int32 {
	if s.cfg.BatchSize <= 0 {
		return 100
	}
	return s.cfg.BatchSize
}
