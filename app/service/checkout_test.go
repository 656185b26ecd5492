package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/executor"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
)

func TestCreateCheckoutIsIdempotentPerGatewayPayment(t *testing.T) {
	env := newTestEnv(true)
	method, attempt := env.newCheckout(t, "pay_1", 0)

	if method.Status != entity.MethodStatusPending || attempt.Status != entity.AttemptStatusPending {
		t.Fatalf("unexpected initial state: %s %s", method.Status, attempt.Status)
	}
	if attempt.Currency != "KRW" {
		t.Fatalf("expected normalized currency, got %s", attempt.Currency)
	}

	_, again := env.newCheckout(t, "pay_1", 0)
	if again.ID != attempt.ID {
		t.Fatalf("expected retry to return attempt %d, got %d", attempt.ID, again.ID)
	}

	_, _, err := env.checkout.CreateCheckout(context.Background(), checkoutInput{
		subscriberID:     "sub-1",
		gatewayPaymentID: "pay_1",
		amount:           1,
	})
	if !errors.Is(err, ErrPaymentAttemptAlreadyExists) {
		t.Fatalf("expected ErrPaymentAttemptAlreadyExists, got %v", err)
	}
}

func TestCreateCheckoutLosingConcurrentInsertReturnsStoredAttempt(t *testing.T) {
	env := newTestEnv(true)
	var winner *entity.PaymentAttempt
	env.store.beforeAttemptCreate = func() {
		_, winner = env.newCheckout(t, "pay_1", 0)
	}

	method, attempt := env.newCheckout(t, "pay_1", 0)
	if winner == nil || attempt.ID != winner.ID {
		t.Fatalf("expected stored attempt %+v, got %+v", winner, attempt)
	}
	if method.ID != winner.PaymentMethodID {
		t.Fatalf("expected method %d, got %d", winner.PaymentMethodID, method.ID)
	}

	env.store.beforeAttemptCreate = func() {
		env.newCheckout(t, "pay_2", 0)
	}
	_, _, err := env.checkout.CreateCheckout(context.Background(), checkoutInput{
		subscriberID:     "sub-1",
		gatewayPaymentID: "pay_2",
		amount:           1,
	})
	if !errors.Is(err, ErrPaymentAttemptAlreadyExists) {
		t.Fatalf("expected mismatched amount to conflict, got %v", err)
	}
}

func TestCreateCheckoutValidation(t *testing.T) {
	env := newTestEnv(true)
	cases := []checkoutInput{
		{subscriberID: "sub-1", amount: 100},
		{subscriberID: "sub-1", gatewayPaymentID: "pay_1"},
		{gatewayPaymentID: "pay_1", amount: 100},
		{subscriberID: "sub-1", gatewayPaymentID: "pay_1", amount: 100, mode: "WEEKLY"},
	}
	for _, input := range cases {
		if _, _, err := env.checkout.CreateCheckout(context.Background(), input); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for %+v, got %v", input, err)
		}
	}

	_, _, err := env.checkout.CreateCheckout(context.Background(), checkoutInput{methodID: 42, gatewayPaymentID: "pay_2", amount: 100})
	if !errors.Is(err, ErrPaymentMethodNotFound) {
		t.Fatalf("expected ErrPaymentMethodNotFound, got %v", err)
	}
}

func TestConfirmDirectSettlesAttempt(t *testing.T) {
	env := newTestEnv(true)
	method, _ := env.newCheckout(t, "pay_1", 0)

	result, err := env.checkout.ConfirmDirect(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if result.Pending || result.Attempt.Status != entity.AttemptStatusPaid {
		t.Fatalf("expected PAID result, got %+v", result)
	}
	if result.Attempt.Channel() != entity.ConfirmChannelDirect {
		t.Fatalf("expected DIRECT channel, got %s", result.Attempt.Channel())
	}
	if got := env.store.method(method.ID).Status; got != entity.MethodStatusActive {
		t.Fatalf("expected ACTIVE method, got %s", got)
	}

	if _, err := env.checkout.ConfirmDirect(context.Background(), "pay_1"); err != nil {
		t.Fatalf("second confirm failed: %v", err)
	}
	if confirms, _ := env.gateway.hits(); confirms != 1 {
		t.Fatalf("expected a single gateway call, got %d", confirms)
	}
}

func TestConfirmDirectDisabledHasNoEffect(t *testing.T) {
	env := newTestEnv(false)
	method, _ := env.newCheckout(t, "pay_1", 0)
	auditBefore := len(env.store.audit)

	result, err := env.checkout.ConfirmDirect(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if !result.Skipped || !result.Pending {
		t.Fatalf("expected skipped pending result, got %+v", result)
	}
	if confirms, _ := env.gateway.hits(); confirms != 0 {
		t.Fatalf("expected no gateway call, got %d", confirms)
	}
	if len(env.store.audit) != auditBefore {
		t.Fatal("expected no audit writes while direct confirmation is disabled")
	}
	if got := env.store.attempt("pay_1").Status; got != entity.AttemptStatusPending {
		t.Fatalf("expected PENDING, got %s", got)
	}

	if _, err := env.reconciler.Apply(context.Background(), paidOutcome("pay_1", entity.ConfirmChannelWebhook)); err != nil {
		t.Fatalf("webhook apply failed: %v", err)
	}
	if got := env.store.method(method.ID).Status; got != entity.MethodStatusActive {
		t.Fatalf("expected webhook to activate the method, got %s", got)
	}
}

func TestConfirmDirectGatewayUnavailableLeavesPending(t *testing.T) {
	env := newTestEnv(true)
	env.newCheckout(t, "pay_1", 0)
	env.gateway.confirm = func(context.Context, string) (*provider.GatewayResponse, error) {
		return nil, provider.ErrGatewayUnavailable
	}

	result, err := env.checkout.ConfirmDirect(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("expected pending result, got %v", err)
	}
	if !result.Pending || result.Attempt.Status != entity.AttemptStatusPending {
		t.Fatalf("expected PENDING result, got %+v", result)
	}
}

func TestConfirmDirectTimeoutIsNotFailure(t *testing.T) {
	env := newTestEnv(true)
	method, _ := env.newCheckout(t, "pay_1", 0)
	env.gateway.confirm = func(context.Context, string) (*provider.GatewayResponse, error) {
		return &provider.GatewayResponse{Result: entity.GatewayResultTimeout}, nil
	}

	result, err := env.checkout.ConfirmDirect(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if !result.Pending {
		t.Fatalf("expected pending result, got %+v", result)
	}
	stored := env.store.method(method.ID)
	if stored.Status != entity.MethodStatusPending || stored.CurrentPeriodEnd != nil {
		t.Fatalf("timeout changed the payment method: %+v", stored)
	}
}

func TestConfirmDirectQueueFull(t *testing.T) {
	env := newTestEnv(true)
	env.newCheckout(t, "pay_1", 0)
	env.checkout.directPool = &inlinePool{full: true}

	if _, err := env.checkout.ConfirmDirect(context.Background(), "pay_1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestConfirmDirectReturnsPendingWhenCallerGivesUp(t *testing.T) {
	env := newTestEnv(true)
	env.newCheckout(t, "pay_1", 0)
	pool := executor.NewPool("direct-test", 1, 1)
	defer func() { _ = pool.Shutdown(context.Background()) }()
	env.checkout.directPool = pool

	release := make(chan struct{})
	env.gateway.confirm = func(context.Context, string) (*provider.GatewayResponse, error) {
		<-release
		return &provider.GatewayResponse{Result: entity.GatewayResultSuccess, Raw: []byte(`{"status":"paid"}`)}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := env.checkout.ConfirmDirect(ctx, "pay_1")
	if err != nil {
		t.Fatalf("expected pending result, got %v", err)
	}
	if !result.Pending {
		t.Fatalf("expected pending result, got %+v", result)
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for env.store.attempt("pay_1").Status != entity.AttemptStatusPaid {
		if time.Now().After(deadline) {
			t.Fatal("expected background confirmation to settle the attempt")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelSubscriptionAndRollover(t *testing.T) {
	env := newTestEnv(true)
	method, _ := env.newCheckout(t, "pay_1", 0)

	if _, err := env.checkout.CancelSubscription(context.Background(), method.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected PENDING method to refuse cancellation, got %v", err)
	}

	if _, err := env.reconciler.Apply(context.Background(), paidOutcome("pay_1", entity.ConfirmChannelWebhook)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	active, _ := env.newCheckout(t, "pay_2", 0)
	if _, err := env.reconciler.Apply(context.Background(), paidOutcome("pay_2", entity.ConfirmChannelWebhook)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	canceled, err := env.checkout.CancelSubscription(context.Background(), method.ID)
	if err != nil || canceled.Status != entity.MethodStatusCancelScheduled {
		t.Fatalf("expected CANCEL_SCHEDULED, got %+v %v", canceled, err)
	}

	if err := env.checkout.RunRolloverBatch(context.Background()); err != nil {
		t.Fatalf("rollover failed: %v", err)
	}
	if got := env.store.method(method.ID).Status; got != entity.MethodStatusCancelScheduled {
		t.Fatalf("expected cancellation to wait for period end, got %s", got)
	}

	env.clock.Set(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	if err := env.checkout.RunRolloverBatch(context.Background()); err != nil {
		t.Fatalf("rollover failed: %v", err)
	}
	if got := env.store.method(method.ID).Status; got != entity.MethodStatusCanceled {
		t.Fatalf("expected CANCELED after period end, got %s", got)
	}
	if got := env.store.method(active.ID).Status; got != entity.MethodStatusActive {
		t.Fatalf("expected rollover to leave lapsed ACTIVE methods alone, got %s", got)
	}
}

func TestRunReconcileBatchSettlesStaleAttempts(t *testing.T) {
	env := newTestEnv(true)
	env.newCheckout(t, "pay_1", 0)

	if err := env.checkout.RunReconcileBatch(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if confirms, _ := env.gateway.hits(); confirms != 0 {
		t.Fatalf("expected fresh attempts to be skipped, got %d calls", confirms)
	}

	env.clock.Set(env.clock.Now().Add(time.Hour))
	if err := env.checkout.RunReconcileBatch(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if got := env.store.attempt("pay_1").Status; got != entity.AttemptStatusPaid {
		t.Fatalf("expected stale attempt to settle, got %s", got)
	}
}
