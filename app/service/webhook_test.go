package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/events"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
)

const testWebhookSecret = "whsec_test"

type webhookEnv struct {
	*testEnv
	verifier *provider.WebhookVerifier
	pool     *inlinePool
	webhooks *WebhookService
}

func newWebhookEnv(t *testing.T) *webhookEnv {
	t.Helper()
	env := newTestEnv(true)
	verifier := provider.NewWebhookVerifier(testWebhookSecret, 5*time.Minute)
	pool := &inlinePool{}
	webhooks := NewWebhookService(env.store.stores(), verifier, env.reconciler, env.refunds, pool, WebhookConfig{})
	webhooks.now = env.clock.Now
	return &webhookEnv{testEnv: env, verifier: verifier, pool: pool, webhooks: webhooks}
}

func (e *webhookEnv) deliver(t *testing.T, body string) entity.WebhookEvent {
	t.Helper()
	ts := strconv.FormatInt(e.clock.Now().Unix(), 10)
	return e.deliverSigned(t, body, e.verifier.Sign([]byte(body), ts), ts)
}

func (e *webhookEnv) deliverSigned(t *testing.T, body, signature, ts string) entity.WebhookEvent {
	t.Helper()
	event, err := e.webhooks.Ingest(context.Background(), []byte(body), signature, ts)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	return e.store.webhook(event.ID)
}

func TestWebhookPaidSettlesAttempt(t *testing.T) {
	env := newWebhookEnv(t)
	method, _ := env.newCheckout(t, "pay_1", 0)

	row := env.deliver(t, `{"event_id":"evt_1","type":"payment.paid","payment_id":"pay_1","amount":9900,"data":{"status":"paid","card":{"last4":"4242"}}}`)
	if row.Status != entity.WebhookStatusProcessed {
		t.Fatalf("expected PROCESSED, got %s (%v)", row.Status, row.Error)
	}
	if row.ProviderEventID == nil || *row.ProviderEventID != "evt_1" {
		t.Fatalf("expected provider event id recorded, got %v", row.ProviderEventID)
	}

	attempt := env.store.attempt("pay_1")
	if attempt.Status != entity.AttemptStatusPaid || attempt.Channel() != entity.ConfirmChannelWebhook {
		t.Fatalf("unexpected attempt: %s %s", attempt.Status, attempt.Channel())
	}
	stored := env.store.method(method.ID)
	if stored.CardLast4 == nil || *stored.CardLast4 != "4242" {
		t.Fatalf("expected card details from the webhook data, got %v", stored.CardLast4)
	}
}

func TestWebhookDuplicateDeliveriesSettleOnce(t *testing.T) {
	env := newWebhookEnv(t)
	method, _ := env.newCheckout(t, "pay_1", 0)
	body := `{"event_id":"evt_1","type":"payment.paid","payment_id":"pay_1"}`

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := strconv.FormatInt(env.clock.Now().Unix(), 10)
			if _, err := env.webhooks.Ingest(context.Background(), []byte(body), env.verifier.Sign([]byte(body), ts), ts); err != nil {
				t.Errorf("ingest failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := env.store.auditCount(entity.AttemptEventPaid); got != 1 {
		t.Fatalf("expected one paid transition, got %d", got)
	}
	want := time.Date(2024, 2, 29, 1, 0, 0, 0, time.UTC)
	if got := env.store.method(method.ID).CurrentPeriodEnd; got == nil || !got.Equal(want) {
		t.Fatalf("expected period end %v, got %v", want, got)
	}
}

func TestWebhookAuthenticationFailuresAreRejected(t *testing.T) {
	env := newWebhookEnv(t)
	env.newCheckout(t, "pay_1", 0)
	body := `{"type":"payment.paid","payment_id":"pay_1"}`

	now := env.clock.Now()
	fresh := strconv.FormatInt(now.Unix(), 10)
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)

	cases := map[string]struct {
		body      string
		signature string
		ts        string
	}{
		"tampered body": {body: `{"type":"payment.paid","payment_id":"pay_2"}`, signature: env.verifier.Sign([]byte(body), fresh), ts: fresh},
		"stale":         {body: body, signature: env.verifier.Sign([]byte(body), stale), ts: stale},
		"unsigned":      {body: body, ts: fresh},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			row := env.deliverSigned(t, tc.body, tc.signature, tc.ts)
			if row.Status != entity.WebhookStatusRejected {
				t.Fatalf("expected REJECTED, got %s", row.Status)
			}
		})
	}

	if got := env.store.attempt("pay_1").Status; got != entity.AttemptStatusPending {
		t.Fatalf("rejected deliveries changed the attempt: %s", got)
	}
}

func TestWebhookMalformedAndUnknown(t *testing.T) {
	env := newWebhookEnv(t)
	env.newCheckout(t, "pay_1", 0)

	if row := env.deliver(t, `{"type":`); row.Status != entity.WebhookStatusInvalid {
		t.Fatalf("expected INVALID for malformed body, got %s", row.Status)
	}
	if row := env.deliver(t, `{"type":"payment.paid"}`); row.Status != entity.WebhookStatusInvalid {
		t.Fatalf("expected INVALID without payment id, got %s", row.Status)
	}
	if row := env.deliver(t, `{"type":"payout.created","payment_id":"pay_1"}`); row.Status != entity.WebhookStatusIgnored {
		t.Fatalf("expected IGNORED for unknown type, got %s", row.Status)
	}
	if row := env.deliver(t, `{"type":"payment.paid","payment_id":"pay_404"}`); row.Status != entity.WebhookStatusIgnored {
		t.Fatalf("expected IGNORED for unknown payment, got %s", row.Status)
	}
	if got := env.store.attempt("pay_1").Status; got != entity.AttemptStatusPending {
		t.Fatalf("expected PENDING, got %s", got)
	}
}

func TestWebhookConflictIsRecorded(t *testing.T) {
	env := newWebhookEnv(t)
	env.newCheckout(t, "pay_1", 0)

	if row := env.deliver(t, `{"type":"payment.failed","payment_id":"pay_1"}`); row.Status != entity.WebhookStatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", row.Status)
	}
	row := env.deliver(t, `{"type":"payment.paid","payment_id":"pay_1"}`)
	if row.Status != entity.WebhookStatusConflict {
		t.Fatalf("expected CONFLICT, got %s", row.Status)
	}
	if got := env.store.attempt("pay_1").Status; got != entity.AttemptStatusFailed {
		t.Fatalf("expected FAILED to stand, got %s", got)
	}
}

func TestWebhookLeftForReplayWhenPoolIsFull(t *testing.T) {
	env := newWebhookEnv(t)
	env.newCheckout(t, "pay_1", 0)
	env.pool.full = true

	row := env.deliver(t, `{"type":"payment.paid","payment_id":"pay_1"}`)
	if row.Status != entity.WebhookStatusReceived {
		t.Fatalf("expected RECEIVED, got %s", row.Status)
	}

	if err := env.webhooks.RunReplayBatch(context.Background()); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if got := env.store.webhook(row.ID).Status; got != entity.WebhookStatusReceived {
		t.Fatalf("expected young row to wait, got %s", got)
	}

	env.clock.Set(env.clock.Now().Add(time.Hour))
	if err := env.webhooks.RunReplayBatch(context.Background()); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if got := env.store.webhook(row.ID).Status; got != entity.WebhookStatusProcessed {
		t.Fatalf("expected replay to process the row, got %s", got)
	}
	if got := env.store.attempt("pay_1").Status; got != entity.AttemptStatusPaid {
		t.Fatalf("expected PAID, got %s", got)
	}
}

type flakyAttempts struct {
	paymentAttemptRepository
	mu    sync.Mutex
	fails int
}

func (f *flakyAttempts) LockByGatewayPaymentID(ctx context.Context, id string) (*entity.PaymentAttempt, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.paymentAttemptRepository.LockByGatewayPaymentID(ctx, id)
}

func TestWebhookTransientFailureKeepsRow(t *testing.T) {
	env := newWebhookEnv(t)
	env.newCheckout(t, "pay_1", 0)

	stores := env.store.stores()
	stores.Attempts = &flakyAttempts{paymentAttemptRepository: stores.Attempts, fails: 1}
	env.reconciler.stores = stores

	row := env.deliver(t, `{"type":"payment.paid","payment_id":"pay_1"}`)
	if row.Status != entity.WebhookStatusReceived || row.Attempts != 1 || row.Error == nil {
		t.Fatalf("expected RECEIVED row with error, got %+v", row)
	}

	env.clock.Set(env.clock.Now().Add(time.Hour))
	if err := env.webhooks.RunReplayBatch(context.Background()); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if got := env.store.webhook(row.ID); got.Status != entity.WebhookStatusProcessed || got.Attempts != 2 {
		t.Fatalf("expected PROCESSED on second attempt, got %s after %d", got.Status, got.Attempts)
	}
}

func TestWebhookCancelCompletesProcessingRefund(t *testing.T) {
	env := newWebhookEnv(t)
	env.newCheckout(t, "pay_1", 0)
	env.deliver(t, `{"type":"payment.paid","payment_id":"pay_1"}`)
	env.gateway.cancel = func(context.Context, string, *int64) (*provider.GatewayResponse, error) {
		return &provider.GatewayResponse{Result: entity.GatewayResultAccepted}, nil
	}
	refund := processRefund(t, env.testEnv, refundInput{gatewayPaymentID: "pay_1", refundType: "FULL"})

	row := env.deliver(t, `{"type":"payment.cancelled","payment_id":"pay_1"}`)
	if row.Status != entity.WebhookStatusProcessed {
		t.Fatalf("expected PROCESSED, got %s (%v)", row.Status, row.Error)
	}
	if got, _ := env.refunds.Get(context.Background(), refund.ID); got.Status != entity.RefundStatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", got.Status)
	}

	row = env.deliver(t, `{"type":"payment.cancelled","payment_id":"pay_1"}`)
	if row.Status != entity.WebhookStatusProcessed {
		t.Fatalf("expected duplicate cancel to be absorbed, got %s", row.Status)
	}
}

func TestWebhookDuplicateCancelAfterPartialRefund(t *testing.T) {
	env := newWebhookEnv(t)
	env.newCheckout(t, "pay_1", 0)
	env.deliver(t, `{"type":"payment.paid","payment_id":"pay_1"}`)
	env.gateway.cancel = func(context.Context, string, *int64) (*provider.GatewayResponse, error) {
		return &provider.GatewayResponse{Result: entity.GatewayResultAccepted}, nil
	}
	refund := processRefund(t, env.testEnv, refundInput{gatewayPaymentID: "pay_1", refundType: "PARTIAL", amount: 3000})
	if refund.Status != entity.RefundStatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", refund.Status)
	}

	for i := 0; i < 2; i++ {
		row := env.deliver(t, `{"type":"payment.cancelled","payment_id":"pay_1"}`)
		if row.Status != entity.WebhookStatusProcessed {
			t.Fatalf("delivery %d: expected PROCESSED, got %s (%v)", i, row.Status, row.Error)
		}
	}

	attempt := env.store.attempt("pay_1")
	if attempt.Status != entity.AttemptStatusPaid || attempt.RefundedCents != 3000 {
		t.Fatalf("unexpected attempt: %s %d", attempt.Status, attempt.RefundedCents)
	}
	if got := env.publisher.count(events.TypeConflictAlert); got != 0 {
		t.Fatalf("expected no conflict alerts, got %d", got)
	}
}

func TestWebhookChargebackLifecycle(t *testing.T) {
	env := newWebhookEnv(t)
	env.newCheckout(t, "pay_1", 0)
	env.deliver(t, `{"type":"payment.paid","payment_id":"pay_1"}`)

	if row := env.deliver(t, `{"event_id":"evt_cb","type":"payment.chargeback","payment_id":"pay_1"}`); row.Status != entity.WebhookStatusProcessed {
		t.Fatalf("expected PROCESSED, got %s (%v)", row.Status, row.Error)
	}
	if row := env.deliver(t, `{"type":"payment.chargeback.resolved","payment_id":"pay_1","resolution":"won"}`); row.Status != entity.WebhookStatusProcessed {
		t.Fatalf("expected PROCESSED, got %s (%v)", row.Status, row.Error)
	}
	if row := env.deliver(t, `{"type":"payment.chargeback.resolved","payment_id":"pay_1","resolution":"maybe"}`); row.Status != entity.WebhookStatusInvalid {
		t.Fatalf("expected INVALID resolution, got %s", row.Status)
	}
	if got := env.store.attempt("pay_1").Status; got != entity.AttemptStatusPaid {
		t.Fatalf("expected PAID, got %s", got)
	}
}
