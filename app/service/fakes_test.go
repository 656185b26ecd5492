package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/billing"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/events"
	"github.com/vibast-solutions/ms-go-billing/app/executor"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
)

type memoryStore struct {
	mu       sync.Mutex
	methods  map[uint64]entity.PaymentMethod
	attempts map[uint64]entity.PaymentAttempt
	refunds  map[uint64]entity.RefundRequest
	webhooks map[uint64]entity.WebhookEvent
	audit    []entity.AttemptEvent
	auditErr error
	nextID   uint64

	// beforeAttemptCreate runs once, ahead of the next attempt insert.
	beforeAttemptCreate func()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		methods:  make(map[uint64]entity.PaymentMethod),
		attempts: make(map[uint64]entity.PaymentAttempt),
		refunds:  make(map[uint64]entity.RefundRequest),
		webhooks: make(map[uint64]entity.WebhookEvent),
	}
}

func (m *memoryStore) stores() Stores {
	return Stores{
		Tx:       fakeTx{},
		Methods:  (*memoryMethods)(m),
		Attempts: (*memoryAttempts)(m),
		Refunds:  (*memoryRefunds)(m),
		Webhooks: (*memoryWebhooks)(m),
		Audit:    (*memoryAudit)(m),
	}
}

func (m *memoryStore) id() uint64 {
	m.nextID++
	return m.nextID
}

func (m *memoryStore) method(id uint64) entity.PaymentMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.methods[id]
}

func (m *memoryStore) attempt(gatewayPaymentID string) entity.PaymentAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.attempts {
		if item.GatewayPaymentID == gatewayPaymentID {
			return item
		}
	}
	return entity.PaymentAttempt{}
}

func (m *memoryStore) refundsFor(attemptID uint64) []entity.RefundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entity.RefundRequest, 0)
	for _, item := range m.refunds {
		if item.PaymentAttemptID == attemptID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memoryStore) webhook(id uint64) entity.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhooks[id]
}

func (m *memoryStore) auditCount(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, item := range m.audit {
		if item.EventType == eventType {
			count++
		}
	}
	return count
}

type fakeTx struct{}

func (fakeTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memoryMethods memoryStore

func (r *memoryMethods) Create(_ context.Context, method *entity.PaymentMethod) error {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	method.ID = m.id()
	m.methods[method.ID] = *method
	return nil
}

func (r *memoryMethods) Update(_ context.Context, method *entity.PaymentMethod) error {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method.ID] = *method
	return nil
}

func (r *memoryMethods) FindByID(_ context.Context, id uint64) (*entity.PaymentMethod, error) {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.methods[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (r *memoryMethods) LockByID(ctx context.Context, id uint64) (*entity.PaymentMethod, error) {
	return r.FindByID(ctx, id)
}

func (r *memoryMethods) ListCancelScheduledDue(_ context.Context, now time.Time, limit int32) ([]*entity.PaymentMethod, error) {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entity.PaymentMethod, 0)
	for _, item := range m.methods {
		if item.Status == entity.MethodStatusCancelScheduled && item.CurrentPeriodEnd != nil && !now.Before(*item.CurrentPeriodEnd) {
			copied := item
			out = append(out, &copied)
		}
	}
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryAttempts memoryStore

func (r *memoryAttempts) Create(_ context.Context, attempt *entity.PaymentAttempt) error {
	m := (*memoryStore)(r)
	m.mu.Lock()
	hook := m.beforeAttemptCreate
	m.beforeAttemptCreate = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.attempts {
		if item.GatewayPaymentID == attempt.GatewayPaymentID {
			return repository.ErrPaymentAttemptAlreadyExists
		}
	}
	attempt.ID = m.id()
	m.attempts[attempt.ID] = *attempt
	return nil
}

func (r *memoryAttempts) Update(_ context.Context, attempt *entity.PaymentAttempt) error {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attempt.ID] = *attempt
	return nil
}

func (r *memoryAttempts) FindByID(_ context.Context, id uint64) (*entity.PaymentAttempt, error) {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.attempts[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (r *memoryAttempts) FindByGatewayPaymentID(_ context.Context, gatewayPaymentID string) (*entity.PaymentAttempt, error) {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.attempts {
		if item.GatewayPaymentID == gatewayPaymentID {
			copied := item
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memoryAttempts) LockByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*entity.PaymentAttempt, error) {
	return r.FindByGatewayPaymentID(ctx, gatewayPaymentID)
}

func (r *memoryAttempts) LockByID(ctx context.Context, id uint64) (*entity.PaymentAttempt, error) {
	return r.FindByID(ctx, id)
}

func (r *memoryAttempts) FindLatestSettledForMethod(_ context.Context, methodID uint64) (*entity.PaymentAttempt, error) {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *entity.PaymentAttempt
	for _, item := range m.attempts {
		if item.PaymentMethodID != methodID || item.PaidAt == nil {
			continue
		}
		if latest == nil || item.PaidAt.After(*latest.PaidAt) || (item.PaidAt.Equal(*latest.PaidAt) && item.ID > latest.ID) {
			copied := item
			latest = &copied
		}
	}
	return latest, nil
}

func (r *memoryAttempts) ListStalePending(_ context.Context, before time.Time, limit int32) ([]*entity.PaymentAttempt, error) {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entity.PaymentAttempt, 0)
	for _, item := range m.attempts {
		if item.Status == entity.AttemptStatusPending && !item.CreatedAt.After(before) {
			copied := item
			out = append(out, &copied)
		}
	}
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryRefunds memoryStore

func (r *memoryRefunds) Create(_ context.Context, refund *entity.RefundRequest) error {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.refunds {
		if item.IdempotencyKey == refund.IdempotencyKey {
			return repository.ErrRefundRequestAlreadyExists
		}
	}
	refund.ID = m.id()
	m.refunds[refund.ID] = *refund
	return nil
}

func (r *memoryRefunds) Update(_ context.Context, refund *entity.RefundRequest) error {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds[refund.ID] = *refund
	return nil
}

func (r *memoryRefunds) FindByID(_ context.Context, id uint64) (*entity.RefundRequest, error) {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.refunds[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (r *memoryRefunds) FindByIdempotencyKey(_ context.Context, key string) (*entity.RefundRequest, error) {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.refunds {
		if item.IdempotencyKey == key {
			copied := item
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memoryRefunds) ListByAttempt(_ context.Context, attemptID uint64) ([]*entity.RefundRequest, error) {
	items := (*memoryStore)(r).refundsFor(attemptID)
	out := make([]*entity.RefundRequest, 0, len(items))
	for i := range items {
		out = append(out, &items[i])
	}
	return out, nil
}

type memoryWebhooks memoryStore

func (r *memoryWebhooks) Create(_ context.Context, event *entity.WebhookEvent) error {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = m.id()
	m.webhooks[event.ID] = *event
	return nil
}

func (r *memoryWebhooks) Update(_ context.Context, event *entity.WebhookEvent) error {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[event.ID] = *event
	return nil
}

func (r *memoryWebhooks) FindByID(_ context.Context, id uint64) (*entity.WebhookEvent, error) {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.webhooks[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (r *memoryWebhooks) ListPendingReplay(_ context.Context, before time.Time, maxAttempts int32, limit int32) ([]*entity.WebhookEvent, error) {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entity.WebhookEvent, 0)
	for _, item := range m.webhooks {
		if item.Status == entity.WebhookStatusReceived && !item.UpdatedAt.After(before) && item.Attempts < maxAttempts {
			copied := item
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryAudit memoryStore

func (r *memoryAudit) Create(_ context.Context, event *entity.AttemptEvent) error {
	m := (*memoryStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditErr != nil {
		return m.auditErr
	}
	event.ID = m.id()
	m.audit = append(m.audit, *event)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, event := range p.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

type fakeGateway struct {
	mu          sync.Mutex
	confirm     func(ctx context.Context, paymentID string) (*provider.GatewayResponse, error)
	cancel      func(ctx context.Context, paymentID string, amount *int64) (*provider.GatewayResponse, error)
	confirmHits int
	cancelHits  int
}

func (g *fakeGateway) Confirm(ctx context.Context, paymentID string, _ int64, _ string) (*provider.GatewayResponse, error) {
	g.mu.Lock()
	g.confirmHits++
	fn := g.confirm
	g.mu.Unlock()
	if fn == nil {
		return &provider.GatewayResponse{Result: entity.GatewayResultSuccess, StatusCode: 200, Raw: []byte(`{"status":"paid"}`)}, nil
	}
	return fn(ctx, paymentID)
}

func (g *fakeGateway) CancelOrRefund(ctx context.Context, paymentID string, amount *int64) (*provider.GatewayResponse, error) {
	g.mu.Lock()
	g.cancelHits++
	fn := g.cancel
	g.mu.Unlock()
	if fn == nil {
		return &provider.GatewayResponse{Result: entity.GatewayResultSuccess, StatusCode: 200, Raw: []byte(`{"status":"cancelled"}`)}, nil
	}
	return fn(ctx, paymentID, amount)
}

func (g *fakeGateway) hits() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.confirmHits, g.cancelHits
}

// inlinePool runs submitted tasks synchronously unless full is set.
type inlinePool struct {
	full bool
}

func (p *inlinePool) Submit(task executor.Task) error {
	if p.full {
		return executor.ErrQueueFull
	}
	task(context.Background())
	return nil
}

var seoul = mustLoadLocation("Asia/Seoul")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

type testEnv struct {
	store      *memoryStore
	publisher  *recordingPublisher
	gateway    *fakeGateway
	reconciler *Reconciler
	refunds    *RefundWorkflow
	checkout   *CheckoutService
	clock      *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestEnv(immediate bool) *testEnv {
	store := newMemoryStore()
	publisher := &recordingPublisher{}
	gateway := &fakeGateway{}
	clock := &testClock{now: time.Date(2024, 1, 31, 1, 0, 0, 0, time.UTC)}

	reconciler := NewReconciler(store.stores(), billing.NewCalculator(seoul), provider.DefaultExtractor(), publisher, ReconcilerConfig{
		AdminConsoleURL:   "https://admin.pg.test",
		PrepaidTermMonths: 12,
	})
	reconciler.now = clock.Now

	refunds := NewRefundWorkflow(store.stores(), reconciler, gateway, publisher)
	refunds.now = clock.Now

	checkout := NewCheckoutService(store.stores(), reconciler, gateway, &inlinePool{}, publisher, CheckoutConfig{
		ImmediateEnabled: immediate,
		DefaultCurrency:  "KRW",
		DirectWait:       time.Second,
	})
	checkout.now = clock.Now

	return &testEnv{
		store:      store,
		publisher:  publisher,
		gateway:    gateway,
		reconciler: reconciler,
		refunds:    refunds,
		checkout:   checkout,
		clock:      clock,
	}
}

type checkoutInput struct {
	subscriberID     string
	methodID         uint64
	mode             string
	termMonths       int32
	gatewayPaymentID string
	amount           int64
	currency         string
}

func (c checkoutInput) GetSubscriberId() string     { return c.subscriberID }
func (c checkoutInput) GetPaymentMethodId() uint64  { return c.methodID }
func (c checkoutInput) GetBillingMode() string      { return c.mode }
func (c checkoutInput) GetTermMonths() int32        { return c.termMonths }
func (c checkoutInput) GetGatewayPaymentId() string { return c.gatewayPaymentID }
func (c checkoutInput) GetAmountCents() int64       { return c.amount }
func (c checkoutInput) GetCurrency() string         { return c.currency }

func (e *testEnv) newCheckout(t *testing.T, gatewayPaymentID string, methodID uint64) (*entity.PaymentMethod, *entity.PaymentAttempt) {
	t.Helper()
	method, attempt, err := e.checkout.CreateCheckout(context.Background(), checkoutInput{
		subscriberID:     "sub-1",
		methodID:         methodID,
		mode:             "MONTHLY",
		gatewayPaymentID: gatewayPaymentID,
		amount:           9900,
		currency:         "krw",
	})
	if err != nil {
		t.Fatalf("create checkout failed: %v", err)
	}
	return method, attempt
}

func paidOutcome(gatewayPaymentID string, channel entity.ConfirmChannel) Outcome {
	return Outcome{
		GatewayPaymentID: gatewayPaymentID,
		Channel:          channel,
		Kind:             OutcomePaid,
		Result:           entity.GatewayResultSuccess,
		Raw:              []byte(`{"status":"paid","card":{"bin":"411111","last4":"1234","brand":"visa"},"receipt_url":"https://pg.test/r/1"}`),
	}
}
