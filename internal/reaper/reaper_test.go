package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paidpost/internal/config"
	"paidpost/internal/events"
	"paidpost/internal/log"
	"paidpost/internal/metrics"
	"paidpost/internal/payment"
	"paidpost/internal/pending"
	"paidpost/internal/provider"
	"paidpost/internal/reconcile"
	"paidpost/internal/store"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu        sync.Mutex
	payments  map[string]provider.Payment
	queryErr  error
	cancelErr error
	queries   int
	cancels   int
}

func (p *fakeProvider) QueryPayment(_ context.Context, id string) (provider.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries++
	if p.queryErr != nil {
		return provider.Payment{}, p.queryErr
	}
	pay, ok := p.payments[id]
	if !ok {
		return provider.Payment{}, provider.ErrPaymentNotFound
	}
	return pay, nil
}

func (p *fakeProvider) CancelPayment(_ context.Context, id string) (provider.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
	if p.cancelErr != nil {
		return provider.Payment{}, p.cancelErr
	}
	pay := p.payments[id]
	if pay.Status != payment.StatusSucceeded {
		pay.Status = payment.StatusCanceled
		pay.RawStatus = "canceled"
	}
	return pay, nil
}

func (p *fakeProvider) CreatePayment(context.Context, provider.CreateRequest) (provider.Payment, error) {
	return provider.Payment{}, errors.New("not supported")
}

type fakeMessenger struct {
	mu       sync.Mutex
	notified []string
}

func (m *fakeMessenger) NotifyBuyer(_ context.Context, _ int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, text)
	return nil
}

func (m *fakeMessenger) RetractPrompt(context.Context, int64, int) error { return nil }

func (m *fakeMessenger) AlertOperators(context.Context, string) error { return nil }

type fakeOrders struct {
	mu     sync.Mutex
	drafts []store.OrderDraft
}

func (o *fakeOrders) CreateOrder(_ context.Context, d store.OrderDraft) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drafts = append(o.drafts, d)
	return int64(len(o.drafts)), nil
}

func (o *fakeOrders) SetScheduledAt(context.Context, int64, time.Time) error { return nil }

type fakeScheduler struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeScheduler) Schedule(context.Context, int64, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

func (s *fakeScheduler) Revoke(context.Context, int64) error { return nil }

type fixture struct {
	reaper    *Reaper
	engine    *reconcile.Engine
	ledger    *payment.Ledger
	registry  *pending.Registry
	provider  *fakeProvider
	messenger *fakeMessenger
	orders    *fakeOrders
	scheduler *fakeScheduler
	clock     clockwork.FakeClock
}

var paidMeta = map[string]string{
	"order_id": "ref-1",
	"user_id":  "42",
	"url":      "https://shop.example.com/p/1",
	"name":     "Kettle",
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := &config.Config{
		Location:           time.UTC,
		PublishMaxAttempts: 3,
		PublishBackoff:     time.Millisecond,
		ReaperInterval:     5 * time.Second,
		ReaperThreshold:    120 * time.Second,
	}
	f := &fixture{
		ledger:    payment.NewLedger(time.Hour, clock, log.NewNop()),
		registry:  pending.NewRegistry(),
		provider:  &fakeProvider{payments: map[string]provider.Payment{}},
		messenger: &fakeMessenger{},
		orders:    &fakeOrders{},
		scheduler: &fakeScheduler{},
		clock:     clock,
	}
	m := metrics.NewNop()
	f.engine = reconcile.NewEngine(f.ledger, f.registry, f.provider, f.messenger, f.orders, f.scheduler,
		events.NopSink{}, m, cfg, clock, log.NewNop())
	f.reaper = NewReaper(f.ledger, f.registry, f.provider, f.engine, events.NopSink{}, m, cfg, clock, log.NewNop())
	return f
}

// open registers pay as pending at the current fake time.
func (f *fixture) open(t *testing.T, paymentID string) {
	t.Helper()
	ctx := context.Background()
	f.engine.HandleEvent(ctx, reconcile.Event{PaymentID: paymentID, Status: payment.StatusPending, Source: reconcile.SourcePoll})
	f.engine.RegisterPendingPayment(ctx, "ref-"+paymentID, paymentID, pending.Conversation{ChatID: 42, PromptMessageID: 1})
	f.provider.payments[paymentID] = provider.Payment{ID: paymentID, Status: payment.StatusPending, RawStatus: "pending", Metadata: paidMeta}
}

func TestSweepCancelsStalePayment(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pay_1")
	f.clock.Advance(121 * time.Second)

	assert.Equal(t, 1, f.reaper.Sweep(context.Background()))

	assert.Equal(t, 1, f.provider.cancels)
	assert.Equal(t, payment.StatusCanceled, f.ledger.Status("pay_1"))
	assert.Zero(t, f.registry.Len())
	assert.Len(t, f.messenger.notified, 1)
	assert.Zero(t, f.scheduler.calls)
}

func TestSweepLeavesFreshEntries(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pay_1")
	f.clock.Advance(60 * time.Second)

	assert.Zero(t, f.reaper.Sweep(context.Background()))
	assert.Zero(t, f.provider.queries)
	assert.Equal(t, 1, f.registry.Len())
}

func TestSweepRunsSuccessForLostWebhook(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pay_1")
	f.provider.payments["pay_1"] = provider.Payment{ID: "pay_1", Status: payment.StatusSucceeded, Metadata: paidMeta}
	f.clock.Advance(121 * time.Second)

	assert.Equal(t, 1, f.reaper.Sweep(context.Background()))

	assert.Zero(t, f.provider.cancels)
	assert.Equal(t, payment.StatusSucceeded, f.ledger.Status("pay_1"))
	assert.Equal(t, 1, f.scheduler.calls)
	assert.Zero(t, f.registry.Len())
}

func TestSweepDropsEntriesResolvedElsewhere(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pay_1")
	f.ledger.Resolve("pay_1", payment.StatusSucceeded, f.clock.Now())
	f.clock.Advance(121 * time.Second)

	assert.Zero(t, f.reaper.Sweep(context.Background()))
	assert.Zero(t, f.provider.queries)
	assert.Zero(t, f.registry.Len())
}

func TestSweepSkipsQueryErrors(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pay_1")
	f.provider.queryErr = errors.New("connection reset")
	f.clock.Advance(121 * time.Second)

	assert.Zero(t, f.reaper.Sweep(context.Background()))
	assert.Zero(t, f.provider.cancels)
	assert.Equal(t, payment.StatusPending, f.ledger.Status("pay_1"))
	assert.Equal(t, 1, f.registry.Len())

	f.provider.queryErr = nil
	assert.Equal(t, 1, f.reaper.Sweep(context.Background()))
	assert.Equal(t, payment.StatusCanceled, f.ledger.Status("pay_1"))
}

func TestSweepReleasesPaymentUnknownToProvider(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pay_1")
	delete(f.provider.payments, "pay_1")
	f.clock.Advance(121 * time.Second)

	assert.Equal(t, 1, f.reaper.Sweep(context.Background()))
	assert.Zero(t, f.provider.cancels)
	assert.Equal(t, payment.StatusCanceled, f.ledger.Status("pay_1"))
}

func TestCancelFailureReleasesLocally(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pay_1")
	f.provider.cancelErr = errors.New("provider unavailable")
	f.clock.Advance(121 * time.Second)

	assert.Equal(t, 1, f.reaper.Sweep(context.Background()))
	assert.Equal(t, payment.StatusCanceled, f.ledger.Status("pay_1"))
	assert.Zero(t, f.registry.Len())

	// the success that slipped through still wins before publication
	f.engine.HandleEvent(context.Background(), reconcile.Event{
		PaymentID: "pay_1", Status: payment.StatusSucceeded, Metadata: paidMeta, Source: reconcile.SourceWebhook,
	})
	assert.Equal(t, payment.StatusSucceeded, f.ledger.Status("pay_1"))
	assert.Equal(t, 1, f.scheduler.calls)
}

func TestWebhookAndSweepRace(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pay_1")
	f.clock.Advance(5 * time.Second)
	f.provider.payments["pay_1"] = provider.Payment{ID: "pay_1", Status: payment.StatusSucceeded, Metadata: paidMeta}
	f.reaper.cfg.ReaperThreshold = time.Second

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.engine.HandleEvent(ctx, reconcile.Event{
			PaymentID: "pay_1", Status: payment.StatusSucceeded, Metadata: paidMeta, Source: reconcile.SourceWebhook,
		})
	}()
	go func() {
		defer wg.Done()
		f.reaper.Sweep(ctx)
	}()
	wg.Wait()

	assert.Equal(t, 1, f.scheduler.calls)
	assert.Len(t, f.orders.drafts, 1)
	assert.Len(t, f.messenger.notified, 1)
	assert.Zero(t, f.provider.cancels)
	assert.Equal(t, payment.StatusSucceeded, f.ledger.Status("pay_1"))
}

func TestRunSweepsOnTicker(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pay_1")
	f.clock.Advance(121 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reaper.Run(ctx)
		close(done)
	}()

	f.clock.BlockUntil(1)
	f.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return f.ledger.Status("pay_1") == payment.StatusCanceled
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
