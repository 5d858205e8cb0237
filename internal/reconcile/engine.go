package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paidpost/internal/config"
	"paidpost/internal/events"
	"paidpost/internal/log"
	"paidpost/internal/metrics"
	"paidpost/internal/payment"
	"paidpost/internal/pending"
	"paidpost/internal/provider"
	"paidpost/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Source names where a payment observation came from.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceReaper  Source = "reaper"
	SourceLocal   Source = "local"
)

const (
	msgPaid     = "✅ <b>Оплата получена</b>\nТовар добавлен в очередь на выкладку."
	msgCanceled = "⛔ <b>Оплата отменена</b>\nВы можете попробовать снова."
)

// Event is one observation of a payment's status.
type Event struct {
	PaymentID  string
	Status     payment.Status
	ObservedAt time.Time
	Metadata   map[string]string
	Source     Source
}

type Provider interface {
	QueryPayment(ctx context.Context, paymentID string) (provider.Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (provider.Payment, error)
	CreatePayment(ctx context.Context, req provider.CreateRequest) (provider.Payment, error)
}

// Messenger reaches buyers and operators. Every call is best-effort.
type Messenger interface {
	NotifyBuyer(ctx context.Context, chatID int64, text string) error
	RetractPrompt(ctx context.Context, chatID int64, messageID int) error
	AlertOperators(ctx context.Context, text string) error
}

type OrderStore interface {
	CreateOrder(ctx context.Context, d store.OrderDraft) (int64, error)
	SetScheduledAt(ctx context.Context, id int64, at time.Time) error
}

type Scheduler interface {
	Schedule(ctx context.Context, orderID int64, fireAt time.Time) error
	Revoke(ctx context.Context, orderID int64) error
}

// Engine folds payment observations from every source through the ledger
// and runs the side effects of the ones that apply.
type Engine struct {
	ledger    *payment.Ledger
	pending   *pending.Registry
	provider  Provider
	messenger Messenger
	orders    OrderStore
	scheduler Scheduler
	sink      events.Sink
	metrics   *metrics.Metrics
	cfg       *config.Config
	clock     clockwork.Clock
	logger    *log.Logger
	tracer    trace.Tracer
}

func NewEngine(ledger *payment.Ledger, registry *pending.Registry, prov Provider, messenger Messenger,
	orders OrderStore, scheduler Scheduler, sink events.Sink, m *metrics.Metrics, cfg *config.Config,
	clock clockwork.Clock, logger *log.Logger) *Engine {
	return &Engine{
		ledger:    ledger,
		pending:   registry,
		provider:  prov,
		messenger: messenger,
		orders:    orders,
		scheduler: scheduler,
		sink:      sink,
		metrics:   m,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		tracer:    otel.Tracer("paidpost/reconcile"),
	}
}

func (e *Engine) Ledger() *payment.Ledger {
	return e.ledger
}

func (e *Engine) Pending() *pending.Registry {
	return e.pending
}

// HandleEvent resolves ev under the payment's critical section and runs the
// side effects when the ledger says apply.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) payment.Decision {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = e.clock.Now()
	}
	ctx, span := e.tracer.Start(ctx, "payment.handle_event", trace.WithAttributes(
		attribute.String("payment.id", ev.PaymentID),
		attribute.String("payment.status", string(ev.Status)),
		attribute.String("payment.source", string(ev.Source)),
	))
	defer span.End()
	logger := e.logger.With(zap.String("payment_id", ev.PaymentID), zap.String("source", string(ev.Source)),
		zap.String("status", string(ev.Status)))

	unlock := e.ledger.Lock(ev.PaymentID)
	defer unlock()

	prev, seen := e.ledger.Get(ev.PaymentID)
	decision := e.ledger.Resolve(ev.PaymentID, ev.Status, ev.ObservedAt)
	span.SetAttributes(attribute.String("payment.decision", string(decision)))
	e.metrics.PaymentEvents.WithLabelValues(string(ev.Source), string(ev.Status), string(decision)).Inc()
	e.sink.Emit(ctx, events.Event{
		Type:      events.TypePaymentResolved,
		PaymentID: ev.PaymentID,
		Status:    string(ev.Status),
		Decision:  string(decision),
		Source:    string(ev.Source),
		At:        ev.ObservedAt,
	})

	if decision != payment.DecisionApply {
		logger.Info("Payment event ignored", zap.String("decision", string(decision)))
		return decision
	}
	logger.Info("Payment event applied")

	switch ev.Status {
	case payment.StatusSucceeded:
		e.onSucceeded(ctx, logger, ev, seen && prev.Status == payment.StatusSucceeded)
	case payment.StatusCanceled:
		e.onCanceled(ctx, logger, ev)
	}
	e.metrics.PendingPayments.Set(float64(e.pending.Len()))
	return decision
}

// BuyerConfirmedLocally is the in-app completion signal for paymentID. It
// merges with the webhook through the same ledger.
func (e *Engine) BuyerConfirmedLocally(ctx context.Context, paymentID string, meta map[string]string) payment.Decision {
	return e.HandleEvent(ctx, Event{
		PaymentID: paymentID,
		Status:    payment.StatusSucceeded,
		Metadata:  meta,
		Source:    SourceLocal,
	})
}

// PollPayment asks the provider for paymentID's status, feeds it through the
// ledger and returns the resulting ledger status.
func (e *Engine) PollPayment(ctx context.Context, paymentID string) (payment.Status, error) {
	p, err := e.provider.QueryPayment(ctx, paymentID)
	if err != nil {
		return e.ledger.Status(paymentID), err
	}
	e.HandleEvent(ctx, Event{
		PaymentID: paymentID,
		Status:    p.Status,
		Metadata:  p.Metadata,
		Source:    SourcePoll,
	})
	return e.ledger.Status(paymentID), nil
}

// RegisterPendingPayment makes paymentID the single outstanding payment of
// orderRef, removing the prompt of any previous one.
func (e *Engine) RegisterPendingPayment(ctx context.Context, orderRef, paymentID string, conv pending.Conversation) {
	if prev, ok := e.pending.Retract(orderRef); ok {
		e.retractPrompt(ctx, e.logger.Logger, prev.Conversation)
		e.logger.Info("Replaced outstanding payment", zap.String("order_ref", orderRef),
			zap.String("previous_payment_id", prev.PaymentID), zap.String("payment_id", paymentID))
	}
	if prev, replaced := e.pending.Register(orderRef, paymentID, conv, e.clock.Now()); replaced {
		e.retractPrompt(ctx, e.logger.Logger, prev.Conversation)
	}
	e.metrics.PendingPayments.Set(float64(e.pending.Len()))
}

// PaymentRequest is a buyer asking to pay for a listing.
type PaymentRequest struct {
	OrderRef     string
	Metadata     map[string]string
	Conversation pending.Conversation
}

type CreatedPayment struct {
	PaymentID       string
	OrderRef        string
	ConfirmationURL string
	Metadata        map[string]string
}

// CreatePayment opens a provider payment for req and registers it as the
// order's outstanding payment.
func (e *Engine) CreatePayment(ctx context.Context, req PaymentRequest) (CreatedPayment, error) {
	orderRef := req.OrderRef
	if orderRef == "" {
		orderRef = uuid.NewString()
	}
	meta := SanitizeMetadata(req.Metadata)
	meta[MetaOrderRef] = orderRef

	name := meta[MetaName]
	if name == "" {
		name = "Товар"
	}
	now := e.clock.Now()
	p, err := e.provider.CreatePayment(ctx, provider.CreateRequest{
		Amount:         e.cfg.PaymentAmount,
		Currency:       e.cfg.PaymentCurrency,
		Description:    "Размещение товара: " + name,
		ReturnURL:      e.cfg.ProviderReturnURL,
		Metadata:       meta,
		IdempotenceKey: orderRef,
		ExpiresAt:      now.Add(e.cfg.PaymentTTL),
	})
	if err != nil {
		return CreatedPayment{}, fmt.Errorf("create payment for order %s: %w", orderRef, err)
	}

	status := p.Status
	if status == payment.StatusUnknown {
		status = payment.StatusPending
	}
	e.HandleEvent(ctx, Event{PaymentID: p.ID, Status: status, ObservedAt: now, Metadata: meta, Source: SourcePoll})
	e.RegisterPendingPayment(ctx, orderRef, p.ID, req.Conversation)

	return CreatedPayment{
		PaymentID:       p.ID,
		OrderRef:        orderRef,
		ConfirmationURL: p.ConfirmationURL,
		Metadata:        meta,
	}, nil
}

// CreateManualOrder stores an operator-entered order and arms its
// publication right away.
func (e *Engine) CreateManualOrder(ctx context.Context, d store.OrderDraft) (int64, error) {
	id, err := e.createOrder(ctx, d)
	if err != nil {
		return 0, err
	}
	if err := e.scheduler.Schedule(ctx, id, d.ScheduledAt); err != nil {
		return id, fmt.Errorf("schedule order %d: %w", id, err)
	}
	e.emitOrder(ctx, events.TypeOrderScheduled, d.PaymentID, id)
	return id, nil
}

// ScheduleOrderPublication moves orderID to fireAt, replacing its schedule.
func (e *Engine) ScheduleOrderPublication(ctx context.Context, orderID int64, fireAt time.Time) error {
	if err := e.orders.SetScheduledAt(ctx, orderID, fireAt); err != nil {
		return fmt.Errorf("update order %d: %w", orderID, err)
	}
	if err := e.scheduler.Schedule(ctx, orderID, fireAt); err != nil {
		return fmt.Errorf("schedule order %d: %w", orderID, err)
	}
	e.emitOrder(ctx, events.TypeOrderScheduled, "", orderID)
	return nil
}

func (e *Engine) RevokeSchedule(ctx context.Context, orderID int64) error {
	if err := e.scheduler.Revoke(ctx, orderID); err != nil {
		return fmt.Errorf("revoke order %d: %w", orderID, err)
	}
	e.emitOrder(ctx, events.TypeScheduleRevoked, "", orderID)
	return nil
}

// onSucceeded materializes and schedules the order of a paid payment. A
// retry is a later success observation for a payment whose order was never
// scheduled; the buyer was already told.
func (e *Engine) onSucceeded(ctx context.Context, logger *zap.Logger, ev Event, retry bool) {
	entry, hasEntry := e.dropPending(ev)
	chatID := buyerChat(ev.Metadata)
	if hasEntry && entry.Conversation.ChatID != 0 {
		chatID = entry.Conversation.ChatID
	}
	if retry {
		logger.Info("Retrying order for paid payment")
	} else {
		e.notifyBuyer(ctx, logger, chatID, msgPaid)
	}
	if hasEntry {
		e.retractPrompt(ctx, logger, entry.Conversation)
	}

	meta := ev.Metadata
	if meta[MetaURL] == "" {
		p, err := e.queryPayment(ctx, ev.PaymentID)
		if err != nil {
			logger.Error("Failed to fetch payment metadata", zap.Error(err))
			e.alert(ctx, logger, fmt.Sprintf("Payment %s succeeded but its order data could not be fetched: %v", ev.PaymentID, err))
			return
		}
		meta = p.Metadata
	}
	draft, err := DraftFromMetadata(ev.PaymentID, meta, e.cfg.Location, e.clock.Now())
	if err != nil {
		logger.Error("Paid payment carries no usable order", zap.Error(err))
		e.alert(ctx, logger, fmt.Sprintf("Payment %s succeeded but its order data is invalid: %v", ev.PaymentID, err))
		return
	}

	orderID, err := e.createOrder(ctx, draft)
	if err != nil {
		logger.Error("Failed to create order for paid payment", zap.Error(err))
		e.alert(ctx, logger, fmt.Sprintf("Payment %s succeeded but the order could not be stored: %v", ev.PaymentID, err))
		return
	}
	if err := e.scheduler.Schedule(ctx, orderID, draft.ScheduledAt); err != nil {
		logger.Error("Failed to schedule paid order", zap.Int64("order_id", orderID), zap.Error(err))
		e.alert(ctx, logger, fmt.Sprintf("Order %d is paid but could not be scheduled: %v", orderID, err))
		return
	}
	e.ledger.MarkPublished(ev.PaymentID)
	e.emitOrder(ctx, events.TypeOrderScheduled, ev.PaymentID, orderID)
	logger.Info("Paid order scheduled", zap.Int64("order_id", orderID), zap.Time("fire_at", draft.ScheduledAt))
}

func (e *Engine) onCanceled(ctx context.Context, logger *zap.Logger, ev Event) {
	entry, hasEntry := e.dropPending(ev)
	chatID := buyerChat(ev.Metadata)
	if hasEntry && entry.Conversation.ChatID != 0 {
		chatID = entry.Conversation.ChatID
	}
	e.notifyBuyer(ctx, logger, chatID, msgCanceled)
	if hasEntry {
		e.retractPrompt(ctx, logger, entry.Conversation)
	}
}

func (e *Engine) dropPending(ev Event) (pending.Entry, bool) {
	return e.pending.RetractByPayment(ev.PaymentID)
}

// createOrder retries transient storage errors with the publication backoff.
func (e *Engine) createOrder(ctx context.Context, d store.OrderDraft) (int64, error) {
	var id int64
	err := e.retry(ctx, func() error {
		var err error
		id, err = e.orders.CreateOrder(ctx, d)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create order: %w", err)
	}
	return id, nil
}

func (e *Engine) queryPayment(ctx context.Context, paymentID string) (provider.Payment, error) {
	var p provider.Payment
	err := e.retry(ctx, func() error {
		var err error
		p, err = e.provider.QueryPayment(ctx, paymentID)
		return err
	})
	return p, err
}

// retry runs op up to PublishMaxAttempts times with a fixed backoff while it
// fails with transient storage or provider errors.
func (e *Engine) retry(ctx context.Context, op func() error) error {
	maxRetries := e.cfg.PublishMaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.PublishBackoff), uint64(maxRetries)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !store.IsTransient(err) && !provider.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (e *Engine) notifyBuyer(ctx context.Context, logger *zap.Logger, chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if err := e.messenger.NotifyBuyer(ctx, chatID, text); err != nil {
		logger.Warn("Failed to notify buyer", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (e *Engine) retractPrompt(ctx context.Context, logger *zap.Logger, conv pending.Conversation) {
	if err := e.messenger.RetractPrompt(ctx, conv.ChatID, conv.PromptMessageID); err != nil {
		logger.Warn("Failed to retract payment prompt", zap.Int64("chat_id", conv.ChatID),
			zap.Int("message_id", conv.PromptMessageID), zap.Error(err))
	}
}

func (e *Engine) alert(ctx context.Context, logger *zap.Logger, text string) {
	if err := e.messenger.AlertOperators(ctx, text); err != nil {
		logger.Warn("Failed to alert operators", zap.Error(err))
	}
}

func (e *Engine) emitOrder(ctx context.Context, typ, paymentID string, orderID int64) {
	e.sink.Emit(ctx, events.Event{Type: typ, PaymentID: paymentID, OrderID: orderID, At: e.clock.Now()})
}

// IsNotFound reports whether err means the payment or order does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, provider.ErrPaymentNotFound) || errors.Is(err, store.ErrOrderNotFound)
}
