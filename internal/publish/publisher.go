package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paidpost/internal/config"
	"paidpost/internal/events"
	"paidpost/internal/log"
	"paidpost/internal/store"
	"paidpost/internal/telegram"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type OrderStore interface {
	LoadOrder(ctx context.Context, id int64) (store.Order, error)
	SetOrderStatus(ctx context.Context, id int64, status store.OrderStatus) error
	RecordFailure(ctx context.Context, orderID int64, reason string, attempts int) error
	ClearFailures(ctx context.Context, orderID int64) error
}

type Channel interface {
	SendPublication(ctx context.Context, p telegram.Publication) (telegram.Delivery, error)
}

type Alerter interface {
	AlertOperators(ctx context.Context, text string) error
}

// Publisher posts a scheduled order to the channel.
type Publisher struct {
	orders  OrderStore
	channel Channel
	alerter Alerter
	sink    events.Sink
	cfg     *config.Config
	clock   clockwork.Clock
	logger  *log.Logger
	tracer  trace.Tracer
}

func NewPublisher(orders OrderStore, channel Channel, alerter Alerter, sink events.Sink, cfg *config.Config,
	clock clockwork.Clock, logger *log.Logger) *Publisher {
	return &Publisher{
		orders:  orders,
		channel: channel,
		alerter: alerter,
		sink:    sink,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		tracer:  otel.Tracer("paidpost/publish"),
	}
}

// Publish loads the order, sends it once and marks it posted on confirmed
// delivery. Storage reads are retried on transient errors only; the channel
// send is never retried. A missing order is not an error.
func (p *Publisher) Publish(ctx context.Context, orderID int64) error {
	ctx, span := p.tracer.Start(ctx, "publish.order", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()
	logger := p.logger.With(zap.Int64("order_id", orderID))

	var order store.Order
	attempts, err := p.retry(ctx, logger, func() error {
		var err error
		order, err = p.orders.LoadOrder(ctx, orderID)
		return err
	})
	if errors.Is(err, store.ErrOrderNotFound) {
		logger.Warn("Order to publish not found")
		p.alert(ctx, logger, fmt.Sprintf("Order %d was due for publication but no longer exists.", orderID))
		p.emit(ctx, events.TypePublicationSkipped, orderID, "order not found")
		return nil
	}
	if err != nil {
		err = fmt.Errorf("load order %d after %d attempts: %w", orderID, attempts, err)
		return p.fail(ctx, span, logger, orderID, attempts, err)
	}

	if order.Status == store.OrderPosted || order.Status == store.OrderCanceled {
		logger.Info("Order not publishable, skipping", zap.String("status", string(order.Status)))
		p.emit(ctx, events.TypePublicationSkipped, orderID, string(order.Status))
		return nil
	}

	delivery, err := p.channel.SendPublication(ctx, Render(order))
	if err != nil {
		err = fmt.Errorf("send order %d: %w", orderID, err)
		return p.fail(ctx, span, logger, orderID, attempts, err)
	}
	logger.Info("Publication delivered", zap.Int("message_id", delivery.MessageID))

	if _, err := p.retry(ctx, logger, func() error {
		return p.orders.SetOrderStatus(ctx, orderID, store.OrderPosted)
	}); err != nil {
		// the post is live, a re-run would duplicate it
		err = fmt.Errorf("mark order %d posted: %w", orderID, err)
		logger.Error("Publication delivered but status not saved", zap.Error(err))
		p.alert(ctx, logger, fmt.Sprintf("Order %d was posted (message %d) but its status could not be saved. Do not re-run.",
			orderID, delivery.MessageID))
		span.RecordError(err)
		span.SetStatus(codes.Error, "status not saved")
		return err
	}

	if err := p.orders.ClearFailures(ctx, orderID); err != nil {
		logger.Warn("Failed to clear publication failures", zap.Error(err))
	}
	p.emit(ctx, events.TypePublicationPosted, orderID, "")
	return nil
}

func (p *Publisher) fail(ctx context.Context, span trace.Span, logger *zap.Logger, orderID int64, attempts int, err error) error {
	logger.Error("Publication failed, order left unposted", zap.Int("attempts", attempts), zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, "publication failed")

	if rerr := p.orders.RecordFailure(ctx, orderID, err.Error(), attempts); rerr != nil {
		logger.Error("Failed to record publication failure", zap.Error(rerr))
	}
	p.alert(ctx, logger, fmt.Sprintf("Publication of order %d failed: %v", orderID, err))
	p.emit(ctx, events.TypePublicationFailed, orderID, err.Error())
	return err
}

// retry runs op up to PublishMaxAttempts times with a fixed backoff while it
// fails with transient storage errors, and reports the attempts made.
func (p *Publisher) retry(ctx context.Context, logger *zap.Logger, op func() error) (int, error) {
	attempts := 0
	maxRetries := p.cfg.PublishMaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.PublishBackoff), uint64(maxRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		attempts++
		err := op()
		if err != nil && !store.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		logger.Warn("Transient storage error, retrying", zap.Int("attempt", attempts),
			zap.Duration("backoff", next), zap.Error(err))
	})
	return attempts, err
}

func (p *Publisher) alert(ctx context.Context, logger *zap.Logger, text string) {
	if err := p.alerter.AlertOperators(ctx, text); err != nil {
		logger.Warn("Failed to alert operators", zap.Error(err))
	}
}

func (p *Publisher) emit(ctx context.Context, typ string, orderID int64, detail string) {
	p.sink.Emit(ctx, events.Event{Type: typ, OrderID: orderID, Detail: detail, At: p.clock.Now()})
}
