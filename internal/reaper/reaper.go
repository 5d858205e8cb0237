package reaper

import (
	"context"
	"errors"

	"paidpost/internal/config"
	"paidpost/internal/events"
	"paidpost/internal/log"
	"paidpost/internal/metrics"
	"paidpost/internal/payment"
	"paidpost/internal/pending"
	"paidpost/internal/provider"
	"paidpost/internal/reconcile"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type Provider interface {
	QueryPayment(ctx context.Context, paymentID string) (provider.Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (provider.Payment, error)
}

// Handler resolves an observation through the ledger.
type Handler interface {
	HandleEvent(ctx context.Context, ev reconcile.Event) payment.Decision
}

// Reaper force-resolves outstanding payments nobody reported on within the
// threshold: still in flight at the provider means cancel, paid means run
// the success path the lost webhook would have run.
type Reaper struct {
	ledger   *payment.Ledger
	pending  *pending.Registry
	provider Provider
	handler  Handler
	sink     events.Sink
	metrics  *metrics.Metrics
	cfg      *config.Config
	clock    clockwork.Clock
	logger   *log.Logger
}

func NewReaper(ledger *payment.Ledger, registry *pending.Registry, prov Provider, handler Handler, sink events.Sink,
	m *metrics.Metrics, cfg *config.Config, clock clockwork.Clock, logger *log.Logger) *Reaper {
	return &Reaper{
		ledger:   ledger,
		pending:  registry,
		provider: prov,
		handler:  handler,
		sink:     sink,
		metrics:  m,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper shutting down")
			return
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Sweep handles every entry older than the threshold once and returns how
// many it resolved.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := r.clock.Now().Add(-r.cfg.ReaperThreshold)
	resolved := 0
	for _, entry := range r.pending.OlderThan(cutoff) {
		if ctx.Err() != nil {
			break
		}
		if r.reap(ctx, entry) {
			resolved++
		}
	}
	r.metrics.PendingPayments.Set(float64(r.pending.Len()))
	return resolved
}

func (r *Reaper) reap(ctx context.Context, entry pending.Entry) bool {
	logger := r.logger.With(zap.String("payment_id", entry.PaymentID), zap.String("order_ref", entry.OrderRef),
		zap.Duration("age", r.clock.Since(entry.CreatedAt)))

	if r.ledger.IsTerminal(entry.PaymentID) {
		// resolved elsewhere after the entry was registered
		r.pending.RetractByPayment(entry.PaymentID)
		logger.Info("Dropped stale pending entry", zap.String("status", string(r.ledger.Status(entry.PaymentID))))
		return false
	}

	p, err := r.provider.QueryPayment(ctx, entry.PaymentID)
	if errors.Is(err, provider.ErrPaymentNotFound) {
		logger.Warn("Pending payment unknown to provider, releasing")
		return r.resolve(ctx, entry.PaymentID, payment.StatusCanceled, nil) == payment.DecisionApply
	}
	if err != nil {
		r.metrics.ReaperQueryErrors.Inc()
		logger.Warn("Failed to query payment, retrying next sweep", zap.Error(err))
		return false
	}
	logger.Info("Reaper checked payment", zap.String("provider_status", p.RawStatus))

	switch p.Status {
	case payment.StatusSucceeded, payment.StatusCanceled:
		return r.resolve(ctx, entry.PaymentID, p.Status, p.Metadata) == payment.DecisionApply
	}

	if r.ledger.IsTerminal(entry.PaymentID) {
		return false
	}
	canceled, err := r.provider.CancelPayment(ctx, entry.PaymentID)
	status := payment.StatusCanceled
	meta := p.Metadata
	if err != nil {
		// released locally anyway; a late success still wins through the ledger
		logger.Warn("Provider cancel failed, releasing locally", zap.Error(err))
	} else {
		r.metrics.ReaperCancels.Inc()
		r.sink.Emit(ctx, events.Event{
			Type:      events.TypePaymentReaped,
			PaymentID: entry.PaymentID,
			Status:    canceled.RawStatus,
			At:        r.clock.Now(),
		})
		// a payment captured meanwhile comes back succeeded
		if canceled.Status == payment.StatusSucceeded {
			status = payment.StatusSucceeded
		}
		if canceled.Metadata != nil {
			meta = canceled.Metadata
		}
	}
	return r.resolve(ctx, entry.PaymentID, status, meta) == payment.DecisionApply
}

func (r *Reaper) resolve(ctx context.Context, paymentID string, status payment.Status, meta map[string]string) payment.Decision {
	return r.handler.HandleEvent(ctx, reconcile.Event{
		PaymentID: paymentID,
		Status:    status,
		Metadata:  meta,
		Source:    reconcile.SourceReaper,
	})
}
