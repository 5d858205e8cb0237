package reconcile

import (
	"context"
	"encoding/json"
	"strings"

	"paidpost/internal/payment"

	"go.uber.org/zap"
)

// Ack is returned to the notification transport. Accepted is always true so
// the provider never retries a delivery we already hold.
type Ack struct {
	Accepted bool `json:"success"`
}

type notification struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Object struct {
		ID       string            `json:"id"`
		Status   string            `json:"status"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// IngestPaymentEvent parses a provider notification and hands it to
// HandleEvent. Malformed or unknown notifications are logged and acked.
//
// The callback is unauthenticated, so a terminal notification only names the
// payment: its status and metadata are read back from the provider.
func (e *Engine) IngestPaymentEvent(ctx context.Context, raw []byte) Ack {
	ack := Ack{Accepted: true}

	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		e.logger.Warn("Malformed payment notification", zap.Error(err), zap.Int("bytes", len(raw)))
		return ack
	}
	if n.Object.ID == "" {
		e.logger.Warn("Payment notification without payment id", zap.String("event", n.Event))
		return ack
	}
	logger := e.logger.With(zap.String("payment_id", n.Object.ID), zap.String("event", n.Event))

	status := payment.ParseEventKind(n.Event)
	if status == payment.StatusUnknown && !strings.HasPrefix(n.Event, "refund.") {
		status = payment.ParseProviderStatus(n.Object.Status)
	}
	if status == payment.StatusUnknown {
		logger.Info("Ignoring payment notification")
		return ack
	}

	ev := Event{
		PaymentID: n.Object.ID,
		Status:    status,
		Metadata:  n.Object.Metadata,
		Source:    SourceWebhook,
	}
	if status.Terminal() {
		p, err := e.queryPayment(ctx, n.Object.ID)
		if err != nil {
			logger.Warn("Payment notification not confirmed by provider, ignoring", zap.Error(err))
			e.metrics.PaymentEvents.WithLabelValues(string(SourceWebhook), string(status), "unconfirmed").Inc()
			return ack
		}
		if p.Status != status {
			logger.Warn("Provider status differs from notification", zap.String("provider_status", string(p.Status)))
		}
		ev.Status = p.Status
		ev.Metadata = p.Metadata
		if ev.Status == payment.StatusUnknown {
			return ack
		}
	}

	e.HandleEvent(ctx, ev)
	return ack
}
