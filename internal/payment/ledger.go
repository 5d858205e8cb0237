package payment

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"paidpost/internal/log"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const lockStripes = 64

// Record is the ledger entry for one provider payment id.
type Record struct {
	PaymentID  string
	Status     Status
	ResolvedAt time.Time // first transition into a terminal status
	UpdatedAt  time.Time
	// Published is set once an order was materialized and scheduled for this
	// payment. It fences repeated successes and the canceled -> succeeded
	// back-edge.
	Published bool
}

// Ledger is the process-wide record of every payment's last known status and
// the single deduplication point for events about one payment id.
//
// Resolve is atomic on its own. Callers that must keep a resolution and the
// side effects it unlocks together take the per-payment critical section with
// Lock first.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*Record
	stripes [lockStripes]sync.Mutex
	ttl     time.Duration
	clock   clockwork.Clock
	logger  *log.Logger
}

func NewLedger(ttl time.Duration, clock clockwork.Clock, logger *log.Logger) *Ledger {
	return &Ledger{
		records: make(map[string]*Record),
		ttl:     ttl,
		clock:   clock,
		logger:  logger,
	}
}

// Lock enters the critical section for paymentID and returns its release.
func (l *Ledger) Lock(paymentID string) func() {
	h := fnv.New32a()
	h.Write([]byte(paymentID))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// Resolve folds an observed status into the ledger and tells the caller
// whether to run the side effects for it.
func (l *Ledger) Resolve(paymentID string, observed Status, observedAt time.Time) Decision {
	if observed == StatusUnknown {
		return DecisionIgnoreDuplicate
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[paymentID]
	if !ok {
		rec = &Record{PaymentID: paymentID, Status: observed, UpdatedAt: observedAt}
		if observed.Terminal() {
			rec.ResolvedAt = observedAt
		}
		l.records[paymentID] = rec
		return DecisionApply
	}

	switch rec.Status {
	case StatusSucceeded:
		if observed != StatusSucceeded {
			return DecisionIgnoreSuperseded
		}
		if rec.Published {
			return DecisionIgnoreDuplicate
		}
		// the order was never materialized, let this observation retry it
		rec.UpdatedAt = observedAt
		return DecisionApply
	case StatusCanceled:
		switch observed {
		case StatusCanceled:
			return DecisionIgnoreDuplicate
		case StatusSucceeded:
			if rec.Published {
				return DecisionIgnoreSuperseded
			}
			rec.Status = StatusSucceeded
			rec.UpdatedAt = observedAt
			return DecisionApply
		default:
			return DecisionIgnoreSuperseded
		}
	default:
		if observed == rec.Status {
			return DecisionIgnoreDuplicate
		}
		rec.Status = observed
		rec.UpdatedAt = observedAt
		if observed.Terminal() && rec.ResolvedAt.IsZero() {
			rec.ResolvedAt = observedAt
		}
		return DecisionApply
	}
}

// MarkPublished records that the publication side effect ran for paymentID.
func (l *Ledger) MarkPublished(paymentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[paymentID]; ok {
		rec.Published = true
		rec.UpdatedAt = l.clock.Now()
	}
}

// Get returns a copy of the record for paymentID.
func (l *Ledger) Get(paymentID string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[paymentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Status returns the last known status, StatusUnknown when never observed.
func (l *Ledger) Status(paymentID string) Status {
	rec, ok := l.Get(paymentID)
	if !ok {
		return StatusUnknown
	}
	return rec.Status
}

func (l *Ledger) IsTerminal(paymentID string) bool {
	return l.Status(paymentID).Terminal()
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Prune drops records not touched within the ledger TTL and returns how many
// were removed.
func (l *Ledger) Prune(now time.Time) int {
	cutoff := now.Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, rec := range l.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(l.records, id)
			removed++
		}
	}
	return removed
}

// Run prunes the ledger hourly until ctx is done.
func (l *Ledger) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Ledger pruning shutting down")
			return
		case <-ticker.Chan():
			if n := l.Prune(l.clock.Now()); n > 0 {
				l.logger.Info("Pruned payment ledger", zap.Int("removed", n), zap.Int("remaining", l.Len()))
			}
		}
	}
}
