package pending

import (
	"sort"
	"sync"
	"time"
)

// Conversation locates the buyer chat and the payment prompt shown in it.
type Conversation struct {
	ChatID          int64
	PromptMessageID int
}

// Entry is one outstanding payment: the prompt was shown to the buyer and
// nothing resolved it yet.
type Entry struct {
	PaymentID    string
	OrderRef     string
	Conversation Conversation
	CreatedAt    time.Time
}

// Registry tracks outstanding payments keyed by order reference, with a
// secondary index by payment id. At most one entry is active per order.
type Registry struct {
	mu        sync.Mutex
	byOrder   map[string]Entry
	byPayment map[string]string // payment id -> order ref
}

func NewRegistry() *Registry {
	return &Registry{
		byOrder:   make(map[string]Entry),
		byPayment: make(map[string]string),
	}
}

// Register records a new outstanding payment. Callers retract the previous
// entry for the same order first; a leftover one is replaced and returned so
// its prompt can still be removed.
func (r *Registry) Register(orderRef, paymentID string, conv Conversation, createdAt time.Time) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced := r.removeLocked(orderRef)
	if other, ok := r.byPayment[paymentID]; ok {
		// same payment re-registered under another order ref
		r.removeLocked(other)
	}
	r.byOrder[orderRef] = Entry{
		PaymentID:    paymentID,
		OrderRef:     orderRef,
		Conversation: conv,
		CreatedAt:    createdAt,
	}
	r.byPayment[paymentID] = orderRef
	return prev, replaced
}

// Retract removes the active entry for orderRef. Retracting an absent entry
// is a no-op.
func (r *Registry) Retract(orderRef string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(orderRef)
}

// RetractByPayment removes the entry registered for paymentID, if any.
func (r *Registry) RetractByPayment(paymentID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orderRef, ok := r.byPayment[paymentID]
	if !ok {
		return Entry{}, false
	}
	return r.removeLocked(orderRef)
}

func (r *Registry) FindByPayment(paymentID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orderRef, ok := r.byPayment[paymentID]
	if !ok {
		return Entry{}, false
	}
	e, ok := r.byOrder[orderRef]
	return e, ok
}

func (r *Registry) FindByOrder(orderRef string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byOrder[orderRef]
	return e, ok
}

// OlderThan returns entries created before cutoff, oldest first.
func (r *Registry) OlderThan(cutoff time.Time) []Entry {
	r.mu.Lock()
	var out []Entry
	for _, e := range r.byOrder {
		if e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byOrder)
}

func (r *Registry) removeLocked(orderRef string) (Entry, bool) {
	e, ok := r.byOrder[orderRef]
	if !ok {
		return Entry{}, false
	}
	delete(r.byOrder, orderRef)
	if r.byPayment[e.PaymentID] == orderRef {
		delete(r.byPayment, e.PaymentID)
	}
	return e, true
}
