package payment

import "strings"

// Status is the last known state of a payment at the provider.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further ordinary transition is expected.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusCanceled
}

// ParseProviderStatus maps a provider status string onto Status.
// Anything the provider reports as still in flight is pending.
func ParseProviderStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "captured", "paid", "succeeded_by_provider":
		return StatusSucceeded
	case "canceled", "cancelled":
		return StatusCanceled
	case "pending", "waiting_for_capture":
		return StatusPending
	default:
		return StatusUnknown
	}
}

// ParseEventKind maps a provider notification kind (payment.succeeded,
// payment.canceled, ...) onto Status.
func ParseEventKind(kind string) Status {
	kind = strings.ToLower(strings.TrimSpace(kind))
	return ParseProviderStatus(strings.TrimPrefix(kind, "payment."))
}

// Decision is the outcome of resolving one observed status against the ledger.
type Decision string

const (
	DecisionApply            Decision = "apply"
	DecisionIgnoreDuplicate  Decision = "ignore_duplicate"
	DecisionIgnoreSuperseded Decision = "ignore_superseded"
)
