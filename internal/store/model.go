package store

import (
	"time"
)

// OrderStatus mirrors the lifecycle of a paid listing.
type OrderStatus string

const (
	OrderProcessing OrderStatus = "processing"
	OrderPending    OrderStatus = "pending"
	OrderPosted     OrderStatus = "posted"
	OrderCanceled   OrderStatus = "canceled"
)

type Order struct {
	ID          int64
	PaymentID   *string
	SellerID    string
	URL         string
	Title       string
	Description string
	ImageURL    *string
	Price       *float64
	BasicPrice  *float64
	Stocks      *int
	Article     *int64
	Category    string
	Status      OrderStatus
	ScheduledAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderDraft carries the fields needed to materialize an order, usually
// taken from the payment metadata.
type OrderDraft struct {
	PaymentID   string
	SellerID    string
	URL         string
	Title       string
	Description string
	ImageURL    string
	Price       *float64
	BasicPrice  *float64
	Stocks      *int
	Article     *int64
	Category    string
	ScheduledAt time.Time
}

// ScheduledPublication is the durable form of one armed publication.
type ScheduledPublication struct {
	OrderID  int64
	FireAt   time.Time
	Attempts int
}

// PublicationFailure is an order whose publication gave up and waits for an
// operator re-run.
type PublicationFailure struct {
	ID       int64
	OrderID  int64
	Reason   string
	Attempts int
	FailedAt time.Time
}
