package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"paidpost/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const orderColumns = `id, payment_id, seller_id, url, title, description, image_url, price, basic_price,
	stocks, article, category, status, scheduled_at, created_at, updated_at`

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id BIGSERIAL PRIMARY KEY,
	payment_id VARCHAR(64) UNIQUE,
	seller_id VARCHAR(64) NOT NULL,
	url TEXT NOT NULL,
	title VARCHAR(255) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	image_url TEXT,
	price DOUBLE PRECISION,
	basic_price DOUBLE PRECISION,
	stocks INTEGER,
	article BIGINT,
	category VARCHAR(64) NOT NULL DEFAULT '',
	status VARCHAR(20) NOT NULL,
	scheduled_at TIMESTAMP WITH TIME ZONE NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status, scheduled_at);
CREATE TABLE IF NOT EXISTS publication_failures (
	id BIGSERIAL PRIMARY KEY,
	order_id BIGINT NOT NULL,
	reason TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	failed_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_publication_failures_order ON publication_failures (order_id);
`

// PGStore is the order repository on Postgres.
type PGStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPGStore(dbURL string, logger *log.Logger) (*PGStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPGStoreWithDB(db, logger), nil
}

func NewPGStoreWithDB(db *sql.DB, logger *log.Logger) *PGStore {
	return &PGStore{db: db, logger: logger}
}

func (s *PGStore) DB() *sql.DB {
	return s.db
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// CreateOrder inserts a pending order. Drafts carrying a payment id are
// idempotent: a second insert for the same payment returns the existing id.
func (s *PGStore) CreateOrder(ctx context.Context, d OrderDraft) (int64, error) {
	var paymentID *string
	if d.PaymentID != "" {
		paymentID = &d.PaymentID
	}
	var imageURL *string
	if d.ImageURL != "" {
		imageURL = &d.ImageURL
	}
	now := time.Now()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO orders (payment_id, seller_id, url, title, description, image_url, price, basic_price,
			stocks, article, category, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (payment_id) DO UPDATE SET updated_at = orders.updated_at
		RETURNING id
	`, paymentID, d.SellerID, d.URL, d.Title, d.Description, imageURL, d.Price, d.BasicPrice,
		d.Stocks, d.Article, d.Category, OrderPending, d.ScheduledAt, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	s.logger.Info("Order stored", zap.Int64("order_id", id), zap.String("payment_id", d.PaymentID),
		zap.Time("scheduled_at", d.ScheduledAt))
	return id, nil
}

func (s *PGStore) LoadOrder(ctx context.Context, id int64) (Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("load order %d: %w", id, err)
	}
	return o, nil
}

func (s *PGStore) SetOrderStatus(ctx context.Context, id int64, status OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SetScheduledAt moves the target publish time of an order.
func (s *PGStore) SetScheduledAt(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET scheduled_at = $1, updated_at = $2 WHERE id = $3
	`, at, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set scheduled_at: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set scheduled_at: %w", err)
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *PGStore) ListOrdersByStatus(ctx context.Context, status OrderStatus, limit int) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY scheduled_at LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PaymentID, &o.SellerID, &o.URL, &o.Title, &o.Description, &o.ImageURL,
		&o.Price, &o.BasicPrice, &o.Stocks, &o.Article, &o.Category, &o.Status, &o.ScheduledAt,
		&o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// RecordFailure parks an order whose publication gave up.
func (s *PGStore) RecordFailure(ctx context.Context, orderID int64, reason string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publication_failures (order_id, reason, attempts, failed_at)
		VALUES ($1, $2, $3, $4)
	`, orderID, reason, attempts, time.Now())
	if err != nil {
		return fmt.Errorf("insert publication failure: %w", err)
	}
	return nil
}

func (s *PGStore) ListFailures(ctx context.Context, limit int) ([]PublicationFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, reason, attempts, failed_at
		FROM publication_failures
		ORDER BY failed_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list publication failures: %w", err)
	}
	defer rows.Close()

	var failures []PublicationFailure
	for rows.Next() {
		var f PublicationFailure
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Reason, &f.Attempts, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("scan publication failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// ClearFailures drops the parked failures of an order after a re-run.
func (s *PGStore) ClearFailures(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM publication_failures WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("delete publication failures: %w", err)
	}
	return nil
}
