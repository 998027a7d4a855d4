// Package sqlite provides a SQLite-backed implementation of deliverylog.Repository.
//
// WAL mode is enabled on Open so that the lookup endpoint never blocks the
// request goroutines appending rows.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/ecommerce-email/internal/deliverylog"

	// Pure-Go SQLite driver, no CGO.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS delivery_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,

    -- Not UNIQUE: a retried checkout appends another row for the same order.
    order_id    TEXT NOT NULL,
    recipient   TEXT NOT NULL,
    status      TEXT NOT NULL,
    message_id  TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',

    -- W3C ids of the send_email span.
    trace_id    TEXT NOT NULL DEFAULT '',
    span_id     TEXT NOT NULL DEFAULT '',

    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_delivery_logs_order_id ON delivery_logs(order_id, created_at);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_trace_id ON delivery_logs(trace_id);
`

// Repository is the SQLite implementation of deliverylog.Repository.
type Repository struct {
	db *sql.DB
}

var _ deliverylog.Repository = (*Repository)(nil)

// Open opens (or creates) the SQLite database at the given path and applies
// the schema.
//
//	repo, err := sqlite.Open("./data/deliveries.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	// "sqlite", not "sqlite3", for the modernc driver.
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// Single writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection. Call it with defer in main().
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save appends a delivery log entry. It is safe to call concurrently.
func (r *Repository) Save(ctx context.Context, entry *deliverylog.DeliveryLog) error {
	const q = `
		INSERT INTO delivery_logs
			(order_id, recipient, status, message_id, error, trace_id, span_id, created_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		entry.OrderID,
		entry.Recipient,
		string(entry.Status),
		entry.MessageID,
		entry.Error,
		entry.TraceID,
		entry.SpanID,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save delivery log for %q: %w", entry.OrderID, err)
	}
	return nil
}

// GetLatest returns the most recent log entry for an order.
func (r *Repository) GetLatest(ctx context.Context, orderID string) (*deliverylog.DeliveryLog, error) {
	const q = `
		SELECT order_id, recipient, status, message_id, error, trace_id, span_id, created_at
		FROM   delivery_logs
		WHERE  order_id = ?
		ORDER  BY created_at DESC, id DESC
		LIMIT  1`

	row := r.db.QueryRowContext(ctx, q, orderID)

	var entry deliverylog.DeliveryLog
	var createdAt string
	err := row.Scan(
		&entry.OrderID,
		&entry.Recipient,
		&entry.Status,
		&entry.MessageID,
		&entry.Error,
		&entry.TraceID,
		&entry.SpanID,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: order %q: %w", orderID, deliverylog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get latest for %q: %w", orderID, err)
	}

	entry.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// applySchema runs the DDL statements once. Idempotent due to IF NOT EXISTS.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}
