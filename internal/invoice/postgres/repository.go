// Package postgres implements invoice.Repository on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/billpay/internal/invoice"
	"github.com/odyssey-erp/billpay/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
)

const selectColumns = `id::text, status, vendor_name, reference_id, to_char(due_date, 'YYYY-MM-DD'), amount::text,
	currency, payment_reference, failure_reason, source_reference, request_id, extraction_succeeded,
	attempt, payment_unresolved, received_at, last_updated, settled_at`

// Repository persists invoices and their status history.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate creates the tables and indexes when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("invoice/postgres: migrate: %w", err)
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, rec invoice.Record) error {
	tag, err := r.pool.Exec(ctx, `INSERT INTO invoices (id, status, vendor_name, reference_id, due_date, amount, currency,
		payment_reference, failure_reason, source_reference, request_id, extraction_succeeded, attempt, payment_unresolved, received_at, last_updated)
		VALUES ($1, $2, $3, $4, $5::date, $6::numeric, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID.String(), string(rec.Status), rec.VendorName, rec.ReferenceID, dateParam(rec.DueDate), amountParam(rec.Amount),
		rec.Currency, rec.PaymentReference, rec.FailureReason, rec.SourceReference, rec.RequestID, rec.ExtractionSucceeded,
		rec.Attempt, rec.PaymentUnresolved, rec.ReceivedAt, rec.LastUpdated)
	if err != nil {
		return fmt.Errorf("invoice/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return invoice.ErrDuplicate
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (invoice.Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM invoices WHERE id = $1`, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return invoice.Record{}, invoice.ErrNotFound
	}
	if err != nil {
		return invoice.Record{}, fmt.Errorf("invoice/postgres: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) List(ctx context.Context, filter invoice.ListFilter) ([]invoice.Record, error) {
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx, "list", `SELECT `+selectColumns+` FROM invoices
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY received_at DESC, id LIMIT $2`, status, limit)
}

func (r *Repository) ListByStatusAndDueDate(ctx context.Context, status invoice.Status, due civil.Date) ([]invoice.Record, error) {
	return r.query(ctx, "list by due date", `SELECT `+selectColumns+` FROM invoices
		WHERE status = $1 AND due_date = $2::date
		ORDER BY due_date, id`, string(status), due.String())
}

func (r *Repository) ListByStatusAndDueRange(ctx context.Context, status invoice.Status, from, to civil.Date) ([]invoice.Record, error) {
	return r.query(ctx, "list by due range", `SELECT `+selectColumns+` FROM invoices
		WHERE status = $1 AND due_date BETWEEN $2::date AND $3::date
		ORDER BY due_date, id`, string(status), from.String(), to.String())
}

func (r *Repository) FindByPaymentReference(ctx context.Context, reference string) ([]invoice.Record, error) {
	return r.query(ctx, "find by reference", `SELECT `+selectColumns+` FROM invoices
		WHERE payment_reference = $1 ORDER BY id`, reference)
}

// CompareAndSwap updates the row conditioned on its current status and
// records the transition in invoice_events within the same transaction.
func (r *Repository) CompareAndSwap(ctx context.Context, change invoice.Change) (invoice.Record, error) {
	var updated invoice.Record
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rec, err := scanRecord(tx.QueryRow(ctx, `UPDATE invoices SET
				status = $3,
				payment_reference = COALESCE(payment_reference, NULLIF($4, '')),
				failure_reason = NULLIF($5, ''),
				settled_at = $6,
				attempt = $7,
				payment_unresolved = $9,
				last_updated = $8
			WHERE id = $1 AND status = $2
				AND (payment_reference IS NULL OR payment_reference = NULLIF($4, ''))
			RETURNING `+selectColumns,
			change.ID.String(), string(change.From), string(change.To), change.PaymentReference,
			change.FailureReason, change.SettledAt, change.Attempt, change.At, change.PaymentUnresolved))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, change.ID.String()).Scan(&exists); err != nil {
				return fmt.Errorf("invoice/postgres: check exists: %w", err)
			}
			if !exists {
				return invoice.ErrNotFound
			}
			return invoice.ErrStatusConflict
		}
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case uniqueViolation:
					return invoice.ErrDuplicateReference
				case serializationFailure:
					return invoice.ErrStatusConflict
				}
			}
			return fmt.Errorf("invoice/postgres: update status: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO invoice_events (invoice_id, from_status, to_status, payment_reference, failure_reason, occurred_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)`,
			change.ID.String(), string(change.From), string(change.To), change.PaymentReference, change.FailureReason, change.At); err != nil {
			return fmt.Errorf("invoice/postgres: insert event: %w", err)
		}
		updated = rec
		return nil
	})
	if err != nil {
		return invoice.Record{}, err
	}
	return updated, nil
}

func (r *Repository) Events(ctx context.Context, id uuid.UUID) ([]invoice.Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, from_status, to_status, COALESCE(payment_reference, ''), COALESCE(failure_reason, ''), occurred_at
		FROM invoice_events WHERE invoice_id = $1 ORDER BY id`, id.String())
	if err != nil {
		return nil, fmt.Errorf("invoice/postgres: events: %w", err)
	}
	defer rows.Close()
	var events []invoice.Event
	for rows.Next() {
		ev := invoice.Event{InvoiceID: id}
		var from, to string
		if err := rows.Scan(&ev.ID, &from, &to, &ev.PaymentReference, &ev.FailureReason, &ev.At); err != nil {
			return nil, fmt.Errorf("invoice/postgres: scan event: %w", err)
		}
		ev.From, ev.To = invoice.Status(from), invoice.Status(to)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *Repository) query(ctx context.Context, op, sql string, args ...any) ([]invoice.Record, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("invoice/postgres: %s: %w", op, err)
	}
	defer rows.Close()
	var out []invoice.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("invoice/postgres: %s: scan: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invoice/postgres: %s: %w", op, err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (invoice.Record, error) {
	var (
		rec                   invoice.Record
		id, status            string
		due, amount, ref, why *string
		settled               *time.Time
	)
	err := row.Scan(&id, &status, &rec.VendorName, &rec.ReferenceID, &due, &amount, &rec.Currency, &ref, &why,
		&rec.SourceReference, &rec.RequestID, &rec.ExtractionSucceeded, &rec.Attempt, &rec.PaymentUnresolved, &rec.ReceivedAt, &rec.LastUpdated, &settled)
	if err != nil {
		return invoice.Record{}, err
	}
	if rec.ID, err = uuid.Parse(id); err != nil {
		return invoice.Record{}, err
	}
	rec.Status = invoice.Status(status)
	if due != nil {
		d, err := civil.ParseDate(*due)
		if err != nil {
			return invoice.Record{}, err
		}
		rec.DueDate = &d
	}
	if amount != nil {
		v, err := decimal.NewFromString(*amount)
		if err != nil {
			return invoice.Record{}, err
		}
		rec.Amount = decimal.NewNullDecimal(v)
	}
	if ref != nil {
		rec.PaymentReference = *ref
	}
	if why != nil {
		rec.FailureReason = *why
	}
	rec.SettledAt = settled
	return rec, nil
}

func dateParam(d *civil.Date) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func amountParam(a decimal.NullDecimal) *string {
	if !a.Valid {
		return nil
	}
	s := a.Decimal.String()
	return &s
}
