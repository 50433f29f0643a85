package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/service-marketplace/internal/model"
)

// BookingRepo provides access to bookings and their status history.  Status
// changes always happen inside a transaction opened by the marketplace
// service so the history row, the booking row and the provider counters
// commit together.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to db.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

const bookingColumns = `id, customer_id, provider_id, service_title, COALESCE(notes,''), scheduled_at,
	price_cents, status, cancel_reason, started_at, completed_at, created_at, updated_at`

func scanBooking(s rowScanner) (model.Booking, error) {
	var (
		b         model.Booking
		reason    sql.NullString
		started   sql.NullTime
		completed sql.NullTime
	)
	err := s.Scan(&b.ID, &b.CustomerID, &b.ProviderID, &b.ServiceTitle, &b.Notes, &b.ScheduledAt,
		&b.PriceCents, &b.Status, &reason, &started, &completed, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return b, err
	}
	b.CancelReason = nullStringPtr(reason)
	b.StartedAt = nullTimePtr(started)
	b.CompletedAt = nullTimePtr(completed)
	return b, nil
}

// CreateTx inserts b as a confirmed booking and fills in its ID and
// timestamps.
func (r *BookingRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	const q = `INSERT INTO bookings (customer_id, provider_id, service_title, notes, scheduled_at, price_cents, status)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, b.CustomerID, b.ProviderID, b.ServiceTitle, b.Notes,
		b.ScheduledAt.UTC(), b.PriceCents, model.BookingConfirmed)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	created, err := scanBooking(tx.QueryRowContext(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = ?", id))
	if err != nil {
		return err
	}
	*b = created
	return nil
}

// GetByID loads a booking.  ErrNotFound when missing.
func (r *BookingRepo) GetByID(ctx context.Context, id uint64) (model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

// GetForUpdateTx loads and row-locks a booking inside tx.
func (r *BookingRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, id uint64) (model.Booking, error) {
	b, err := scanBooking(tx.QueryRowContext(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = ? FOR UPDATE", id))
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

// StatusChange describes a status update.  Reason, StartedAt and
// CompletedAt are written only when non-nil.
type StatusChange struct {
	From        string
	To          string
	Reason      *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// UpdateStatusTx moves a booking from ch.From to ch.To.  The WHERE clause
// re-checks the current status; a mismatch returns ErrConflict.
func (r *BookingRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id uint64, ch StatusChange) error {
	const q = `UPDATE bookings
	           SET status = ?,
	               cancel_reason = COALESCE(?, cancel_reason),
	               started_at = COALESCE(?, started_at),
	               completed_at = COALESCE(?, completed_at)
	           WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, q, ch.To, ptrArg(ch.Reason), utcArg(ch.StartedAt), utcArg(ch.CompletedAt), id, ch.From)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// InsertEventTx appends a status history row.
func (r *BookingRepo) InsertEventTx(ctx context.Context, tx *sql.Tx, ev model.BookingEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO booking_events (booking_id, from_status, to_status, actor_id, note) VALUES (?, ?, ?, ?, ?)`,
		ev.BookingID, ev.FromStatus, ev.ToStatus, ev.ActorID, ev.Note)
	return err
}

// ListEvents returns the history of a booking, oldest first.
func (r *BookingRepo) ListEvents(ctx context.Context, bookingID uint64) ([]model.BookingEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, booking_id, from_status, to_status, actor_id, note, created_at
		 FROM booking_events WHERE booking_id = ? ORDER BY id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.BookingEvent{}
	for rows.Next() {
		var ev model.BookingEvent
		if err := rows.Scan(&ev.ID, &ev.BookingID, &ev.FromStatus, &ev.ToStatus, &ev.ActorID, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListByCustomer returns a customer's bookings, newest first.
func (r *BookingRepo) ListByCustomer(ctx context.Context, customerID uint64, status string) ([]model.Booking, error) {
	return r.list(ctx, "customer_id", customerID, status)
}

// ListByProvider returns a provider's bookings, newest first.
func (r *BookingRepo) ListByProvider(ctx context.Context, providerID uint64, status string) ([]model.Booking, error) {
	return r.list(ctx, "provider_id", providerID, status)
}

func (r *BookingRepo) list(ctx context.Context, column string, id uint64, status string) ([]model.Booking, error) {
	q := "SELECT " + bookingColumns + " FROM bookings WHERE " + column + " = ?"
	args := []any{id}
	if status != "" {
		q += " AND status = ?"
		args = append(args, status)
	}
	q += " ORDER BY scheduled_at DESC, id DESC"
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func utcArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
