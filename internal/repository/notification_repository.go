package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/service-marketplace/internal/model"
)

// NotificationRepo stores in-app notifications.
type NotificationRepo struct {
	db *sql.DB
}

func NewNotificationRepo(db *sql.DB) *NotificationRepo { return &NotificationRepo{db: db} }

// Create inserts n and fills in its ID and CreatedAt.
func (r *NotificationRepo) Create(ctx context.Context, n *model.Notification) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (user_id, type, title, message, booking_id, payment_id) VALUES (?, ?, ?, ?, ?, ?)`,
		n.UserID, n.Type, n.Title, n.Message, ptrArg(n.BookingID), ptrArg(n.PaymentID))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	n.ID = uint64(id)
	return r.db.QueryRowContext(ctx, `SELECT created_at FROM notifications WHERE id = ?`, n.ID).Scan(&n.CreatedAt)
}

// ListByUser returns up to limit notifications, newest first.
func (r *NotificationRepo) ListByUser(ctx context.Context, userID uint64, unreadOnly bool, limit int) ([]model.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT id, user_id, type, title, message, booking_id, payment_id, is_read, created_at
	      FROM notifications WHERE user_id = ?`
	if unreadOnly {
		q += " AND is_read = 0"
	}
	q += " ORDER BY id DESC LIMIT ?"
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Notification{}
	for rows.Next() {
		var (
			n       model.Notification
			booking sql.NullInt64
			payment sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &booking, &payment, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.BookingID = nullUint64Ptr(booking)
		n.PaymentID = nullUint64Ptr(payment)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags one notification of userID as read.
func (r *NotificationRepo) MarkRead(ctx context.Context, userID, id uint64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// MarkAllRead flags every unread notification of userID and returns how
// many changed.
func (r *NotificationRepo) MarkAllRead(ctx context.Context, userID uint64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
