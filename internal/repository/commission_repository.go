package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/service-marketplace/internal/model"
)

// CommissionRepo provides access to commission_payments.
type CommissionRepo struct {
	db *sql.DB
}

// NewCommissionRepo returns a CommissionRepo bound to db.
func NewCommissionRepo(db *sql.DB) *CommissionRepo { return &CommissionRepo{db: db} }

const commissionColumns = `id, provider_id, cycle_jobs, revenue_cents, amount_cents, status,
	proof_path, review_note, due_at, submitted_at, reviewed_at, created_at`

func scanCommission(s rowScanner) (model.CommissionPayment, error) {
	var (
		c         model.CommissionPayment
		proof     sql.NullString
		note      sql.NullString
		submitted sql.NullTime
		reviewed  sql.NullTime
	)
	err := s.Scan(&c.ID, &c.ProviderID, &c.CycleJobs, &c.RevenueCents, &c.AmountCents, &c.Status,
		&proof, &note, &c.DueAt, &submitted, &reviewed, &c.CreatedAt)
	if err != nil {
		return c, err
	}
	c.ProofPath = nullStringPtr(proof)
	c.ReviewNote = nullStringPtr(note)
	c.SubmittedAt = nullTimePtr(submitted)
	c.ReviewedAt = nullTimePtr(reviewed)
	return c, nil
}

// CreateTx inserts a pending payment for a finished cycle and sets its ID.
func (r *CommissionRepo) CreateTx(ctx context.Context, tx *sql.Tx, c *model.CommissionPayment) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO commission_payments (provider_id, cycle_jobs, revenue_cents, amount_cents, status, due_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ProviderID, c.CycleJobs, c.RevenueCents, c.AmountCents, model.CommissionPending, c.DueAt.UTC())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = uint64(id)
	c.Status = model.CommissionPending
	return nil
}

// GetByID loads a payment.  ErrNotFound when missing.
func (r *CommissionRepo) GetByID(ctx context.Context, id uint64) (model.CommissionPayment, error) {
	c, err := scanCommission(r.db.QueryRowContext(ctx,
		"SELECT "+commissionColumns+" FROM commission_payments WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// ListByProvider returns a provider's payments, newest first.
func (r *CommissionRepo) ListByProvider(ctx context.Context, providerID uint64) ([]model.CommissionPayment, error) {
	return r.list(ctx, "SELECT "+commissionColumns+" FROM commission_payments WHERE provider_id = ? ORDER BY id DESC", providerID)
}

// ListByStatus returns payments in a status, oldest first so admins review
// in arrival order.  An empty status lists everything.
func (r *CommissionRepo) ListByStatus(ctx context.Context, status string) ([]model.CommissionPayment, error) {
	if status == "" {
		return r.list(ctx, "SELECT "+commissionColumns+" FROM commission_payments ORDER BY id")
	}
	return r.list(ctx, "SELECT "+commissionColumns+" FROM commission_payments WHERE status = ? ORDER BY id", status)
}

func (r *CommissionRepo) list(ctx context.Context, q string, args ...any) ([]model.CommissionPayment, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.CommissionPayment{}
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SubmitProof attaches a proof to a pending or rejected payment owned by
// providerID and moves it to submitted.  ErrNotFound when the payment does
// not exist, ErrForbidden when another provider owns it, ErrConflict when
// it is already submitted or approved.
func (r *CommissionRepo) SubmitProof(ctx context.Context, providerID, paymentID uint64, proofPath string, now time.Time) error {
	c, err := r.GetByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if c.ProviderID != providerID {
		return ErrForbidden
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE commission_payments SET status = ?, proof_path = ?, submitted_at = ?, review_note = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		model.CommissionSubmitted, proofPath, now.UTC(), paymentID, model.CommissionPending, model.CommissionRejected)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrConflict
	}
	return nil
}

// Review approves or rejects a submitted payment.
func (r *CommissionRepo) Review(ctx context.Context, paymentID uint64, approve bool, note string, now time.Time) error {
	status := model.CommissionRejected
	if approve {
		status = model.CommissionApproved
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE commission_payments SET status = ?, review_note = ?, reviewed_at = ? WHERE id = ? AND status = ?`,
		status, note, now.UTC(), paymentID, model.CommissionSubmitted)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, paymentID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// HasOverdueTx reports whether the provider has a pending payment whose due
// date has passed.  It runs inside tx so the check and the booking insert
// see the same snapshot.
func (r *CommissionRepo) HasOverdueTx(ctx context.Context, tx *sql.Tx, providerID uint64, now time.Time) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commission_payments WHERE provider_id = ? AND status = ? AND due_at < ?`,
		providerID, model.CommissionPending, now.UTC()).Scan(&n)
	return n > 0, err
}
