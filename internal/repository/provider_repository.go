package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/service-marketplace/internal/model"
)

// ProviderRepo provides access to provider_profiles.  Counter updates that
// belong to a booking transition take a *sql.Tx so they commit together
// with the booking row.
type ProviderRepo struct {
	db *sql.DB
}

// NewProviderRepo returns a ProviderRepo bound to db.
func NewProviderRepo(db *sql.DB) *ProviderRepo { return &ProviderRepo{db: db} }

// ProfileInput carries the fields a provider may edit on their listing.
type ProfileInput struct {
	UserID       uint64
	BusinessName string
	Category     string
	Description  string
	Phone        string
}

const providerColumns = `user_id, business_name, category, COALESCE(description,''), phone,
	shop_photo_path, verification_doc_path, is_verified, is_active,
	completed_jobs, cycle_jobs, cycle_revenue_cents, strikes, suspended_until,
	created_at, updated_at`

func scanProvider(s rowScanner) (model.ProviderProfile, error) {
	var (
		p         model.ProviderProfile
		photo     sql.NullString
		doc       sql.NullString
		suspended sql.NullTime
	)
	err := s.Scan(&p.UserID, &p.BusinessName, &p.Category, &p.Description, &p.Phone,
		&photo, &doc, &p.IsVerified, &p.IsActive,
		&p.CompletedJobs, &p.CycleJobs, &p.CycleRevenueCents, &p.Strikes, &suspended,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.ShopPhotoPath = nullStringPtr(photo)
	p.VerificationDocPath = nullStringPtr(doc)
	p.SuspendedUntil = nullTimePtr(suspended)
	return p, nil
}

// Upsert creates the profile or updates its editable fields.
func (r *ProviderRepo) Upsert(ctx context.Context, in ProfileInput) error {
	const q = `INSERT INTO provider_profiles (user_id, business_name, category, description, phone)
	           VALUES (?, ?, ?, ?, ?)
	           ON DUPLICATE KEY UPDATE business_name=VALUES(business_name), category=VALUES(category),
	                                   description=VALUES(description), phone=VALUES(phone)`
	_, err := r.db.ExecContext(ctx, q, in.UserID, strings.TrimSpace(in.BusinessName),
		strings.ToLower(strings.TrimSpace(in.Category)), in.Description, strings.TrimSpace(in.Phone))
	return err
}

// GetByUserID loads a profile.  ErrNotFound when the user has none.
func (r *ProviderRepo) GetByUserID(ctx context.Context, userID uint64) (model.ProviderProfile, error) {
	p, err := scanProvider(r.db.QueryRowContext(ctx,
		"SELECT "+providerColumns+" FROM provider_profiles WHERE user_id = ?", userID))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// GetForUpdateTx loads and row-locks a profile inside tx.
func (r *ProviderRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, userID uint64) (model.ProviderProfile, error) {
	p, err := scanProvider(tx.QueryRowContext(ctx,
		"SELECT "+providerColumns+" FROM provider_profiles WHERE user_id = ? FOR UPDATE", userID))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// ListActive returns active providers that are not suspended at now,
// optionally filtered by category, ordered by lifetime completed jobs.
func (r *ProviderRepo) ListActive(ctx context.Context, category string, now time.Time) ([]model.ProviderProfile, error) {
	q := "SELECT " + providerColumns + ` FROM provider_profiles
	      WHERE is_active = 1 AND (suspended_until IS NULL OR suspended_until <= ?)`
	args := []any{now.UTC()}
	if c := strings.ToLower(strings.TrimSpace(category)); c != "" {
		q += " AND category = ?"
		args = append(args, c)
	}
	q += " ORDER BY completed_jobs DESC, user_id ASC"
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ProviderProfile{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateCountersTx writes the commission-cycle counters.
func (r *ProviderRepo) UpdateCountersTx(ctx context.Context, tx *sql.Tx, userID uint64, completed, cycleJobs uint32, cycleRevenue uint64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE provider_profiles SET completed_jobs = ?, cycle_jobs = ?, cycle_revenue_cents = ? WHERE user_id = ?`,
		completed, cycleJobs, cycleRevenue, userID)
	return err
}

// SetStrikesTx writes the strike counter and suspension deadline.  A nil
// suspendedUntil leaves the current deadline untouched.
func (r *ProviderRepo) SetStrikesTx(ctx context.Context, tx *sql.Tx, userID uint64, strikes uint32, suspendedUntil *time.Time) error {
	if suspendedUntil == nil {
		_, err := tx.ExecContext(ctx, `UPDATE provider_profiles SET strikes = ? WHERE user_id = ?`, strikes, userID)
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE provider_profiles SET strikes = ?, suspended_until = ? WHERE user_id = ?`,
		strikes, suspendedUntil.UTC(), userID)
	return err
}

// LiftSuspension clears suspended_until and the strike counter.
func (r *ProviderRepo) LiftSuspension(ctx context.Context, userID uint64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE provider_profiles SET suspended_until = NULL, strikes = 0 WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetShopPhotoPath records the storage path of the provider's shop photo.
func (r *ProviderRepo) SetShopPhotoPath(ctx context.Context, userID uint64, path string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE provider_profiles SET shop_photo_path = ? WHERE user_id = ?`, path, userID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetVerificationDocPath records the uploaded verification document and
// resets is_verified until an admin looks at it again.
func (r *ProviderRepo) SetVerificationDocPath(ctx context.Context, userID uint64, path string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE provider_profiles SET verification_doc_path = ?, is_verified = 0 WHERE user_id = ?`, path, userID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Categories returns every category with its count of bookable providers.
func (r *ProviderRepo) Categories(ctx context.Context, now time.Time) ([]model.Category, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM provider_profiles
		 WHERE is_active = 1 AND (suspended_until IS NULL OR suspended_until <= ?)
		 GROUP BY category ORDER BY category`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Category{}
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.Name, &c.ProviderCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// requireAffected turns a zero-row update into ErrNotFound.  The DSN sets
// clientFoundRows, so an update that matches a row but changes nothing still
// counts as one.
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
