package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/queue"
	"github.com/iliyamo/service-marketplace/internal/repository"
	"github.com/iliyamo/service-marketplace/internal/storage"
)

type recorder struct {
	events []queue.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev queue.Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) types() []string {
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fakeUploads struct {
	bucket, prefix string
	err            error
	removed        []string
}

func (f *fakeUploads) Remove(_ context.Context, _ string, paths ...string) error {
	f.removed = append(f.removed, paths...)
	return nil
}

func (f *fakeUploads) Put(_ context.Context, bucket, prefix string, file storage.File) (string, error) {
	f.bucket, f.prefix = bucket, prefix
	if f.err != nil {
		return "", f.err
	}
	return prefix + "/proof.png", nil
}

func newMarketplace(t *testing.T) (*Marketplace, sqlmock.Sqlmock, *recorder, *fakeUploads) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	rec := &recorder{}
	up := &fakeUploads{}
	m := NewMarketplace(Deps{
		DB:          db,
		Providers:   repository.NewProviderRepo(db),
		Bookings:    repository.NewBookingRepo(db),
		Commissions: repository.NewCommissionRepo(db),
		Events:      rec,
		Uploads:     up,
		Policy:      config.DefaultPolicy(),
		Now:         func() time.Time { return t0 },
	})
	return m, mock, rec, up
}

var bookingCols = []string{"id", "customer_id", "provider_id", "service_title", "notes", "scheduled_at",
	"price_cents", "status", "cancel_reason", "started_at", "completed_at", "created_at", "updated_at"}

func bookingRow(status string, scheduled time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(bookingCols).AddRow(uint64(11), uint64(2), uint64(1), "Deep clean", "",
		scheduled, uint32(20000), status, nil, nil, nil, t0.Add(-48*time.Hour), t0.Add(-48*time.Hour))
}

var providerCols = []string{"user_id", "business_name", "category", "description", "phone",
	"shop_photo_path", "verification_doc_path", "is_verified", "is_active",
	"completed_jobs", "cycle_jobs", "cycle_revenue_cents", "strikes", "suspended_until",
	"created_at", "updated_at"}

func providerRow(active bool, completed, cycleJobs uint32, revenue uint64, strikes uint32, suspended any) *sqlmock.Rows {
	return sqlmock.NewRows(providerCols).AddRow(uint64(1), "Sparkle", "cleaning", "", "555-0100",
		nil, nil, true, active, completed, cycleJobs, revenue, strikes, suspended, t0, t0)
}

const (
	lockBooking  = "FROM bookings WHERE id = ? FOR UPDATE"
	lockProvider = "FROM provider_profiles WHERE user_id = ? FOR UPDATE"
)

func TestCompleteBookingClosesCommissionCycle(t *testing.T) {
	m, mock, rec, _ := newMarketplace(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBooking)).WithArgs(uint64(11)).
		WillReturnRows(bookingRow(model.BookingInProgress, t0.Add(-time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookings")).
		WithArgs(model.BookingCompleted, nil, nil, sqlmock.AnyArg(), uint64(11), model.BookingInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO booking_events")).
		WithArgs(uint64(11), model.BookingInProgress, model.BookingCompleted, uint64(1), "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(lockProvider)).WithArgs(uint64(1)).
		WillReturnRows(providerRow(true, 9, 4, 80000, 0, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE provider_profiles SET completed_jobs = ?, cycle_jobs = ?, cycle_revenue_cents = ?")).
		WithArgs(uint32(10), uint32(0), uint64(0), uint64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO commission_payments")).
		WithArgs(uint64(1), uint32(5), uint64(100000), uint64(10000), model.CommissionPending, t0.Add(72*time.Hour)).
		WillReturnResult(sqlmock.NewResult(77, 1))
	mock.ExpectCommit()

	b, c, err := m.CompleteBooking(context.Background(), 1, 11)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, model.BookingCompleted, b.Status)
	require.NotNil(t, b.CompletedAt)
	require.NotNil(t, c)
	assert.Equal(t, uint64(77), c.ID)
	assert.Equal(t, uint64(10000), c.AmountCents)
	assert.Equal(t, []string{queue.RKBookingCompleted, queue.RKCommissionDue}, rec.types())
	assert.Equal(t, uint64(1), rec.events[1].UserID)
	assert.Equal(t, uint64(77), *rec.events[1].PaymentID)
}

func TestCompleteBookingRequiresInProgress(t *testing.T) {
	m, mock, rec, _ := newMarketplace(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBooking)).WithArgs(uint64(11)).
		WillReturnRows(bookingRow(model.BookingConfirmed, t0))
	mock.ExpectRollback()

	_, _, err := m.CompleteBooking(context.Background(), 1, 11)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, rec.events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelFinishedBookingIsRefused(t *testing.T) {
	m, mock, _, _ := newMarketplace(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBooking)).WithArgs(uint64(11)).
		WillReturnRows(bookingRow(model.BookingCompleted, t0))
	mock.ExpectRollback()

	_, err := m.CancelBooking(context.Background(), 2, model.RoleCustomer, 11, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "already completed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartBookingForbiddenForOtherProvider(t *testing.T) {
	m, mock, _, _ := newMarketplace(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBooking)).WithArgs(uint64(11)).
		WillReturnRows(bookingRow(model.BookingConfirmed, t0))
	mock.ExpectRollback()

	_, err := m.StartBooking(context.Background(), 3, 11)
	assert.ErrorIs(t, err, repository.ErrForbidden)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportNoShowThirdStrikeSuspends(t *testing.T) {
	m, mock, rec, _ := newMarketplace(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBooking)).WithArgs(uint64(11)).
		WillReturnRows(bookingRow(model.BookingConfirmed, t0.Add(-2*time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookings")).
		WithArgs(model.BookingCancelled, model.CancelNoShow, nil, nil, uint64(11), model.BookingConfirmed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO booking_events")).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectQuery(regexp.QuoteMeta(lockProvider)).WithArgs(uint64(1)).
		WillReturnRows(providerRow(true, 3, 3, 60000, 2, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE provider_profiles SET strikes = ?, suspended_until = ?")).
		WithArgs(uint32(0), t0.Add(7*24*time.Hour), uint64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b, err := m.ReportNoShow(context.Background(), 2, 11)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, model.BookingCancelled, b.Status)
	assert.Equal(t, model.CancelNoShow, *b.CancelReason)
	assert.Equal(t, []string{queue.RKBookingCancelled, queue.RKProviderSuspended}, rec.types())
}

func TestReportNoShowTooEarly(t *testing.T) {
	m, mock, _, _ := newMarketplace(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBooking)).WithArgs(uint64(11)).
		WillReturnRows(bookingRow(model.BookingConfirmed, t0.Add(time.Hour)))
	mock.ExpectRollback()

	_, err := m.ReportNoShow(context.Background(), 2, 11)
	assert.ErrorIs(t, err, ErrNoShowTooEarly)
}

func TestCreateBookingRejectsSuspendedProvider(t *testing.T) {
	m, mock, rec, _ := newMarketplace(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockProvider)).WithArgs(uint64(1)).
		WillReturnRows(providerRow(true, 0, 0, 0, 0, t0.Add(24*time.Hour)))
	mock.ExpectRollback()

	_, err := m.CreateBooking(context.Background(), 2, BookingRequest{
		ProviderID: 1, ServiceTitle: "Deep clean", ScheduledAt: t0.Add(24 * time.Hour), PriceCents: 20000,
	})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Empty(t, rec.events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingRejectsOverdueCommission(t *testing.T) {
	m, mock, _, _ := newMarketplace(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockProvider)).WithArgs(uint64(1)).
		WillReturnRows(providerRow(true, 5, 0, 0, 0, nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM commission_payments")).
		WithArgs(uint64(1), model.CommissionPending, t0).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectRollback()

	_, err := m.CreateBooking(context.Background(), 2, BookingRequest{
		ProviderID: 1, ServiceTitle: "Deep clean", ScheduledAt: t0.Add(24 * time.Hour), PriceCents: 20000,
	})
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.True(t, strings.Contains(err.Error(), "overdue"))
}

func TestCreateBookingPublishesToBothParties(t *testing.T) {
	m, mock, rec, _ := newMarketplace(t)
	rec.err = errors.New("broker down")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockProvider)).WithArgs(uint64(1)).
		WillReturnRows(providerRow(true, 0, 0, 0, 0, nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM commission_payments")).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bookings")).WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings WHERE id = ?")).WithArgs(int64(11)).
		WillReturnRows(bookingRow(model.BookingConfirmed, t0.Add(24*time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO booking_events")).
		WithArgs(uint64(11), "", model.BookingConfirmed, uint64(2), "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	b, err := m.CreateBooking(context.Background(), 2, BookingRequest{
		ProviderID: 1, ServiceTitle: " Deep clean ", ScheduledAt: t0.Add(24 * time.Hour), PriceCents: 20000,
	})
	// a broker failure after commit does not fail the booking
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, uint64(11), b.ID)
	require.Len(t, rec.events, 2)
	assert.Equal(t, uint64(2), rec.events[0].UserID)
	assert.Equal(t, uint64(1), rec.events[1].UserID)
}

func TestCreateBookingValidation(t *testing.T) {
	m, _, _, _ := newMarketplace(t)
	_, err := m.CreateBooking(context.Background(), 2, BookingRequest{ProviderID: 2, ServiceTitle: "x", ScheduledAt: t0, PriceCents: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = m.CreateBooking(context.Background(), 2, BookingRequest{ProviderID: 1, ScheduledAt: t0, PriceCents: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCancelBookingByCustomerNotifiesProvider(t *testing.T) {
	m, mock, rec, _ := newMarketplace(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBooking)).WithArgs(uint64(11)).
		WillReturnRows(bookingRow(model.BookingConfirmed, t0.Add(time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookings")).
		WithArgs(model.BookingCancelled, model.CancelByCustomer, nil, nil, uint64(11), model.BookingConfirmed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO booking_events")).
		WithArgs(uint64(11), model.BookingConfirmed, model.BookingCancelled, uint64(2), "plans changed").
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectCommit()

	_, err := m.CancelBooking(context.Background(), 2, model.RoleCustomer, 11, " plans changed ")
	require.NoError(t, err)
	require.Len(t, rec.events, 1)
	assert.Equal(t, uint64(1), rec.events[0].UserID)
}

var commissionCols = []string{"id", "provider_id", "cycle_jobs", "revenue_cents", "amount_cents", "status",
	"proof_path", "review_note", "due_at", "submitted_at", "reviewed_at", "created_at"}

func commissionRow(status string, proof any) *sqlmock.Rows {
	return sqlmock.NewRows(commissionCols).AddRow(uint64(7), uint64(1), uint32(5), uint64(100000), uint64(10000),
		status, proof, nil, t0.Add(72*time.Hour), nil, nil, t0)
}

func TestSubmitCommissionProof(t *testing.T) {
	m, mock, _, up := newMarketplace(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM commission_payments WHERE id = ?")).WithArgs(uint64(7)).
		WillReturnRows(commissionRow(model.CommissionRejected, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM commission_payments WHERE id = ?")).WithArgs(uint64(7)).
		WillReturnRows(commissionRow(model.CommissionRejected, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE commission_payments SET status = ?, proof_path = ?")).
		WithArgs(model.CommissionSubmitted, "1/7/proof.png", t0, uint64(7), model.CommissionPending, model.CommissionRejected).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM commission_payments WHERE id = ?")).WithArgs(uint64(7)).
		WillReturnRows(commissionRow(model.CommissionSubmitted, "1/7/proof.png"))

	c, err := m.SubmitCommissionProof(context.Background(), 1, 7, storage.File{Name: "p.png", ContentType: "image/png", Size: 3})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, storage.BucketCommissionProofs, up.bucket)
	assert.Equal(t, "1/7", up.prefix)
	assert.Equal(t, model.CommissionSubmitted, c.Status)
}

func TestSubmitCommissionProofRemovesObjectOnLostRace(t *testing.T) {
	m, mock, _, up := newMarketplace(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM commission_payments WHERE id = ?")).WithArgs(uint64(7)).
		WillReturnRows(commissionRow(model.CommissionPending, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM commission_payments WHERE id = ?")).WithArgs(uint64(7)).
		WillReturnRows(commissionRow(model.CommissionSubmitted, "1/7/other.png"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE commission_payments SET status = ?, proof_path = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := m.SubmitCommissionProof(context.Background(), 1, 7, storage.File{Name: "p.png", ContentType: "image/png", Size: 3})
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.Equal(t, []string{"1/7/proof.png"}, up.removed)
}

func TestSubmitCommissionProofRefusedBeforeUpload(t *testing.T) {
	m, mock, _, up := newMarketplace(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM commission_payments WHERE id = ?")).WithArgs(uint64(7)).
		WillReturnRows(commissionRow(model.CommissionApproved, "1/7/old.png"))

	_, err := m.SubmitCommissionProof(context.Background(), 1, 7, storage.File{Name: "p.png"})
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.Empty(t, up.bucket)
}

func TestReviewCommissionRejectNeedsNote(t *testing.T) {
	m, _, _, _ := newMarketplace(t)
	_, err := m.ReviewCommission(context.Background(), 9, 7, false, "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReviewCommissionPublishes(t *testing.T) {
	m, mock, rec, _ := newMarketplace(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE commission_payments SET status = ?, review_note = ?")).
		WithArgs(model.CommissionRejected, "blurry", t0, uint64(7), model.CommissionSubmitted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM commission_payments WHERE id = ?")).WithArgs(uint64(7)).
		WillReturnRows(commissionRow(model.CommissionRejected, "1/7/p.png"))

	_, err := m.ReviewCommission(context.Background(), 9, 7, false, "blurry")
	require.NoError(t, err)
	require.Len(t, rec.events, 1)
	assert.Equal(t, queue.RKCommissionRejected, rec.events[0].Type)
	assert.Contains(t, rec.events[0].Message, "blurry")
}
