package checks

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/service"
)

func newEnv(t *testing.T) (Env, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewEnv(db, config.DefaultPolicy(), zap.NewNop()), mock
}

func expectFixtures(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), model.RoleProvider).
		WillReturnResult(sqlmock.NewResult(101, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), model.RoleCustomer).
		WillReturnResult(sqlmock.NewResult(102, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO provider_profiles")).
		WithArgs(uint64(101), sqlmock.AnyArg(), "qa-check", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSetupAndCleanup(t *testing.T) {
	env, mock := newEnv(t)
	expectFixtures(mock)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id=?")).WithArgs(uint64(101)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id=?")).WithArgs(uint64(102)).WillReturnResult(sqlmock.NewResult(0, 1))

	res := newResult("t")
	fx, cleanup, err := env.setup(context.Background(), &res)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), fx.providerID)
	assert.Equal(t, uint64(102), fx.customerID)
	cleanup()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeepSkipsCleanup(t *testing.T) {
	env, mock := newEnv(t)
	env.Keep = true
	expectFixtures(mock)

	res := newResult("t")
	_, cleanup, err := env.setup(context.Background(), &res)
	require.NoError(t, err)
	cleanup()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupFailureDoesNotFailCheck(t *testing.T) {
	env, mock := newEnv(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).WillReturnResult(sqlmock.NewResult(101, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).WillReturnError(errors.New("db gone"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users")).WillReturnError(errors.New("still gone"))

	res := env.CommissionCycle(context.Background())
	assert.False(t, res.Passed)
	require.Len(t, res.Steps, 1)
	assert.Contains(t, res.Steps[0].Detail, "create customer")
	assert.NotEmpty(t, res.RunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultDurationCoversRun(t *testing.T) {
	for name, run := range map[string]func(Env, context.Context) Result{
		"commission": Env.CommissionCycle,
		"no-show":    Env.NoShowStrikes,
	} {
		t.Run(name, func(t *testing.T) {
			env, mock := newEnv(t)
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
				WillDelayFor(50 * time.Millisecond).
				WillReturnError(errors.New("db gone"))

			res := run(env, context.Background())
			assert.False(t, res.Passed)
			assert.GreaterOrEqual(t, res.Duration, 50*time.Millisecond)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestVerifySinglePending(t *testing.T) {
	ok := []model.CommissionPayment{{Status: model.CommissionPending, AmountCents: 5000}}
	assert.NoError(t, verifySinglePending(ok, 5000))
	assert.Error(t, verifySinglePending(ok, 4000))
	assert.Error(t, verifySinglePending(append(ok, ok[0]), 5000))
	assert.Error(t, verifySinglePending([]model.CommissionPayment{{Status: model.CommissionSubmitted, AmountCents: 5000}}, 5000))
}

func TestExpectErr(t *testing.T) {
	assert.NoError(t, expectErr(service.ErrProviderUnavailable, service.ErrProviderUnavailable))
	assert.Error(t, expectErr(nil, service.ErrProviderUnavailable))
	assert.Error(t, expectErr(errors.New("other"), service.ErrProviderUnavailable))
}

func TestResultStep(t *testing.T) {
	res := newResult("x")
	assert.True(t, res.step(zap.NewNop(), "a", nil, "fine"))
	assert.True(t, res.Passed)
	assert.False(t, res.step(zap.NewNop(), "b", errors.New("bad"), ""))
	assert.False(t, res.Passed)
	assert.Equal(t, []Step{{Name: "a", OK: true, Detail: "fine"}, {Name: "b", OK: false, Detail: "bad"}}, res.Steps)
}
