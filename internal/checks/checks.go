// Package checks holds operator-run end-to-end checks against a live
// database.  Each check creates throw-away accounts tagged with a run ID,
// drives the marketplace service the way the API would, verifies the
// bookkeeping and removes what it created unless asked to keep it.
package checks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/logging"
	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/repository"
	"github.com/iliyamo/service-marketplace/internal/service"
)

// Step is one observed outcome within a check.
type Step struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Result is the outcome of one check.
type Result struct {
	Name     string        `json:"name"`
	RunID    string        `json:"run_id"`
	Passed   bool          `json:"passed"`
	Steps    []Step        `json:"steps"`
	Duration time.Duration `json:"duration"`
}

func (r *Result) step(log *zap.Logger, name string, err error, detail string) bool {
	s := Step{Name: name, OK: err == nil, Detail: detail}
	if err != nil {
		s.Detail = err.Error()
		r.Passed = false
		log.Warn("step failed", zap.String("check", r.Name), zap.String("step", name), zap.Error(err))
	} else {
		log.Info("step ok", zap.String("check", r.Name), zap.String("step", name), zap.String("detail", detail))
	}
	r.Steps = append(r.Steps, s)
	return err == nil
}

// Env carries what the checks need.  Keep leaves the created rows in place
// for inspection.
type Env struct {
	Users       *repository.UserRepo
	Providers   *repository.ProviderRepo
	Bookings    *repository.BookingRepo
	Commissions *repository.CommissionRepo
	Market      *service.Marketplace
	Log         *zap.Logger
	Keep        bool
	Now         func() time.Time
}

// NewEnv builds an Env over db with its own marketplace service.  Events
// are not published; the checks verify table state only.
func NewEnv(db *sql.DB, policy config.PolicyConfig, log *zap.Logger) Env {
	log = logging.OrNop(log)
	providers := repository.NewProviderRepo(db)
	bookings := repository.NewBookingRepo(db)
	commissions := repository.NewCommissionRepo(db)
	return Env{
		Users:       repository.NewUserRepo(db),
		Providers:   providers,
		Bookings:    bookings,
		Commissions: commissions,
		Market: service.NewMarketplace(service.Deps{
			DB:          db,
			Providers:   providers,
			Bookings:    bookings,
			Commissions: commissions,
			Policy:      policy,
			Log:         log.Named("marketplace"),
		}),
		Log:         log,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

type fixture struct {
	runID      string
	providerID uint64
	customerID uint64
}

const fixtureCost = 4 // bcrypt.MinCost; the accounts never log in

// setup creates a provider with a profile and a customer.  The returned
// cleanup deletes both; the schema cascades to bookings, commissions and
// notifications.
func (e Env) setup(ctx context.Context, res *Result) (fixture, func(), error) {
	fx := fixture{runID: res.RunID}
	var created []uint64
	cleanup := func() {
		if e.Keep {
			e.Log.Info("keeping test data", zap.String("run_id", fx.runID), zap.Uint64s("user_ids", created))
			return
		}
		// A detached context so cleanup still runs after cancellation.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		for _, id := range created {
			if err := e.Users.Delete(cctx, id); err != nil {
				e.Log.Warn("cleanup failed", zap.Uint64("user_id", id), zap.Error(err))
			}
		}
		e.Log.Info("test data removed", zap.String("run_id", fx.runID), zap.Int("users", len(created)))
	}

	mk := func(role string) (uint64, error) {
		email := fmt.Sprintf("check-%s-%s@example.invalid", fx.runID, role)
		id, err := e.Users.Create(ctx, email, "Check "+fx.runID, uuid.NewString(), role, fixtureCost)
		if err == nil {
			created = append(created, id)
		}
		return id, err
	}

	var err error
	if fx.providerID, err = mk(model.RoleProvider); err != nil {
		return fx, cleanup, fmt.Errorf("create provider: %w", err)
	}
	if fx.customerID, err = mk(model.RoleCustomer); err != nil {
		return fx, cleanup, fmt.Errorf("create customer: %w", err)
	}
	err = e.Providers.Upsert(ctx, repository.ProfileInput{
		UserID:       fx.providerID,
		BusinessName: "Check " + fx.runID,
		Category:     "qa-check",
	})
	if err != nil {
		return fx, cleanup, fmt.Errorf("create profile: %w", err)
	}
	return fx, cleanup, nil
}

func (e Env) book(ctx context.Context, fx fixture, i int, at time.Time, price uint32) (model.Booking, error) {
	return e.Market.CreateBooking(ctx, fx.customerID, service.BookingRequest{
		ProviderID:   fx.providerID,
		ServiceTitle: fmt.Sprintf("check %s job %d", fx.runID, i),
		ScheduledAt:  at,
		PriceCents:   price,
	})
}

func newResult(name string) Result {
	return Result{Name: name, RunID: uuid.NewString()[:8], Passed: true}
}
