package checks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/service"
)

// NoShowStrikes files STRIKE_LIMIT no-show reports against a fresh
// provider and verifies the suspension: strikes reset, suspended_until set
// SUSPENSION_DAYS ahead, new bookings refused.  Lifting the suspension
// must make the provider bookable again.
func (e Env) NoShowStrikes(ctx context.Context) (res Result) {
	start := time.Now()
	res = newResult("no-show-strikes")
	log := e.Log.With(zap.String("run_id", res.RunID))
	defer func() { res.Duration = time.Since(start) }()

	fx, cleanup, err := e.setup(ctx, &res)
	defer cleanup()
	if !res.step(log, "create fixtures", err, fmt.Sprintf("provider=%d customer=%d", fx.providerID, fx.customerID)) {
		return res
	}

	pol := e.Market.Policy()
	now := e.Now()
	// Reports are filed an hour after each appointment.
	later := e.Market.WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	for i := 1; i <= pol.StrikeLimit; i++ {
		b, err := e.book(ctx, fx, i, now.Add(time.Hour), checkPriceCents)
		if err == nil {
			_, err = later.ReportNoShow(ctx, fx.customerID, b.ID)
		}
		if !res.step(log, fmt.Sprintf("report no-show %d/%d", i, pol.StrikeLimit), err, fmt.Sprintf("booking=%d", b.ID)) {
			return res
		}
	}

	p, err := e.Providers.GetByUserID(ctx, fx.providerID)
	if err == nil {
		switch floor := now.Add(2 * time.Hour).Add(time.Duration(pol.SuspensionDays)*24*time.Hour - time.Minute); {
		case p.SuspendedUntil == nil:
			err = fmt.Errorf("provider not suspended")
		case p.SuspendedUntil.Before(floor):
			err = fmt.Errorf("suspended only until %s", p.SuspendedUntil.Format(time.RFC3339))
		case p.Strikes != 0:
			err = fmt.Errorf("strikes=%d after suspension, want 0", p.Strikes)
		}
	}
	detail := ""
	if p.SuspendedUntil != nil {
		detail = "suspended_until=" + p.SuspendedUntil.Format(time.RFC3339)
	}
	res.step(log, "provider suspended", err, detail)

	_, err = e.book(ctx, fx, pol.StrikeLimit+1, now.Add(3*time.Hour), checkPriceCents)
	res.step(log, "suspended provider refuses bookings", expectErr(err, service.ErrProviderUnavailable), "")

	err = e.Market.LiftSuspension(ctx, 0, fx.providerID)
	if err == nil {
		_, err = e.book(ctx, fx, pol.StrikeLimit+2, now.Add(4*time.Hour), checkPriceCents)
	}
	res.step(log, "lifted suspension restores booking", err, "")
	return res
}
