package checks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/service"
)

const checkPriceCents = 10000

// CommissionCycle completes one full commission cycle for a fresh provider
// and verifies that exactly one pending payment of the right amount was
// raised, that the cycle counters were reset, and that the provider stops
// taking bookings once the payment is overdue.
func (e Env) CommissionCycle(ctx context.Context) (res Result) {
	start := time.Now()
	res = newResult("commission-cycle")
	log := e.Log.With(zap.String("run_id", res.RunID))
	defer func() { res.Duration = time.Since(start) }()

	fx, cleanup, err := e.setup(ctx, &res)
	defer cleanup()
	if !res.step(log, "create fixtures", err, fmt.Sprintf("provider=%d customer=%d", fx.providerID, fx.customerID)) {
		return res
	}

	pol := e.Market.Policy()
	now := e.Now()
	var raised *model.CommissionPayment
	for i := 1; i <= pol.CommissionCycleJobs; i++ {
		b, err := e.book(ctx, fx, i, now.Add(time.Duration(i)*time.Hour), checkPriceCents)
		if err == nil {
			_, err = e.Market.StartBooking(ctx, fx.providerID, b.ID)
		}
		var c *model.CommissionPayment
		if err == nil {
			_, c, err = e.Market.CompleteBooking(ctx, fx.providerID, b.ID)
		}
		if err == nil && c != nil && i < pol.CommissionCycleJobs {
			err = fmt.Errorf("commission raised early after job %d", i)
		}
		if !res.step(log, fmt.Sprintf("complete job %d/%d", i, pol.CommissionCycleJobs), err, fmt.Sprintf("booking=%d", b.ID)) {
			return res
		}
		raised = c
	}
	if raised == nil {
		res.step(log, "commission raised", errors.New("no commission after the last job of the cycle"), "")
		return res
	}

	want := model.CommissionAmount(uint64(pol.CommissionCycleJobs)*checkPriceCents, pol.CommissionRateBPS)
	list, err := e.Commissions.ListByProvider(ctx, fx.providerID)
	if err == nil {
		err = verifySinglePending(list, want)
	}
	res.step(log, "one pending commission", err, fmt.Sprintf("amount_cents=%d due_at=%s", want, raised.DueAt.Format(time.RFC3339)))

	p, err := e.Providers.GetByUserID(ctx, fx.providerID)
	if err == nil && (p.CycleJobs != 0 || p.CycleRevenueCents != 0) {
		err = fmt.Errorf("cycle not reset: jobs=%d revenue=%d", p.CycleJobs, p.CycleRevenueCents)
	}
	if err == nil && int(p.CompletedJobs) != pol.CommissionCycleJobs {
		err = fmt.Errorf("completed_jobs=%d, want %d", p.CompletedJobs, pol.CommissionCycleJobs)
	}
	res.step(log, "cycle counters reset", err, fmt.Sprintf("completed_jobs=%d", p.CompletedJobs))

	late := e.Market.WithClock(func() time.Time { return raised.DueAt.Add(time.Minute) })
	_, err = late.CreateBooking(ctx, fx.customerID, service.BookingRequest{
		ProviderID:   fx.providerID,
		ServiceTitle: "check " + res.RunID + " after due date",
		ScheduledAt:  raised.DueAt.Add(24 * time.Hour),
		PriceCents:   checkPriceCents,
	})
	res.step(log, "overdue commission blocks booking", expectErr(err, service.ErrProviderUnavailable), "")
	return res
}

func verifySinglePending(list []model.CommissionPayment, amount uint64) error {
	if len(list) != 1 {
		return fmt.Errorf("found %d commission payments, want 1", len(list))
	}
	c := list[0]
	if c.Status != model.CommissionPending {
		return fmt.Errorf("status %s, want %s", c.Status, model.CommissionPending)
	}
	if c.AmountCents != amount {
		return fmt.Errorf("amount_cents=%d, want %d", c.AmountCents, amount)
	}
	return nil
}

func expectErr(got, want error) error {
	if errors.Is(got, want) {
		return nil
	}
	if got == nil {
		return fmt.Errorf("expected %q, got success", want)
	}
	return fmt.Errorf("expected %q, got %w", want, got)
}
