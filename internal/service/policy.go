package service

import (
	"time"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/model"
)

// cycleUpdate is the provider bookkeeping after one more completed job.
// commission is non-nil when the job closed a cycle.
type cycleUpdate struct {
	completed    uint32
	cycleJobs    uint32
	cycleRevenue uint64
	commission   *model.CommissionPayment
}

// nextCycle counts a completed job of priceCents.  When the cycle reaches
// pol.CommissionCycleJobs a pending commission is raised for the cycle's
// revenue and the counters restart from zero.
func nextCycle(p model.ProviderProfile, priceCents uint32, pol config.PolicyConfig, now time.Time) cycleUpdate {
	u := cycleUpdate{
		completed:    p.CompletedJobs + 1,
		cycleJobs:    p.CycleJobs + 1,
		cycleRevenue: p.CycleRevenueCents + uint64(priceCents),
	}
	if int(u.cycleJobs) < pol.CommissionCycleJobs {
		return u
	}
	u.commission = &model.CommissionPayment{
		ProviderID:   p.UserID,
		CycleJobs:    u.cycleJobs,
		RevenueCents: u.cycleRevenue,
		AmountCents:  model.CommissionAmount(u.cycleRevenue, pol.CommissionRateBPS),
		Status:       model.CommissionPending,
		DueAt:        now.Add(pol.CommissionGrace).UTC(),
	}
	u.cycleJobs, u.cycleRevenue = 0, 0
	return u
}

// strikeUpdate is the provider bookkeeping after a no-show report.
type strikeUpdate struct {
	strikes        uint32
	suspendedUntil *time.Time
}

// nextStrike adds a strike.  Reaching pol.StrikeLimit suspends the provider
// for pol.SuspensionDays and clears the strikes.  An existing suspension that
// ends later is never shortened.
func nextStrike(p model.ProviderProfile, pol config.PolicyConfig, now time.Time) strikeUpdate {
	s := p.Strikes + 1
	if int(s) < pol.StrikeLimit {
		return strikeUpdate{strikes: s}
	}
	until := now.Add(time.Duration(pol.SuspensionDays) * 24 * time.Hour).UTC()
	if p.SuspendedUntil != nil && p.SuspendedUntil.After(until) {
		until = *p.SuspendedUntil
	}
	return strikeUpdate{strikes: 0, suspendedUntil: &until}
}
