package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/model"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestNextCycleAccumulates(t *testing.T) {
	p := model.ProviderProfile{UserID: 4, CompletedJobs: 12, CycleJobs: 2, CycleRevenueCents: 30000}
	u := nextCycle(p, 15000, config.DefaultPolicy(), t0)
	assert.Equal(t, uint32(13), u.completed)
	assert.Equal(t, uint32(3), u.cycleJobs)
	assert.Equal(t, uint64(45000), u.cycleRevenue)
	assert.Nil(t, u.commission)
}

func TestNextCycleRaisesCommissionAndResets(t *testing.T) {
	p := model.ProviderProfile{UserID: 4, CompletedJobs: 4, CycleJobs: 4, CycleRevenueCents: 80005}
	u := nextCycle(p, 20000, config.DefaultPolicy(), t0)

	assert.Equal(t, uint32(5), u.completed)
	assert.Zero(t, u.cycleJobs)
	assert.Zero(t, u.cycleRevenue)
	require.NotNil(t, u.commission)
	c := u.commission
	assert.Equal(t, uint64(4), c.ProviderID)
	assert.Equal(t, uint32(5), c.CycleJobs)
	assert.Equal(t, uint64(100005), c.RevenueCents)
	// 10% rounded down
	assert.Equal(t, uint64(10000), c.AmountCents)
	assert.Equal(t, model.CommissionPending, c.Status)
	assert.Equal(t, t0.Add(72*time.Hour), c.DueAt)
}

func TestNextCycleCustomPolicy(t *testing.T) {
	pol := config.PolicyConfig{CommissionCycleJobs: 1, CommissionRateBPS: 250, CommissionGrace: time.Hour, StrikeLimit: 3, SuspensionDays: 7}
	u := nextCycle(model.ProviderProfile{UserID: 1}, 999, pol, t0)
	require.NotNil(t, u.commission)
	assert.Equal(t, uint64(24), u.commission.AmountCents)
}

func TestNextStrike(t *testing.T) {
	pol := config.DefaultPolicy()

	u := nextStrike(model.ProviderProfile{Strikes: 1}, pol, t0)
	assert.Equal(t, uint32(2), u.strikes)
	assert.Nil(t, u.suspendedUntil)

	u = nextStrike(model.ProviderProfile{Strikes: 2}, pol, t0)
	assert.Zero(t, u.strikes)
	require.NotNil(t, u.suspendedUntil)
	assert.Equal(t, t0.Add(7*24*time.Hour), *u.suspendedUntil)

	later := t0.Add(30 * 24 * time.Hour)
	u = nextStrike(model.ProviderProfile{Strikes: 2, SuspendedUntil: &later}, pol, t0)
	assert.Equal(t, later, *u.suspendedUntil)
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "100.05", formatCents(10005))
	assert.Equal(t, "0.07", formatCents(7))
}
