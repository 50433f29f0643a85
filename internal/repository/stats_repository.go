package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/service-marketplace/internal/model"
)

// StatsRepo reads the realtime_stats view.
type StatsRepo struct {
	db *sql.DB
}

func NewStatsRepo(db *sql.DB) *StatsRepo { return &StatsRepo{db: db} }

// Snapshot returns the current aggregate counters.
func (r *StatsRepo) Snapshot(ctx context.Context) (model.RealtimeStats, error) {
	var s model.RealtimeStats
	err := r.db.QueryRowContext(ctx,
		`SELECT total_bookings, completed_jobs, active_providers, customers FROM realtime_stats`).
		Scan(&s.TotalBookings, &s.CompletedJobs, &s.ActiveProviders, &s.Customers)
	s.GeneratedAt = time.Now().UTC()
	return s, err
}
