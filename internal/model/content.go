package model

import "time"

// ContentSection is an admin-editable block of site copy (hero text,
// testimonials, FAQ) addressed by a stable key.
type ContentSection struct {
	Key       string    `json:"key"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Position  int       `json:"position"`
	Published bool      `json:"published"`
	UpdatedBy *uint64   `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RealtimeStats is the aggregate snapshot shown on the landing page.
type RealtimeStats struct {
	TotalBookings   uint64    `json:"total_bookings"`
	CompletedJobs   uint64    `json:"completed_jobs"`
	ActiveProviders uint64    `json:"active_providers"`
	Customers       uint64    `json:"customers"`
	GeneratedAt     time.Time `json:"generated_at"`
}
