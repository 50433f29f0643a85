package model

import "time"

// Commission payment statuses.
const (
	CommissionPending   = "pending"
	CommissionSubmitted = "submitted"
	CommissionApproved  = "approved"
	CommissionRejected  = "rejected"
)

// CommissionPayment is raised every time a provider finishes a commission
// cycle.  The provider uploads a payment proof, an admin reviews it.
type CommissionPayment struct {
	ID           uint64     `json:"id"`
	ProviderID   uint64     `json:"provider_id"`
	CycleJobs    uint32     `json:"cycle_jobs"`
	RevenueCents uint64     `json:"revenue_cents"`
	AmountCents  uint64     `json:"amount_cents"`
	Status       string     `json:"status"`
	ProofPath    *string    `json:"proof_path,omitempty"`
	ReviewNote   *string    `json:"review_note,omitempty"`
	DueAt        time.Time  `json:"due_at"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CommissionAmount returns revenue × bps / 10000, rounded down.
func CommissionAmount(revenueCents uint64, bps int) uint64 {
	if bps <= 0 {
		return 0
	}
	return revenueCents * uint64(bps) / 10000
}

// Overdue reports whether a pending payment has passed its due date.
func (c CommissionPayment) Overdue(now time.Time) bool {
	return c.Status == CommissionPending && now.After(c.DueAt)
}
