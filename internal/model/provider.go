package model

import "time"

// ProviderProfile is the marketplace listing of a PROVIDER user together with
// the bookkeeping counters for the commission cycle and no-show strikes.
//
// Fields:
//
//	UserID            – owning user; also the primary key.
//	CompletedJobs     – lifetime number of completed bookings.
//	CycleJobs         – completed bookings since the last commission was raised.
//	CycleRevenueCents – revenue of the bookings counted in CycleJobs.
//	Strikes           – no-show reports since the last suspension.
//	SuspendedUntil    – when set and in the future, the provider cannot be booked.
type ProviderProfile struct {
	UserID              uint64     `json:"user_id"`
	BusinessName        string     `json:"business_name"`
	Category            string     `json:"category"`
	Description         string     `json:"description,omitempty"`
	Phone               string     `json:"phone,omitempty"`
	ShopPhotoPath       *string    `json:"shop_photo_path,omitempty"`
	VerificationDocPath *string    `json:"-"`
	IsVerified          bool       `json:"is_verified"`
	IsActive            bool       `json:"is_active"`
	CompletedJobs       uint32     `json:"completed_jobs"`
	CycleJobs           uint32     `json:"cycle_jobs"`
	CycleRevenueCents   uint64     `json:"-"`
	Strikes             uint32     `json:"strikes"`
	SuspendedUntil      *time.Time `json:"suspended_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SuspendedAt reports whether the provider is suspended at instant now.
func (p ProviderProfile) SuspendedAt(now time.Time) bool {
	return p.SuspendedUntil != nil && now.Before(*p.SuspendedUntil)
}

// Category is a category card: a category name and how many active,
// unsuspended providers it lists.
type Category struct {
	Name          string `json:"name"`
	ProviderCount uint32 `json:"provider_count"`
}
