package model

import "time"

// Booking statuses.  confirmed → in_progress → completed, with cancelled
// reachable from both non-terminal states.
const (
	BookingConfirmed  = "confirmed"
	BookingInProgress = "in_progress"
	BookingCompleted  = "completed"
	BookingCancelled  = "cancelled"
)

// Cancel reasons stored in bookings.cancel_reason.
const (
	CancelByCustomer = "customer"
	CancelByProvider = "provider"
	CancelNoShow     = "no_show"
	CancelByAdmin    = "admin"
)

var bookingTransitions = map[string][]string{
	BookingConfirmed:  {BookingInProgress, BookingCancelled},
	BookingInProgress: {BookingCompleted, BookingCancelled},
}

// CanTransition reports whether a booking may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range bookingTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	return status == BookingCompleted || status == BookingCancelled
}

// Booking is a customer's reservation of a provider's service.
type Booking struct {
	ID           uint64     `json:"id"`
	CustomerID   uint64     `json:"customer_id"`
	ProviderID   uint64     `json:"provider_id"`
	ServiceTitle string     `json:"service_title"`
	Notes        string     `json:"notes,omitempty"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	PriceCents   uint32     `json:"price_cents"`
	Status       string     `json:"status"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// BookingEvent is one row of a booking's status history.
type BookingEvent struct {
	ID         uint64    `json:"id"`
	BookingID  uint64    `json:"booking_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorID    uint64    `json:"actor_id"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
