package model

import "time"

// Notification is an in-app message for a single user.
type Notification struct {
	ID        uint64    `json:"id"`
	UserID    uint64    `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	BookingID *uint64   `json:"booking_id,omitempty"`
	PaymentID *uint64   `json:"payment_id,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}
