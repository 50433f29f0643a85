// Package queue carries marketplace domain events over RabbitMQ and turns
// them into per-user notifications.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Routing keys published on the events exchange.  The event type and the
// routing key are always the same string.
const (
	RKBookingConfirmed   = "booking.confirmed"
	RKBookingStarted     = "booking.started"
	RKBookingCompleted   = "booking.completed"
	RKBookingCancelled   = "booking.cancelled"
	RKCommissionDue      = "commission.due"
	RKCommissionApproved = "commission.approved"
	RKCommissionRejected = "commission.rejected"
	RKProviderSuspended  = "provider.suspended"
)

// Event is the envelope every publisher sends.  UserID is the recipient of
// the resulting notification, not necessarily the actor.
type Event struct {
	Type       string    `json:"type"`
	UserID     uint64    `json:"user_id"`
	BookingID  *uint64   `json:"booking_id,omitempty"`
	PaymentID  *uint64   `json:"payment_id,omitempty"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ErrMalformed marks a delivery that can never be processed.
var ErrMalformed = errors.New("malformed event")

// Decode parses a delivery body.  An empty type falls back to the routing
// key; a missing recipient is ErrMalformed.
func Decode(routingKey string, body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Type == "" {
		ev.Type = routingKey
	}
	if ev.Type == "" || ev.UserID == 0 {
		return Event{}, fmt.Errorf("%w: type=%q user_id=%d", ErrMalformed, ev.Type, ev.UserID)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev, nil
}

// Uint64Ptr is a small helper for the optional ID fields.
func Uint64Ptr(v uint64) *uint64 { return &v }
