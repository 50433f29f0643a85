// Package service holds the marketplace rules that span several tables: the
// booking lifecycle, the commission cycle and no-show strikes.  Each
// operation runs in one transaction and publishes its events after commit.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/database"
	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/queue"
	"github.com/iliyamo/service-marketplace/internal/repository"
	"github.com/iliyamo/service-marketplace/internal/storage"
)

// Publisher delivers domain events.  *queue.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev queue.Event) error
}

// Uploader stores files.  *storage.Uploader satisfies it.
type Uploader interface {
	Put(ctx context.Context, bucket, prefix string, f storage.File) (string, error)
	Remove(ctx context.Context, bucket string, paths ...string) error
}

// Deps are the collaborators of a Marketplace.  Events and Uploads may be
// nil; events are then dropped and uploads fail with ErrStorageDisabled.
type Deps struct {
	DB          *sql.DB
	Providers   *repository.ProviderRepo
	Bookings    *repository.BookingRepo
	Commissions *repository.CommissionRepo
	Events      Publisher
	Uploads     Uploader
	Policy      config.PolicyConfig
	Log         *zap.Logger
	Now         func() time.Time
}

// Marketplace implements the booking and commission workflows.
type Marketplace struct {
	db          *sql.DB
	providers   *repository.ProviderRepo
	bookings    *repository.BookingRepo
	commissions *repository.CommissionRepo
	events      Publisher
	uploads     Uploader
	policy      config.PolicyConfig
	log         *zap.Logger
	now         func() time.Time
}

// NewMarketplace wires a Marketplace.  A zero Policy falls back to the
// defaults.
func NewMarketplace(d Deps) *Marketplace {
	if d.DB == nil || d.Providers == nil || d.Bookings == nil || d.Commissions == nil {
		panic("nil dependency passed to NewMarketplace")
	}
	if d.Policy == (config.PolicyConfig{}) {
		d.Policy = config.DefaultPolicy()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Marketplace{
		db:          d.DB,
		providers:   d.Providers,
		bookings:    d.Bookings,
		commissions: d.Commissions,
		events:      d.Events,
		uploads:     d.Uploads,
		policy:      d.Policy,
		log:         d.Log,
		now:         d.Now,
	}
}

// Policy returns the rules in force.
func (m *Marketplace) Policy() config.PolicyConfig { return m.policy }

// WithClock returns a copy of m reading time from now.
func (m *Marketplace) WithClock(now func() time.Time) *Marketplace {
	cp := *m
	cp.now = now
	return &cp
}

// BookingRequest is a customer's booking.
type BookingRequest struct {
	ProviderID   uint64    `json:"provider_id"`
	ServiceTitle string    `json:"service_title"`
	Notes        string    `json:"notes"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	PriceCents   uint32    `json:"price_cents"`
}

func (r BookingRequest) validate(customerID uint64) error {
	switch {
	case r.ProviderID == 0:
		return fmt.Errorf("%w: provider_id is required", ErrInvalidInput)
	case r.ProviderID == customerID:
		return fmt.Errorf("%w: cannot book yourself", ErrInvalidInput)
	case strings.TrimSpace(r.ServiceTitle) == "":
		return fmt.Errorf("%w: service_title is required", ErrInvalidInput)
	case len(r.ServiceTitle) > 200:
		return fmt.Errorf("%w: service_title is too long", ErrInvalidInput)
	case r.ScheduledAt.IsZero():
		return fmt.Errorf("%w: scheduled_at is required", ErrInvalidInput)
	case r.PriceCents == 0:
		return fmt.Errorf("%w: price_cents must be positive", ErrInvalidInput)
	}
	return nil
}

// CreateBooking books a provider.  The provider row is locked while its
// availability is checked so a concurrent suspension cannot slip through.
func (m *Marketplace) CreateBooking(ctx context.Context, customerID uint64, req BookingRequest) (model.Booking, error) {
	if err := req.validate(customerID); err != nil {
		return model.Booking{}, err
	}
	now := m.now()
	b := model.Booking{
		CustomerID:   customerID,
		ProviderID:   req.ProviderID,
		ServiceTitle: strings.TrimSpace(req.ServiceTitle),
		Notes:        strings.TrimSpace(req.Notes),
		ScheduledAt:  req.ScheduledAt.UTC(),
		PriceCents:   req.PriceCents,
	}
	err := database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		p, err := m.providers.GetForUpdateTx(ctx, tx, req.ProviderID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: no such provider", ErrProviderUnavailable)
		}
		if err != nil {
			return err
		}
		if !p.IsActive {
			return fmt.Errorf("%w: provider is inactive", ErrProviderUnavailable)
		}
		if p.SuspendedAt(now) {
			return fmt.Errorf("%w: provider is suspended until %s", ErrProviderUnavailable, p.SuspendedUntil.Format(time.RFC3339))
		}
		overdue, err := m.commissions.HasOverdueTx(ctx, tx, p.UserID, now)
		if err != nil {
			return err
		}
		if overdue {
			return fmt.Errorf("%w: provider has an overdue commission", ErrProviderUnavailable)
		}
		if err := m.bookings.CreateTx(ctx, tx, &b); err != nil {
			return err
		}
		return m.bookings.InsertEventTx(ctx, tx, model.BookingEvent{
			BookingID: b.ID, FromStatus: "", ToStatus: model.BookingConfirmed, ActorID: customerID,
		})
	})
	if err != nil {
		return model.Booking{}, err
	}
	m.log.Info("booking confirmed", zap.Uint64("booking_id", b.ID),
		zap.Uint64("customer_id", customerID), zap.Uint64("provider_id", b.ProviderID))
	when := b.ScheduledAt.Format("Mon 2 Jan 15:04 MST")
	m.publish(ctx,
		bookingEvent(queue.RKBookingConfirmed, b.CustomerID, b.ID, "Your booking for "+b.ServiceTitle+" on "+when+" is confirmed."),
		bookingEvent(queue.RKBookingConfirmed, b.ProviderID, b.ID, "New booking: "+b.ServiceTitle+" on "+when+"."),
	)
	return b, nil
}

// transition is the shared shape of every status change: lock the booking,
// authorize, check the move, write the row and its history, then let after
// do any follow-up bookkeeping in the same transaction.
type transition struct {
	actorID   uint64
	to        string
	reason    *string
	note      string
	authorize func(b model.Booking) error
	after     func(tx *sql.Tx, b model.Booking) error
}

func (m *Marketplace) apply(ctx context.Context, bookingID uint64, t transition) (model.Booking, error) {
	var out model.Booking
	now := m.now()
	err := database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		b, err := m.bookings.GetForUpdateTx(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if err := t.authorize(b); err != nil {
			return err
		}
		if model.IsTerminal(b.Status) {
			return fmt.Errorf("%w: booking is already %s", ErrInvalidTransition, b.Status)
		}
		if !model.CanTransition(b.Status, t.to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, t.to)
		}
		ch := repository.StatusChange{From: b.Status, To: t.to, Reason: t.reason}
		switch t.to {
		case model.BookingInProgress:
			ch.StartedAt = &now
		case model.BookingCompleted:
			ch.CompletedAt = &now
		}
		if err := m.bookings.UpdateStatusTx(ctx, tx, b.ID, ch); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("%w: booking changed concurrently", ErrInvalidTransition)
			}
			return err
		}
		if err := m.bookings.InsertEventTx(ctx, tx, model.BookingEvent{
			BookingID: b.ID, FromStatus: b.Status, ToStatus: t.to, ActorID: t.actorID, Note: t.note,
		}); err != nil {
			return err
		}
		b.Status = t.to
		if t.reason != nil {
			b.CancelReason = t.reason
		}
		if ch.StartedAt != nil {
			b.StartedAt = ch.StartedAt
		}
		if ch.CompletedAt != nil {
			b.CompletedAt = ch.CompletedAt
		}
		b.UpdatedAt = now
		if t.after != nil {
			if err := t.after(tx, b); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	return out, err
}

func ownedByProvider(providerID uint64) func(model.Booking) error {
	return func(b model.Booking) error {
		if b.ProviderID != providerID {
			return repository.ErrForbidden
		}
		return nil
	}
}

// StartBooking marks a confirmed booking as in progress.
func (m *Marketplace) StartBooking(ctx context.Context, providerID, bookingID uint64) (model.Booking, error) {
	b, err := m.apply(ctx, bookingID, transition{
		actorID:   providerID,
		to:        model.BookingInProgress,
		authorize: ownedByProvider(providerID),
	})
	if err != nil {
		return b, err
	}
	m.publish(ctx, bookingEvent(queue.RKBookingStarted, b.CustomerID, b.ID, "Your provider has started "+b.ServiceTitle+"."))
	return b, nil
}

// CompleteBooking finishes an in-progress booking and advances the
// provider's commission cycle.  The returned payment is non-nil when this
// job closed a cycle.
func (m *Marketplace) CompleteBooking(ctx context.Context, providerID, bookingID uint64) (model.Booking, *model.CommissionPayment, error) {
	var raised *model.CommissionPayment
	b, err := m.apply(ctx, bookingID, transition{
		actorID:   providerID,
		to:        model.BookingCompleted,
		authorize: ownedByProvider(providerID),
		after: func(tx *sql.Tx, b model.Booking) error {
			p, err := m.providers.GetForUpdateTx(ctx, tx, b.ProviderID)
			if err != nil {
				return fmt.Errorf("load provider: %w", err)
			}
			u := nextCycle(p, b.PriceCents, m.policy, m.now())
			if err := m.providers.UpdateCountersTx(ctx, tx, p.UserID, u.completed, u.cycleJobs, u.cycleRevenue); err != nil {
				return err
			}
			if u.commission != nil {
				if err := m.commissions.CreateTx(ctx, tx, u.commission); err != nil {
					return err
				}
				raised = u.commission
			}
			return nil
		},
	})
	if err != nil {
		return b, nil, err
	}
	events := []queue.Event{
		bookingEvent(queue.RKBookingCompleted, b.CustomerID, b.ID, b.ServiceTitle+" is complete. Thanks for booking!"),
	}
	if raised != nil {
		m.log.Info("commission cycle closed", zap.Uint64("provider_id", raised.ProviderID),
			zap.Uint64("payment_id", raised.ID), zap.Uint64("amount_cents", raised.AmountCents))
		events = append(events, queue.Event{
			Type:      queue.RKCommissionDue,
			UserID:    raised.ProviderID,
			PaymentID: queue.Uint64Ptr(raised.ID),
			Message: fmt.Sprintf("You completed %d jobs. A commission of %s is due by %s.",
				raised.CycleJobs, formatCents(raised.AmountCents), raised.DueAt.Format("2 Jan 15:04 MST")),
		})
	}
	m.publish(ctx, events...)
	return b, raised, nil
}

// CancelBooking cancels a booking that has not finished.  Customers and
// providers may cancel their own bookings; admins may cancel any.
func (m *Marketplace) CancelBooking(ctx context.Context, actorID uint64, role string, bookingID uint64, note string) (model.Booking, error) {
	var reason string
	switch role {
	case model.RoleCustomer:
		reason = model.CancelByCustomer
	case model.RoleProvider:
		reason = model.CancelByProvider
	case model.RoleAdmin:
		reason = model.CancelByAdmin
	default:
		return model.Booking{}, repository.ErrForbidden
	}
	b, err := m.apply(ctx, bookingID, transition{
		actorID: actorID,
		to:      model.BookingCancelled,
		reason:  &reason,
		note:    strings.TrimSpace(note),
		authorize: func(b model.Booking) error {
			switch {
			case role == model.RoleAdmin:
				return nil
			case role == model.RoleCustomer && b.CustomerID == actorID:
				return nil
			case role == model.RoleProvider && b.ProviderID == actorID:
				return nil
			}
			return repository.ErrForbidden
		},
	})
	if err != nil {
		return b, err
	}
	msg := b.ServiceTitle + " was cancelled by the " + reason + "."
	var events []queue.Event
	if role != model.RoleCustomer {
		events = append(events, bookingEvent(queue.RKBookingCancelled, b.CustomerID, b.ID, msg))
	}
	if role != model.RoleProvider {
		events = append(events, bookingEvent(queue.RKBookingCancelled, b.ProviderID, b.ID, msg))
	}
	m.publish(ctx, events...)
	return b, nil
}

// ReportNoShow cancels a confirmed booking whose appointment passed without
// the provider turning up, and adds a strike to the provider.  The third
// strike suspends them.
func (m *Marketplace) ReportNoShow(ctx context.Context, customerID, bookingID uint64) (model.Booking, error) {
	reason := model.CancelNoShow
	now := m.now()
	var suspended *time.Time
	b, err := m.apply(ctx, bookingID, transition{
		actorID: customerID,
		to:      model.BookingCancelled,
		reason:  &reason,
		note:    "provider did not show up",
		authorize: func(b model.Booking) error {
			if b.CustomerID != customerID {
				return repository.ErrForbidden
			}
			if b.Status != model.BookingConfirmed {
				return fmt.Errorf("%w: only confirmed bookings can be reported, this one is %s", ErrInvalidTransition, b.Status)
			}
			if now.Before(b.ScheduledAt) {
				return ErrNoShowTooEarly
			}
			return nil
		},
		after: func(tx *sql.Tx, b model.Booking) error {
			p, err := m.providers.GetForUpdateTx(ctx, tx, b.ProviderID)
			if err != nil {
				return fmt.Errorf("load provider: %w", err)
			}
			u := nextStrike(p, m.policy, now)
			if err := m.providers.SetStrikesTx(ctx, tx, p.UserID, u.strikes, u.suspendedUntil); err != nil {
				return err
			}
			suspended = u.suspendedUntil
			return nil
		},
	})
	if err != nil {
		return b, err
	}
	events := []queue.Event{
		bookingEvent(queue.RKBookingCancelled, b.ProviderID, b.ID,
			"A customer reported that you did not show up for "+b.ServiceTitle+". A strike was added to your account."),
	}
	if suspended != nil {
		m.log.Warn("provider suspended", zap.Uint64("provider_id", b.ProviderID), zap.Time("until", *suspended))
		events = append(events, queue.Event{
			Type:   queue.RKProviderSuspended,
			UserID: b.ProviderID,
			Message: fmt.Sprintf("You reached %d no-show strikes. Your listing is suspended until %s.",
				m.policy.StrikeLimit, suspended.Format("2 Jan 2006 15:04 MST")),
		})
	}
	m.publish(ctx, events...)
	return b, nil
}

// LiftSuspension ends a provider's suspension early and clears strikes.
func (m *Marketplace) LiftSuspension(ctx context.Context, adminID, providerID uint64) error {
	if err := m.providers.LiftSuspension(ctx, providerID); err != nil {
		return err
	}
	m.log.Info("suspension lifted", zap.Uint64("provider_id", providerID), zap.Uint64("admin_id", adminID))
	return nil
}

// SubmitCommissionProof uploads a payment proof for a pending or rejected
// commission and marks it submitted.  Ownership and status are checked
// before the upload so refused requests leave no orphaned objects.
func (m *Marketplace) SubmitCommissionProof(ctx context.Context, providerID, paymentID uint64, f storage.File) (model.CommissionPayment, error) {
	c, err := m.commissions.GetByID(ctx, paymentID)
	if err != nil {
		return c, err
	}
	if c.ProviderID != providerID {
		return c, repository.ErrForbidden
	}
	if c.Status != model.CommissionPending && c.Status != model.CommissionRejected {
		return c, fmt.Errorf("%w: payment is %s", repository.ErrConflict, c.Status)
	}
	if m.uploads == nil {
		return c, ErrStorageDisabled
	}
	path, err := m.uploads.Put(ctx, storage.BucketCommissionProofs, fmt.Sprintf("%d/%d", providerID, paymentID), f)
	if err != nil {
		return c, err
	}
	if err := m.commissions.SubmitProof(ctx, providerID, paymentID, path, m.now()); err != nil {
		if rmErr := m.uploads.Remove(context.WithoutCancel(ctx), storage.BucketCommissionProofs, path); rmErr != nil {
			m.log.Warn("orphaned proof not removed", zap.String("path", path), zap.Error(rmErr))
		}
		return c, err
	}
	m.log.Info("commission proof submitted", zap.Uint64("payment_id", paymentID), zap.String("path", path))
	return m.commissions.GetByID(ctx, paymentID)
}

// ReviewCommission approves or rejects a submitted payment.
func (m *Marketplace) ReviewCommission(ctx context.Context, adminID, paymentID uint64, approve bool, note string) (model.CommissionPayment, error) {
	note = strings.TrimSpace(note)
	if !approve && note == "" {
		return model.CommissionPayment{}, fmt.Errorf("%w: a note is required when rejecting", ErrInvalidInput)
	}
	if err := m.commissions.Review(ctx, paymentID, approve, note, m.now()); err != nil {
		return model.CommissionPayment{}, err
	}
	c, err := m.commissions.GetByID(ctx, paymentID)
	if err != nil {
		return c, err
	}
	ev := queue.Event{Type: queue.RKCommissionApproved, UserID: c.ProviderID, PaymentID: queue.Uint64Ptr(c.ID),
		Message: "Your commission payment of " + formatCents(c.AmountCents) + " was approved."}
	if !approve {
		ev.Type = queue.RKCommissionRejected
		ev.Message = "Your commission payment proof was rejected: " + note + ". Please upload a new one."
	}
	m.log.Info("commission reviewed", zap.Uint64("payment_id", c.ID), zap.Uint64("admin_id", adminID), zap.Bool("approved", approve))
	m.publish(ctx, ev)
	return c, nil
}

// publish sends events after a commit.  Failures are logged and dropped; the
// database state is already final.
func (m *Marketplace) publish(ctx context.Context, events ...queue.Event) {
	if m.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	for _, ev := range events {
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = m.now()
		}
		if err := m.events.Publish(ctx, ev); err != nil {
			m.log.Warn("publish event failed", zap.String("type", ev.Type), zap.Uint64("user_id", ev.UserID), zap.Error(err))
		}
	}
}

func bookingEvent(typ string, userID, bookingID uint64, msg string) queue.Event {
	return queue.Event{Type: typ, UserID: userID, BookingID: queue.Uint64Ptr(bookingID), Message: msg}
}

func formatCents(c uint64) string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}
