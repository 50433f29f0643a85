package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/model"
)

// NotificationStore persists notifications.  *repository.NotificationRepo
// satisfies it.
type NotificationStore interface {
	Create(ctx context.Context, n *model.Notification) error
}

// Broadcaster pushes a stored notification to live clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, n model.Notification) error
}

const maxBackoff = 30 * time.Second

// NotificationConsumer drains the notifications queue.  Each event becomes a
// notifications row for its recipient and is then pushed over Redis.
type NotificationConsumer struct {
	cfg   config.BrokerConfig
	store NotificationStore
	push  Broadcaster
	log   *zap.Logger
}

// NewNotificationConsumer wires a consumer.  push may be nil.
func NewNotificationConsumer(cfg config.BrokerConfig, store NotificationStore, push Broadcaster, log *zap.Logger) *NotificationConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationConsumer{cfg: cfg, store: store, push: push, log: log.Named("notify-consumer")}
}

// Run connects, consumes and reconnects until ctx is cancelled.  Dial
// failures back off exponentially up to 30s.
func (c *NotificationConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			c.log.Warn("dial broker failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleepCtx(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *NotificationConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range c.cfg.BindingKeys() {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 8
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		c.log.Warn("set qos failed", zap.Error(err))
	}

	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.log.Info("consuming", zap.String("queue", q.Name), zap.Strings("bindings", c.cfg.BindingKeys()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.settle(d, c.Handle(ctx, d.RoutingKey, d.Body))
		}
	}
}

// settle acks on success.  Malformed payloads are dropped; other failures
// are requeued once and dropped on redelivery to avoid a hot loop.
func (c *NotificationConsumer) settle(d amqp.Delivery, err error) {
	if err == nil {
		_ = d.Ack(false)
		return
	}
	requeue := !errors.Is(err, ErrMalformed) && !d.Redelivered
	c.log.Error("handle delivery failed",
		zap.String("routing_key", d.RoutingKey), zap.Bool("requeue", requeue), zap.Error(err))
	_ = d.Nack(false, requeue)
}

// Handle processes one delivery body.  It is exported so the same path can
// be driven without a broker.
func (c *NotificationConsumer) Handle(ctx context.Context, routingKey string, body []byte) error {
	ev, err := Decode(routingKey, body)
	if err != nil {
		return err
	}
	n := ToNotification(ev)
	if err := c.store.Create(ctx, &n); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	if c.push != nil {
		if err := c.push.Broadcast(ctx, n); err != nil {
			// The row is stored; clients will see it on their next fetch.
			c.log.Warn("push notification failed", zap.Uint64("user_id", n.UserID), zap.Error(err))
		}
	}
	c.log.Debug("notification stored", zap.String("type", ev.Type), zap.Uint64("id", n.ID))
	return nil
}

// ToNotification maps an event onto the row stored for its recipient.
func ToNotification(ev Event) model.Notification {
	title := ev.Title
	if title == "" {
		title = defaultTitle(ev.Type)
	}
	return model.Notification{
		UserID:    ev.UserID,
		Type:      ev.Type,
		Title:     title,
		Message:   ev.Message,
		BookingID: ev.BookingID,
		PaymentID: ev.PaymentID,
	}
}

func defaultTitle(typ string) string {
	switch typ {
	case RKBookingConfirmed:
		return "Booking confirmed"
	case RKBookingStarted:
		return "Job started"
	case RKBookingCompleted:
		return "Job completed"
	case RKBookingCancelled:
		return "Booking cancelled"
	case RKCommissionDue:
		return "Commission payment due"
	case RKCommissionApproved:
		return "Commission payment approved"
	case RKCommissionRejected:
		return "Commission payment rejected"
	case RKProviderSuspended:
		return "Account suspended"
	default:
		return typ
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
