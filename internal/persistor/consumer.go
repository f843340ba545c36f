// Package persistor stores matching engine events consumed from the broker.
package persistor

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hanar3/trading-sim/internal/monitor"
	"github.com/hanar3/trading-sim/pkg/db"
	"github.com/hanar3/trading-sim/pkg/wire"
)

// Store is the event store.
type Store interface {
	InsertOrder(ctx context.Context, o db.Order) (bool, error)
	InsertTrade(ctx context.Context, t db.Trade) (bool, error)
	MarkOrderCancelled(ctx context.Context, orderID int64) error
}

// ErrorKind classifies why an event could not be stored.
type ErrorKind string

const (
	KindDecode            ErrorKind = "decode"
	KindMissingPayload    ErrorKind = "missing_payload"
	KindUnexpectedPayload ErrorKind = "unexpected_payload"
	KindInvalidPayload    ErrorKind = "invalid_payload"
	KindUnknownOrder      ErrorKind = "unknown_order"
	KindDatabase          ErrorKind = "database"
)

// HandleError is returned by Handle.
type HandleError struct {
	Kind    ErrorKind
	Variant string
	Err     error
}

func (e *HandleError) Error() string {
	if e.Variant != "" {
		return fmt.Sprintf("handle %s: %s: %v", e.Variant, e.Kind, e.Err)
	}
	return fmt.Sprintf("handle event: %s: %v", e.Kind, e.Err)
}

func (e *HandleError) Unwrap() error { return e.Err }

// Requeue reports whether the delivery should be retried. Only store
// failures are transient; a malformed message fails the same way every time.
func (e *HandleError) Requeue() bool { return e.Kind == KindDatabase }

// Consumer turns deliveries into store writes.
type Consumer struct {
	store   Store
	metrics *monitor.PipelineMetrics
	log     *zap.Logger
}

func NewConsumer(store Store, metrics *monitor.PipelineMetrics, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitor.NewPipelineMetrics("")
	}
	return &Consumer{store: store, metrics: metrics, log: log}
}

// Handle decodes one WireMessage and stores it. It returns the variant name
// and, on failure, a *HandleError.
func (c *Consumer) Handle(ctx context.Context, messageID string, body []byte) (string, error) {
	env, err := wire.Unmarshal(body)
	if err != nil {
		return "", &HandleError{Kind: KindDecode, Err: err}
	}
	if env.Payload == nil {
		return "", &HandleError{Kind: KindMissingPayload, Err: wire.ErrMissingPayload}
	}
	variant := env.Payload.Name()
	if err := wire.Validate(env.Payload); err != nil {
		return variant, &HandleError{Kind: KindInvalidPayload, Variant: variant, Err: err}
	}

	switch p := env.Payload.(type) {
	case *wire.OrderAccepted:
		inserted, err := c.store.InsertOrder(ctx, db.Order{
			OrderID:   p.OrderID,
			UserID:    p.UserID,
			Side:      int32(p.Side),
			Price:     p.Price,
			Quantity:  p.Quantity,
			MessageID: messageID,
		})
		if err != nil {
			return variant, &HandleError{Kind: KindDatabase, Variant: variant, Err: err}
		}
		c.logStored(variant, messageID, inserted, zap.Int64("order_id", p.OrderID))

	case *wire.TradeOccurred:
		inserted, err := c.store.InsertTrade(ctx, db.Trade{
			TakerOrderID: p.TakerOrderID,
			MakerOrderID: p.MakerOrderID,
			Price:        p.Price,
			Quantity:     p.Quantity,
			MessageID:    messageID,
		})
		if err != nil {
			return variant, &HandleError{Kind: KindDatabase, Variant: variant, Err: err}
		}
		c.logStored(variant, messageID, inserted,
			zap.Int64("taker_order_id", p.TakerOrderID),
			zap.Int64("maker_order_id", p.MakerOrderID))

	case *wire.OrderCancelled:
		err := c.store.MarkOrderCancelled(ctx, p.OrderID)
		if errors.Is(err, db.ErrNotFound) {
			return variant, &HandleError{Kind: KindUnknownOrder, Variant: variant, Err: err}
		}
		if err != nil {
			return variant, &HandleError{Kind: KindDatabase, Variant: variant, Err: err}
		}
		c.logStored(variant, messageID, true, zap.Int64("order_id", p.OrderID))

	default:
		return variant, &HandleError{
			Kind:    KindUnexpectedPayload,
			Variant: variant,
			Err:     fmt.Errorf("field %d is not an engine event", env.Payload.Field()),
		}
	}
	return variant, nil
}

func (c *Consumer) logStored(variant, messageID string, inserted bool, fields ...zap.Field) {
	fields = append(fields,
		zap.String("variant", variant),
		zap.String("message_id", messageID),
		zap.Bool("duplicate", !inserted))
	c.log.Info("event persisted", fields...)
}

// Process handles one delivery and settles it: ack on success, nack with
// requeue on store failure, nack without requeue otherwise.
func (c *Consumer) Process(ctx context.Context, d amqp.Delivery) error {
	start := time.Now()
	variant, err := c.Handle(ctx, d.MessageId, d.Body)
	if variant == "" {
		variant = "none"
	}

	if err == nil {
		c.metrics.EventConsumed(variant, "persisted", time.Since(start))
		if ackErr := d.Ack(false); ackErr != nil {
			return fmt.Errorf("ack delivery %d: %w", d.DeliveryTag, ackErr)
		}
		return nil
	}

	requeue := false
	var hErr *HandleError
	if errors.As(err, &hErr) {
		requeue = hErr.Requeue()
	}
	disposition := "dropped"
	if requeue {
		disposition = "requeued"
	}
	c.metrics.EventConsumed(variant, disposition, time.Since(start))
	c.log.Error("failed to handle event, nacking",
		zap.String("message_id", d.MessageId),
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.Bool("redelivered", d.Redelivered),
		zap.Bool("requeue", requeue),
		zap.Error(err))

	if nackErr := d.Nack(false, requeue); nackErr != nil {
		return fmt.Errorf("nack delivery %d: %w", d.DeliveryTag, nackErr)
	}
	return nil
}

// Run processes deliveries until ctx ends or the delivery channel closes.
// A closed delivery channel means the broker session was lost.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := c.Process(ctx, d); err != nil {
				c.log.Error("settle delivery", zap.Error(err))
			}
		}
	}
}

// Subscribe starts a manual-ack consumer on queue.
func Subscribe(ch *amqp.Channel, queue, tag string) (<-chan amqp.Delivery, error) {
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}
	return deliveries, nil
}
