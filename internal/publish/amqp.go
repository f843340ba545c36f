package publish

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Session is the part of a broker session the AMQP channel needs.
type Session interface {
	Ready() bool
	Channel() *amqp.Channel
}

// confirmPublisher is the publishing side of an AMQP channel in confirm mode.
type confirmPublisher interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) (confirmation, error)
	IsClosed() bool
}

// confirmation is a pending publisher confirm.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
	Done() <-chan struct{}
	Acked() bool
}

type amqpPublisher struct{ ch *amqp.Channel }

func (p amqpPublisher) Publish(ctx context.Context, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", key, true, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, fmt.Errorf("channel is not in confirm mode")
	}
	return dc, nil
}

func (p amqpPublisher) IsClosed() bool { return p.ch.IsClosed() }

// AMQPChannel publishes to queues through the default exchange with
// publisher confirms and mandatory routing. Frame writes are serialized;
// confirmations are awaited concurrently.
type AMQPChannel struct {
	ready func() bool
	pub   confirmPublisher

	mu    sync.Mutex    // serializes publish frames
	slots chan struct{} // bounds unconfirmed publications

	returnsMu sync.Mutex
	returns   <-chan amqp.Return
	returned  map[string]amqp.Return

	log *zap.Logger
}

// NewAMQPChannel puts the session's channel into confirm mode. maxInFlight
// bounds the number of unconfirmed publications.
func NewAMQPChannel(s Session, maxInFlight int, log *zap.Logger) (*AMQPChannel, error) {
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	ch := s.Channel()
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	// Every return belongs to an unconfirmed publication, so a buffer of
	// maxInFlight never blocks the channel's dispatcher.
	returns := ch.NotifyReturn(make(chan amqp.Return, maxInFlight))
	return newAMQPChannel(s.Ready, amqpPublisher{ch: ch}, returns, maxInFlight, log), nil
}

func newAMQPChannel(ready func() bool, pub confirmPublisher, returns <-chan amqp.Return, maxInFlight int, log *zap.Logger) *AMQPChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPChannel{
		ready:    ready,
		pub:      pub,
		slots:    make(chan struct{}, maxInFlight),
		returns:  returns,
		returned: make(map[string]amqp.Return),
		log:      log,
	}
}

func (c *AMQPChannel) Ready() bool { return c.ready() && !c.pub.IsClosed() }

// InFlight returns the number of unconfirmed publications.
func (c *AMQPChannel) InFlight() int { return len(c.slots) }

func (c *AMQPChannel) Deliver(ctx context.Context, target string, msg Message) error {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: no publish slot: %v", ErrUnavailable, ctx.Err())
	}
	if !c.Ready() {
		<-c.slots
		return ErrUnavailable
	}

	c.mu.Lock()
	dc, err := c.pub.Publish(ctx, target, amqp.Publishing{
		ContentType:  msg.ContentType,
		Type:         msg.Type,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		DeliveryMode: amqp.Persistent,
		Body:         msg.Body,
	})
	c.mu.Unlock()
	if err != nil {
		<-c.slots
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		go c.settle(dc, msg.ID)
		return fmt.Errorf("%w: %v", ErrUnconfirmed, err)
	}

	// The broker sends basic.return before the ack of the same message.
	ret, wasReturned := c.takeReturn(msg.ID)
	<-c.slots

	switch {
	case !acked && (c.pub.IsClosed() || !c.ready()):
		// Confirmations pending at channel close are reported as nacks. The
		// channel is marked closed before they are released; the session
		// flag may lag behind.
		return fmt.Errorf("%w: channel closed before confirm", ErrUnconfirmed)
	case !acked:
		return ErrNacked
	case wasReturned:
		return fmt.Errorf("%w: %d %s", ErrReturned, ret.ReplyCode, ret.ReplyText)
	}
	return nil
}

// settle releases the slot of a publication whose caller stopped waiting.
func (c *AMQPChannel) settle(dc confirmation, id string) {
	<-dc.Done()
	_, returned := c.takeReturn(id)
	<-c.slots
	c.log.Info("late confirmation",
		zap.String("message_id", id),
		zap.Bool("acked", dc.Acked()),
		zap.Bool("returned", returned))
}

// takeReturn drains pending returns and removes the one for id, if any.
func (c *AMQPChannel) takeReturn(id string) (amqp.Return, bool) {
	c.returnsMu.Lock()
	defer c.returnsMu.Unlock()

drain:
	for c.returns != nil {
		select {
		case r, ok := <-c.returns:
			if !ok {
				c.returns = nil
				break drain
			}
			c.returned[r.MessageId] = r
		default:
			break drain
		}
	}

	r, ok := c.returned[id]
	if ok {
		delete(c.returned, id)
	}
	return r, ok
}
