// Package publish hands encoded messages to a delivery channel and reports
// the broker's verdict. A successful Publish means the broker confirmed
// the message; there is no retry and no de-duplication here.
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ContentType = "application/x-protobuf"
	MessageType = "trading.WireMessage"
)

// Message is what a Channel delivers.
type Message struct {
	ID          string
	Body        []byte
	ContentType string
	Type        string
	Timestamp   time.Time
}

// Channel is an established connection to a message broker.
//
// Implementations must be safe for concurrent use: the gateway calls Deliver
// from every in-flight request.
type Channel interface {
	// Ready reports whether the channel is currently open.
	Ready() bool
	// Deliver sends msg to the named target and blocks until the broker
	// confirms or refuses it, or ctx ends. Errors should wrap ErrUnavailable,
	// ErrReturned, ErrNacked or ErrUnconfirmed.
	Deliver(ctx context.Context, target string, msg Message) error
}

// Ack is a broker confirmation.
type Ack struct {
	MessageID   string        `json:"message_id"`
	Target      string        `json:"target"`
	Size        int           `json:"size"`
	ConfirmedAt time.Time     `json:"confirmed_at"`
	Latency     time.Duration `json:"latency"`
}

// Publisher publishes encoded messages on a Channel.
type Publisher struct {
	ch  Channel
	log *zap.Logger
}

func NewPublisher(ch Channel, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{ch: ch, log: log}
}

// Ready reports whether the underlying channel is open.
func (p *Publisher) Ready() bool { return p.ch.Ready() }

// Publish sends body to target under a fresh message ID.
func (p *Publisher) Publish(ctx context.Context, target string, body []byte) (Ack, error) {
	return p.PublishWithID(ctx, target, uuid.NewString(), body)
}

// PublishWithID sends body to target and waits for the broker's confirmation.
// On failure the error is a *PublishError.
func (p *Publisher) PublishWithID(ctx context.Context, target, id string, body []byte) (Ack, error) {
	if target == "" {
		return Ack{}, &PublishError{Target: target, MessageID: id, Kind: KindRejected, Err: ErrNoTarget}
	}
	if !p.ch.Ready() {
		return Ack{}, &PublishError{Target: target, MessageID: id, Kind: KindChannelUnavailable, Err: ErrUnavailable}
	}

	start := time.Now()
	msg := Message{
		ID:          id,
		Body:        body,
		ContentType: ContentType,
		Type:        MessageType,
		Timestamp:   start.UTC(),
	}
	if err := p.ch.Deliver(ctx, target, msg); err != nil {
		pe := &PublishError{Target: target, MessageID: id, Kind: classify(err), Err: err}
		if pe.Kind == KindUnconfirmed && !errors.Is(err, ErrUnconfirmed) {
			pe.Err = errors.Join(ErrUnconfirmed, err)
		}
		p.log.Warn("publish failed",
			zap.String("message_id", id),
			zap.String("target", target),
			zap.String("kind", string(pe.Kind)),
			zap.Error(err))
		return Ack{}, pe
	}

	ack := Ack{
		MessageID:   id,
		Target:      target,
		Size:        len(body),
		ConfirmedAt: time.Now(),
	}
	ack.Latency = ack.ConfirmedAt.Sub(start)
	p.log.Debug("publish confirmed",
		zap.String("message_id", id),
		zap.String("target", target),
		zap.Int("size", ack.Size),
		zap.Duration("latency", ack.Latency))
	return ack, nil
}
