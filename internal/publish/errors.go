package publish

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnavailable = errors.New("delivery channel unavailable")
	ErrReturned    = errors.New("message returned as unroutable")
	ErrNacked      = errors.New("broker refused message")
	ErrUnconfirmed = errors.New("broker confirmation not received")
	ErrNoTarget    = errors.New("empty delivery target")
)

// Kind classifies a publication failure.
type Kind string

const (
	// KindChannelUnavailable: nothing was sent.
	KindChannelUnavailable Kind = "channel_unavailable"
	// KindRejected: the broker could not route the message to the target.
	KindRejected Kind = "rejected"
	// KindNacked: the broker accepted the bytes but refused responsibility.
	KindNacked Kind = "nacked"
	// KindUnconfirmed: the bytes may have reached the broker; outcome unknown.
	KindUnconfirmed Kind = "unconfirmed"
)

// PublishError reports a failed publication.
type PublishError struct {
	Target    string
	MessageID string
	Kind      Kind
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %q: %s: %v", e.MessageID, e.Target, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// InDoubt reports whether the message may have been accepted by the broker
// despite the error.
func (e *PublishError) InDoubt() bool { return e.Kind == KindUnconfirmed }

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrReturned), errors.Is(err, ErrNoTarget):
		return KindRejected
	case errors.Is(err, ErrNacked):
		return KindNacked
	case errors.Is(err, ErrUnconfirmed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindUnconfirmed
	default:
		return KindChannelUnavailable
	}
}
