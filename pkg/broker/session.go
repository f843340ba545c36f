// Package broker owns the AMQP connection lifecycle: dialing, opening a
// channel, declaring queues, and reporting when the connection is lost.
// It does not reconnect; a lost session is surfaced to the owner.
package broker

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("broker: session is not connected")

// Config describes how to reach the broker.
type Config struct {
	URL         string
	DialTimeout time.Duration
	Heartbeat   time.Duration
	// Prefetch limits unacked deliveries per consumer (0 leaves the default).
	Prefetch int
}

// Session is one AMQP connection with one channel.
type Session struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	ready atomic.Bool
	done  chan struct{}
	once  sync.Once
	log   *zap.Logger
}

// Dial connects, opens a channel and starts watching for closure.
func Dial(cfg Config, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(cfg.DialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp %s: %w", redact(cfg.URL), err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}

	s := &Session{conn: conn, ch: ch, done: make(chan struct{}), log: log}
	s.ready.Store(true)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go s.watch(connClosed, chClosed)

	log.Info("connected to amqp", zap.String("url", redact(cfg.URL)))
	return s, nil
}

func (s *Session) watch(connClosed, chClosed <-chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	}
	s.markDown()
	if reason != nil {
		s.log.Error("amqp session lost", zap.Int("code", reason.Code), zap.String("reason", reason.Reason))
	} else {
		s.log.Info("amqp session closed")
	}
}

func (s *Session) markDown() {
	s.ready.Store(false)
	s.once.Do(func() { close(s.done) })
}

// Channel returns the session's channel.
func (s *Session) Channel() *amqp.Channel { return s.ch }

// Ready reports whether the connection and channel are open.
func (s *Session) Ready() bool { return s.ready.Load() }

// Done is closed when the session is lost or closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// DeclareQueue declares a durable queue. Declaring an existing queue with the
// same arguments is a no-op on the broker.
func (s *Session) DeclareQueue(name string) error {
	if !s.Ready() {
		return ErrNotConnected
	}
	q, err := s.ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	s.log.Info("queue declared", zap.String("queue", q.Name), zap.Int("messages", q.Messages), zap.Int("consumers", q.Consumers))
	return nil
}

// Close closes the channel and the connection.
func (s *Session) Close() error {
	s.markDown()
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		s.conn.Close()
		return err
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// redact hides the password of an amqp URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "amqp://invalid"
	}
	return u.Redacted()
}
