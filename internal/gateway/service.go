// Package gateway runs the order ingestion pipeline: normalize the request,
// encode it, journal it, publish it and wait for the broker's verdict.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hanar3/trading-sim/internal/monitor"
	"github.com/hanar3/trading-sim/internal/order"
	"github.com/hanar3/trading-sim/internal/publish"
)

// Stage is the furthest point a request reached in the pipeline.
type Stage int

const (
	StageReceived Stage = iota
	StageNormalized
	StageEncoded
	StagePublished
	StageAcked
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageNormalized:
		return "normalized"
	case StageEncoded:
		return "encoded"
	case StagePublished:
		return "published"
	case StageAcked:
		return "acked"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Publisher is the publication side of the pipeline.
type Publisher interface {
	Ready() bool
	PublishWithID(ctx context.Context, target, id string, body []byte) (publish.Ack, error)
}

// Journal records publications so in-doubt ones survive a crash.
type Journal interface {
	RecordPublished(entry order.JournalEntry) error
	RecordAcked(messageID string)
	RecordFailed(messageID string, cause error)
	Pending() int
}

// Result describes what happened to one request.
type Result struct {
	RequestID string
	MessageID string
	Stage     Stage
	FailedAt  Stage // meaningful only when Stage is StageFailed
	Ack       publish.Ack
}

// Service is safe for concurrent use.
type Service struct {
	pub     Publisher
	target  string
	journal Journal
	metrics *monitor.PipelineMetrics
	timeout time.Duration
	log     *zap.Logger
}

type Option func(*Service)

// WithJournal records every publication in j before it is sent.
func WithJournal(j Journal) Option { return func(s *Service) { s.journal = j } }

func WithMetrics(m *monitor.PipelineMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithPublishTimeout bounds the wait for a broker confirm. A publication that
// is still unconfirmed when it expires is reported as in doubt.
func WithPublishTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// NewService publishes to the named delivery target.
func NewService(pub Publisher, target string, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{pub: pub, target: target, log: log}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = monitor.NewPipelineMetrics("")
	}
	return s
}

// Ready reports whether orders can currently be published.
func (s *Service) Ready() bool { return s.pub.Ready() }

// Target returns the delivery target name.
func (s *Service) Target() string { return s.target }

// PlaceLimitOrder validates req and publishes it as a PlaceLimitOrder. The
// error is a *order.ValidationError, *wire.EncodingError or
// *publish.PublishError.
func (s *Service) PlaceLimitOrder(ctx context.Context, requestID string, req order.PlaceOrderRequest) (Result, error) {
	const op = "place_limit_order"
	res := Result{RequestID: requestID, Stage: StageReceived}
	s.metrics.RequestReceived(op)

	o, err := order.Normalize(req)
	if err != nil {
		s.metrics.RequestRejected(op)
		s.log.Info("order rejected", zap.String("request_id", requestID), zap.Error(err))
		return fail(res), err
	}
	res.Stage = StageNormalized

	body, err := order.Encode(o)
	if err != nil {
		// A normalized order always encodes.
		s.metrics.EncodeFailed(op)
		s.log.Error("encode normalized order", zap.String("request_id", requestID), zap.Any("order", o), zap.Error(err))
		return fail(res), err
	}
	res.Stage = StageEncoded

	return s.publish(ctx, op, "PlaceLimitOrder", res, body)
}

// CancelOrder validates req and publishes it as a CancelOrder.
func (s *Service) CancelOrder(ctx context.Context, requestID string, req order.CancelOrderRequest) (Result, error) {
	const op = "cancel_order"
	res := Result{RequestID: requestID, Stage: StageReceived}
	s.metrics.RequestReceived(op)

	c, err := order.NormalizeCancel(req)
	if err != nil {
		s.metrics.RequestRejected(op)
		s.log.Info("cancel rejected", zap.String("request_id", requestID), zap.Error(err))
		return fail(res), err
	}
	res.Stage = StageNormalized

	body, err := order.EncodeCancel(c)
	if err != nil {
		s.metrics.EncodeFailed(op)
		s.log.Error("encode normalized cancel", zap.String("request_id", requestID), zap.Int64("order_id", c.OrderID), zap.Error(err))
		return fail(res), err
	}
	res.Stage = StageEncoded

	return s.publish(ctx, op, "CancelOrder", res, body)
}

func (s *Service) publish(ctx context.Context, op, variant string, res Result, body []byte) (Result, error) {
	res.MessageID = uuid.NewString()
	log := s.log.With(
		zap.String("request_id", res.RequestID),
		zap.String("message_id", res.MessageID),
		zap.String("variant", variant))

	if s.journal != nil {
		err := s.journal.RecordPublished(order.JournalEntry{
			MessageID: res.MessageID,
			RequestID: res.RequestID,
			Target:    s.target,
			Variant:   variant,
			Body:      body,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			s.metrics.PublishFailed(string(publish.KindChannelUnavailable))
			log.Error("journal write failed, not publishing", zap.Error(err))
			return fail(res), &publish.PublishError{
				Target:    s.target,
				MessageID: res.MessageID,
				Kind:      publish.KindChannelUnavailable,
				Err:       fmt.Errorf("journal: %w", err),
			}
		}
	}

	res.Stage = StagePublished
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ack, err := s.pub.PublishWithID(ctx, s.target, res.MessageID, body)
	if err != nil {
		kind := publish.KindChannelUnavailable
		var pe *publish.PublishError
		if errors.As(err, &pe) {
			kind = pe.Kind
		}
		if kind != publish.KindChannelUnavailable {
			s.metrics.Published(op)
		}
		s.metrics.PublishFailed(string(kind))
		if s.journal != nil {
			if kind != publish.KindUnconfirmed {
				s.journal.RecordFailed(res.MessageID, err)
			}
			s.metrics.SetInDoubt(s.journal.Pending())
		}
		if kind == publish.KindUnconfirmed {
			log.Warn("publication in doubt", zap.Error(err))
		} else {
			log.Warn("publication failed", zap.String("kind", string(kind)), zap.Error(err))
		}
		return fail(res), err
	}

	s.metrics.Published(op)
	s.metrics.Acked(ack.Latency)
	if s.journal != nil {
		s.journal.RecordAcked(res.MessageID)
		s.metrics.SetInDoubt(s.journal.Pending())
	}
	res.Stage = StageAcked
	res.Ack = ack
	log.Debug("publication acked", zap.Duration("latency", ack.Latency))
	return res, nil
}

func fail(res Result) Result {
	res.FailedAt = res.Stage
	res.Stage = StageFailed
	return res
}
