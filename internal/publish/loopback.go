package publish

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Loopback is an in-memory Channel for dry runs and tests. It confirms
// deliveries to declared targets and returns everything else.
type Loopback struct {
	mu         sync.Mutex
	queues     map[string][]Message
	ready      atomic.Bool
	latencyMin time.Duration
	latencyMax time.Duration
	rng        *rand.Rand
}

// NewLoopback creates an open loopback with the given targets declared.
func NewLoopback(targets ...string) *Loopback {
	l := &Loopback{
		queues: make(map[string][]Message),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, t := range targets {
		l.queues[t] = nil
	}
	l.ready.Store(true)
	return l
}

// SimulateLatency delays every confirmation by a random duration in
// [min, max].
func (l *Loopback) SimulateLatency(min, max time.Duration) {
	if max < min {
		min, max = max, min
	}
	l.mu.Lock()
	l.latencyMin, l.latencyMax = min, max
	l.mu.Unlock()
}

// Declare makes target routable. Declaring twice is a no-op.
func (l *Loopback) Declare(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.queues[target]; !ok {
		l.queues[target] = nil
	}
}

func (l *Loopback) Ready() bool { return l.ready.Load() }

// SetReady opens or closes the loopback.
func (l *Loopback) SetReady(ready bool) { l.ready.Store(ready) }

// Close marks the loopback unavailable.
func (l *Loopback) Close() error {
	l.ready.Store(false)
	return nil
}

func (l *Loopback) Deliver(ctx context.Context, target string, msg Message) error {
	if !l.Ready() {
		return ErrUnavailable
	}

	if delay := l.delay(); delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnconfirmed, ctx.Err())
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[target]
	if !ok {
		return fmt.Errorf("%w: no queue %q", ErrReturned, target)
	}
	msg.Body = append([]byte(nil), msg.Body...)
	l.queues[target] = append(q, msg)
	return nil
}

func (l *Loopback) delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.latencyMax <= 0 {
		return 0
	}
	span := int64(l.latencyMax - l.latencyMin)
	if span <= 0 {
		return l.latencyMin
	}
	return l.latencyMin + time.Duration(l.rng.Int63n(span+1))
}

// Deliveries returns a copy of everything confirmed on target, in order.
func (l *Loopback) Deliveries(target string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.queues[target]...)
}
