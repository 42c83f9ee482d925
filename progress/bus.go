// Package progress implements the in-process Progress Bus (spec.md §4.C,
// component C): an event hub keyed by workflow id, with a wildcard "all"
// topic, bounded per-subscriber delivery, and publish-order preservation
// within a topic. It is built on an embedded NATS server rather than a
// hand-rolled channel fan-out, the same way the teacher wires nats.go for
// its agent/controller transport (agent/internal/transport/nats/nats.go):
// NATS subscriptions bound the client-side queue and count what they
// discard via SetPendingLimits/Dropped, and each Subscription's own
// channel evicts its oldest buffered event when full.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/metalorch/metalorch/pkg/model"
)

const (
	// TopicAll is the wildcard subject subscribers use to observe every
	// workflow's events (spec.md §4.C).
	TopicAll = "all"

	defaultRingSize = 256
	subjectPrefix   = "metalorch.progress."
	subjectAll      = subjectPrefix + "all"

	connectTimeout = 5 * time.Second
)

// Bus is an in-process topic hub. It owns an embedded NATS server so no
// external broker is required; the server never listens on a network port
// meant for anything outside this process.
type Bus struct {
	log logr.Logger

	srv  *server.Server
	conn *nats.Conn

	ringSize int

	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
}

// Option configures a Bus at construction time.
type Option func(*config)

type config struct {
	ringSize int
}

// WithRingSize overrides the default per-subscriber ring buffer depth.
func WithRingSize(n int) Option {
	return func(c *config) { c.ringSize = n }
}

// New starts an embedded NATS server and returns a connected Bus. Callers
// must call Close to release the server's resources.
func New(log logr.Logger, opts ...Option) (*Bus, error) {
	cfg := config{ringSize: defaultRingSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	ns, err := server.NewServer(&server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("progress: start embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(connectTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("progress: embedded nats server did not become ready within %s", connectTimeout)
	}

	// The embedded server reports ready above, but the client connect can
	// still race its listener coming up under load; retry a few times with
	// jittered backoff the way the agent's NATS transport does while
	// waiting on a real broker (agent/internal/transport/nats/nats.go).
	var nc *nats.Conn
	err = retry.Do(func() error {
		var connErr error
		nc, connErr = nats.Connect(ns.ClientURL(), nats.Name("metalorchd-progress"))
		return connErr
	}, retry.Attempts(5), retry.Delay(50*time.Millisecond), retry.MaxJitter(50*time.Millisecond))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("progress: connect to embedded nats server: %w", err)
	}

	return &Bus{
		log:         log,
		srv:         ns,
		conn:        nc,
		subscribers: map[*Subscription]struct{}{},
		ringSize:    cfg.ringSize,
	}, nil
}

// Close tears down all subscriptions and the embedded server.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	b.conn.Close()
	b.srv.Shutdown()
}

func subject(workflowID string) string {
	return subjectPrefix + workflowID
}

// Publish enqueues ev for delivery to subscribers of its workflow topic and
// of the "all" wildcard topic. Publish is non-blocking: it enqueues on the
// underlying connection's write buffer and returns; slow subscribers never
// block the publisher (spec.md §4.C).
func (b *Bus) Publish(ev model.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("progress: marshal event: %w", err)
	}
	if err := b.conn.Publish(subject(ev.WorkflowID), data); err != nil {
		return fmt.Errorf("progress: publish to %s: %w", ev.WorkflowID, err)
	}
	if err := b.conn.Publish(subjectAll, data); err != nil {
		return fmt.Errorf("progress: publish to wildcard topic: %w", err)
	}
	return nil
}

// Subscription is a bounded, ordered view onto one topic's events.
type Subscription struct {
	bus   *Bus
	sub   *nats.Subscription
	ch    chan model.ProgressEvent
	topic string

	dropped atomic.Int64 // events evicted from ch
}

// Subscribe registers a callback-free subscription on topic (a workflow id,
// or TopicAll). Events are delivered in publication order on the returned
// Subscription's channel; when the subscriber falls behind, the oldest
// buffered event is evicted to make room and Dropped reports the running
// count. Events beyond the NATS pending limit are discarded on arrival and
// are counted by Dropped as well.
func (b *Bus) Subscribe(topic string) (*Subscription, error) {
	subj := subjectAll
	if topic != TopicAll {
		subj = subject(topic)
	}

	s := &Subscription{bus: b, ch: make(chan model.ProgressEvent, b.ringSize), topic: topic}

	sub, err := b.conn.Subscribe(subj, func(msg *nats.Msg) {
		var ev model.ProgressEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		for {
			select {
			case s.ch <- ev:
				return
			default:
			}
			// Channel full: evict the oldest event rather than block the
			// NATS dispatch goroutine. SetPendingLimits below bounds the
			// client-side queue for the same reason.
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("progress: subscribe to %s: %w", subj, err)
	}
	if err := sub.SetPendingLimits(b.ringSize, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("progress: set pending limits: %w", err)
	}
	s.sub = sub

	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()

	return s, nil
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan model.ProgressEvent { return s.ch }

// Dropped returns the number of events dropped for this subscription so
// far, either at the NATS server's pending-limit or at this subscription's
// local channel, whichever discarded them.
func (s *Subscription) Dropped() int {
	n, err := s.sub.Dropped()
	if err != nil {
		n = 0
	}
	return n + int(s.dropped.Load())
}

// Unsubscribe releases the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s)
	s.bus.mu.Unlock()
	_ = s.sub.Unsubscribe()
}

// Next blocks until an event arrives, ctx is cancelled, or the subscription
// is closed.
func (s *Subscription) Next(ctx context.Context) (model.ProgressEvent, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return model.ProgressEvent{}, fmt.Errorf("progress: subscription to %s closed", s.topic)
		}
		return ev, nil
	case <-ctx.Done():
		return model.ProgressEvent{}, ctx.Err()
	}
}
