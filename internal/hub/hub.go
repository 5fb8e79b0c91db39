// Package hub fans published events out to filtered subscribers.
//
// Every subscriber owns a bounded FIFO queue. Publish never blocks: when a
// subscriber's queue is full the event is dropped for that subscriber only and
// counted. One dispatcher goroutine drains the queues round-robin and hands
// events to each subscriber's Transport, preserving publish order per
// subscriber. The first failed delivery removes the subscriber.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/reservoir/internal/errors"
	"github.com/conneroisu/reservoir/internal/logging"
	"github.com/conneroisu/reservoir/internal/stats"
)

// Event is a published message. Keys are matched against subscriber filters.
type Event struct {
	Type      string    `json:"type"`
	Keys      []string  `json:"keys,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Transport delivers events to one subscriber.
type Transport interface {
	Deliver(ctx context.Context, event Event) error
	Close() error
}

// TransportFunc adapts a function to Transport. Close is a no-op.
type TransportFunc func(ctx context.Context, event Event) error

func (f TransportFunc) Deliver(ctx context.Context, event Event) error { return f(ctx, event) }

func (f TransportFunc) Close() error { return nil }

// SubscriberID identifies a subscription.
type SubscriberID uint64

// NoSubscriber is returned by Subscribe once the hub has stopped.
const NoSubscriber SubscriberID = 0

// Options configures a Hub.
type Options struct {
	// QueueCapacity is the default per-subscriber queue size.
	QueueCapacity int
	// DeliveryTimeout bounds a single Transport.Deliver call. Zero means none.
	DeliveryTimeout time.Duration
	Logger          logging.Logger
}

// SubscribeOption customizes one subscription.
type SubscribeOption func(*subscriber)

// WithQueueCapacity overrides the hub's default queue size.
func WithQueueCapacity(n int) SubscribeOption {
	return func(s *subscriber) {
		if n > 0 {
			s.queue = make(chan Event, n)
		}
	}
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Subscribers int           `json:"subscribers"`
	Published   int64         `json:"published"`
	Enqueued    int64         `json:"enqueued"`
	Delivered   int64         `json:"delivered"`
	Dropped     int64         `json:"dropped"`
	Removed     int64         `json:"removed"`
	Latency     stats.Summary `json:"latency"`
}

type subscriber struct {
	id        SubscriberID
	filter    map[string]struct{} // guarded by Hub.mu
	queue     chan Event
	transport Transport
	gone      atomic.Bool
	dropped   atomic.Int64
}

func (s *subscriber) matches(event Event) bool {
	if len(s.filter) == 0 {
		return true
	}
	for _, k := range event.Keys {
		if _, ok := s.filter[k]; ok {
			return true
		}
	}
	return false
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// Hub is safe for concurrent use.
type Hub struct {
	queueCapacity   int
	deliveryTimeout time.Duration
	logger          logging.Logger

	mu     sync.RWMutex
	subs   map[SubscriberID]*subscriber
	nextID SubscriberID

	// ready wakes the dispatcher after Publish.
	ready chan struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	stopped     atomic.Bool

	published atomic.Int64
	enqueued  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	removed   atomic.Int64
	latency   *stats.Window
}

// New creates a hub. Call Start to begin delivering.
func New(opts Options) *Hub {
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = 64
	}
	return &Hub{
		queueCapacity:   opts.QueueCapacity,
		deliveryTimeout: opts.DeliveryTimeout,
		logger:          logging.OrNop(opts.Logger).WithComponent("hub"),
		subs:            make(map[SubscriberID]*subscriber),
		ready:           make(chan struct{}, 1),
		latency:         stats.NewWindow(stats.DefaultWindowSize),
	}
}

// Start launches the dispatcher.
func (h *Hub) Start() error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.stopped.Load() {
		return errors.Closed("hub.Start")
	}
	if h.cancel != nil {
		return errors.Invalid("hub.Start", "already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.dispatch(ctx, h.done)

	// Deliver anything published before Start.
	h.wake()
	return nil
}

// Stop halts the dispatcher and closes every subscriber's transport.
func (h *Hub) Stop(ctx context.Context) error {
	h.lifecycleMu.Lock()
	if !h.stopped.CompareAndSwap(false, true) {
		h.lifecycleMu.Unlock()
		return nil
	}
	cancel, done := h.cancel, h.done
	h.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Timeout("hub.Stop", "dispatcher still delivering", ctx.Err())
		}
	}

	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[SubscriberID]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.gone.Store(true)
		_ = s.transport.Close()
	}
	h.logger.Info(ctx, "Hub stopped", "subscribers_closed", len(subs))
	return nil
}

// Subscribe registers transport. With no keys it receives every event;
// otherwise only events sharing at least one key. After Stop the transport is
// closed and NoSubscriber is returned.
func (h *Hub) Subscribe(transport Transport, keys []string, opts ...SubscribeOption) SubscriberID {
	s := &subscriber{
		filter:    keySet(keys),
		queue:     make(chan Event, h.queueCapacity),
		transport: transport,
	}
	for _, opt := range opts {
		opt(s)
	}

	h.mu.Lock()
	if h.stopped.Load() {
		h.mu.Unlock()
		_ = transport.Close()
		return NoSubscriber
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug(context.Background(), "Subscriber added",
		"subscriber_id", uint64(s.id),
		"keys", len(s.filter),
		"subscribers", count,
	)
	return s.id
}

// Unsubscribe removes id and closes its transport. It reports whether id was subscribed.
func (h *Hub) Unsubscribe(id SubscriberID) bool {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	s.gone.Store(true)
	_ = s.transport.Close()
	return true
}

// UpdateFilter replaces the subscriber's keys. Events already queued stay queued.
func (h *Hub) UpdateFilter(id SubscriberID, keys []string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subs[id]
	if !ok {
		return false
	}
	s.filter = keySet(keys)
	return true
}

// Publish enqueues event for every matching subscriber without blocking.
func (h *Hub) Publish(event Event) {
	if h.stopped.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	h.published.Add(1)

	h.mu.RLock()
	for _, s := range h.subs {
		if !s.matches(event) {
			continue
		}
		select {
		case s.queue <- event:
			h.enqueued.Add(1)
		default:
			h.dropped.Add(1)
			s.dropped.Add(1)
		}
	}
	h.mu.RUnlock()

	h.wake()
}

func (h *Hub) wake() {
	select {
	case h.ready <- struct{}{}:
	default:
	}
}

func (h *Hub) snapshot() []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	return subs
}

func (h *Hub) dispatch(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ready:
			h.drain(ctx)
		}
	}
}

// drain delivers one event per subscriber per pass until every queue is empty.
func (h *Hub) drain(ctx context.Context) {
	for {
		progressed := false
		for _, s := range h.snapshot() {
			if ctx.Err() != nil {
				return
			}
			if s.gone.Load() {
				continue
			}
			select {
			case event := <-s.queue:
				progressed = true
				h.deliver(ctx, s, event)
			default:
			}
		}
		if !progressed {
			return
		}
	}
}

func (h *Hub) deliver(ctx context.Context, s *subscriber, event Event) {
	dctx := ctx
	if h.deliveryTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, h.deliveryTimeout)
		defer cancel()
	}

	start := time.Now()
	err := s.transport.Deliver(dctx, event)
	h.latency.Observe(time.Since(start))

	if err == nil {
		h.delivered.Add(1)
		return
	}

	if ctx.Err() != nil {
		// Shutting down; Stop closes the transport.
		return
	}
	if h.remove(s) {
		h.removed.Add(1)
		h.logger.Warn(ctx, err, "Removed subscriber after failed delivery",
			"subscriber_id", uint64(s.id),
			"event_type", event.Type,
		)
	}
}

// remove drops s if it is still registered and closes its transport.
func (h *Hub) remove(s *subscriber) bool {
	h.mu.Lock()
	current, ok := h.subs[s.id]
	if ok && current == s {
		delete(h.subs, s.id)
	}
	h.mu.Unlock()

	if !ok || current != s {
		return false
	}
	s.gone.Store(true)
	_ = s.transport.Close()
	return true
}

// Running reports whether the dispatcher has been started and not stopped.
func (h *Hub) Running() bool {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()
	return h.cancel != nil && !h.stopped.Load()
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Subscribers(),
		Published:   h.published.Load(),
		Enqueued:    h.enqueued.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Removed:     h.removed.Load(),
		Latency:     h.latency.Summary(),
	}
}
