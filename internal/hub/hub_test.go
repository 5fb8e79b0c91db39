package hub

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (r *recorder) Deliver(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func newHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := New(opts)
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	return h
}

func TestHub_FullQueueDropsWithoutBlocking(t *testing.T) {
	h := newHub(t, Options{QueueCapacity: 10})

	slow := &recorder{}
	fast := &recorder{}
	h.Subscribe(slow, nil, WithQueueCapacity(1))
	h.Subscribe(fast, nil)

	// Not started yet, so nothing drains the queues.
	start := time.Now()
	for i := 0; i < 5; i++ {
		assert.NotPanics(t, func() { h.Publish(Event{Type: fmt.Sprintf("e%d", i)}) })
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	stats := h.Stats()
	assert.Equal(t, int64(5), stats.Published)
	assert.Equal(t, int64(4), stats.Dropped)

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool { return fast.count() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"e0"}, slow.types())
}

func TestHub_PerSubscriberOrder(t *testing.T) {
	h := newHub(t, Options{QueueCapacity: 1000})
	require.NoError(t, h.Start())

	subs := []*recorder{{}, {}, {}}
	for _, r := range subs {
		h.Subscribe(r, nil)
	}

	want := make([]string, 200)
	for i := range want {
		want[i] = fmt.Sprintf("e%03d", i)
		h.Publish(Event{Type: want[i]})
	}

	for _, r := range subs {
		r := r
		require.Eventually(t, func() bool { return r.count() == len(want) }, time.Second, time.Millisecond)
		assert.Equal(t, want, r.types())
	}
	assert.Equal(t, int64(600), h.Stats().Delivered)
}

func TestHub_Filters(t *testing.T) {
	h := newHub(t, Options{QueueCapacity: 16})
	require.NoError(t, h.Start())

	all := &recorder{}
	btc := &recorder{}
	eth := &recorder{}
	h.Subscribe(all, nil)
	h.Subscribe(btc, []string{"btc"})
	ethID := h.Subscribe(eth, []string{"eth", ""})

	h.Publish(Event{Type: "price", Keys: []string{"btc"}})
	h.Publish(Event{Type: "price", Keys: []string{"eth", "sol"}})
	h.Publish(Event{Type: "untagged"})

	require.Eventually(t, func() bool { return all.count() == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return btc.count() == 1 && eth.count() == 1 }, time.Second, time.Millisecond)

	t.Run("update filter", func(t *testing.T) {
		require.True(t, h.UpdateFilter(ethID, []string{"sol"}))
		h.Publish(Event{Type: "eth-only", Keys: []string{"eth"}})
		h.Publish(Event{Type: "sol", Keys: []string{"sol"}})

		require.Eventually(t, func() bool { return all.count() == 5 }, time.Second, time.Millisecond)
		require.Eventually(t, func() bool { return eth.count() == 2 }, time.Second, time.Millisecond)
		assert.Equal(t, "sol", eth.types()[1])
		assert.False(t, h.UpdateFilter(SubscriberID(999), nil))
	})
}

func TestHub_RemovesSubscriberOnTransportFailure(t *testing.T) {
	h := newHub(t, Options{QueueCapacity: 16})
	require.NoError(t, h.Start())

	var calls int
	var mu sync.Mutex
	broken := TransportFunc(func(context.Context, Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return stderrors.New("connection reset")
	})
	healthy := &recorder{}

	h.Subscribe(broken, nil)
	h.Subscribe(healthy, nil)

	h.Publish(Event{Type: "one"})
	h.Publish(Event{Type: "two"})
	h.Publish(Event{Type: "three"})

	require.Eventually(t, func() bool { return healthy.count() == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls, "no retries after the first failure")
	mu.Unlock()
	assert.Equal(t, int64(1), h.Stats().Removed)
}

func TestHub_DeliveryTimeoutRemovesStuckSubscriber(t *testing.T) {
	h := newHub(t, Options{QueueCapacity: 4, DeliveryTimeout: 20 * time.Millisecond})
	require.NoError(t, h.Start())

	stuck := TransportFunc(func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.Subscribe(stuck, nil)

	h.Publish(Event{Type: "x"})
	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_UnsubscribeAndStop(t *testing.T) {
	h := New(Options{QueueCapacity: 4})
	assert.False(t, h.Running())
	require.NoError(t, h.Start())
	assert.True(t, h.Running())
	assert.Error(t, h.Start())

	a := &recorder{}
	b := &recorder{}
	idA := h.Subscribe(a, nil)
	h.Subscribe(b, nil)

	assert.True(t, h.Unsubscribe(idA))
	assert.False(t, h.Unsubscribe(idA))
	assert.True(t, a.isClosed())

	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Stop(context.Background()))
	assert.False(t, h.Running())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, h.Subscribers())

	assert.NotPanics(t, func() { h.Publish(Event{Type: "late"}) })
	assert.Error(t, h.Start())

	late := &recorder{}
	assert.Equal(t, NoSubscriber, h.Subscribe(late, nil))
	assert.True(t, late.isClosed())
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_ServeWS(t *testing.T) {
	h := newHub(t, Options{QueueCapacity: 16, DeliveryTimeout: time.Second})
	require.NoError(t, h.Start())

	srv := httptest.NewServer(h.ServeWS())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?keys=orders"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, time.Millisecond)

	h.Publish(Event{Type: "ignored", Keys: []string{"users"}})
	h.Publish(Event{Type: "created", Keys: []string{"orders"}, Payload: map[string]any{"id": 7}})

	var got Event
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "created", got.Type)
	assert.Equal(t, []string{"orders"}, got.Keys)

	t.Run("client updates its filter", func(t *testing.T) {
		require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"keys": []string{"users"}}))

		// The update is applied asynchronously; keep publishing probes until one arrives.
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(5 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					h.Publish(Event{Type: "probe", Keys: []string{"users"}})
				}
			}
		}()

		var e Event
		err := wsjson.Read(ctx, conn, &e)
		close(stop)
		wg.Wait()
		require.NoError(t, err)
		assert.Equal(t, "probe", e.Type)
	})

	t.Run("disconnect unsubscribes", func(t *testing.T) {
		require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
		require.Eventually(t, func() bool { return h.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
	})
}
