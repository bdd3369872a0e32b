package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erilali/wshub/internal/logger"
	"github.com/erilali/wshub/internal/message"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []message.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	var env message.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent() []message.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Envelope(nil), c.written...)
}

func (c *fakeConn) push(t *testing.T, env message.Envelope) {
	t.Helper()
	data, err := message.Encode(env, time.Now())
	require.NoError(t, err)
	c.in <- data
}

type fakeDialer struct {
	mu     sync.Mutex
	fail   int
	refuse map[string]bool
	urls   []string
	conns  chan *fakeConn
}

func newFakeDialer(fail int) *fakeDialer {
	return &fakeDialer{fail: fail, refuse: map[string]bool{}, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.refuse[url] {
		return nil, errRefused
	}
	if d.fail > 0 {
		d.fail--
		return nil, errRefused
	}
	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

// timedDialer records the clock time of every dial.
type timedDialer struct {
	*fakeDialer
	clock clock.Clock

	mu sync.Mutex
	at []time.Time
}

func (d *timedDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.at = append(d.at, d.clock.Now())
	d.mu.Unlock()
	return d.fakeDialer.Dial(ctx, url)
}

func (d *timedDialer) times() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.at...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URLs = []string{"ws://hub"}
	cfg.Identity = message.Identity{Name: "alice"}
	cfg.JitterFraction = 0
	return cfg
}

func newTestClient(t *testing.T, cfg Config, dialer Dialer, opts ...Option) (*Client, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts = append([]Option{
		WithClock(mock),
		WithDialer(dialer),
		WithLogger(logger.Nop()),
		WithRand(rand.New(rand.NewSource(1))),
	}, opts...)
	c := New(cfg, opts...)
	t.Cleanup(c.Stop)
	return c, mock
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 2*time.Millisecond,
		"client never reached %s", want)
}

func kinds(envs []message.Envelope) []message.Kind {
	out := make([]message.Kind, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Kind)
	}
	return out
}

func TestBackoffGrowth(t *testing.T) {
	base, max := time.Second, 8*time.Second

	var prev time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		d := Backoff(base, max, attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, max)
		prev = d
	}
	assert.Equal(t, 2*time.Second, Backoff(base, max, 1))
	assert.Equal(t, max, Backoff(base, max, 5))
	assert.Equal(t, max, Backoff(base, max, 200))
}

func TestBackoffUncapped(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt <= 100; attempt++ {
		d := Backoff(time.Second, 0, attempt)
		require.Positive(t, d, "attempt %d", attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, 4*time.Second, Backoff(time.Second, 0, 2))
	assert.Positive(t, Backoff(time.Second, 0, 40))
	assert.Zero(t, Backoff(0, time.Second, 3))
}

func TestJitteredRetrySchedule(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = 8 * time.Second
	cfg.JitterFraction = 0.2
	mock := clock.NewMock()
	dialer := &timedDialer{fakeDialer: newFakeDialer(100), clock: mock}
	c, _ := newTestClient(t, cfg, dialer, WithClock(mock))
	require.NoError(t, c.Start())

	const step = 50 * time.Millisecond
	for attempt := 1; attempt <= 5; attempt++ {
		want := attempt
		require.Eventually(t, func() bool { return c.Attempt() == want && c.State() == StateBackoff },
			2*time.Second, time.Millisecond)
		// give the run loop a moment to arm its retry timer
		time.Sleep(5 * time.Millisecond)
		require.Eventually(t, func() bool {
			if len(dialer.times()) > want {
				return true
			}
			mock.Add(step)
			return false
		}, 5*time.Second, time.Millisecond)
	}

	at := dialer.times()
	require.GreaterOrEqual(t, len(at), 6)
	for i, nominal := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second} {
		gap := at[i+1].Sub(at[i])
		low := time.Duration(float64(nominal) * 0.8)
		high := time.Duration(float64(nominal) * 1.2)
		if high > cfg.MaxDelay {
			high = cfg.MaxDelay
		}
		assert.GreaterOrEqual(t, gap, low, "retry %d", i+1)
		assert.LessOrEqual(t, gap, high+2*step, "retry %d", i+1)
	}
}

func TestJitterBounds(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	d := 4 * time.Second
	for i := 0; i < 1000; i++ {
		j := Jitter(d, 0.2, r)
		assert.GreaterOrEqual(t, j, 3200*time.Millisecond)
		assert.LessOrEqual(t, j, 4800*time.Millisecond)
	}
	assert.Equal(t, d, Jitter(d, 0, r))
}

func TestStartWithoutEndpoints(t *testing.T) {
	c := New(Config{}, WithLogger(logger.Nop()))
	assert.ErrorIs(t, c.Start(), ErrNoEndpoints)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestQueueFlushOrder(t *testing.T) {
	dialer := newFakeDialer(0)
	c, _ := newTestClient(t, testConfig(), dialer)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, c.Send(message.Must(message.KindMessage, "alice", message.All, text)))
	}
	assert.Equal(t, 3, c.QueueLen())

	require.NoError(t, c.Start())
	conn := dialer.next(t)
	waitState(t, c, StateConnected)

	sent := conn.sent()
	require.Equal(t, []message.Kind{message.KindJoin, message.KindMessage, message.KindMessage, message.KindMessage}, kinds(sent))
	id, err := sent[0].JoinIdentity()
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Name)
	for i, want := range []string{`"one"`, `"two"`, `"three"`} {
		assert.JSONEq(t, want, string(sent[i+1].Payload))
	}
	assert.Zero(t, c.QueueLen())
}

func TestSendWhileConnected(t *testing.T) {
	dialer := newFakeDialer(0)
	c, _ := newTestClient(t, testConfig(), dialer)
	require.NoError(t, c.Start())
	conn := dialer.next(t)
	waitState(t, c, StateConnected)

	require.NoError(t, c.Send(message.Must(message.KindMessage, "alice", "bob", "hi")))
	sent := conn.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "bob", sent[1].To)
	assert.Zero(t, c.QueueLen())
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	dialer := newFakeDialer(0)
	c, _ := newTestClient(t, cfg, dialer)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, c.Send(message.Must(message.KindMessage, "alice", message.All, text)))
	}
	assert.Equal(t, 2, c.QueueLen())
	assert.Equal(t, uint64(1), c.Dropped())

	require.NoError(t, c.Start())
	conn := dialer.next(t)
	waitState(t, c, StateConnected)

	sent := conn.sent()
	require.Len(t, sent, 3)
	assert.JSONEq(t, `"two"`, string(sent[1].Payload))
	assert.JSONEq(t, `"three"`, string(sent[2].Payload))
}

func TestReconnectAfterDialFailures(t *testing.T) {
	dialer := newFakeDialer(2)
	c, mock := newTestClient(t, testConfig(), dialer)
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return c.Attempt() == 1 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, StateBackoff, c.State())
	assert.Len(t, dialer.dials(), 1)

	// 2s for the first retry, 4s for the second.
	require.Eventually(t, func() bool {
		mock.Add(500 * time.Millisecond)
		return c.State() == StateConnected
	}, 2*time.Second, 2*time.Millisecond)
	assert.Len(t, dialer.dials(), 3)
	assert.Zero(t, c.Attempt())
}

func TestFallbackEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.URLs = []string{"ws://primary", "ws://fallback"}
	dialer := newFakeDialer(0)
	dialer.refuse["ws://primary"] = true
	c, _ := newTestClient(t, cfg, dialer)

	require.NoError(t, c.Start())
	dialer.next(t)
	waitState(t, c, StateConnected)
	assert.Equal(t, []string{"ws://primary", "ws://fallback"}, dialer.dials())
	assert.Zero(t, c.Attempt())
}

func TestMaxAttemptsStopsClient(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	dialer := newFakeDialer(100)

	var mu sync.Mutex
	var stopErr error
	c, mock := newTestClient(t, cfg, dialer, WithStateHandler(func(s State, err error) {
		if s == StateStopped {
			mu.Lock()
			stopErr = err
			mu.Unlock()
		}
	}))
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool {
		mock.Add(500 * time.Millisecond)
		return c.State() == StateStopped
	}, 2*time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, stopErr, ErrMaxAttempts)
	assert.Len(t, dialer.dials(), 2)
}

func TestWatchdogExpiryReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Second
	dialer := newFakeDialer(0)
	c, mock := newTestClient(t, cfg, dialer)
	require.NoError(t, c.Start())

	first := dialer.next(t)
	waitState(t, c, StateConnected)

	require.Eventually(t, func() bool {
		mock.Add(250 * time.Millisecond)
		return first.isClosed()
	}, 2*time.Second, 2*time.Millisecond)
	assert.Contains(t, kinds(first.sent()), message.KindHeartbeat)

	require.Eventually(t, func() bool {
		mock.Add(500 * time.Millisecond)
		return len(dialer.dials()) == 2
	}, 2*time.Second, 2*time.Millisecond)
	dialer.next(t)
	waitState(t, c, StateConnected)
}

func TestHeartbeatsKeepConnectionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Second
	dialer := newFakeDialer(0)
	c, mock := newTestClient(t, cfg, dialer)
	require.NoError(t, c.Start())

	conn := dialer.next(t)
	waitState(t, c, StateConnected)

	for i := 0; i < 10; i++ {
		conn.push(t, message.Must(message.KindHeartbeat, message.System, message.All, map[string]int{"connections": 1}))
		time.Sleep(5 * time.Millisecond)
		mock.Add(time.Second)
	}
	assert.False(t, conn.isClosed())
	assert.Equal(t, StateConnected, c.State())
}

func TestHandlerAndShutdownEnvelope(t *testing.T) {
	dialer := newFakeDialer(0)
	received := make(chan message.Envelope, 8)
	c, _ := newTestClient(t, testConfig(), dialer, WithHandler(func(env message.Envelope) { received <- env }))
	require.NoError(t, c.Start())

	conn := dialer.next(t)
	waitState(t, c, StateConnected)

	conn.push(t, message.Must(message.KindMessage, "bob", "alice", "hi"))
	env := <-received
	assert.Equal(t, "bob", env.From)

	conn.push(t, message.Must(message.KindShutdown, message.System, message.All, map[string]int{"graceMs": 1000}))
	env = <-received
	assert.Equal(t, message.KindShutdown, env.Kind)
	waitState(t, c, StateBackoff)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 1, c.Attempt())
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	dialer := newFakeDialer(0)
	var mu sync.Mutex
	stops := 0
	c, _ := newTestClient(t, testConfig(), dialer, WithStateHandler(func(s State, err error) {
		if s == StateStopped {
			mu.Lock()
			stops++
			mu.Unlock()
		}
	}))
	require.NoError(t, c.Start())
	first := dialer.next(t)
	waitState(t, c, StateConnected)

	c.Stop()
	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, first.isClosed())
	mu.Lock()
	assert.Equal(t, 1, stops)
	mu.Unlock()

	require.NoError(t, c.Send(message.Must(message.KindMessage, "alice", message.All, "later")))
	assert.Equal(t, 1, c.QueueLen())

	require.NoError(t, c.Start())
	second := dialer.next(t)
	waitState(t, c, StateConnected)
	assert.Equal(t, []message.Kind{message.KindJoin, message.KindMessage}, kinds(second.sent()))
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	dialer := newFakeDialer(100)
	c, mock := newTestClient(t, testConfig(), dialer)
	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return c.Attempt() == 1 }, 2*time.Second, 2*time.Millisecond)

	c.Stop()
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, dialer.dials(), 1)
	assert.Equal(t, StateStopped, c.State())
}
