// internal/client/client.go
// Contains the reconnecting hub client: dial with fallback endpoints, exponential
// backoff, an outbound queue while offline and a heartbeat watchdog.
package client

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/erilali/wshub/internal/logger"
	"github.com/erilali/wshub/internal/message"
)

// State is the position of the client in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

var (
	ErrStopped     = errors.New("client stopped")
	ErrMaxAttempts = errors.New("maximum reconnect attempts reached")
	ErrNoEndpoints = errors.New("no hub endpoints configured")

	errWatchdog       = errors.New("no heartbeat from hub")
	errServerShutdown = errors.New("hub is shutting down")
)

// Config controls dialing, backoff and queueing.
type Config struct {
	// URLs are tried in order on every connect attempt.
	URLs     []string
	Identity message.Identity

	BaseDelay time.Duration
	MaxDelay  time.Duration
	// JitterFraction spreads each backoff delay by up to this fraction either way.
	JitterFraction float64

	// HeartbeatInterval is the hub's heartbeat period. The client sends its
	// own heartbeats at this rate and gives up on a connection that stays
	// silent for twice as long. Zero disables both.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	// MaxQueueSize bounds the offline queue; zero means unbounded.
	MaxQueueSize int
	// MaxAttempts stops the client after this many consecutive failures; zero
	// retries forever.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		JitterFraction:    0.2,
		HeartbeatInterval: 4 * time.Second,
		DialTimeout:       5 * time.Second,
		MaxQueueSize:      1000,
	}
}

// Handler receives every envelope delivered by the hub.
type Handler func(env message.Envelope)

// StateHandler observes state transitions. err carries the cause of a
// transition into Backoff or Stopped when there is one.
type StateHandler func(state State, err error)

type Option func(*Client)

func WithClock(c clock.Clock) Option { return func(cl *Client) { cl.clock = c } }
func WithDialer(d Dialer) Option { return func(cl *Client) { cl.dialer = d } }
func WithHandler(fn Handler) Option { return func(cl *Client) { cl.onMessage = fn } }
func WithStateHandler(fn StateHandler) Option { return func(cl *Client) { cl.onState = fn } }
func WithLogger(l *logger.Logger) Option { return func(cl *Client) { cl.log = l } }
func WithRand(r *rand.Rand) Option { return func(cl *Client) { cl.rnd = r } }

// Client keeps a logical connection to the hub alive across transport
// failures. All methods are safe for concurrent use; handlers run on the
// client's own goroutine and must not block.
type Client struct {
	cfg       Config
	clock     clock.Clock
	dialer    Dialer
	log       *logger.Logger
	onMessage Handler
	onState   StateHandler
	rnd       *rand.Rand

	mu      sync.Mutex
	state   State
	attempt int
	queue   [][]byte
	dropped uint64
	conn    Conn
	// gen identifies the current run; anything started by an older run is stale.
	gen    uint64
	cancel context.CancelFunc
}

func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		clock:  clock.New(),
		dialer: WebsocketDialer{},
		log:    logger.NewLogger("client"),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Identity.Name != "" {
		c.log = c.log.WithField("identity", cfg.Identity.Name)
	}
	return c
}

// Start begins connecting in the background. It is a no-op while running and
// a fresh start after Stop.
func (c *Client) Start() error {
	if len(c.cfg.URLs) == 0 {
		return ErrNoEndpoints
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.attempt = 0
	c.state = StateDisconnected
	c.mu.Unlock()

	go c.run(ctx, gen)
	return nil
}

// Stop cancels any pending reconnect, closes the live connection and moves
// to Stopped. Queued envelopes are kept for the next Start.
func (c *Client) Stop() {
	c.stop(0, ErrStopped)
}

// stop applies only to the run identified by gen, or unconditionally when gen is 0.
func (c *Client) stop(gen uint64, cause error) {
	c.mu.Lock()
	if (gen != 0 && gen != c.gen) || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.gen++
	cancel, conn := c.cancel, c.conn
	c.cancel, c.conn = nil, nil
	c.state = StateStopped
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.log.Infof("Client stopped: %v", cause)
	c.notify(StateStopped, cause)
}

// Send transmits env right away when connected and queues it otherwise.
// A full queue drops its oldest entry and counts it in Dropped.
func (c *Client) Send(env message.Envelope) error {
	data, err := message.Encode(env, c.clock.Now())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected && c.conn != nil {
		err := c.conn.WriteMessage(data)
		if err == nil {
			return nil
		}
		c.log.Warnf("Send failed, queueing %s for the next connection: %v", env.Kind, err)
		c.conn.Close()
	}
	c.enqueue(data)
	return nil
}

func (c *Client) enqueue(data []byte) {
	if c.cfg.MaxQueueSize > 0 && len(c.queue) >= c.cfg.MaxQueueSize {
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.dropped++
		c.log.Warnf("Offline queue full, dropped oldest envelope (%d dropped so far)", c.dropped)
	}
	c.queue = append(c.queue, data)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt is the number of consecutive failed connection attempts.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Dropped counts envelopes discarded because the offline queue was full.
func (c *Client) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) run(ctx context.Context, gen uint64) {
	for {
		if !c.transition(gen, StateConnecting, nil) {
			return
		}
		conn, err := c.dial(ctx)
		if err == nil {
			err = c.serve(ctx, gen, conn)
		}
		if ctx.Err() != nil {
			return
		}

		delay, ok := c.backoff(gen, err)
		if !ok {
			return
		}
		timer := c.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) transition(gen uint64, to State, cause error) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()
	c.notify(to, cause)
	return true
}

func (c *Client) notify(state State, cause error) {
	c.log.Debugf("State %s", state)
	if c.onState != nil {
		c.onState(state, cause)
	}
}

// backoff records a failure and returns how long to wait before the next
// attempt, or false when the client gave up or was stopped.
func (c *Client) backoff(gen uint64, cause error) (time.Duration, bool) {
	if cause == nil {
		cause = ErrStopped
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return 0, false
	}
	c.attempt++
	attempt := c.attempt
	if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
		c.mu.Unlock()
		c.log.Warnf("Giving up after %d failed attempts: %v", attempt, cause)
		c.stop(gen, errors.Wrap(ErrMaxAttempts, cause.Error()))
		return 0, false
	}
	delay := Jitter(Backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt), c.cfg.JitterFraction, c.rnd)
	if c.cfg.MaxDelay > 0 && delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	c.state = StateBackoff
	c.mu.Unlock()

	c.log.Infof("Reconnecting in %s (attempt %d): %v", delay, attempt, cause)
	c.notify(StateBackoff, cause)
	return delay, true
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	var lastErr error
	for _, url := range c.cfg.URLs {
		dctx, cancel := ctx, context.CancelFunc(func() {})
		if c.cfg.DialTimeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		}
		conn, err := c.dialer.Dial(dctx, url)
		cancel()
		if err == nil {
			c.log.Infof("Connected to %s", url)
			return conn, nil
		}
		lastErr = errors.Wrapf(err, "dial %s", url)
		c.log.Warnf("Failed to connect to %s: %v", url, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// open announces the identity and flushes the queue while holding the lock,
// so Sends racing with the connect land after the queued envelopes.
func (c *Client) open(gen uint64, conn Conn) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrStopped
	}
	join, err := message.New(message.KindJoin, c.cfg.Identity.Name, message.All, c.cfg.Identity)
	if err == nil {
		err = c.writeLocked(conn, join)
	}
	if err != nil {
		c.mu.Unlock()
		return errors.Wrap(err, "send join")
	}
	for len(c.queue) > 0 {
		if err := conn.WriteMessage(c.queue[0]); err != nil {
			c.mu.Unlock()
			return errors.Wrap(err, "flush queue")
		}
		c.queue[0] = nil
		c.queue = c.queue[1:]
	}
	c.conn = conn
	c.attempt = 0
	c.state = StateConnected
	c.mu.Unlock()

	c.notify(StateConnected, nil)
	return nil
}

func (c *Client) writeLocked(conn Conn, env message.Envelope) error {
	data, err := message.Encode(env, c.clock.Now())
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

func (c *Client) heartbeat(gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.conn == nil {
		return ErrStopped
	}
	return c.writeLocked(c.conn, message.Envelope{
		Kind: message.KindHeartbeat,
		From: c.cfg.Identity.Name,
		To:   message.System,
	})
}

func (c *Client) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// serve runs one connection until it fails, goes silent or the hub announces
// shutdown. It always returns a non-nil error.
func (c *Client) serve(ctx context.Context, gen uint64, conn Conn) error {
	if err := c.open(gen, conn); err != nil {
		conn.Close()
		return err
	}
	defer c.detach(conn)

	inbound := make(chan message.Envelope)
	failed := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go c.readLoop(conn, inbound, failed, done)

	hb := c.cfg.HeartbeatInterval
	var watchdog *clock.Timer
	var watch, beat <-chan time.Time
	if hb > 0 {
		watchdog = c.clock.Timer(2 * hb)
		defer watchdog.Stop()
		watch = watchdog.C
		ticker := c.clock.Ticker(hb)
		defer ticker.Stop()
		beat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-failed:
			return err
		case <-watch:
			return errWatchdog
		case <-beat:
			if err := c.heartbeat(gen); err != nil {
				return err
			}
		case env := <-inbound:
			if c.onMessage != nil {
				c.onMessage(env)
			}
			switch env.Kind {
			case message.KindHeartbeat:
				if watchdog != nil {
					watchdog.Reset(2 * hb)
				}
			case message.KindShutdown:
				return errServerShutdown
			}
		}
	}
}

func (c *Client) readLoop(conn Conn, inbound chan<- message.Envelope, failed chan<- error, done <-chan struct{}) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			failed <- err
			return
		}
		env, err := message.Decode(data)
		if err != nil {
			c.log.Warnf("Dropping envelope from hub: %v", err)
			continue
		}
		select {
		case inbound <- env:
		case <-done:
			return
		}
	}
}

// Backoff returns base doubled attempt times, capped at max. A max of zero
// leaves the delay uncapped; it then stops growing before it would overflow.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt && d <= math.MaxInt64/2; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Jitter moves d by a random amount of at most fraction*d in either direction.
func Jitter(d time.Duration, fraction float64, r *rand.Rand) time.Duration {
	if d <= 0 || fraction <= 0 || r == nil {
		return d
	}
	delta := (r.Float64()*2 - 1) * fraction * float64(d)
	return d + time.Duration(delta)
}
