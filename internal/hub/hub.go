// internal/hub/hub.go
// Provides the Hub: admission, routing, heartbeats and graceful shutdown for
// WebSocket clients, all serialized through one event loop.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/erilali/wshub/internal/logger"
	"github.com/erilali/wshub/internal/message"
)

var (
	ErrShuttingDown = errors.New("hub is shutting down")
	ErrHubStopped   = errors.New("hub is not running")
)

// Close reasons sent with the WebSocket close frame.
const (
	ReasonCapacity    = "capacity"
	ReasonRateLimited = "rate-limited"
	ReasonPerIPLimit  = "per-ip-limit"
	ReasonShutdown    = "shutdown"
	ReasonLeave       = "leave"
	ReasonJoinTimeout = "join-timeout"
	ReasonIdleTimeout = "idle-timeout"
	ReasonSendFailed  = "send-failed"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Config holds the hub's limits and timings.
type Config struct {
	MaxTotalConnections          int
	MaxConnectionsPerIP          int
	ConnectionRateLimitPerMinute int
	HeartbeatInterval            time.Duration
	// JoinGrace is how long a connection may stay anonymous. Zero disables.
	JoinGrace time.Duration
	// IdleTimeout drops identified connections with no inbound traffic. Zero disables.
	IdleTimeout    time.Duration
	ShutdownGrace  time.Duration
	SendBufferSize int
	MaxMessageSize int64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxTotalConnections:          100,
		MaxConnectionsPerIP:          10,
		ConnectionRateLimitPerMinute: 10,
		HeartbeatInterval:            DefaultHeartbeatInterval,
		JoinGrace:                    30 * time.Second,
		IdleTimeout:                  60 * time.Second,
		ShutdownGrace:                10 * time.Second,
		SendBufferSize:               256,
		MaxMessageSize:               64 * 1024,
	}
}

// Stats are counters maintained by the event loop.
type Stats struct {
	Connections    int               `json:"connections"`
	Identified     int               `json:"identified"`
	Admitted       uint64            `json:"admitted"`
	Removed        uint64            `json:"removed"`
	Rejected       map[string]uint64 `json:"rejected"`
	ProtocolErrors uint64            `json:"protocolErrors"`
	Heartbeats     uint64            `json:"heartbeats"`
}

// Option customizes a Hub.
type Option func(*Hub)

// WithClock replaces the wall clock, typically with a mock in tests.
func WithClock(c clock.Clock) Option { return func(h *Hub) { h.clock = c } }

// WithLogger sets the hub logger.
func WithLogger(l *logger.Logger) Option { return func(h *Hub) { h.log = l } }

// WithSnapshot sets the heartbeat state callback.
func WithSnapshot(fn SnapshotFunc) Option { return func(h *Hub) { h.snapshot = fn } }

// WithEvents mirrors routed envelopes to pub under subjects "<prefix>.<kind>".
func WithEvents(pub EventPublisher, prefix string) Option {
	return func(h *Hub) {
		if pub != nil {
			h.events = &eventMirror{pub: pub, prefix: prefix}
		}
	}
}

// Hub owns the registry and every transport. All state changes run on the
// event loop started by Start; exported methods hand work to it and wait.
type Hub struct {
	cfg       Config
	clock     clock.Clock
	log       *logger.Logger
	snapshot  SnapshotFunc
	events    *eventMirror
	registry  *Registry
	router    *Router
	publisher *Publisher
	timers    *timerSet
	upgrader  websocket.Upgrader

	// owned by the event loop
	transports map[ConnectionID]Transport
	closing    bool
	stats      Stats

	state        atomic.Int32
	calls        chan func()
	quit         chan struct{}
	done         chan struct{}
	drained      chan struct{}
	drainOnce    sync.Once
	shutdownOnce sync.Once
}

// NewHub creates a hub. Call Start before handing it connections.
func NewHub(cfg Config, opts ...Option) *Hub {
	h := &Hub{
		cfg:        cfg,
		clock:      clock.New(),
		log:        logger.NewLogger("hub"),
		timers:     newTimerSet(),
		transports: make(map[ConnectionID]Transport),
		stats:      Stats{Rejected: make(map[string]uint64)},
		calls:      make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		drained:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cfg.SendBufferSize <= 0 {
		h.cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}
	if h.events != nil {
		h.events.log = h.log.Component("events")
	}

	h.registry = NewRegistry(Limits{
		MaxTotal:      cfg.MaxTotalConnections,
		MaxPerIP:      cfg.MaxConnectionsPerIP,
		RatePerMinute: cfg.ConnectionRateLimitPerMinute,
	}, h.clock.Now)
	h.router = NewRouter(h.registry)
	h.publisher = newPublisher(cfg.HeartbeatInterval, h.clock, h.registry, h.snapshot, h.deliver, h.timers, h.log.Component("publisher"))
	h.upgrader = newUpgrader()
	return h
}

// Start launches the event loop. It is a no-op if the hub was already started
// or shut down.
func (h *Hub) Start() {
	if !h.state.CompareAndSwap(stateIdle, stateRunning) {
		return
	}
	h.log.Infof("Hub started (max %d connections, %d per ip, heartbeat %s)",
		h.cfg.MaxTotalConnections, h.cfg.MaxConnectionsPerIP, h.publisher.interval)
	go h.run()
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case fn := <-h.calls:
			h.safely(fn)
		case <-h.publisher.C():
			h.safely(h.tick)
		case <-h.quit:
			return
		}
	}
}

// safely keeps a panic in one connection's handling from stopping the loop.
func (h *Hub) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorf("Recovered from panic in hub loop: %v", r)
		}
	}()
	fn()
}

// exec runs fn on the event loop and waits for it. It returns false if the
// loop is not running.
func (h *Hub) exec(fn func()) bool {
	if h.state.Load() != stateRunning {
		return false
	}
	finished := make(chan struct{})
	call := func() {
		defer close(finished)
		fn()
	}
	select {
	case h.calls <- call:
	case <-h.done:
		return false
	}
	<-finished
	return true
}

// Accept admits a transport after the rate and capacity checks. Rejected
// transports are closed with the matching close code and the error is returned.
func (h *Hub) Accept(t Transport) (ConnectionID, error) {
	addr := t.RemoteAddr()
	var (
		id  ConnectionID
		err error
	)
	if !h.exec(func() { id, err = h.admit(addr, t) }) {
		err = ErrHubStopped
	}
	if err != nil {
		code, reason := closeFor(err)
		h.log.Warnf("Rejected connection from %s: %v", addr, err)
		_ = t.Close(code, reason)
		return "", err
	}
	h.log.Debugf("Admitted connection %s from %s", id, addr)
	return id, nil
}

// admit runs the rate check and admission back to back on the loop.
func (h *Hub) admit(addr string, t Transport) (ConnectionID, error) {
	if h.closing {
		return "", ErrShuttingDown
	}
	if !h.registry.CheckRate(addr, h.clock.Now()) {
		h.stats.Rejected[ReasonRateLimited]++
		return "", ErrRateLimited
	}
	id, err := h.registry.TryAdmit(addr)
	if err != nil {
		_, reason := closeFor(err)
		h.stats.Rejected[reason]++
		return "", err
	}
	h.transports[id] = t
	h.stats.Admitted++
	h.publisher.Start()
	return id, nil
}

func closeFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return websocket.ClosePolicyViolation, ReasonCapacity
	case errors.Is(err, ErrPerIPLimitExceeded):
		return websocket.ClosePolicyViolation, ReasonPerIPLimit
	case errors.Is(err, ErrRateLimited):
		return websocket.ClosePolicyViolation, ReasonRateLimited
	default:
		return websocket.CloseGoingAway, ReasonShutdown
	}
}

// Receive processes one inbound frame from id. Frames from one connection are
// handled in the order Receive is called.
func (h *Hub) Receive(id ConnectionID, data []byte) {
	h.exec(func() { h.handle(id, data) })
}

func (h *Hub) handle(id ConnectionID, data []byte) {
	if _, ok := h.transports[id]; !ok {
		return
	}
	h.registry.Touch(id, h.clock.Now())

	env, err := message.Decode(data)
	if err != nil {
		conn, _ := h.registry.Get(id)
		h.stats.ProtocolErrors++
		h.deliver([]ConnectionID{id}, message.NewError(conn.Name(), message.CodeMalformedEnvelope, err.Error()))
		return
	}

	d := h.router.Route(id, env)
	if d.Protocol != "" {
		h.stats.ProtocolErrors++
		h.log.Debugf("Protocol error %s from %s on %s", d.Protocol, id, env.Kind)
	}
	for _, out := range d.Out {
		h.deliver(out.To, out.Envelope)
		h.mirror(out.Envelope)
	}
	if d.Leave {
		h.disconnect(id, websocket.CloseNormalClosure, ReasonLeave, false)
	}
}

// Touch marks id as alive without an envelope, e.g. on a WebSocket pong.
func (h *Hub) Touch(id ConnectionID) {
	h.registry.Touch(id, h.clock.Now())
}

// Disconnect reports that the transport for id closed. It is safe to call for
// connections that were already removed.
func (h *Hub) Disconnect(id ConnectionID) {
	h.exec(func() { h.disconnect(id, 0, "", true) })
}

// Kick closes and removes a connection.
func (h *Hub) Kick(id ConnectionID, code int, reason string) {
	h.exec(func() { h.disconnect(id, code, reason, true) })
}

// disconnect removes id and closes its transport, with a normal closure when
// code is zero. If announce is set, the others are told that an identified
// connection left.
func (h *Hub) disconnect(id ConnectionID, code int, reason string, announce bool) {
	t, ok := h.transports[id]
	if !ok {
		return
	}
	delete(h.transports, id)
	conn, removed := h.registry.Remove(id)
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = t.Close(code, reason)
	h.stats.Removed++
	h.log.Debugf("Removed connection %s (%s)", id, reason)

	if announce && removed && conn.Identity != nil {
		notice := leaveNotice(conn, h.ids())
		h.deliver(notice.To, notice.Envelope)
		h.mirror(notice.Envelope)
	}
	if h.closing && h.registry.Len() == 0 {
		h.drainOnce.Do(func() { close(h.drained) })
	}
}

// deliver encodes env once and sends it to every listed connection still
// present. Connections whose send fails are removed. Returns the failure count.
func (h *Hub) deliver(ids []ConnectionID, env message.Envelope) int {
	if len(ids) == 0 {
		return 0
	}
	data, err := message.Encode(env, h.clock.Now())
	if err != nil {
		h.log.Errorf("Failed to encode %s envelope: %v", env.Kind, err)
		return 0
	}

	var dead []ConnectionID
	for _, id := range ids {
		t, ok := h.transports[id]
		if !ok {
			continue
		}
		if err := t.Send(data); err != nil {
			h.log.Debugf("Send of %s to %s failed: %v", env.Kind, id, err)
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		h.disconnect(id, websocket.CloseGoingAway, ReasonSendFailed, true)
	}
	return len(dead)
}

func (h *Hub) mirror(env message.Envelope) {
	if h.events != nil {
		h.events.publish(env, h.clock.Now())
	}
}

func (h *Hub) ids() []ConnectionID {
	ids := make([]ConnectionID, 0, len(h.transports))
	for id := range h.transports {
		ids = append(ids, id)
	}
	return ids
}

// tick reaps dead peers and then publishes a heartbeat.
func (h *Hub) tick() {
	now := h.clock.Now()
	h.registry.SweepAttempts(now)
	h.reap(now)
	h.publisher.Tick()
	h.stats.Heartbeats = h.publisher.Sent()
}

func (h *Hub) reap(now time.Time) {
	for _, c := range h.registry.Snapshot() {
		switch {
		case c.Anonymous() && h.cfg.JoinGrace > 0 && now.Sub(c.ConnectedAt) >= h.cfg.JoinGrace:
			h.log.Infof("Dropping %s from %s: no join within %s", c.ID, c.RemoteAddress, h.cfg.JoinGrace)
			h.disconnect(c.ID, websocket.ClosePolicyViolation, ReasonJoinTimeout, false)
		case !c.Anonymous() && h.cfg.IdleTimeout > 0 && now.Sub(c.LastSeenAt) >= h.cfg.IdleTimeout:
			h.log.Infof("Dropping %s (%s): idle for %s", c.ID, c.Name(), now.Sub(c.LastSeenAt))
			h.disconnect(c.ID, websocket.CloseGoingAway, ReasonIdleTimeout, true)
		}
	}
}

// Shutdown tells every connection the hub is going away, waits up to grace for
// them to close, force-closes the rest and stops all timers. It is idempotent
// and safe to call from a signal handler; later calls wait for the first.
func (h *Hub) Shutdown(grace time.Duration) error {
	h.shutdownOnce.Do(func() {
		if h.state.CompareAndSwap(stateIdle, stateStopped) {
			close(h.done)
			return
		}
		h.shutdown(grace)
	})
	<-h.done
	return nil
}

func (h *Hub) shutdown(grace time.Duration) {
	h.log.Infof("Shutting down, grace %s", grace)

	pending := 0
	h.exec(func() {
		h.closing = true
		ids := h.ids()
		if len(ids) == 0 {
			return
		}
		env := message.Must(message.KindShutdown, message.System, message.All, map[string]int64{"graceMs": grace.Milliseconds()})
		h.deliver(ids, env)
		pending = h.registry.Len()
	})

	if pending > 0 && grace > 0 {
		timer := h.clock.Timer(grace)
		key := h.timers.add(func() { timer.Stop() })
		select {
		case <-h.drained:
			h.log.Info("All connections closed voluntarily")
		case <-timer.C:
			h.log.Warn("Shutdown grace elapsed, forcing remaining connections closed")
		}
		timer.Stop()
		h.timers.remove(key)
	}

	h.exec(func() {
		for _, id := range h.ids() {
			h.disconnect(id, websocket.CloseGoingAway, ReasonShutdown, false)
		}
		h.publisher.Stop()
		if n := h.timers.stopAll(); n > 0 {
			h.log.Debugf("Cancelled %d outstanding timers", n)
		}
	})

	h.state.Store(stateStopped)
	close(h.quit)
	h.log.Info("Hub stopped")
}

// Connections returns a snapshot of the registry.
func (h *Hub) Connections() []Connection {
	return h.registry.Snapshot()
}

// Stats returns a copy of the hub counters.
func (h *Hub) Stats() Stats {
	var out Stats
	ok := h.exec(func() {
		out = h.stats
		out.Rejected = make(map[string]uint64, len(h.stats.Rejected))
		for k, v := range h.stats.Rejected {
			out.Rejected[k] = v
		}
	})
	if !ok {
		out.Rejected = map[string]uint64{}
	}
	for _, c := range h.registry.Snapshot() {
		out.Connections++
		if !c.Anonymous() {
			out.Identified++
		}
	}
	return out
}
