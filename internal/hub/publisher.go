// internal/hub/publisher.go
// Periodic heartbeat fan-out of an application-supplied state snapshot.
package hub

import (
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/erilali/wshub/internal/logger"
	"github.com/erilali/wshub/internal/message"
)

const DefaultHeartbeatInterval = 4 * time.Second

// SnapshotFunc produces the state carried by each heartbeat. It receives the
// registry snapshot taken for the tick and must not call back into the hub.
type SnapshotFunc func(conns []Connection) interface{}

// deliverFunc sends env to ids and returns how many sends failed. Failed
// connections are removed by the implementation.
type deliverFunc func(ids []ConnectionID, env message.Envelope) int

// Publisher pushes a heartbeat envelope to every admitted connection on each
// tick. Heartbeats are best-effort: a failed send removes the connection and
// is never retried.
type Publisher struct {
	interval time.Duration
	clock    clock.Clock
	registry *Registry
	snapshot SnapshotFunc
	deliver  deliverFunc
	timers   *timerSet
	log      *logger.Logger

	ticker    *clock.Ticker
	tickerKey int
	sent      uint64
}

func newPublisher(interval time.Duration, clk clock.Clock, registry *Registry, snapshot SnapshotFunc, deliver deliverFunc, timers *timerSet, log *logger.Logger) *Publisher {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if snapshot == nil {
		snapshot = func(conns []Connection) interface{} {
			return map[string]int{"connections": len(conns)}
		}
	}
	return &Publisher{
		interval: interval,
		clock:    clk,
		registry: registry,
		snapshot: snapshot,
		deliver:  deliver,
		timers:   timers,
		log:      log,
	}
}

// Start creates the tick timer if it is not already running.
func (p *Publisher) Start() {
	if p.ticker != nil {
		return
	}
	p.ticker = p.clock.Ticker(p.interval)
	ticker := p.ticker
	p.tickerKey = p.timers.add(ticker.Stop)
	p.log.Debugf("Heartbeat publisher started, interval %s", p.interval)
}

// Stop stops the tick timer.
func (p *Publisher) Stop() {
	if p.ticker == nil {
		return
	}
	p.ticker.Stop()
	p.timers.remove(p.tickerKey)
	p.ticker = nil
}

// C returns the tick channel, or nil while stopped so a select on it blocks.
func (p *Publisher) C() <-chan time.Time {
	if p.ticker == nil {
		return nil
	}
	return p.ticker.C
}

// Running reports whether the tick timer is active.
func (p *Publisher) Running() bool { return p.ticker != nil }

// Tick sends one heartbeat and returns the number of recipients and failures.
// An empty registry skips the tick without building an envelope.
func (p *Publisher) Tick() (recipients, failed int) {
	conns := p.registry.Snapshot()
	if len(conns) == 0 {
		return 0, 0
	}

	payload, err := json.Marshal(p.snapshot(conns))
	if err != nil {
		p.log.Err(err, "Failed to marshal heartbeat snapshot")
		return 0, 0
	}
	ids := make([]ConnectionID, len(conns))
	for i, c := range conns {
		ids[i] = c.ID
	}

	env := message.Envelope{
		Kind:    message.KindHeartbeat,
		From:    message.System,
		To:      message.All,
		Payload: payload,
	}
	failed = p.deliver(ids, env)
	p.sent++
	if failed > 0 {
		p.log.Warnf("Heartbeat failed for %d of %d connections", failed, len(ids))
	}
	return len(ids), failed
}

// Sent returns the number of heartbeat ticks that reached at least one connection.
func (p *Publisher) Sent() uint64 { return p.sent }
