// internal/hub/registry.go
// Admission control and bookkeeping for live connections.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/erilali/wshub/internal/message"
)

const (
	rateWindow        = time.Minute
	rateSweepInterval = 5 * time.Minute
)

var (
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrPerIPLimitExceeded = errors.New("per-ip connection limit exceeded")
	ErrRateLimited        = errors.New("connection rate limit exceeded")
	ErrUnknownConnection  = errors.New("unknown connection")
)

// ConnectionID is assigned at admission and never reused.
type ConnectionID string

// Connection is the registry's view of one admitted client. Identity is nil
// until the client joins.
type Connection struct {
	ID            ConnectionID
	RemoteAddress string
	Identity      *message.Identity
	ConnectedAt   time.Time
	LastSeenAt    time.Time
}

// Anonymous reports whether the connection has not joined yet.
func (c Connection) Anonymous() bool { return c.Identity == nil }

// Name returns the joined name, or the connection id for anonymous connections.
func (c Connection) Name() string {
	if c.Identity == nil {
		return string(c.ID)
	}
	return c.Identity.Name
}

// Limits bounds what the registry admits.
type Limits struct {
	MaxTotal      int
	MaxPerIP      int
	RatePerMinute int
}

// Registry tracks admitted connections, per-address counts and recent
// admission attempts. All methods are safe for concurrent use; TryAdmit checks
// and inserts under one lock.
type Registry struct {
	mu        sync.Mutex
	limits    Limits
	conns     map[ConnectionID]*Connection
	byIP      map[string]int
	attempts  map[string][]time.Time
	lastSweep time.Time
	newID     func() ConnectionID
	now       func() time.Time
}

// NewRegistry creates an empty registry. now supplies admission timestamps.
func NewRegistry(limits Limits, now func() time.Time) *Registry {
	return &Registry{
		limits:   limits,
		conns:    make(map[ConnectionID]*Connection),
		byIP:     make(map[string]int),
		attempts: make(map[string][]time.Time),
		newID:    func() ConnectionID { return ConnectionID(uuid.NewString()) },
		now:      now,
	}
}

// TryAdmit registers a new anonymous connection from remoteAddress.
func (r *Registry) TryAdmit(remoteAddress string) (ConnectionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limits.MaxTotal > 0 && len(r.conns) >= r.limits.MaxTotal {
		return "", ErrCapacityExceeded
	}
	if r.limits.MaxPerIP > 0 && r.byIP[remoteAddress] >= r.limits.MaxPerIP {
		return "", ErrPerIPLimitExceeded
	}

	now := r.now()
	id := r.newID()
	r.conns[id] = &Connection{
		ID:            id,
		RemoteAddress: remoteAddress,
		ConnectedAt:   now,
		LastSeenAt:    now,
	}
	r.byIP[remoteAddress]++
	return id, nil
}

// CheckRate records an admission attempt from remoteAddress and reports
// whether it is within the per-minute limit. Refused attempts are not
// recorded. Expired attempts for the address are pruned on every call, and
// every five minutes all idle addresses are dropped.
func (r *Registry) CheckRate(remoteAddress string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastSweep) >= rateSweepInterval {
		r.sweepLocked(now)
	}

	recent := prune(r.attempts[remoteAddress], now)
	if r.limits.RatePerMinute > 0 && len(recent) >= r.limits.RatePerMinute {
		r.attempts[remoteAddress] = recent
		return false
	}
	r.attempts[remoteAddress] = append(recent, now)
	return true
}

// SweepAttempts drops addresses with no attempts inside the rate window if
// the sweep interval has elapsed since the last sweep.
func (r *Registry) SweepAttempts(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSweep) < rateSweepInterval {
		return false
	}
	r.sweepLocked(now)
	return true
}

func (r *Registry) sweepLocked(now time.Time) {
	for addr, ts := range r.attempts {
		if recent := prune(ts, now); len(recent) == 0 {
			delete(r.attempts, addr)
		} else {
			r.attempts[addr] = recent
		}
	}
	r.lastSweep = now
}

// prune drops attempts older than the rate window. ts is ordered oldest first.
func prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// SetIdentity records the identity announced by a join.
func (r *Registry) SetIdentity(id ConnectionID, identity message.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return errors.Wrapf(ErrUnknownConnection, "set identity %s", id)
	}
	c.Identity = &identity
	return nil
}

// Touch updates the last-seen time of a connection.
func (r *Registry) Touch(id ConnectionID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.LastSeenAt = now
	}
}

// Remove deletes a connection. Removing an absent id is a no-op; the returned
// connection and flag report whether anything was removed.
func (r *Registry) Remove(id ConnectionID) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.conns, id)
	if r.byIP[c.RemoteAddress] <= 1 {
		delete(r.byIP, c.RemoteAddress)
	} else {
		r.byIP[c.RemoteAddress]--
	}
	return copyConnection(c), true
}

// Get returns a copy of one connection.
func (r *Registry) Get(id ConnectionID) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return copyConnection(c), true
}

// Snapshot returns copies of all connections. Mutating the result does not
// affect the registry.
func (r *Registry) Snapshot() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, copyConnection(c))
	}
	return out
}

// Len returns the number of admitted connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IPCount returns the number of open connections from remoteAddress.
func (r *Registry) IPCount(remoteAddress string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byIP[remoteAddress]
}

func (r *Registry) ipTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.byIP {
		total += n
	}
	return total
}

func (r *Registry) trackedAddresses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

func copyConnection(c *Connection) Connection {
	out := *c
	if c.Identity != nil {
		id := *c.Identity
		out.Identity = &id
	}
	return out
}
