// internal/hub/router.go
// Validates inbound envelopes and decides what goes out in response.
package hub

import (
	"fmt"

	"github.com/erilali/wshub/internal/message"
)

// Outbound is one envelope and the connections it goes to.
type Outbound struct {
	To       []ConnectionID
	Envelope message.Envelope
}

// Decision is the router's verdict on one inbound envelope. The hub sends Out
// in order and then, if Leave is set, removes the sender.
type Decision struct {
	Out   []Outbound
	Leave bool
	// Protocol is set when the sender was answered with an error envelope.
	Protocol message.ErrorCode
}

// Router dispatches envelopes from one connection according to its join state:
// anonymous connections may only join; identified ones may send message, sync,
// heartbeat, leave, and join again.
type Router struct {
	registry *Registry
}

func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Route handles env from the connection id. Envelopes from connections that
// are no longer registered are dropped.
func (r *Router) Route(id ConnectionID, env message.Envelope) Decision {
	sender, ok := r.registry.Get(id)
	if !ok {
		return Decision{}
	}

	if sender.Anonymous() && env.Kind != message.KindJoin {
		return reject(sender, message.CodeNotJoined, fmt.Sprintf("%s requires a join first", env.Kind))
	}

	switch env.Kind {
	case message.KindJoin:
		return r.join(sender, env)
	case message.KindMessage:
		return r.message(sender, env)
	case message.KindSync:
		return r.sync(sender, env)
	case message.KindLeave:
		return r.leave(sender)
	case message.KindHeartbeat:
		return Decision{}
	default:
		return reject(sender, message.CodeUnknownKind, fmt.Sprintf("kind %q is not accepted from clients", env.Kind))
	}
}

func (r *Router) join(sender Connection, env message.Envelope) Decision {
	identity, err := env.JoinIdentity()
	if err != nil {
		return reject(sender, message.CodeInvalidJoin, err.Error())
	}
	if sender.Identity != nil && *sender.Identity == identity {
		return Decision{}
	}
	if err := r.registry.SetIdentity(sender.ID, identity); err != nil {
		return Decision{}
	}
	return Decision{Out: []Outbound{{
		To:       r.others(sender.ID),
		Envelope: message.Must(message.KindJoin, identity.Name, message.All, identity),
	}}}
}

func (r *Router) message(sender Connection, env message.Envelope) Decision {
	out := message.Envelope{
		Kind:    message.KindMessage,
		From:    sender.Name(),
		To:      env.Recipient(),
		Payload: env.Payload,
	}
	if out.To == message.All {
		return Decision{Out: []Outbound{{To: r.everyone(), Envelope: out}}}
	}

	targets := r.named(out.To)
	if len(targets) == 0 {
		return reject(sender, message.CodeRecipientNotFound, fmt.Sprintf("no connection named %q", out.To))
	}
	return Decision{Out: []Outbound{{To: targets, Envelope: out}}}
}

func (r *Router) sync(sender Connection, env message.Envelope) Decision {
	out := message.Envelope{
		Kind:    message.KindSync,
		From:    sender.Name(),
		To:      env.Recipient(),
		Payload: env.Payload,
	}
	if out.To == message.All {
		return Decision{Out: []Outbound{{To: r.others(sender.ID), Envelope: out}}}
	}

	targets := r.named(out.To)
	if len(targets) == 0 {
		return reject(sender, message.CodeRecipientNotFound, fmt.Sprintf("no connection named %q", out.To))
	}
	return Decision{Out: []Outbound{{To: targets, Envelope: out}}}
}

func (r *Router) leave(sender Connection) Decision {
	return Decision{
		Out:   []Outbound{leaveNotice(sender, r.others(sender.ID))},
		Leave: true,
	}
}

// leaveNotice announces that sender is gone to the given connections.
func leaveNotice(sender Connection, to []ConnectionID) Outbound {
	return Outbound{
		To:       to,
		Envelope: message.Must(message.KindLeave, sender.Name(), message.All, sender.Identity),
	}
}

func reject(sender Connection, code message.ErrorCode, detail string) Decision {
	return Decision{
		Out:      []Outbound{{To: []ConnectionID{sender.ID}, Envelope: message.NewError(sender.Name(), code, detail)}},
		Protocol: code,
	}
}

func (r *Router) everyone() []ConnectionID {
	conns := r.registry.Snapshot()
	ids := make([]ConnectionID, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	return ids
}

func (r *Router) others(self ConnectionID) []ConnectionID {
	conns := r.registry.Snapshot()
	ids := make([]ConnectionID, 0, len(conns))
	for _, c := range conns {
		if c.ID != self {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func (r *Router) named(name string) []ConnectionID {
	var ids []ConnectionID
	for _, c := range r.registry.Snapshot() {
		if c.Identity != nil && c.Identity.Name == name {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
