// internal/message/message.go
// Contains the envelope exchanged between the hub and its clients, plus the wire codec.
package message

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Kind tags the semantics of an envelope.
type Kind string

const (
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindMessage   Kind = "message"
	KindSync      Kind = "sync"
	KindHeartbeat Kind = "heartbeat"
	KindShutdown  Kind = "shutdown"
	KindError     Kind = "error"
)

const (
	// System is the sender of hub-originated envelopes.
	System = "system"
	// All addresses every connection.
	All = "all"
)

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	switch k {
	case KindJoin, KindLeave, KindMessage, KindSync, KindHeartbeat, KindShutdown, KindError:
		return true
	}
	return false
}

// Envelope is the unit of exchange on the wire. Timestamp is always set by the
// hub when sending and is ignored on inbound envelopes.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Identity is what a client announces with a join envelope.
type Identity struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

// ErrorCode identifies a protocol error reported to a single sender.
type ErrorCode string

const (
	CodeNotJoined         ErrorCode = "NotJoined"
	CodeInvalidJoin       ErrorCode = "InvalidJoin"
	CodeUnknownKind       ErrorCode = "UnknownKind"
	CodeRecipientNotFound ErrorCode = "RecipientNotFound"
	CodeMalformedEnvelope ErrorCode = "MalformedEnvelope"
)

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrMissingKind = errors.New("envelope kind is required")
	ErrInvalidJoin = errors.New("join payload requires a non-empty name")
)

// New builds an envelope, marshaling payload unless it is already raw JSON.
func New(kind Kind, from, to string, payload interface{}) (Envelope, error) {
	env := Envelope{Kind: kind, From: from, To: to}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		env.Payload = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return Envelope{}, errors.Wrapf(err, "marshal %s payload", kind)
		}
		env.Payload = data
	}
	return env, nil
}

// Must is New for payloads known to marshal.
func Must(kind Kind, from, to string, payload interface{}) Envelope {
	env, err := New(kind, from, to, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// NewError builds an error envelope addressed to a single recipient.
func NewError(to string, code ErrorCode, msg string) Envelope {
	return Must(KindError, System, to, ErrorPayload{Code: code, Message: msg})
}

// Decode parses an inbound envelope. Unknown kinds decode successfully so the
// router can answer them; only structurally broken input is rejected here.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if env.Kind == "" {
		return Envelope{}, ErrMissingKind
	}
	env.Timestamp = ""
	return env, nil
}

// Encode stamps the envelope with now and marshals it.
func Encode(env Envelope, now time.Time) ([]byte, error) {
	env.Timestamp = now.UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", env.Kind)
	}
	return data, nil
}

// JoinIdentity extracts and validates the identity carried by a join envelope.
func (e Envelope) JoinIdentity() (Identity, error) {
	var id Identity
	if len(e.Payload) == 0 {
		return id, ErrInvalidJoin
	}
	if err := json.Unmarshal(e.Payload, &id); err != nil {
		return id, errors.Wrap(ErrInvalidJoin, err.Error())
	}
	id.Name = strings.TrimSpace(id.Name)
	if id.Name == "" {
		return id, ErrInvalidJoin
	}
	return id, nil
}

// ErrorInfo decodes the payload of an error envelope.
func (e Envelope) ErrorInfo() (ErrorPayload, error) {
	var p ErrorPayload
	if e.Kind != KindError {
		return p, errors.Errorf("envelope kind %q is not an error", e.Kind)
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, errors.Wrap(err, "decode error payload")
}

// Recipient returns To, defaulting to All when empty.
func (e Envelope) Recipient() string {
	if e.To == "" {
		return All
	}
	return e.To
}
