package wire

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrMalformedMessage is returned when an inbound frame cannot be decoded
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnsupportedMessage is returned for well-formed frames a client does not consume
	ErrUnsupportedMessage = errors.New("unsupported message")
)

// Payload is one decoded inbound relay message. The set of implementations is
// closed: EventPayload, EOSEPayload, NoticePayload, OKPayload, ClosedPayload
// and AuthPayload.
type Payload interface {
	// Label returns the NIP-01 message label
	Label() string
	payload()
}

// EventPayload is ["EVENT", sub_id, event]
type EventPayload struct {
	SubscriptionID string
	Event          *nostr.Event
}

// EOSEPayload is ["EOSE", sub_id]
type EOSEPayload struct {
	SubscriptionID string
}

// NoticePayload is ["NOTICE", message]
type NoticePayload struct {
	Message string
}

// OKPayload is ["OK", event_id, accepted, message]
type OKPayload struct {
	EventID  string
	Accepted bool
	Message  string
}

// ClosedPayload is ["CLOSED", sub_id, reason]
type ClosedPayload struct {
	SubscriptionID string
	Reason         string
}

// AuthPayload is ["AUTH", challenge]
type AuthPayload struct {
	Challenge string
}

func (EventPayload) Label() string  { return "EVENT" }
func (EOSEPayload) Label() string   { return "EOSE" }
func (NoticePayload) Label() string { return "NOTICE" }
func (OKPayload) Label() string     { return "OK" }
func (ClosedPayload) Label() string { return "CLOSED" }
func (AuthPayload) Label() string   { return "AUTH" }

func (EventPayload) payload()  {}
func (EOSEPayload) payload()   {}
func (NoticePayload) payload() {}
func (OKPayload) payload()     {}
func (ClosedPayload) payload() {}
func (AuthPayload) payload()   {}
