package subscription

import (
	"errors"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"relaypool/internal/filter"
)

// ErrDuplicateSubscriptionID is returned when an id already active with one
// filter set is registered again with a different one
var ErrDuplicateSubscriptionID = errors.New("subscription id already bound to different filters")

// Token identifies a single handler registration
type Token uint64

// Handler is the interface for subscription result consumers
type Handler interface {
	// OnEvent is called once per first-seen event, tagged with the relay that delivered it
	OnEvent(relay string, ev *nostr.Event)
	// OnEOSE is called when a relay has finished sending stored events
	OnEOSE(relay string)
	// OnClosed is called when a relay ends the subscription on its side
	OnClosed(relay, reason string)
}

// Funcs adapts plain functions to Handler. Nil fields are ignored.
type Funcs struct {
	Event  func(relay string, ev *nostr.Event)
	EOSE   func(relay string)
	Closed func(relay, reason string)
}

func (f Funcs) OnEvent(relay string, ev *nostr.Event) {
	if f.Event != nil {
		f.Event(relay, ev)
	}
}

func (f Funcs) OnEOSE(relay string) {
	if f.EOSE != nil {
		f.EOSE(relay)
	}
}

func (f Funcs) OnClosed(relay, reason string) {
	if f.Closed != nil {
		f.Closed(relay, reason)
	}
}

// Snapshot is a read-only copy of one active subscription
type Snapshot struct {
	ID         string
	Filters    filter.Filters
	Generation uint64
	Targets    []string
	SentTo     []string
	Handlers   int
}

// RouteInfo identifies one incarnation of a subscription id. Generation
// changes every time a released id is registered again.
type RouteInfo struct {
	ID         string
	Filters    filter.Filters
	Generation uint64
}

// Scope returns a key unique to this incarnation of the subscription
func (ri RouteInfo) Scope() string {
	return ri.ID + "#" + strconv.FormatUint(ri.Generation, 10)
}

// Targeted reports whether the subscription is restricted to specific relays
func (s Snapshot) Targeted() bool {
	return s.Targets != nil
}

// Wants reports whether the subscription should be sent to relay
func (s Snapshot) Wants(relay string) bool {
	if s.Targets == nil {
		return true
	}
	for _, t := range s.Targets {
		if t == relay {
			return true
		}
	}
	return false
}
