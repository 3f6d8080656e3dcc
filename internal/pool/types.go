package pool

import (
	"errors"
	"time"

	"relaypool/internal/relay"
)

var (
	ErrNoRelays          = errors.New("pool has no relays")
	ErrNoFilters         = errors.New("subscription needs at least one filter")
	ErrNilHandler        = errors.New("subscription handler is nil")
	ErrRelayExists       = errors.New("relay already in pool")
	ErrUnknownRelay      = errors.New("relay not in pool")
	ErrInvalidRelayURL   = errors.New("invalid relay url")
	ErrInvalidEvent      = errors.New("event is nil or has no id")
	ErrNoConnectedRelays = errors.New("no target relay accepted the message")
	ErrPoolClosed        = errors.New("pool closed")
)

// Policy says whether default subscriptions and publishes use a relay
type Policy struct {
	Read  bool
	Write bool
}

// ReadWrite is the default relay policy
var ReadWrite = Policy{Read: true, Write: true}

// RelayInfo describes one pool member
type RelayInfo struct {
	URL    string      `json:"url"`
	Policy Policy      `json:"policy"`
	State  relay.State `json:"-"`
	Status string      `json:"state"`
}

// Health is the aggregate connection count
type Health struct {
	Connected int `json:"connected"`
	Total     int `json:"total"`
}

// Down reports whether relays are configured but none is connected
func (h Health) Down() bool {
	return h.Total > 0 && h.Connected == 0
}

// StateChange is emitted each time any relay changes connection state
type StateChange struct {
	Relay string
	Old   relay.State
	New   relay.State
}

// Ack is one relay's answer to a published event
type Ack struct {
	Relay    string `json:"relay"`
	EventID  string `json:"id"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// AckHandler receives publish acknowledgments
type AckHandler func(Ack)

// PublishResult reports where an event was enqueued. Enqueued does not mean
// the relay stored it; that is only known from an Ack.
type PublishResult struct {
	EventID string
	Sent    []string
	Failed  map[string]error
}

// Config holds pool tuning
type Config struct {
	Relay             relay.Options
	DedupCacheSize    int
	AckTimeout        time.Duration
	StatusLogInterval time.Duration
	VerifySignatures  bool
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Relay:          relay.DefaultOptions(),
		DedupCacheSize: 10000,
		AckTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = d.DedupCacheSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	return c
}
