package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by Send when the relay has no live session
	ErrNotConnected = errors.New("relay not connected")
	// ErrQueueFull is returned by Send when the outbound queue is saturated
	ErrQueueFull = errors.New("relay send queue full")
	// ErrClosed is returned when a dial completes after Disconnect
	ErrClosed = errors.New("relay connection closed")
)

// TransportError wraps a low-level I/O failure for one relay
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// State is a relay connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

// States lists every state, in declaration order
var States = []State{StateDisconnected, StateConnecting, StateConnected, StateBackoff}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "error-backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is one open duplex message channel to a relay
type Transport interface {
	// ReadMessage blocks until the next text frame arrives or the channel fails
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close must be safe to call more than once and must unblock ReadMessage
	Close() error
}

// Dialer opens transports
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// Sink receives everything a Conn reports upward. Calls for one Conn never
// overlap, though they may come from different goroutines.
type Sink interface {
	HandleMessage(relay string, data []byte)
	HandleStateChange(relay string, from, to State)
}

// Options holds per-connection tuning
type Options struct {
	DialTimeout              time.Duration
	SendQueueSize            int
	InboundQueueSize         int
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	// SendRateLimit is outbound messages per second; 0 disables pacing
	SendRateLimit float64
	SendBurst     int
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		DialTimeout:              10 * time.Second,
		SendQueueSize:            256,
		InboundQueueSize:         1024,
		ReconnectInitialInterval: time.Second,
		ReconnectMaxInterval:     time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = d.SendQueueSize
	}
	if o.InboundQueueSize <= 0 {
		o.InboundQueueSize = d.InboundQueueSize
	}
	if o.ReconnectInitialInterval <= 0 {
		o.ReconnectInitialInterval = d.ReconnectInitialInterval
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = d.ReconnectMaxInterval
	}
	if o.ReconnectMaxInterval < o.ReconnectInitialInterval {
		o.ReconnectMaxInterval = o.ReconnectInitialInterval
	}
	if o.SendRateLimit > 0 && o.SendBurst <= 0 {
		o.SendBurst = 1
	}
	return o
}
