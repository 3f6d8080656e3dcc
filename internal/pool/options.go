package pool

import (
	"relaypool/internal/relay"
)

// Option configures a Pool
type Option func(*Pool)

// WithDialer replaces the websocket dialer
func WithDialer(d relay.Dialer) Option {
	return func(p *Pool) { p.dialer = d }
}

// WithNoticeHandler observes NOTICE messages from every relay
func WithNoticeHandler(fn func(relay, message string)) Option {
	return func(p *Pool) { p.onNotice = fn }
}

// WithOKHandler observes every OK message, whether or not a publish asked for acks
func WithOKHandler(fn AckHandler) Option {
	return func(p *Pool) { p.onOK = fn }
}

type subscribeOptions struct {
	id     string
	relays []string
}

// SubscribeOption configures one Subscribe call
type SubscribeOption func(*subscribeOptions)

// WithID subscribes under a caller-chosen id instead of a generated one.
// Subscribing again under an active id with equal filters adds a handler.
func WithID(id string) SubscribeOption {
	return func(o *subscribeOptions) { o.id = id }
}

// FromRelays restricts the subscription to the given relays, ignoring their read policy
func FromRelays(urls ...string) SubscribeOption {
	return func(o *subscribeOptions) { o.relays = append(o.relays, urls...) }
}

type publishOptions struct {
	relays []string
	ack    AckHandler
}

// PublishOption configures one Publish call
type PublishOption func(*publishOptions)

// ToRelays restricts the publish to the given relays, ignoring their write policy
func ToRelays(urls ...string) PublishOption {
	return func(o *publishOptions) { o.relays = append(o.relays, urls...) }
}

// WithAckHandler receives the OK of every relay that answers within the ack
// timeout. A later publish of the same event id with a handler replaces it.
func WithAckHandler(fn AckHandler) PublishOption {
	return func(o *publishOptions) { o.ack = fn }
}
