package pool

import (
	"errors"

	"github.com/google/uuid"

	"relaypool/internal/filter"
	"relaypool/internal/metrics"
	"relaypool/internal/relay"
	"relaypool/internal/subscription"
	"relaypool/internal/wire"
)

// Subscription is one handler registration returned by Subscribe
type Subscription struct {
	ID    string
	pool  *Pool
	token subscription.Token
}

// Unsubscribe removes this registration. The relays get a CLOSE only when
// it was the last handler for the id. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	s.pool.Unsubscribe(s)
}

// Subscribe registers h for events matching any of filters and sends the REQ
// to every connected relay it targets. Relays that are down receive it when
// they connect. It does not wait for any relay.
func (p *Pool) Subscribe(filters filter.Filters, h subscription.Handler, opts ...SubscribeOption) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, ErrNoFilters
	}
	if h == nil {
		return nil, ErrNilHandler
	}

	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	p.mu.RLock()
	closed, n := p.closed, len(p.relays)
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if n == 0 {
		return nil, ErrNoRelays
	}

	var targets []string
	if o.relays != nil {
		targets = make([]string, 0, len(o.relays))
		for _, raw := range o.relays {
			u, err := NormalizeURL(raw)
			if err != nil {
				return nil, err
			}
			targets = append(targets, u)
		}
	}

	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	tok, created, err := p.registry.Register(id, filters, targets, h)
	if err != nil {
		return nil, err
	}
	metrics.ActiveSubscriptions.Set(float64(p.registry.Len()))

	if created {
		if snap, ok := p.registry.Lookup(id); ok {
			for _, u := range p.readTargets(snap) {
				p.sendReq(u, snap)
			}
		}
	}
	return &Subscription{ID: id, pool: p, token: tok}, nil
}

// Unsubscribe removes the registration behind sub
func (p *Pool) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	id, last, sentTo := p.registry.Deregister(sub.token)
	if !last {
		return
	}
	metrics.ActiveSubscriptions.Set(float64(p.registry.Len()))

	data, err := wire.EncodeClose(id)
	if err != nil {
		p.logger.Error().Err(err).Str("subID", id).Msg("failed to encode CLOSE")
		return
	}
	for _, u := range sentTo {
		m, ok := p.member(u)
		if !ok {
			continue
		}
		p.send(u, m.conn, "CLOSE", data)
	}
}

// readTargets lists the pool relays snap should be sent to
func (p *Pool) readTargets(snap subscription.Snapshot) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []string
	for u, m := range p.relays {
		if wantsSub(snap, u, m.policy) {
			out = append(out, u)
		}
	}
	return out
}

func wantsSub(snap subscription.Snapshot, u string, policy Policy) bool {
	if snap.Targeted() {
		return snap.Wants(u)
	}
	return policy.Read
}

// sendReq sends the REQ for snap to relay u unless it already holds it
func (p *Pool) sendReq(u string, snap subscription.Snapshot) bool {
	m, ok := p.member(u)
	if !ok || m.conn.State() != relay.StateConnected {
		return false
	}
	if !p.registry.Claim(snap.ID, snap.Generation, u) {
		return false
	}

	data, err := wire.EncodeReq(snap.ID, snap.Filters)
	if err != nil {
		p.registry.ForgetSent(snap.ID, u)
		p.logger.Error().Err(err).Str("subID", snap.ID).Msg("failed to encode REQ")
		return false
	}
	if err := p.send(u, m.conn, "REQ", data); err != nil {
		p.registry.ForgetSent(snap.ID, u)
		return false
	}

	// the last handler may have left while the REQ was in flight
	if _, active := p.registry.Route(snap.ID); !active {
		if closeData, err := wire.EncodeClose(snap.ID); err == nil {
			p.send(u, m.conn, "CLOSE", closeData)
		}
	}
	return true
}

// replay sends every active subscription relay u should serve
func (p *Pool) replay(u string) {
	m, ok := p.member(u)
	if !ok {
		return
	}
	var sent int
	for _, snap := range p.registry.Active() {
		if wantsSub(snap, u, m.policy) && p.sendReq(u, snap) {
			sent++
		}
	}
	if sent > 0 {
		p.logger.Info().Str("relay", u).Int("subscriptions", sent).Msg("replayed subscriptions")
	}
}

// send enqueues data on one relay. Failures are per relay: they are counted
// and logged, never escalated.
func (p *Pool) send(u string, conn *relay.Conn, label string, data []byte) error {
	err := conn.Send(data)
	if err != nil {
		reason := "error"
		switch {
		case errors.Is(err, relay.ErrNotConnected):
			reason = "not_connected"
		case errors.Is(err, relay.ErrQueueFull):
			reason = "queue_full"
		}
		metrics.SendFailures.WithLabelValues(u, reason).Inc()
		p.logger.Warn().Err(err).Str("relay", u).Str("type", label).Msg("send failed")
		return err
	}
	metrics.MessagesSent.WithLabelValues(u, label).Inc()
	return nil
}
