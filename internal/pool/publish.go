package pool

import (
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"relaypool/internal/relay"
	"relaypool/internal/wire"
)

type ackWaiter struct {
	handler AckHandler
	timer   *time.Timer
}

// Publish enqueues ev on every writable relay, or on the relays named with
// ToRelays. It does not wait for relays to answer; pass WithAckHandler to
// receive their OK messages. Relays that are down are reported in
// PublishResult.Failed without failing the call, unless no relay took it.
func (p *Pool) Publish(ev *nostr.Event, opts ...PublishOption) (PublishResult, error) {
	if ev == nil || ev.ID == "" {
		return PublishResult{}, ErrInvalidEvent
	}

	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	result := PublishResult{EventID: ev.ID, Failed: make(map[string]error)}
	targets, err := p.writeTargets(o.relays, result.Failed)
	if err != nil {
		return result, err
	}

	data, err := wire.EncodeEvent(ev)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if o.ack != nil {
		p.expectAcks(ev.ID, o.ack)
	}

	for _, t := range targets {
		if err := p.send(t.url, t.conn, "EVENT", data); err != nil {
			result.Failed[t.url] = err
			continue
		}
		result.Sent = append(result.Sent, t.url)
	}

	if len(result.Sent) == 0 {
		if o.ack != nil {
			p.dropAcks(ev.ID)
		}
		p.logger.Warn().Str("eventID", ev.ID).Int("targets", len(targets)).Msg("publish reached no relay")
		return result, ErrNoConnectedRelays
	}
	p.logger.Debug().Str("eventID", ev.ID).Strs("sent", result.Sent).Int("failed", len(result.Failed)).Msg("event published")
	return result, nil
}

type target struct {
	url  string
	conn *relay.Conn
}

// writeTargets resolves the relays a publish goes to. Explicit urls that are
// not in the pool are recorded in failed.
func (p *Pool) writeTargets(explicit []string, failed map[string]error) ([]target, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if len(p.relays) == 0 {
		return nil, ErrNoRelays
	}

	var out []target
	if explicit != nil {
		for _, raw := range explicit {
			u, err := NormalizeURL(raw)
			if err != nil {
				failed[raw] = err
				continue
			}
			m, ok := p.relays[u]
			if !ok {
				failed[u] = ErrUnknownRelay
				continue
			}
			out = append(out, target{url: u, conn: m.conn})
		}
	} else {
		for u, m := range p.relays {
			if m.policy.Write {
				out = append(out, target{url: u, conn: m.conn})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].url < out[j].url })
	return out, nil
}

func (p *Pool) expectAcks(eventID string, h AckHandler) {
	w := &ackWaiter{handler: h}
	w.timer = time.AfterFunc(p.cfg.AckTimeout, func() {
		p.acks.Compute(eventID, func(cur *ackWaiter, loaded bool) (*ackWaiter, bool) {
			// only remove our own waiter, never a replacement
			return cur, !loaded || cur == w
		})
	})
	w.timer.Stop()
	if prev, loaded := p.acks.LoadAndStore(eventID, w); loaded {
		prev.timer.Stop()
	}
	w.timer.Reset(p.cfg.AckTimeout)
}

func (p *Pool) dropAcks(eventID string) {
	if w, ok := p.acks.LoadAndDelete(eventID); ok {
		w.timer.Stop()
	}
}

func (p *Pool) deliverAck(ack Ack) {
	if w, ok := p.acks.Load(ack.EventID); ok {
		p.safeCall("ack handler", ack.Relay, func() { w.handler(ack) })
	}
	if p.onOK != nil {
		p.safeCall("ok observer", ack.Relay, func() { p.onOK(ack) })
	}
}
