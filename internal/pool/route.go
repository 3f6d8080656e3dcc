package pool

import (
	"errors"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"relaypool/internal/dedup"
	"relaypool/internal/metrics"
	"relaypool/internal/relay"
	"relaypool/internal/wire"
)

// relaySink feeds relay connections into the pool without exposing the
// callbacks on Pool itself
type relaySink struct {
	p *Pool
}

func (s relaySink) HandleMessage(relayURL string, data []byte) {
	s.p.handleMessage(relayURL, data)
}

func (s relaySink) HandleStateChange(relayURL string, from, to relay.State) {
	s.p.handleStateChange(relayURL, from, to)
}

func (p *Pool) handleMessage(relayURL string, data []byte) {
	payload, err := wire.Parse(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnsupportedMessage) {
			p.logger.Debug().Err(err).Str("relay", relayURL).Msg("ignoring relay message")
			return
		}
		metrics.MalformedMessages.WithLabelValues(relayURL).Inc()
		p.logger.Warn().Err(err).Str("relay", relayURL).Int("len", len(data)).Msg("relay message parse error")
		return
	}
	metrics.MessagesReceived.WithLabelValues(relayURL, payload.Label()).Inc()
	p.route(relayURL, payload)
}

// route dispatches one inbound payload. It is called concurrently from every
// relay's dispatch goroutine.
func (p *Pool) route(relayURL string, payload wire.Payload) {
	switch msg := payload.(type) {
	case wire.EventPayload:
		p.routeEvent(relayURL, msg.SubscriptionID, msg.Event)

	case wire.EOSEPayload:
		for _, h := range p.registry.Handlers(msg.SubscriptionID) {
			p.safeCall("eose handler", relayURL, func() { h.OnEOSE(relayURL) })
		}

	case wire.NoticePayload:
		p.logger.Warn().Str("relay", relayURL).Str("notice", msg.Message).Msg("relay notice")
		if p.onNotice != nil {
			p.safeCall("notice observer", relayURL, func() { p.onNotice(relayURL, msg.Message) })
		}

	case wire.OKPayload:
		metrics.PublishAcks.WithLabelValues(relayURL, strconv.FormatBool(msg.Accepted)).Inc()
		if !msg.Accepted {
			p.logger.Warn().Str("relay", relayURL).Str("eventID", msg.EventID).Str("reason", msg.Message).Msg("event rejected")
		}
		p.deliverAck(Ack{Relay: relayURL, EventID: msg.EventID, Accepted: msg.Accepted, Message: msg.Message})

	case wire.ClosedPayload:
		p.logger.Info().Str("relay", relayURL).Str("subID", msg.SubscriptionID).Str("reason", msg.Reason).Msg("subscription closed by relay")
		p.registry.ForgetSent(msg.SubscriptionID, relayURL)
		for _, h := range p.registry.Handlers(msg.SubscriptionID) {
			p.safeCall("closed handler", relayURL, func() { h.OnClosed(relayURL, msg.Reason) })
		}

	case wire.AuthPayload:
		p.logger.Info().Str("relay", relayURL).Msg("relay requested authentication")
	}
}

func (p *Pool) routeEvent(relayURL, subID string, ev *nostr.Event) {
	info, ok := p.registry.Route(subID)
	if !ok {
		metrics.EventsDropped.WithLabelValues(metrics.DropUnknownSubscription).Inc()
		p.logger.Debug().Str("relay", relayURL).Str("subID", subID).Msg("event for unknown subscription dropped")
		return
	}
	if !info.Filters.Matches(ev) {
		metrics.EventsDropped.WithLabelValues(metrics.DropFilterMismatch).Inc()
		p.logger.Debug().Str("relay", relayURL).Str("subID", subID).Str("eventID", ev.ID).Msg("event outside subscription filters dropped")
		return
	}
	if p.cfg.VerifySignatures && !validEvent(ev) {
		metrics.EventsDropped.WithLabelValues(metrics.DropInvalidSignature).Inc()
		p.logger.Warn().Str("relay", relayURL).Str("eventID", ev.ID).Msg("event with invalid id or signature dropped")
		return
	}
	key := dedup.Key(info.Scope(), ev.ID)
	if p.dedup.Seen(key) {
		metrics.DuplicatesSuppressed.Inc()
		if e := p.logger.Debug(); e.Enabled() {
			if first, ok := p.dedup.FirstSeen(key); ok {
				e = e.Dur("after", time.Since(first))
			}
			e.Str("relay", relayURL).Str("subID", subID).Str("eventID", ev.ID).Msg("duplicate event suppressed")
		}
		return
	}

	metrics.EventsDelivered.Inc()
	for _, h := range p.registry.Handlers(subID) {
		p.safeCall("event handler", relayURL, func() { h.OnEvent(relayURL, ev) })
	}
}

func validEvent(ev *nostr.Event) bool {
	if ev.GetID() != ev.ID {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

func (p *Pool) handleStateChange(relayURL string, from, to relay.State) {
	metrics.RelaysByState.WithLabelValues(from.String()).Dec()
	metrics.RelaysByState.WithLabelValues(to.String()).Inc()
	p.logger.Debug().Str("relay", relayURL).Stringer("from", from).Stringer("to", to).Msg("relay state changed")

	if from == relay.StateConnected {
		p.registry.ClearRelay(relayURL)
	}
	if to == relay.StateConnected {
		p.replay(relayURL)
	}

	p.obsMu.RLock()
	observers := make([]func(StateChange), 0, len(p.observers))
	for _, fn := range p.observers {
		observers = append(observers, fn)
	}
	p.obsMu.RUnlock()

	sc := StateChange{Relay: relayURL, Old: from, New: to}
	for _, fn := range observers {
		p.safeCall("state observer", relayURL, func() { fn(sc) })
	}
}

func (p *Pool) safeCall(what, relayURL string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			p.logger.Error().Interface("panic", r).Str("relay", relayURL).Str("handler", what).Msg("handler panic")
		}
	}()
	fn()
}
