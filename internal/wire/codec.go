package wire

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"relaypool/internal/filter"
)

// EncodeReq encodes ["REQ", sub_id, filter...]
func EncodeReq(subID string, filters filter.Filters) ([]byte, error) {
	env := nostr.ReqEnvelope{
		SubscriptionID: subID,
		Filters:        filters.ToNostr(),
	}
	b, err := env.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode REQ: %w", err)
	}
	return b, nil
}

// EncodeClose encodes ["CLOSE", sub_id]
func EncodeClose(subID string) ([]byte, error) {
	env := nostr.CloseEnvelope(subID)
	b, err := env.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode CLOSE: %w", err)
	}
	return b, nil
}

// EncodeEvent encodes ["EVENT", event]
func EncodeEvent(ev *nostr.Event) ([]byte, error) {
	env := nostr.EventEnvelope{Event: *ev}
	b, err := env.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode EVENT: %w", err)
	}
	return b, nil
}

// Parse decodes one inbound relay frame
func Parse(data []byte) (Payload, error) {
	env := nostr.ParseMessage(string(data))
	if env == nil {
		return nil, fmt.Errorf("%w: %.64q", ErrMalformedMessage, data)
	}

	switch v := env.(type) {
	case *nostr.EventEnvelope:
		if v.SubscriptionID == nil || *v.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: EVENT without subscription id", ErrMalformedMessage)
		}
		if v.Event.ID == "" {
			return nil, fmt.Errorf("%w: EVENT without id", ErrMalformedMessage)
		}
		ev := v.Event
		return EventPayload{SubscriptionID: *v.SubscriptionID, Event: &ev}, nil
	case *nostr.EOSEEnvelope:
		return EOSEPayload{SubscriptionID: string(*v)}, nil
	case *nostr.NoticeEnvelope:
		return NoticePayload{Message: string(*v)}, nil
	case *nostr.OKEnvelope:
		return OKPayload{EventID: v.EventID, Accepted: v.OK, Message: v.Reason}, nil
	case *nostr.ClosedEnvelope:
		return ClosedPayload{SubscriptionID: v.SubscriptionID, Reason: v.Reason}, nil
	case *nostr.AuthEnvelope:
		if v.Challenge == nil {
			return nil, fmt.Errorf("%w: AUTH without challenge", ErrMalformedMessage)
		}
		return AuthPayload{Challenge: *v.Challenge}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessage, env.Label())
	}
}
