package subscription

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"relaypool/internal/filter"
)

// subEntry holds the handlers and relay bookkeeping for one subscription id
type subEntry struct {
	id       string
	filters  filter.Filters
	targets  []string // nil means every readable relay
	handlers map[Token]Handler
	sentTo   map[string]struct{}
	gen      uint64
}

// Registry maps subscription ids to their filters, handlers and the relays the
// REQ was sent to. An id with no handlers is removed immediately.
type Registry struct {
	mu sync.RWMutex

	entries map[string]*subEntry
	owners  map[Token]string
	next    Token
	gens    uint64

	logger zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*subEntry),
		owners:  make(map[Token]string),
		logger:  logger.With().Str("component", "subscription-registry").Logger(),
	}
}

// Register adds a handler under id. created is true when id was not active
// before, in which case the caller is responsible for sending the REQ.
// Joining an existing id requires equal filters; the first registration's
// targets stay in effect.
func (r *Registry) Register(id string, filters filter.Filters, targets []string, h Handler) (tok Token, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if exists {
		if !entry.filters.Equal(filters) {
			return 0, false, ErrDuplicateSubscriptionID
		}
	} else {
		r.gens++
		entry = &subEntry{
			gen:      r.gens,
			id:       id,
			filters:  filters.Clone(),
			handlers: make(map[Token]Handler),
			sentTo:   make(map[string]struct{}),
		}
		if targets != nil {
			entry.targets = append([]string{}, targets...)
		}
		r.entries[id] = entry
	}

	r.next++
	tok = r.next
	entry.handlers[tok] = h
	r.owners[tok] = id

	if exists {
		r.logger.Debug().Str("subID", id).Int("handlers", len(entry.handlers)).Msg("handler added to existing subscription")
	} else {
		r.logger.Info().Str("subID", id).Int("filters", len(filters)).Msg("created new subscription")
	}
	return tok, !exists, nil
}

// Deregister removes the registration behind tok. When it was the last
// handler, the id is released and last is true; sentTo then lists the relays
// that need a CLOSE. Unknown or already removed tokens are a no-op.
func (r *Registry) Deregister(tok Token) (id string, last bool, sentTo []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.owners[tok]
	if !ok {
		return "", false, nil
	}
	delete(r.owners, tok)

	entry := r.entries[id]
	delete(entry.handlers, tok)
	if len(entry.handlers) > 0 {
		r.logger.Debug().Str("subID", id).Int("remaining", len(entry.handlers)).Msg("handler removed")
		return id, false, nil
	}

	delete(r.entries, id)
	sentTo = sortedKeys(entry.sentTo)
	r.logger.Info().Str("subID", id).Int("relays", len(sentTo)).Msg("closed subscription (no more handlers)")
	return id, true, sentTo
}

// Handlers returns the handlers registered under id in registration order
func (r *Registry) Handlers(id string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil
	}
	toks := make([]Token, 0, len(entry.handlers))
	for tok := range entry.handlers {
		toks = append(toks, tok)
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i] < toks[j] })

	handlers := make([]Handler, len(toks))
	for i, tok := range toks {
		handlers[i] = entry.handlers[tok]
	}
	return handlers
}

// Route returns what the inbound path needs to accept an event for id
func (r *Registry) Route(id string) (RouteInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return RouteInfo{}, false
	}
	return RouteInfo{ID: id, Filters: entry.filters, Generation: entry.gen}, true
}

// Lookup returns a snapshot of one active subscription
func (r *Registry) Lookup(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return entry.snapshot(), true
}

// Active returns snapshots of every active subscription ordered by id
func (r *Registry) Active() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Claim records relay in the sent-to set of id and reports whether the
// caller should send the REQ. It returns false when id is not active under
// generation gen or the relay already holds it. Undo with ForgetSent if the
// send fails.
func (r *Registry) Claim(id string, gen uint64, relay string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok || entry.gen != gen {
		return false
	}
	if _, sent := entry.sentTo[relay]; sent {
		return false
	}
	entry.sentTo[relay] = struct{}{}
	return true
}

// ForgetSent removes relay from the sent-to set of id
func (r *Registry) ForgetSent(id, relay string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[id]; ok {
		delete(entry.sentTo, relay)
	}
}

// ClearRelay removes relay from every sent-to set. Call when the relay's
// session ends, since the relay forgets its subscriptions with it.
func (r *Registry) ClearRelay(relay string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.entries {
		delete(entry.sentTo, relay)
	}
}

// Len returns the number of active subscription ids
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (e *subEntry) snapshot() Snapshot {
	s := Snapshot{
		ID:         e.id,
		Filters:    e.filters,
		Generation: e.gen,
		SentTo:     sortedKeys(e.sentTo),
		Handlers:   len(e.handlers),
	}
	if e.targets != nil {
		s.Targets = append([]string{}, e.targets...)
	}
	return s
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
