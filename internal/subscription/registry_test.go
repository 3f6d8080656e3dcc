package subscription

import (
	"errors"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"relaypool/internal/filter"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHandler) OnEvent(relay string, ev *nostr.Event) {
	h.mu.Lock()
	h.events = append(h.events, relay+"/"+ev.ID)
	h.mu.Unlock()
}
func (h *recordingHandler) OnEOSE(string)           {}
func (h *recordingHandler) OnClosed(string, string) {}

// claim claims id for relay under its current generation
func claim(r *Registry, id, relay string) bool {
	snap, ok := r.Lookup(id)
	if !ok {
		return r.Claim(id, 0, relay)
	}
	return r.Claim(id, snap.Generation, relay)
}

func kind1() filter.Filters {
	return filter.Filters{filter.MustNew(filter.Kinds(1))}
}

func TestRegistry_RegisterDeregister(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	tok, created, err := r.Register("sub1", kind1(), nil, &recordingHandler{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !created {
		t.Fatal("first registration should create the subscription")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	id, last, _ := r.Deregister(tok)
	if id != "sub1" || !last {
		t.Fatalf("Deregister = (%q, %v), want (sub1, true)", id, last)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d after last handler removed, want 0", r.Len())
	}
	if _, ok := r.Lookup("sub1"); ok {
		t.Fatal("released id should be absent")
	}
}

func TestRegistry_SharedIDRefCount(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	h1, h2 := &recordingHandler{}, &recordingHandler{}

	tok1, _, err := r.Register("sub1", kind1(), nil, h1)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, created, err := r.Register("sub1", kind1(), nil, h2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if created {
		t.Fatal("second registration should join the existing subscription")
	}
	claim(r, "sub1", "wss://a")

	_, last, sentTo := r.Deregister(tok1)
	if last || sentTo != nil {
		t.Fatalf("Deregister first = (last %v, sentTo %v), want no close", last, sentTo)
	}

	handlers := r.Handlers("sub1")
	if len(handlers) != 1 || handlers[0] != Handler(h2) {
		t.Fatalf("Handlers = %v, want only the second handler", handlers)
	}
}

func TestRegistry_DuplicateIDDifferentFilters(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	if _, _, err := r.Register("sub1", kind1(), nil, &recordingHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	other := filter.Filters{filter.MustNew(filter.Kinds(7))}
	_, _, err := r.Register("sub1", other, nil, &recordingHandler{})
	if !errors.Is(err, ErrDuplicateSubscriptionID) {
		t.Fatalf("err = %v, want ErrDuplicateSubscriptionID", err)
	}
	if n := len(r.Handlers("sub1")); n != 1 {
		t.Fatalf("rejected registration must not add a handler, got %d", n)
	}
}

func TestRegistry_DeregisterIdempotent(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	tok, _, _ := r.Register("sub1", kind1(), nil, &recordingHandler{})
	claim(r, "sub1", "wss://a")

	_, last, sentTo := r.Deregister(tok)
	if !last || len(sentTo) != 1 {
		t.Fatalf("first Deregister = (last %v, sentTo %v)", last, sentTo)
	}

	id, last, sentTo := r.Deregister(tok)
	if id != "" || last || sentTo != nil {
		t.Fatalf("second Deregister = (%q, %v, %v), want no-op", id, last, sentTo)
	}
}

func TestRegistry_IDReuseAfterRelease(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	tok, _, _ := r.Register("sub1", kind1(), nil, &recordingHandler{})
	r.Deregister(tok)

	other := filter.Filters{filter.MustNew(filter.Kinds(7))}
	_, created, err := r.Register("sub1", other, nil, &recordingHandler{})
	if err != nil || !created {
		t.Fatalf("released id should be reusable with new filters: created %v, err %v", created, err)
	}
}

func TestRegistry_SentToBookkeeping(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	tok, _, _ := r.Register("sub1", kind1(), nil, &recordingHandler{})
	r.Register("sub2", kind1(), []string{"wss://b"}, &recordingHandler{})

	claim(r, "sub1", "wss://a")
	claim(r, "sub1", "wss://b")
	claim(r, "sub2", "wss://b")

	r.ClearRelay("wss://b")
	snap, _ := r.Lookup("sub1")
	if len(snap.SentTo) != 1 || snap.SentTo[0] != "wss://a" {
		t.Fatalf("SentTo = %v, want [wss://a]", snap.SentTo)
	}
	snap, _ = r.Lookup("sub2")
	if len(snap.SentTo) != 0 {
		t.Fatalf("SentTo = %v, want empty", snap.SentTo)
	}
	if !snap.Targeted() || snap.Wants("wss://a") || !snap.Wants("wss://b") {
		t.Fatalf("targets = %v, want [wss://b]", snap.Targets)
	}

	r.ForgetSent("sub1", "wss://a")
	r.Deregister(tok)
	if claim(r, "sub1", "wss://a") {
		t.Fatal("Claim on a released id should report false")
	}
}

func TestRegistry_ActiveOrdered(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register("b", kind1(), nil, &recordingHandler{})
	r.Register("a", kind1(), nil, &recordingHandler{})

	active := r.Active()
	if len(active) != 2 || active[0].ID != "a" || active[1].ID != "b" {
		t.Fatalf("Active = %+v", active)
	}
	if active[0].Handlers != 1 {
		t.Fatalf("Handlers = %d, want 1", active[0].Handlers)
	}
}

func TestRegistry_ConcurrentRegisterDeregister(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, _, err := r.Register("shared", kind1(), nil, &recordingHandler{})
			if err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			r.Handlers("shared")
			r.Deregister(tok)
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0 once every handler is gone", r.Len())
	}
}

func TestFuncs_NilFieldsIgnored(t *testing.T) {
	var got string
	h := Funcs{Event: func(relay string, ev *nostr.Event) { got = relay + "/" + ev.ID }}
	h.OnEvent("wss://a", &nostr.Event{ID: "e1"})
	h.OnEOSE("wss://a")
	h.OnClosed("wss://a", "bye")
	if got != "wss://a/e1" {
		t.Fatalf("got %q", got)
	}
}

func TestRegistry_ClaimOnce(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register("sub1", kind1(), nil, &recordingHandler{})

	if !claim(r, "sub1", "wss://a") {
		t.Fatal("first Claim should succeed")
	}
	if claim(r, "sub1", "wss://a") {
		t.Fatal("second Claim for the same relay should be refused")
	}
	r.ForgetSent("sub1", "wss://a")
	if !claim(r, "sub1", "wss://a") {
		t.Fatal("Claim after ForgetSent should succeed")
	}
}

func TestRegistry_RouteGeneration(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	tok, _, _ := r.Register("sub1", kind1(), nil, &recordingHandler{})
	first, ok := r.Route("sub1")
	if !ok || len(first.Filters) != 1 {
		t.Fatalf("Route = %+v, %v", first, ok)
	}
	r.Deregister(tok)
	if _, ok := r.Route("sub1"); ok {
		t.Fatal("Route on a released id should fail")
	}

	r.Register("sub1", kind1(), nil, &recordingHandler{})
	second, _ := r.Route("sub1")
	if first.Scope() == second.Scope() {
		t.Fatalf("re-registered id must get a new scope, both %q", first.Scope())
	}
}

func TestRegistry_ClaimStaleGeneration(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	tok, _, _ := r.Register("sub1", kind1(), nil, &recordingHandler{})
	stale, _ := r.Lookup("sub1")

	r.Deregister(tok)
	kind7 := filter.Filters{filter.MustNew(filter.Kinds(7))}
	if _, created, err := r.Register("sub1", kind7, nil, &recordingHandler{}); err != nil || !created {
		t.Fatalf("re-register: created %v, err %v", created, err)
	}

	if r.Claim("sub1", stale.Generation, "wss://a") {
		t.Fatal("Claim with the released generation should be refused")
	}
	fresh, _ := r.Lookup("sub1")
	if len(fresh.SentTo) != 0 {
		t.Fatalf("SentTo = %v, want empty", fresh.SentTo)
	}
	if !r.Claim("sub1", fresh.Generation, "wss://a") {
		t.Fatal("Claim with the current generation should succeed")
	}
}
