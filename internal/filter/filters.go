package filter

import "github.com/nbd-wtf/go-nostr"

// Filters is an ordered sequence of filters joined by logical OR
type Filters []Filter

// Matches reports whether ev matches at least one filter
func (fs Filters) Matches(ev *nostr.Event) bool {
	for _, f := range fs {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// Equal reports whether both sequences hold equal filters in the same order
func (fs Filters) Equal(o Filters) bool {
	if len(fs) != len(o) {
		return false
	}
	for i := range fs {
		if !fs[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// ToNostr converts every filter into its wire representation
func (fs Filters) ToNostr() nostr.Filters {
	out := make(nostr.Filters, len(fs))
	for i, f := range fs {
		out[i] = f.ToNostr()
	}
	return out
}

// Clone returns a copy of the sequence; the filters themselves are immutable
func (fs Filters) Clone() Filters {
	if fs == nil {
		return nil
	}
	out := make(Filters, len(fs))
	copy(out, fs)
	return out
}
