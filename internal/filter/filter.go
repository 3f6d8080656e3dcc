package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// ErrInvalidLimit is returned when a limit is set to a non-positive value
var ErrInvalidLimit = errors.New("limit must be a positive integer")

// ErrInvalidTimeRange is returned when since is after until
var ErrInvalidTimeRange = errors.New("since must not be after until")

// Filter is an immutable query descriptor. A nil set means the field is
// absent and imposes no constraint; a present but empty set matches nothing.
type Filter struct {
	ids     stringSet
	authors stringSet
	kinds   intSet
	tags    map[string]stringSet
	since   *nostr.Timestamp
	until   *nostr.Timestamp
	limit   int

	limitSet bool
}

// Option configures a Filter under construction
type Option func(*Filter)

// IDs restricts the filter to the given event ids
func IDs(ids ...string) Option {
	return func(f *Filter) { f.ids = f.ids.with(ids) }
}

// Authors restricts the filter to events signed by the given pubkeys
func Authors(pubkeys ...string) Option {
	return func(f *Filter) { f.authors = f.authors.with(pubkeys) }
}

// Kinds restricts the filter to the given event kinds
func Kinds(kinds ...int) Option {
	return func(f *Filter) { f.kinds = f.kinds.with(kinds) }
}

// Tag restricts the filter to events carrying at least one tag named name
// whose value is one of values. A leading '#' on name is ignored.
func Tag(name string, values ...string) Option {
	return func(f *Filter) {
		name = strings.TrimPrefix(name, "#")
		if f.tags == nil {
			f.tags = make(map[string]stringSet)
		}
		f.tags[name] = f.tags[name].with(values)
	}
}

// Since sets the inclusive lower time bound
func Since(ts nostr.Timestamp) Option {
	return func(f *Filter) { f.since = &ts }
}

// Until sets the inclusive upper time bound
func Until(ts nostr.Timestamp) Option {
	return func(f *Filter) { f.until = &ts }
}

// Limit bounds how many stored events a relay should return for the initial query
func Limit(n int) Option {
	return func(f *Filter) { f.limit, f.limitSet = n, true }
}

// New builds a Filter from options
func New(opts ...Option) (Filter, error) {
	var f Filter
	for _, opt := range opts {
		opt(&f)
	}
	if f.limitSet && f.limit <= 0 {
		return Filter{}, ErrInvalidLimit
	}
	if f.since != nil && f.until != nil && *f.since > *f.until {
		return Filter{}, ErrInvalidTimeRange
	}
	return f, nil
}

// MustNew is like New but panics on invalid options
func MustNew(opts ...Option) Filter {
	f, err := New(opts...)
	if err != nil {
		panic(fmt.Sprintf("filter: %v", err))
	}
	return f
}

// IsEmpty reports whether no field is set; an empty filter matches every event
func (f Filter) IsEmpty() bool {
	return f.ids == nil && f.authors == nil && f.kinds == nil && len(f.tags) == 0 &&
		f.since == nil && f.until == nil && f.limit == 0
}

// Matches reports whether ev satisfies every field present in the filter.
// Limit is not a predicate.
func (f Filter) Matches(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	if f.ids != nil && !f.ids.has(ev.ID) {
		return false
	}
	if f.authors != nil && !f.authors.has(ev.PubKey) {
		return false
	}
	if f.kinds != nil && !f.kinds.has(ev.Kind) {
		return false
	}
	if f.since != nil && ev.CreatedAt < *f.since {
		return false
	}
	if f.until != nil && ev.CreatedAt > *f.until {
		return false
	}
	for name, values := range f.tags {
		if !tagMatches(ev.Tags, name, values) {
			return false
		}
	}
	return true
}

func tagMatches(tags nostr.Tags, name string, values stringSet) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name && values.has(tag[1]) {
			return true
		}
	}
	return false
}

// IDs returns the id set in sorted order, or nil if absent
func (f Filter) IDs() []string { return f.ids.sorted() }

// Authors returns the author set in sorted order, or nil if absent
func (f Filter) Authors() []string { return f.authors.sorted() }

// Kinds returns the kind set in ascending order, or nil if absent
func (f Filter) Kinds() []int { return f.kinds.sorted() }

// TagValues returns the accepted values for tag name, or nil if unconstrained
func (f Filter) TagValues(name string) []string {
	return f.tags[strings.TrimPrefix(name, "#")].sorted()
}

// Since returns the lower time bound
func (f Filter) Since() (nostr.Timestamp, bool) {
	if f.since == nil {
		return 0, false
	}
	return *f.since, true
}

// Until returns the upper time bound
func (f Filter) Until() (nostr.Timestamp, bool) {
	if f.until == nil {
		return 0, false
	}
	return *f.until, true
}

// Limit returns the result limit, 0 when unset
func (f Filter) Limit() int { return f.limit }

// Equal reports whether both filters describe the same query
func (f Filter) Equal(o Filter) bool {
	if !f.ids.equal(o.ids) || !f.authors.equal(o.authors) || !f.kinds.equal(o.kinds) {
		return false
	}
	if !equalTimestamp(f.since, o.since) || !equalTimestamp(f.until, o.until) || f.limit != o.limit {
		return false
	}
	if len(f.tags) != len(o.tags) {
		return false
	}
	for name, values := range f.tags {
		other, ok := o.tags[name]
		if !ok || !values.equal(other) {
			return false
		}
	}
	return true
}

func equalTimestamp(a, b *nostr.Timestamp) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ToNostr converts the filter into its wire representation
func (f Filter) ToNostr() nostr.Filter {
	nf := nostr.Filter{
		IDs:     f.IDs(),
		Authors: f.Authors(),
		Kinds:   f.Kinds(),
		Limit:   f.limit,
	}
	if len(f.tags) > 0 {
		nf.Tags = make(nostr.TagMap, len(f.tags))
		for name, values := range f.tags {
			nf.Tags[name] = values.sorted()
		}
	}
	if f.since != nil {
		ts := *f.since
		nf.Since = &ts
	}
	if f.until != nil {
		ts := *f.until
		nf.Until = &ts
	}
	return nf
}

// FromNostr builds a Filter from its wire representation
func FromNostr(nf nostr.Filter) (Filter, error) {
	var opts []Option
	if nf.IDs != nil {
		opts = append(opts, IDs(nf.IDs...))
	}
	if nf.Authors != nil {
		opts = append(opts, Authors(nf.Authors...))
	}
	if nf.Kinds != nil {
		opts = append(opts, Kinds(nf.Kinds...))
	}
	for name, values := range nf.Tags {
		opts = append(opts, Tag(name, values...))
	}
	if nf.Since != nil {
		opts = append(opts, Since(*nf.Since))
	}
	if nf.Until != nil {
		opts = append(opts, Until(*nf.Until))
	}
	if nf.Limit > 0 {
		opts = append(opts, Limit(nf.Limit))
	}
	return New(opts...)
}

// String returns the filter's JSON wire form
func (f Filter) String() string {
	b, err := json.Marshal(f.ToNostr())
	if err != nil {
		return "{}"
	}
	return string(b)
}
