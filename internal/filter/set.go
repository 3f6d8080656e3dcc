package filter

import "sort"

type stringSet map[string]struct{}

// with returns a copy of s extended by values; the result is never nil
func (s stringSet) with(values []string) stringSet {
	out := make(stringSet, len(s)+len(values))
	for v := range s {
		out[v] = struct{}{}
	}
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func (s stringSet) has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s stringSet) sorted() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s stringSet) equal(o stringSet) bool {
	if (s == nil) != (o == nil) || len(s) != len(o) {
		return false
	}
	for v := range s {
		if _, ok := o[v]; !ok {
			return false
		}
	}
	return true
}

type intSet map[int]struct{}

func (s intSet) with(values []int) intSet {
	out := make(intSet, len(s)+len(values))
	for v := range s {
		out[v] = struct{}{}
	}
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func (s intSet) has(v int) bool {
	_, ok := s[v]
	return ok
}

func (s intSet) sorted() []int {
	if s == nil {
		return nil
	}
	out := make([]int, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func (s intSet) equal(o intSet) bool {
	if (s == nil) != (o == nil) || len(s) != len(o) {
		return false
	}
	for v := range s {
		if _, ok := o[v]; !ok {
			return false
		}
	}
	return true
}
