package urlmatch

import "net/url"

// Filter is a compiled set of match patterns. An empty filter matches every
// URL. Filters are read-only after Compile and safe for concurrent use.
type Filter struct {
	patterns []Pattern
}

// Compile parses all pattern strings into a Filter. A single bad pattern
// aborts the whole compilation; no partial filters are produced.
func Compile(patterns []string) (*Filter, error) {
	f := &Filter{patterns: make([]Pattern, 0, len(patterns))}
	for _, s := range patterns {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, p)
	}
	return f, nil
}

// MustCompile is Compile for patterns known to be valid at construction time.
func MustCompile(patterns []string) *Filter {
	f, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return f
}

// Matches reports whether u passes the filter. The empty set matches
// everything; otherwise the first matching pattern short-circuits.
func (f *Filter) Matches(u *url.URL) bool {
	if f == nil || len(f.patterns) == 0 {
		return true
	}
	for _, p := range f.patterns {
		if p.Matches(u) {
			return true
		}
	}
	return false
}

// Empty reports whether the filter has no patterns (matches everything).
func (f *Filter) Empty() bool {
	return f == nil || len(f.patterns) == 0
}
