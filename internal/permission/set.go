package permission

import (
	"sort"
	"strings"
)

// Set holds effective permission strings. Entries are either exact
// ("users:read"), resource wildcards ("users:*"), or the global "*".
type Set map[string]struct{}

// NewSet builds a Set from permission strings, discarding blanks.
func NewSet(perms ...string) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p != "" {
			s[p] = struct{}{}
		}
	}
	return s
}

// Add merges more permissions into the set.
func (s Set) Add(perms ...string) {
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p != "" {
			s[p] = struct{}{}
		}
	}
}

// Has reports whether the set satisfies the required permission. The global
// wildcard short-circuits; "resource:*" covers every action on the resource.
func (s Set) Has(required string) bool {
	if _, ok := s["*"]; ok {
		return true
	}
	if _, ok := s[required]; ok {
		return true
	}
	if i := strings.IndexByte(required, ':'); i > 0 {
		if _, ok := s[required[:i]+":*"]; ok {
			return true
		}
	}
	return false
}

// List returns the entries sorted, for stable JSON output and cache encoding.
func (s Set) List() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
