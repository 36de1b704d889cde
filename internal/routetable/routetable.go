// Package routetable implements the core's read-mostly routing table: a
// snapshot-based, lock-free domain-to-route map with wildcard and subroute
// lookup. Readers never block writers and writers never mutate a published
// snapshot in place — they build a new one and swap an atomic pointer,
// generalizing the teacher's atomic.Value-held rule map to the richer route
// shape this spec needs (wildcards, subroutes, per-route listen ports).
package routetable

import (
	"strings"
	"sync/atomic"
)

// Subroute overrides a route's backend port for requests whose path begins
// with PathPrefix. Subroute selection never changes BackendHost or
// BackendPath, only BackendPort and the stripped forwarding path.
type Subroute struct {
	PathPrefix  string
	BackendPort uint16
}

// Route is the resolved configuration for one route key (a literal host or
// a single-label wildcard).
type Route struct {
	Key             string
	BackendHost     string
	BackendPath     string
	BackendPort     uint16
	SSLEnabled      bool
	RedirectToHTTPS bool
	ListenPort      uint16 // 0 means "no extra listener" (serve on 80)
	Subroutes       []Subroute
}

// HasListenPort reports whether this route requested a dedicated plaintext
// listener instead of the default port 80.
func (r Route) HasListenPort() bool { return r.ListenPort != 0 }

// Snapshot is an immutable view of the route table. It is cheap to share:
// callers hold a pointer to one and never observe it change underneath them.
type Snapshot struct {
	byKey map[string]Route
}

// NewSnapshot builds an immutable snapshot from a set of routes, keyed by
// their (already-lowercased) route key.
func NewSnapshot(routes map[string]Route) *Snapshot {
	byKey := make(map[string]Route, len(routes))
	for k, v := range routes {
		v.Key = k
		byKey[k] = v
	}
	return &Snapshot{byKey: byKey}
}

// Lookup resolves a Host header value (port already stripped, case folded
// by the caller or here) to a route. It tries a literal match first, then a
// single-level wildcard: "*.<suffix>" where <suffix> is host with its
// leftmost label removed. Wildcards never match the apex.
func (s *Snapshot) Lookup(host string) (Route, bool) {
	if s == nil {
		return Route{}, false
	}
	host = strings.ToLower(host)
	if r, ok := s.byKey[host]; ok {
		return r, true
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		suffix := host[i+1:]
		if suffix == "" {
			return Route{}, false
		}
		if r, ok := s.byKey["*."+suffix]; ok {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns every route in the snapshot. The returned slice is a fresh
// copy; callers may not mutate the snapshot through it.
func (s *Snapshot) Routes() []Route {
	if s == nil {
		return nil
	}
	out := make([]Route, 0, len(s.byKey))
	for _, r := range s.byKey {
		out = append(out, r)
	}
	return out
}

// Len reports the number of route keys in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byKey)
}

// SelectSubroute applies the longest-prefix subroute rule to path and
// returns the backend port to dial and the path to forward. Ties between
// prefixes of equal length are broken by insertion order (first wins); if no
// subroute matches, the parent route's backend port and path apply
// unmodified (the "matched prefix" is then empty, so nothing is stripped).
func SelectSubroute(r Route, path string) (port uint16, forwardedPath string) {
	bestIdx := -1
	bestLen := -1
	for i, sr := range r.Subroutes {
		if sr.PathPrefix == "" {
			continue
		}
		if strings.HasPrefix(path, sr.PathPrefix) && len(sr.PathPrefix) > bestLen {
			bestLen = len(sr.PathPrefix)
			bestIdx = i
		}
	}
	var remaining string
	if bestIdx >= 0 {
		sr := r.Subroutes[bestIdx]
		port = sr.BackendPort
		remaining = strings.TrimPrefix(path, sr.PathPrefix)
	} else {
		port = r.BackendPort
		remaining = path
	}
	forwardedPath = r.BackendPath + remaining
	if forwardedPath == "" {
		forwardedPath = "/"
	}
	return port, forwardedPath
}

// Table holds the currently published snapshot behind a lock-free atomic
// pointer. Load is safe to call from any number of concurrent readers while
// Replace is in progress; a reader either sees the old or the new snapshot,
// never a partially applied one.
type Table struct {
	ptr atomic.Pointer[Snapshot]
}

// NewTable returns a Table published with an empty snapshot.
func NewTable() *Table {
	t := &Table{}
	t.ptr.Store(NewSnapshot(nil))
	return t
}

// Load returns the currently published snapshot.
func (t *Table) Load() *Snapshot {
	return t.ptr.Load()
}

// Replace atomically swaps in a new snapshot. In-flight readers that already
// hold the old snapshot continue to use it for the remainder of their
// request or connection lifetime.
func (t *Table) Replace(s *Snapshot) {
	t.ptr.Store(s)
}
