package gateway

import (
	"sort"
	"strings"
)

// Strategy selects how a route handles its requests.
type Strategy int

const (
	// RootStatic answers with the static info body.
	RootStatic Strategy = iota
	// ProxyForward forwards to the CoAP URI embedded in the path.
	ProxyForward
	// LocalForward forwards to the in-process resource tree.
	LocalForward
)

func (s Strategy) String() string {
	switch s {
	case ProxyForward:
		return "proxy"
	case LocalForward:
		return "local"
	default:
		return "root"
	}
}

// RouteEntry binds a path prefix to a strategy.
type RouteEntry struct {
	// Prefix is an absolute path without a trailing slash, e.g. "/proxy".
	Prefix   string
	Strategy Strategy
}

// Resource returns the route name the translator strips from the path.
func (e RouteEntry) Resource() string {
	return strings.Trim(e.Prefix, "/")
}

// Name is the label used for metrics, logs and rate limits.
func (e RouteEntry) Name() string {
	if e.Strategy == RootStatic {
		return RootStatic.String()
	}
	return e.Resource()
}

// DefaultRoutes returns the proxy and local routes.
func DefaultRoutes() []RouteEntry {
	return []RouteEntry{
		{Prefix: "/proxy", Strategy: ProxyForward},
		{Prefix: "/local", Strategy: LocalForward},
	}
}

// Router resolves request paths to route entries. The most specific
// registered prefix wins; anything unmatched falls to the RootStatic default.
type Router struct {
	entries []RouteEntry
}

// NewRouter builds a router over entries. Entries are fixed for the life of
// the router.
func NewRouter(entries []RouteEntry) *Router {
	sorted := make([]RouteEntry, 0, len(entries))
	for _, e := range entries {
		e.Prefix = "/" + strings.Trim(e.Prefix, "/")
		if e.Prefix == "/" {
			continue
		}
		sorted = append(sorted, e)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Router{entries: sorted}
}

// Match returns the entry serving path.
func (r *Router) Match(path string) RouteEntry {
	for _, e := range r.entries {
		if path == e.Prefix || strings.HasPrefix(path, e.Prefix+"/") {
			return e
		}
	}
	return RouteEntry{Prefix: "/", Strategy: RootStatic}
}

// Entries returns the registered entries, most specific first.
func (r *Router) Entries() []RouteEntry {
	return append([]RouteEntry(nil), r.entries...)
}
