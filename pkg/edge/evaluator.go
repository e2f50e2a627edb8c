package edge

import (
	"fmt"
	"regexp"
	"sort"

	"screaming-eagle/pkg/config"
)

// compiledRoute is a RouteOverride with its match pattern pre-compiled.
type compiledRoute struct {
	name     string
	match    *regexp.Regexp
	origin   string
	priority int
}

// RouteEvaluator conditionally swaps the target origin for a request based
// on its post-rewrite path, evaluated in priority order (highest first),
// first match wins.
type RouteEvaluator struct {
	routes []compiledRoute
}

// NewRouteEvaluator compiles every configured route override.
func NewRouteEvaluator(overrides []config.RouteOverride) (*RouteEvaluator, error) {
	e := &RouteEvaluator{routes: make([]compiledRoute, 0, len(overrides))}

	for _, o := range overrides {
		re, err := regexp.Compile(o.Match)
		if err != nil {
			return nil, fmt.Errorf("route %q: invalid match pattern: %w", o.Name, err)
		}
		e.routes = append(e.routes, compiledRoute{
			name:     o.Name,
			match:    re,
			origin:   o.Origin,
			priority: o.Priority,
		})
	}

	sort.SliceStable(e.routes, func(i, j int) bool {
		return e.routes[i].priority > e.routes[j].priority
	})

	return e, nil
}

// Evaluate returns the overriding origin for path, or "" if no route
// override matches and the request's parsed origin should be used as-is.
func (e *RouteEvaluator) Evaluate(path string) string {
	for _, r := range e.routes {
		if r.match.MatchString(path) {
			return r.origin
		}
	}
	return ""
}

// Count returns the number of compiled routes.
func (e *RouteEvaluator) Count() int {
	return len(e.routes)
}
