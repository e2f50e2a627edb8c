package edge

import (
	"fmt"
	"regexp"

	"screaming-eagle/pkg/config"
)

type compiledRewrite struct {
	name    string
	pattern *regexp.Regexp
	replace string
	origin  string
}

// RewriteEngine applies ordered regex path rewrites. Each rule is tried
// once per request, in configured order; a rule whose Origin is set only
// applies to requests routed to that origin.
type RewriteEngine struct {
	rules []compiledRewrite
}

// NewRewriteEngine compiles every configured rewrite rule.
func NewRewriteEngine(rules []config.RewriteRule) (*RewriteEngine, error) {
	engine := &RewriteEngine{rules: make([]compiledRewrite, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rewrite %q: invalid pattern: %w", r.Name, err)
		}
		engine.rules = append(engine.rules, compiledRewrite{
			name:    r.Name,
			pattern: re,
			replace: r.Replace,
			origin:  r.Origin,
		})
	}
	return engine, nil
}

// Apply runs every rule whose Origin scope matches (or is unscoped)
// against path, in order, applying each at most once.
func (e *RewriteEngine) Apply(origin, path string) string {
	for _, r := range e.rules {
		if r.origin != "" && r.origin != origin {
			continue
		}
		if r.pattern.MatchString(path) {
			path = r.pattern.ReplaceAllString(path, r.replace)
		}
	}
	return path
}
