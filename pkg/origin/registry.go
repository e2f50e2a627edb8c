package origin

import (
	"fmt"

	"screaming-eagle/pkg/circuitbreaker"
	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/logging"
)

// Registry holds one Fetcher per configured origin.
type Registry struct {
	fetchers map[string]*Fetcher
}

// NewRegistry builds a fetcher for every origin in cfg, wired to its own
// circuit breaker from breakers.
func NewRegistry(cfg map[string]config.OriginConfig, breakers *circuitbreaker.Registry, logger *logging.Logger) *Registry {
	r := &Registry{fetchers: make(map[string]*Fetcher, len(cfg))}
	for name, originCfg := range cfg {
		r.fetchers[name] = NewFetcher(name, originCfg, breakers.Get(name), logger)
	}
	return r
}

// Get returns the fetcher for origin, or an error if it isn't configured.
func (r *Registry) Get(name string) (*Fetcher, error) {
	f, ok := r.fetchers[name]
	if !ok {
		return nil, fmt.Errorf("unknown origin %q", name)
	}
	return f, nil
}

// Names returns every configured origin name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.fetchers))
	for name := range r.fetchers {
		names = append(names, name)
	}
	return names
}
