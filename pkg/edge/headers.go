package edge

import (
	"net/http"

	"screaming-eagle/pkg/config"
)

type compiledTransform struct {
	name     string
	action   config.HeaderTransformAction
	value    string
	origin   string
	response bool
}

// HeaderTransformer applies configured add/remove/replace header
// transforms to either the outbound origin request or the client response.
type HeaderTransformer struct {
	transforms []compiledTransform
}

// NewHeaderTransformer builds a transformer from configured rules.
func NewHeaderTransformer(transforms []config.HeaderTransform) *HeaderTransformer {
	t := &HeaderTransformer{transforms: make([]compiledTransform, 0, len(transforms))}
	for _, c := range transforms {
		t.transforms = append(t.transforms, compiledTransform{
			name:     c.Name,
			action:   c.Action,
			value:    c.Value,
			origin:   c.Origin,
			response: c.Response,
		})
	}
	return t
}

// ApplyRequest applies every request-scoped transform for origin to h.
func (t *HeaderTransformer) ApplyRequest(origin string, h http.Header) {
	t.apply(origin, h, false)
}

// ApplyResponse applies every response-scoped transform for origin to h.
func (t *HeaderTransformer) ApplyResponse(origin string, h http.Header) {
	t.apply(origin, h, true)
}

func (t *HeaderTransformer) apply(origin string, h http.Header, response bool) {
	for _, c := range t.transforms {
		if c.response != response {
			continue
		}
		if c.origin != "" && c.origin != origin {
			continue
		}
		switch c.action {
		case config.HeaderAdd:
			h.Add(c.name, c.value)
		case config.HeaderRemove:
			h.Del(c.name)
		case config.HeaderReplace:
			h.Set(c.name, c.value)
		}
	}
}
