package cache

import (
	"net/url"
	"sort"
	"strings"
)

// BaseKey derives the primary lookup key for (origin, path, query), without
// any Vary-header component. It is used for the first probe of a request;
// the Vary-aware variant key is derived separately once the entry's stored
// Vary set is known (see VariantKey).
func BaseKey(origin, path, rawQuery string) string {
	var b strings.Builder
	b.WriteString(origin)
	b.WriteByte('|')
	b.WriteString(normalizePath(path))
	b.WriteByte('|')
	b.WriteString(canonicalizeQuery(rawQuery))
	return b.String()
}

// VariantKey extends a base key with the request-side values of the header
// names in varyHeaders, lowercased and joined with "|", per the cache-key
// derivation rule in the data model. Header names are matched
// case-insensitively against reqHeaders.
func VariantKey(base string, varyHeaders []string, reqHeaders map[string][]string) string {
	if len(varyHeaders) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	for _, name := range varyHeaders {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(name))
		b.WriteByte('=')
		b.WriteString(strings.ToLower(headerValue(reqHeaders, name)))
	}
	return b.String()
}

func headerValue(headers map[string][]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			if len(v) == 0 {
				return ""
			}
			return strings.Join(v, ",")
		}
	}
	return ""
}

// normalizePath collapses duplicate slashes and drops a single trailing
// slash (except for the root), matching conventional reverse-proxy
// canonicalization.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	segs := strings.Split(p, "/")
	kept := make([]string, 0, len(segs))
	for _, s := range segs {
		if s == "" {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return "/"
	}
	return "/" + strings.Join(kept, "/")
}

// canonicalizeQuery sorts query keys, preserves duplicate keys and empty
// values, and re-encodes deterministically so permutations of the same
// parameters yield the same key.
func canonicalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for j, v := range vs {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
