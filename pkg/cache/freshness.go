package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// cacheControl is the parsed directive set of a Cache-Control header,
// mirroring the map-of-directives idiom used for request/response
// cache-control parsing in reverse-proxy cache clients.
type cacheControl map[string]string

func parseCacheControl(h http.Header) cacheControl {
	cc := cacheControl{}
	for _, line := range h.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if i := strings.IndexByte(part, '='); i >= 0 {
				key := strings.ToLower(strings.TrimSpace(part[:i]))
				val := strings.Trim(strings.TrimSpace(part[i+1:]), `"`)
				cc[key] = val
			} else {
				cc[strings.ToLower(part)] = ""
			}
		}
	}
	return cc
}

func (cc cacheControl) has(directive string) bool {
	_, ok := cc[directive]
	return ok
}

func (cc cacheControl) intValue(directive string) (int64, bool) {
	v, ok := cc[directive]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// TTLParams is the subset of cache configuration that governs TTL
// determination and clamping.
type TTLParams struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// admission is the outcome of evaluating a response's cache directives:
// whether it may be admitted at all, its TTL, and its staleness windows.
type admission struct {
	cacheable      bool
	ttl            time.Duration
	swr            time.Duration
	sie            time.Duration
	mustRevalidate bool
}

// determineAdmission implements the TTL-determination and suppression
// rules: s-maxage, then max-age, then Expires, then the configured
// default, clamped to [0, max_ttl]. no-store/private suppress admission
// outright; no-cache still admits but forces revalidation on every read.
func determineAdmission(now time.Time, h http.Header, params TTLParams) admission {
	cc := parseCacheControl(h)

	if cc.has("no-store") || cc.has("private") {
		return admission{cacheable: false}
	}

	var ttl time.Duration
	switch {
	case cc.has("s-maxage"):
		n, _ := cc.intValue("s-maxage")
		ttl = clampSeconds(n)
	case cc.has("max-age"):
		n, _ := cc.intValue("max-age")
		ttl = clampSeconds(n)
	default:
		if exp := h.Get("Expires"); exp != "" {
			if t, err := http.ParseTime(exp); err == nil {
				date := now
				if d := h.Get("Date"); d != "" {
					if pd, err := http.ParseTime(d); err == nil {
						date = pd
					}
				}
				ttl = t.Sub(date)
				if ttl < 0 {
					ttl = 0
				}
			} else {
				ttl = params.DefaultTTL
			}
		} else {
			ttl = params.DefaultTTL
		}
	}

	if ttl < 0 {
		ttl = 0
	}
	if params.MaxTTL > 0 && ttl > params.MaxTTL {
		ttl = params.MaxTTL
	}

	a := admission{
		cacheable:      true,
		ttl:            ttl,
		mustRevalidate: cc.has("no-cache"),
	}
	if n, ok := cc.intValue("stale-while-revalidate"); ok {
		a.swr = clampSeconds(n)
	}
	if n, ok := cc.intValue("stale-if-error"); ok {
		a.sie = clampSeconds(n)
	}
	return a
}

func clampSeconds(n int64) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second
}

// cacheableStatus is the set of response statuses eligible for admission
// per the pipeline's admission rule. 206 is deliberately excluded: partial
// responses are never cached as standalone entries.
var cacheableStatus = map[int]bool{
	http.StatusOK:                   true, // 200
	http.StatusNonAuthoritativeInfo: true, // 203
	http.StatusNoContent:            true, // 204
	http.StatusMultipleChoices:      true, // 300
	http.StatusMovedPermanently:     true, // 301
	http.StatusPermanentRedirect:    true, // 308
	http.StatusNotFound:             true, // 404
	http.StatusMethodNotAllowed:     true, // 405
	http.StatusGone:                 true, // 410
	http.StatusRequestURITooLong:    true, // 414
	http.StatusNotImplemented:       true, // 501
}

func isCacheableStatus(status int) bool {
	return cacheableStatus[status]
}

// Admission is the exported form of admission, returned to pipeline code
// outside this package that needs to decide whether and how to store a
// response.
type Admission struct {
	Cacheable      bool
	TTL            time.Duration
	SWR            time.Duration
	SIE            time.Duration
	MustRevalidate bool
}

// DetermineAdmission is the exported entry point for TTL/admission
// determination, used by the request pipeline when deciding whether to
// store an origin response.
func DetermineAdmission(now time.Time, h http.Header, params TTLParams) Admission {
	a := determineAdmission(now, h, params)
	return Admission{
		Cacheable:      a.cacheable,
		TTL:            a.ttl,
		SWR:            a.swr,
		SIE:            a.sie,
		MustRevalidate: a.mustRevalidate,
	}
}

// IsCacheableStatus reports whether status may be admitted to the cache as
// a full entry (206 is deliberately excluded — partial responses are never
// cached as standalone entries).
func IsCacheableStatus(status int) bool {
	return isCacheableStatus(status)
}
