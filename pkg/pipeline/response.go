package pipeline

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"screaming-eagle/pkg/cache"
	"screaming-eagle/pkg/origin"
)

// hopByHopHeaders are never copied from the origin response onto the
// client response; they are connection-scoped, not resource-scoped.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// admitResponse decides whether resp may be cached and, if so, stores it.
// It always returns the synthesized cache.Entry describing resp so the
// caller can serve it uniformly whether or not admission succeeded.
func (h *Handler) admitResponse(ctx context.Context, originName, baseKey string, resp *origin.Response, reqHeader http.Header) (*cache.Entry, bool) {
	now := h.clock.Now()

	admissionHeader := resp.Header
	if !h.cfg.Cache.RespectCacheControl {
		admissionHeader = stripCacheControlExceptNoStore(resp.Header)
	}

	admission := cache.DetermineAdmission(now, admissionHeader, cache.TTLParams{
		DefaultTTL: h.cfg.Cache.DefaultTTL,
		MaxTTL:     h.cfg.Cache.MaxTTL,
	})

	entry := &cache.Entry{
		Status:        resp.StatusCode,
		Header:        map[string][]string(resp.Header.Clone()),
		Body:          resp.Body,
		CreatedAt:     now,
		ContentLength: int64(len(resp.Body)),
		VaryHeaders:   parseVary(resp.Header),
	}

	cacheable := admission.Cacheable && cache.IsCacheableStatus(resp.StatusCode) && admission.TTL > 0
	if !cacheable {
		return entry, false
	}

	entry.ExpiresAt = now.Add(admission.TTL)
	entry.SWRWindow = admission.SWR
	entry.SIEWindow = admission.SIE
	entry.MustRevalidate = admission.MustRevalidate
	entry.ETag = resp.Header.Get("ETag")
	if entry.ETag == "" {
		entry.ETag = synthesizeETag(resp.Body)
	}

	tags := parseTags(resp.Header)
	key := baseKey
	if len(entry.VaryHeaders) > 0 {
		key = cache.VariantKey(baseKey, entry.VaryHeaders, reqHeader)
		if key != baseKey {
			shape := &cache.Entry{
				CreatedAt:   now,
				ExpiresAt:   entry.ExpiresAt,
				SWRWindow:   entry.SWRWindow,
				SIEWindow:   entry.SIEWindow,
				VaryHeaders: entry.VaryHeaders,
			}
			h.cache.Put(ctx, baseKey, shape, tags)
		}
	}

	ok := h.cache.Put(ctx, key, entry, tags)
	return entry, ok
}

func parseVary(h http.Header) []string {
	var out []string
	for _, line := range h.Values("Vary") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if name == "" || name == "*" {
				continue
			}
			out = append(out, name)
		}
	}
	return out
}

func parseTags(h http.Header) []string {
	raw := h.Get("Cache-Tag")
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// stripCacheControlExceptNoStore is used when respect_cache_control is
// false: origin TTL directives are ignored, but no-store/private still
// suppress admission outright.
func stripCacheControlExceptNoStore(h http.Header) http.Header {
	out := h.Clone()
	out.Del("Cache-Control")
	for _, line := range h.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(strings.ToLower(part))
			if part == "no-store" || part == "private" {
				out.Add("Cache-Control", part)
			}
		}
	}
	return out
}

// admitAndServe stores a freshly fetched response (if cacheable) and
// serves it to the client in the same shape as a cache hit.
func (h *Handler) admitAndServe(ctx context.Context, w http.ResponseWriter, r *http.Request, originName, path string, reqHeader http.Header, baseKey string, resp *origin.Response, rateRemaining float64, start time.Time) {
	h.recordOriginResult(ctx, originName, "success")

	entry, cached := h.admitResponse(ctx, originName, baseKey, resp, reqHeader)
	cacheStatus := "MISS"
	if !cached {
		cacheStatus = "BYPASS"
	}
	h.writeEntry(w, r, entry, baseKey, cacheStatus, originName, rateRemaining)
	h.recordBytesServed(ctx, cacheStatus, len(entry.Body))
	h.recordRequest(ctx, originName, entry.Status, cacheStatus, start)
}

// serveHit serves a cache hit (fresh, stale, or stale-if-error) to the
// client.
func (h *Handler) serveHit(w http.ResponseWriter, r *http.Request, entry *cache.Entry, key, cacheStatus, originName string, rateRemaining float64, start time.Time) {
	h.recordCacheHit(r.Context(), originName)
	h.writeEntry(w, r, entry, key, cacheStatus, originName, rateRemaining)
	h.recordBytesServed(r.Context(), cacheStatus, len(entry.Body))
	h.recordRequest(r.Context(), originName, entry.Status, cacheStatus, start)
}

// writeEntry assembles and writes the full HTTP response for entry,
// handling conditional requests, range requests, and HEAD stripping.
func (h *Handler) writeEntry(w http.ResponseWriter, r *http.Request, entry *cache.Entry, key, cacheStatus, originName string, rateRemaining float64) {
	dst := w.Header()
	copyResponseHeaders(dst, entry.Header)
	h.headers.ApplyResponse(originName, dst)

	now := h.clock.Now()
	dst.Set("Date", now.UTC().Format(http.TimeFormat))
	dst.Set("Via", "1.1 screaming-eagle")
	dst.Set("X-Cache", cacheStatus)
	dst.Set("X-Cache-Key", key)
	dst.Set("X-RateLimit-Remaining", strconv.FormatFloat(rateRemaining, 'f', 0, 64))
	if entry.ETag != "" {
		dst.Set("ETag", entry.ETag)
	}

	if !entry.CreatedAt.IsZero() {
		age := entry.Age(now)
		baseAge := int64(0)
		if v := entry.Header["Age"]; len(v) > 0 {
			if n, err := strconv.ParseInt(v[0], 10, 64); err == nil {
				baseAge = n
			}
		}
		dst.Set("Age", strconv.FormatInt(baseAge+int64(math.Ceil(age.Seconds())), 10))
	}

	lastModified := parseLastModified(entry.Header)
	if conditionalHit(r, entry.ETag, lastModified) {
		if entry.ETag != "" {
			dst.Set("ETag", entry.ETag)
		}
		w.WriteHeader(http.StatusNotModified)
		return
	}

	status := entry.Status
	body := entry.Body

	if status == http.StatusOK || status == http.StatusPartialContent {
		dst.Set("Accept-Ranges", "bytes")
	}

	if rng := parseRange(r.Header.Get("Range"), int64(len(body))); rng.present && !rng.multi && status == http.StatusOK {
		if !rng.satisfiable {
			dst.Set("Content-Range", "bytes */"+strconv.Itoa(len(body)))
			dst.Del("Content-Length")
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		status = http.StatusPartialContent
		sliced := body[rng.start : rng.end+1]
		dst.Set("Content-Range", "bytes "+strconv.FormatInt(rng.start, 10)+"-"+strconv.FormatInt(rng.end, 10)+"/"+strconv.Itoa(len(body)))
		dst.Set("Content-Length", strconv.Itoa(len(sliced)))
		body = sliced
	} else {
		dst.Set("Content-Length", strconv.Itoa(len(body)))
	}

	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

func parseLastModified(h map[string][]string) time.Time {
	for k, v := range h {
		if strings.EqualFold(k, "Last-Modified") && len(v) > 0 {
			if t, err := http.ParseTime(v[0]); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func copyResponseHeaders(dst http.Header, src map[string][]string) {
outer:
	for k, vs := range src {
		for _, hop := range hopByHopHeaders {
			if strings.EqualFold(k, hop) {
				continue outer
			}
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
