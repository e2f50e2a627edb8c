package adminapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"cache_entries":   s.cache.Stats().Entries,
		"memory_usage_mb": mem.Alloc / (1024 * 1024),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":           stats.Hits,
		"misses":         stats.Misses,
		"evictions":      stats.Evictions,
		"sets":           stats.Sets,
		"entries":        stats.Entries,
		"bytes":          stats.Bytes,
		"l1_entries":     stats.L1Entries,
		"l2_entries":     stats.L2Entries,
		"total_tags":     stats.TotalTags,
		"tagged_entries": stats.TaggedEntries,
		"hit_rate":       stats.HitRate,
	})
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	states := s.breakers.States()
	out := make(map[string]string, len(states))
	for origin, state := range states {
		out[origin] = state.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOriginsHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	statuses := s.health.Statuses()
	out := make(map[string]any, len(statuses))
	for name, st := range statuses {
		out[name] = map[string]any{
			"healthy":              st.Healthy,
			"consecutive_failures": st.ConsecutiveFailures,
			"last_check":           st.LastCheck,
			"last_success":         st.LastSuccess,
			"response_time_ms":     st.ResponseTimeMs,
			"last_error":           st.LastError,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type purgeRequest struct {
	Keys   []string `json:"keys"`
	Prefix string   `json:"prefix"`
	Tag    string   `json:"tag"`
	Origin string   `json:"origin"`
	All    bool     `json:"all"`
}

// handlePurge applies every selector present in the request as a union,
// summing the number of entries each one removed.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed purge request")
		return
	}

	ctx := r.Context()
	var purged int

	if req.All {
		purged += s.cache.InvalidateAll(ctx)
	}
	for _, key := range req.Keys {
		purged += s.cache.Invalidate(ctx, key)
	}
	if req.Prefix != "" {
		purged += s.cache.InvalidatePrefix(ctx, req.Prefix)
	}
	if req.Tag != "" {
		purged += s.cache.InvalidateTag(ctx, req.Tag)
	}
	if req.Origin != "" {
		if _, err := s.origins.Get(req.Origin); err != nil {
			writeError(w, http.StatusBadRequest, "unknown origin")
			return
		}
		purged += s.cache.InvalidatePrefix(ctx, req.Origin+"|")
	}

	writeJSON(w, http.StatusOK, map[string]int{"purged_count": purged})
}

type warmRequest struct {
	URLs []string `json:"urls"`
}

type warmResult struct {
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleWarm fetches each "/<origin>/<path>" entry through its configured
// origin so the response lands in cache before real traffic arrives.
func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	var req warmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed warm request")
		return
	}

	results := make([]warmResult, 0, len(req.URLs))
	for _, u := range req.URLs {
		results = append(results, s.warmOne(r, u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) warmOne(r *http.Request, u string) warmResult {
	originName, path, ok := strings.Cut(strings.TrimPrefix(u, "/"), "/")
	if !ok || originName == "" {
		return warmResult{URL: u, Error: "expected /<origin>/<path>"}
	}

	status, err := s.pipeline.Warm(r.Context(), originName, "/"+path)
	if err != nil {
		return warmResult{URL: u, Error: err.Error()}
	}
	return warmResult{URL: u, Status: status}
}
