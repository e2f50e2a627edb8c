package adminapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireAdmin wraps next with bearer-token and IP-allowlist checks, a
// no-op when admin.auth_enabled is false.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Admin.AuthEnabled {
			next.ServeHTTP(w, r)
			return
		}

		if !s.allowlist.IsEmpty() && !s.allowlist.Matches(clientIP(r)) {
			writeError(w, http.StatusForbidden, "ip not allowed")
			return
		}

		if !s.authorizeToken(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorizeToken(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}

	if s.cfg.Admin.AuthTokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.cfg.Admin.AuthTokenHash), []byte(token)) == nil
	}
	if s.cfg.Admin.AuthToken != "" {
		return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Admin.AuthToken)) == 1
	}
	return false
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// clientIP extracts the connecting peer address, ignoring proxy headers —
// the admin surface is assumed reachable only from trusted networks.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
