package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireAdmin guards push and inspection routes with the admin bearer
// token. With no AdminToken configured the routes are open.
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	if s.config.AdminToken == "" {
		return next
	}

	want := []byte(s.config.AdminToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			s.logger.Warn("rejected admin request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="offline-cache"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// bearerToken extracts the credentials of a Bearer Authorization header. The
// scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
