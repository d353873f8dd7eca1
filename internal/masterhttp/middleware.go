package masterhttp

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireBearer checks the Authorization: Bearer <token> header against
// the configured static token, the same constant-time comparison the
// teacher uses for its agent token (dashboard.AuthService.ValidateAgentToken),
// generalized from session cookies to a single shared viewer token.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.HTTPAuthToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		// WebSocket clients can't always set custom headers; allow the
		// token as a query parameter for /ws/* routes.
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			if token := r.URL.Query().Get("token"); token != "" {
				return token, true
			}
		}
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}
