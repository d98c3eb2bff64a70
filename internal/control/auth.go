package control

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// TokenAuth protects the API with a static bearer token. A zero-value
// TokenAuth lets every request through.
type TokenAuth struct {
	token string
}

// NewTokenAuth creates a TokenAuth; an empty token disables authentication.
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: strings.TrimSpace(token)}
}

// Enabled indicates whether authentication is active.
func (a *TokenAuth) Enabled() bool {
	return a != nil && a.token != ""
}

// Validate reports whether token grants access.
func (a *TokenAuth) Validate(token string) bool {
	if !a.Enabled() {
		return true
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1
}

// Middleware rejects requests without a valid token. Preflight requests pass
// so browsers can learn the CORS policy first.
func (a *TokenAuth) Middleware(onDenied http.HandlerFunc) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || a.Validate(extractToken(r)) {
				next.ServeHTTP(w, r)
				return
			}
			onDenied(w, r)
		})
	}
}

// extractToken reads the bearer token from the Authorization header, or from
// the token query parameter for websocket clients that cannot set headers.
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return r.URL.Query().Get("token")
}

// corsMiddleware answers cross-origin requests from the configured origins.
// "*" allows any origin.
func corsMiddleware(origins []string) mux.MiddlewareFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowed[origin]; ok || allowAll {
					if allowAll {
						w.Header().Set("Access-Control-Allow-Origin", "*")
					} else {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Add("Vary", "Origin")
					}
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					w.Header().Set("Access-Control-Expose-Headers", "X-Total-Count")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OriginChecker returns a websocket origin check accepting the configured
// origins. Requests without an Origin header are not cross-site and pass.
func OriginChecker(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			o = strings.TrimRight(strings.TrimSpace(o), "/")
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
