package csrf

import (
	"errors"
	"net/http"
	"time"

	"medlock.org/internal/ratelimit"
)

const (
	// HeaderName carries the token in both directions.
	HeaderName = "X-CSRF-Token"
	// FormField is the body fallback for clients that cannot set headers.
	FormField = "csrf_token"
	// CookieName is the double-submit cookie.
	CookieName = "medlock_csrf"
)

// KeyFunc derives the token key for a request: the session id when a
// principal is authenticated, the client address otherwise.
type KeyFunc func(r *http.Request) string

// Middleware enforces anti-replay tokens. Safe requests get a token minted
// and attached; state-changing requests must present it and have it rotated
// before the response is written. Excluded paths (the pre-session entry
// points) skip the check entirely.
func Middleware(m *Manager, keyFn KeyFunc, excluded []string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(excluded))
	for _, p := range excluded {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFn(r)

			if safeMethod(r.Method) {
				token, err := m.Ensure(r.Context(), key)
				if err == nil {
					attach(w, token, m.ttl)
				}
				next.ServeHTTP(w, r)
				return
			}

			presented := r.Header.Get(HeaderName)
			if presented == "" {
				presented = r.PostFormValue(FormField)
			}

			fresh, err := m.Validate(r.Context(), key, presented, r.URL.Path)
			if err != nil {
				status := http.StatusForbidden
				if errors.Is(err, ratelimit.ErrRateLimited) {
					status = http.StatusTooManyRequests
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":"request could not be authorized"}`))
				return
			}

			// Rotation happens before the handler so the fresh token is on
			// the response even if the handler streams its body.
			attach(w, fresh, m.ttl)
			next.ServeHTTP(w, r)
		})
	}
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

func attach(w http.ResponseWriter, token string, ttl time.Duration) {
	w.Header().Set(HeaderName, token)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}
