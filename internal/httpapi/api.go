package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"medlock.org/internal/auth"
	"medlock.org/internal/csrf"
	"medlock.org/internal/obs"
)

// ReadyProbe reports whether the service can take traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP boundary. It translates requests into credential manager
// calls and keeps all security error responses deliberately vague.
type API struct {
	mux     *http.ServeMux
	svc     *auth.Service
	csrf    *csrf.Manager
	probe   ReadyProbe
	version string
}

// Paths that skip CSRF checks: probes plus the pre-session entry points.
// Each authenticates by credentials or a single-use token and reads no
// browser cookies.
var csrfExcludedPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/verify-email",
	"/v1/auth/password-reset/request",
	"/v1/auth/password-reset/confirm",
}

func New(svc *auth.Service, csrfMgr *csrf.Manager, rp ReadyProbe, version string) *API {
	a := &API{
		mux:     http.NewServeMux(),
		svc:     svc,
		csrf:    csrfMgr,
		probe:   rp,
		version: version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/v1/auth/password-reset/request", a.handlePasswordResetRequest)
	a.mux.HandleFunc("/v1/auth/password-reset/confirm", a.handlePasswordResetConfirm)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)
	a.mux.HandleFunc("/v1/admin/unlock", a.handleUnlock)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	if a.csrf != nil {
		h = csrf.Middleware(a.csrf, a.csrfKey, csrfExcludedPaths)(h)
	}
	h = Logging(h)
	h = obs.Instrument(h)
	h = RateLimit(h, 20, 10)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	return h
}

// csrfKey keys anti-replay tokens by session once the caller is
// authenticated and by client address before that, so clients behind one
// address never share a token after login.
func (a *API) csrfKey(r *http.Request) string {
	if raw, err := extractBearerToken(r.Header.Get(authHeader)); err == nil && raw != "" {
		if principal, err := a.svc.ValidateToken(r.Context(), raw); err == nil {
			return "session:" + principal.SessionID
		}
	}
	return "ip:" + clientIP(r)
}

// --- service endpoints ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "medlock-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.probe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "medlock-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
