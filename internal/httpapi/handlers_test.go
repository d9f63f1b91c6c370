package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"medlock.org/internal/auth"
	"medlock.org/internal/crypto"
	"medlock.org/internal/csrf"
	"medlock.org/internal/ratelimit"
)

func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	vault, err := crypto.NewVault(make([]byte, crypto.MasterKeySize))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	limiter := ratelimit.New(ratelimit.NewMemoryStore())
	svc, err := auth.NewService(auth.NewMemoryStore(), vault, limiter, auth.NewBlacklist(),
		auth.WithTokenSecret("test-secret"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	api := New(svc, nil, ReadyProbe{}, "test")
	return api, api.Handler()
}

func newCSRFTestAPI(t *testing.T) http.Handler {
	t.Helper()
	vault, err := crypto.NewVault(make([]byte, crypto.MasterKeySize))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	limiter := ratelimit.New(ratelimit.NewMemoryStore())
	svc, err := auth.NewService(auth.NewMemoryStore(), vault, limiter, auth.NewBlacklist(),
		auth.WithTokenSecret("test-secret"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	mgr := csrf.NewManager(csrf.NewMemoryStore(), limiter)
	return New(svc, mgr, ReadyProbe{}, "test").Handler()
}

func postJSON(t *testing.T, h http.Handler, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func registerAndVerify(t *testing.T, h http.Handler, email string) string {
	t.Helper()
	rec := postJSON(t, h, "/v1/auth/register", map[string]any{
		"tenant_id": "clinic-1",
		"email":     email,
		"password":  "Str0ngPassphrase",
		"name":      "Jordan Doe",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d body %s", rec.Code, rec.Body.String())
	}
	var res struct {
		AccountID         string `json:"account_id"`
		VerificationToken string `json:"verification_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec = postJSON(t, h, "/v1/auth/verify-email", map[string]any{"token": res.VerificationToken}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d body %s", rec.Code, rec.Body.String())
	}
	return res.AccountID
}

func login(t *testing.T, h http.Handler, email, password string) (*httptest.ResponseRecorder, tokenPairResponse) {
	t.Helper()
	rec := postJSON(t, h, "/v1/auth/login", map[string]any{
		"tenant_id": "clinic-1",
		"email":     email,
		"password":  password,
	}, nil)
	var pair tokenPairResponse
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
			t.Fatalf("decode pair: %v", err)
		}
	}
	return rec, pair
}

func TestHealthEndpoints(t *testing.T) {
	_, h := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	_, h := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRegisterLoginAndMe(t *testing.T) {
	_, h := newTestAPI(t)
	accountID := registerAndVerify(t, h, "nurse@example.com")

	rec, pair := login(t, h, "nurse@example.com", "Str0ngPassphrase")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("missing X-RateLimit-Remaining header")
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	mrec := httptest.NewRecorder()
	h.ServeHTTP(mrec, req)
	if mrec.Code != http.StatusOK {
		t.Fatalf("me status = %d body %s", mrec.Code, mrec.Body.String())
	}
	if !strings.Contains(mrec.Body.String(), accountID) {
		t.Fatalf("me body %s does not name the account", mrec.Body.String())
	}
}

func TestMeWithoutTokenUnauthorized(t *testing.T) {
	_, h := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLoginFailureIsGeneric(t *testing.T) {
	_, h := newTestAPI(t)
	registerAndVerify(t, h, "nurse@example.com")

	rec, _ := login(t, h, "nurse@example.com", "WrongPassword1")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	unknown, _ := login(t, h, "ghost@example.com", "WrongPassword1")
	if unknown.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", unknown.Code)
	}
	// Known and unknown identifiers produce the same error payload.
	var a, b map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &a)
	_ = json.Unmarshal(unknown.Body.Bytes(), &b)
	if a["error"] != b["error"] {
		t.Fatalf("error bodies differ: %v vs %v", a["error"], b["error"])
	}
}

func TestLoginLockoutOverHTTP(t *testing.T) {
	_, h := newTestAPI(t)
	registerAndVerify(t, h, "nurse@example.com")

	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		last, _ = login(t, h, "nurse@example.com", "WrongPassword1")
	}
	if last.Code != http.StatusLocked {
		t.Fatalf("attempt 5 status = %d, want 423", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header on lockout")
	}

	rec, _ := login(t, h, "nurse@example.com", "Str0ngPassphrase")
	if rec.Code != http.StatusLocked {
		t.Fatalf("locked login status = %d, want 423", rec.Code)
	}
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	_, h := newTestAPI(t)
	registerAndVerify(t, h, "nurse@example.com")
	rec, pair := login(t, h, "nurse@example.com", "Str0ngPassphrase")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}

	r1 := postJSON(t, h, "/v1/auth/refresh", map[string]any{"refresh_token": pair.RefreshToken}, nil)
	if r1.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body %s", r1.Code, r1.Body.String())
	}
	// The pre-rotation token is dead.
	r2 := postJSON(t, h, "/v1/auth/refresh", map[string]any{"refresh_token": pair.RefreshToken}, nil)
	if r2.Code != http.StatusUnauthorized {
		t.Fatalf("stale refresh status = %d, want 401", r2.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	_, h := newTestAPI(t)
	registerAndVerify(t, h, "nurse@example.com")
	rec, pair := login(t, h, "nurse@example.com", "Str0ngPassphrase")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+pair.AccessToken)
	out := postJSON(t, h, "/v1/auth/logout", map[string]any{}, header)
	if out.Code != http.StatusOK {
		t.Fatalf("logout status = %d body %s", out.Code, out.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	mrec := httptest.NewRecorder()
	h.ServeHTTP(mrec, req)
	if mrec.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout status = %d, want 401", mrec.Code)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	_, h := newTestAPI(t)
	registerAndVerify(t, h, "nurse@example.com")

	rec := postJSON(t, h, "/v1/auth/password-reset/request", map[string]any{
		"tenant_id": "clinic-1",
		"email":     "nurse@example.com",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("request status = %d body %s", rec.Code, rec.Body.String())
	}
	// Unknown identifiers get the same acknowledgment.
	rec = postJSON(t, h, "/v1/auth/password-reset/request", map[string]any{
		"tenant_id": "clinic-1",
		"email":     "ghost@example.com",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unknown request status = %d, want identical 202", rec.Code)
	}
}

func TestUnlockRequiresAdmin(t *testing.T) {
	_, h := newTestAPI(t)
	accountID := registerAndVerify(t, h, "nurse@example.com")
	rec, pair := login(t, h, "nurse@example.com", "Str0ngPassphrase")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+pair.AccessToken)
	out := postJSON(t, h, "/v1/admin/unlock", map[string]any{"account_id": accountID}, header)
	if out.Code != http.StatusForbidden {
		t.Fatalf("member unlock status = %d, want 403", out.Code)
	}
}

func TestCSRFEntryPointsAreExcluded(t *testing.T) {
	h := newCSRFTestAPI(t)

	// Registration, verification and login carry no anti-replay token and
	// must still pass.
	registerAndVerify(t, h, "nurse@example.com")
	rec, pair := login(t, h, "nurse@example.com", "Str0ngPassphrase")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body %s", rec.Code, rec.Body.String())
	}

	r1 := postJSON(t, h, "/v1/auth/refresh", map[string]any{"refresh_token": pair.RefreshToken}, nil)
	if r1.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body %s", r1.Code, r1.Body.String())
	}
}

func TestCSRFMintValidateRotateOverHTTP(t *testing.T) {
	h := newCSRFTestAPI(t)
	registerAndVerify(t, h, "nurse@example.com")
	rec, pair := login(t, h, "nurse@example.com", "Str0ngPassphrase")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}

	authz := http.Header{}
	authz.Set("Authorization", "Bearer "+pair.AccessToken)

	// A state change without a token is rejected before the handler runs.
	out := postJSON(t, h, "/v1/auth/logout", map[string]any{}, authz)
	if out.Code != http.StatusForbidden {
		t.Fatalf("logout without token status = %d, want 403", out.Code)
	}

	// A safe request mints a token keyed by the caller's session.
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	mrec := httptest.NewRecorder()
	h.ServeHTTP(mrec, req)
	if mrec.Code != http.StatusOK {
		t.Fatalf("me status = %d", mrec.Code)
	}
	token := mrec.Header().Get(csrf.HeaderName)
	if token == "" {
		t.Fatal("expected minted token on safe request")
	}

	// Another session behind the same address cannot spend that token.
	registerAndVerify(t, h, "aide@example.com")
	rec2, pair2 := login(t, h, "aide@example.com", "Str0ngPassphrase")
	if rec2.Code != http.StatusOK {
		t.Fatalf("second login status = %d", rec2.Code)
	}
	other := http.Header{}
	other.Set("Authorization", "Bearer "+pair2.AccessToken)
	other.Set(csrf.HeaderName, token)
	out = postJSON(t, h, "/v1/auth/logout", map[string]any{}, other)
	if out.Code != http.StatusForbidden {
		t.Fatalf("cross-session token status = %d, want 403", out.Code)
	}

	// The owning session spends it; the response carries a rotated token.
	authz.Set(csrf.HeaderName, token)
	out = postJSON(t, h, "/v1/auth/logout", map[string]any{}, authz)
	if out.Code != http.StatusOK {
		t.Fatalf("logout with token status = %d body %s", out.Code, out.Body.String())
	}
	rotated := out.Header().Get(csrf.HeaderName)
	if rotated == "" || rotated == token {
		t.Fatalf("expected rotated token, got %q", rotated)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, h := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/login", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestOuterRateLimitSheds(t *testing.T) {
	_, h := newTestAPI(t)
	var last int
	for i := 0; i < 40; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "203.0.113.9:1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status after burst = %d, want 429", last)
	}
}

func TestUnknownPathNeedsToken(t *testing.T) {
	_, h := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}
