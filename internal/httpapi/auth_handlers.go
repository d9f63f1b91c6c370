package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"medlock.org/internal/auth"
	"medlock.org/internal/ratelimit"
)

// Security failures answer with the same vocabulary regardless of cause, so
// responses do not reveal which identifiers exist or why a login failed.
const (
	msgInvalidCredentials = "invalid credentials"
	msgAccountLocked      = "account temporarily locked"
	msgTooManyRequests    = "too many requests"
	msgInvalidToken       = "invalid or expired token"
)

func clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

type registerRequest struct {
	TenantID   string `json:"tenant_id"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Name       string `json:"name"`
	Department string `json:"department,omitempty"`
	Role       string `json:"role,omitempty"`
}

type registerResponse struct {
	AccountID             string    `json:"account_id"`
	VerificationToken     string    `json:"verification_token"`
	VerificationExpiresAt time.Time `json:"verification_expires_at"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.Register(r.Context(), auth.RegisterInput{
		TenantID:   req.TenantID,
		Email:      req.Email,
		Password:   req.Password,
		Name:       req.Name,
		Department: req.Department,
		Role:       req.Role,
		Client:     clientInfo(r),
	})
	setRateHeaders(w, res.Rate)
	if err != nil {
		switch {
		case errors.Is(err, ratelimit.ErrRateLimited):
			writeError(w, r, http.StatusTooManyRequests, msgTooManyRequests)
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrDuplicateAccount):
			writeError(w, r, http.StatusConflict, "account already exists")
		default:
			writeError(w, r, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	// The verification token normally leaves through the mail collaborator;
	// returning it here serves deployments that deliver it out of band.
	writeJSON(w, http.StatusCreated, registerResponse{
		AccountID:             res.AccountID,
		VerificationToken:     res.VerificationToken,
		VerificationExpiresAt: res.VerificationExpiresAt,
	})
}

type loginRequest struct {
	TenantID         string `json:"tenant_id"`
	Email            string `json:"email"`
	Password         string `json:"password"`
	SecondFactorCode string `json:"second_factor_code,omitempty"`
	RememberMe       bool   `json:"remember_me,omitempty"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.Login(r.Context(), auth.LoginInput{
		TenantID:         req.TenantID,
		Email:            req.Email,
		Password:         req.Password,
		SecondFactorCode: req.SecondFactorCode,
		RememberMe:       req.RememberMe,
		Client:           clientInfo(r),
	})
	setRateHeaders(w, res.Rate)
	if err != nil {
		a.writeLoginError(w, r, res, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      res.AccessToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt,
		SessionID:        res.SessionID,
	})
}

func (a *API) writeLoginError(w http.ResponseWriter, r *http.Request, res auth.LoginResult, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, msgTooManyRequests)
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAccountLocked):
		if !res.LockedUntil.IsZero() {
			secs := int(time.Until(res.LockedUntil).Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, r, http.StatusLocked, msgAccountLocked)
	case errors.Is(err, auth.ErrSecondFactorRequired):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":                  msgInvalidCredentials,
			"second_factor_required": true,
		})
	case errors.Is(err, auth.ErrEmailNotVerified):
		writeError(w, r, http.StatusForbidden, "email address not verified")
	default:
		// Unknown account, bad password, inactive account: one answer.
		writeError(w, r, http.StatusUnauthorized, msgInvalidCredentials)
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken, clientInfo(r))
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			writeError(w, r, http.StatusTooManyRequests, msgTooManyRequests)
			return
		}
		writeError(w, r, http.StatusUnauthorized, msgInvalidToken)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      pair.AccessToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, msgInvalidToken)
		return
	}
	raw, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.Logout(r.Context(), principal.SessionID, raw, clientInfo(r)); err != nil {
		writeError(w, r, http.StatusUnauthorized, msgInvalidToken)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.VerifyEmail(r.Context(), req.Token, clientInfo(r)); err != nil {
		writeError(w, r, http.StatusBadRequest, msgInvalidToken)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "verified"})
}

type resetRequestRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
}

func (a *API) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resetRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// The response is identical for known and unknown identifiers.
	_, _, err := a.svc.RequestPasswordReset(r.Context(), req.TenantID, req.Email, clientInfo(r))
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			writeError(w, r, http.StatusTooManyRequests, msgTooManyRequests)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "reset request failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (a *API) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resetConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword, clientInfo(r)); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrInvalidToken):
			writeError(w, r, http.StatusBadRequest, msgInvalidToken)
		default:
			writeError(w, r, http.StatusInternalServerError, "reset failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_updated"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, msgInvalidToken)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": principal.AccountID,
		"session_id": principal.SessionID,
		"tenant_id":  principal.TenantID,
		"role":       principal.Role,
	})
}

type unlockRequest struct {
	AccountID string `json:"account_id"`
}

func (a *API) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || principal.Role != "admin" {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	var req unlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ResetLockout(r.Context(), req.AccountID, clientInfo(r)); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "unlock failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unlocked"})
}
