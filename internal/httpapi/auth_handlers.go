package httpapi

import (
	"errors"
	"net/http"
	"time"

	"tasklane.dev/internal/audit"
	"tasklane.dev/internal/obs"
	"tasklane.dev/internal/session"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type recoverPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type loginResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
	User         userResponse `json:"user"`
}

type refreshResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
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
	identity, err := a.sessions.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"identity_id": identity.ID,
		"email":       identity.Email,
	})
	writeJSON(w, http.StatusCreated, userResponse{
		ID:    identity.ID,
		Email: identity.Email,
		Name:  identity.DisplayName,
	})
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
	pair, identity, err := a.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"identity_id": identity.ID,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExpiresAt,
		User: userResponse{
			ID:    identity.ID,
			Email: identity.Email,
			Name:  identity.DisplayName,
		},
	})
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
	access, expiresAt, err := a.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidRefreshToken):
			obs.ObserveRefresh("invalid")
		default:
			obs.ObserveRefresh("error")
		}
		handleSessionError(w, r, err)
		return
	}
	obs.ObserveRefresh("ok")
	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken: access,
		ExpiresAt:   expiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.sessions.Logout(r.Context(), req.RefreshToken); err != nil {
		handleSessionError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	identityID, ok := session.IdentityIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.sessions.LogoutEverywhere(r.Context(), identityID); err != nil {
		handleSessionError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout_all", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleRecoverPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req recoverPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.sessions.RecoverPassword(r.Context(), req.Email); err != nil {
		handleSessionError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.recover_password", nil)
	// Same body whether or not the address is registered.
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.sessions.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		handleSessionError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.reset_password", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := session.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    claims.Subject,
		"email": claims.Email,
		"name":  claims.DisplayName,
		"role":  claims.Role,
	})
}

func handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "email already registered")
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, session.ErrInvalidRefreshToken):
		writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
	case errors.Is(err, session.ErrInvalidResetToken):
		writeError(w, r, http.StatusBadRequest, "invalid or expired reset token")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
