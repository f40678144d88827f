// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"errors"
	"net/http"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/pkg/errutil"
)

const maxFormBytes = 1 << 16

// form parses a form-encoded body, answering 400 itself on failure.
func form(w http.ResponseWriter, req *http.Request) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxFormBytes)
	if err := req.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return false
	}
	return true
}

func (r *Router) internalError(w http.ResponseWriter, req *http.Request, msg string, err error) {
	errutil.LogErrorContext(req.Context(), r.logger, msg, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (r *Router) observeAccount(event string, ok bool) {
	if r.metrics != nil {
		r.metrics.ObserveAccount(event, ok)
	}
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	if !form(w, req) {
		return
	}
	email, password := req.PostFormValue("email"), req.PostFormValue("password")
	if email == "" || password == "" {
		writeError(w, http.StatusBadRequest, "email and password required")
		return
	}

	user, err := r.sessions.Register(req.Context(), email, password)
	r.observeAccount("register", err == nil)
	if err != nil {
		if errors.Is(err, auth.ErrAlreadyExists) {
			writeError(w, http.StatusBadRequest, "email already registered")
			return
		}
		r.internalError(w, req, "register failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": user.Email, "message": "user created"})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if !form(w, req) {
		return
	}
	email, password := req.PostFormValue("email"), req.PostFormValue("password")

	valid, err := r.sessions.ValidLogin(req.Context(), email, password)
	if err != nil {
		r.observeAccount("login", false)
		r.internalError(w, req, "login failed", err)
		return
	}
	if !valid {
		r.observeAccount("login", false)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	token, err := r.sessions.CreateSession(req.Context(), email)
	r.observeAccount("login", err == nil)
	if err != nil {
		r.internalError(w, req, "create session failed", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     r.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"email": email, "message": "logged in"})
}

// sessionUser resolves the session cookie. It writes 403 when the cookie is
// missing or unknown and 500 on lookup failure.
func (r *Router) sessionUser(w http.ResponseWriter, req *http.Request) (*auth.User, bool) {
	cookie, err := req.Cookie(r.cookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusForbidden, "Forbidden")
		return nil, false
	}

	user, err := r.sessions.ResolveSession(req.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, http.StatusForbidden, "Forbidden")
			return nil, false
		}
		r.internalError(w, req, "resolve session failed", err)
		return nil, false
	}
	if rec, ok := w.(*statusRecorder); ok {
		rec.user = user
	}
	return user, true
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	user, ok := r.sessionUser(w, req)
	if !ok {
		return
	}

	cookie, _ := req.Cookie(r.cookieName)
	err := r.sessions.RevokeSession(req.Context(), user.ID, cookie.Value)
	r.observeAccount("logout", err == nil)
	if err != nil {
		r.internalError(w, req, "revoke session failed", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     r.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (r *Router) handleProfile(w http.ResponseWriter, req *http.Request) {
	user, ok := r.sessionUser(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": user.Email})
}

func (r *Router) handleResetRequest(w http.ResponseWriter, req *http.Request) {
	if !form(w, req) {
		return
	}
	email := req.PostFormValue("email")

	token, err := r.resets.IssueResetToken(req.Context(), email)
	r.observeAccount("reset_request", err == nil)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		r.internalError(w, req, "reset request failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": email, "reset_token": token})
}

func (r *Router) handleResetPassword(w http.ResponseWriter, req *http.Request) {
	if !form(w, req) {
		return
	}
	email := req.PostFormValue("email")
	token := req.PostFormValue("reset_token")
	password := req.PostFormValue("new_password")
	if password == "" {
		writeError(w, http.StatusBadRequest, "new_password required")
		return
	}

	err := r.resets.UpdatePassword(req.Context(), token, password)
	r.observeAccount("reset_password", err == nil)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		r.internalError(w, req, "password update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": email, "message": "Password updated"})
}
