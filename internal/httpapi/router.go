// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package httpapi exposes the authentication core over HTTP.
//
// Two route groups share one mux. The /api/v1 group sits behind the
// configured Gatekeeper. The account routes (/users, /sessions, /profile,
// /reset_password) are public and read the session cookie themselves.
// Request bodies are form encoded; responses are JSON.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/samber/oops"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/internal/observability"
)

// Deps carries the services the router dispatches to.
type Deps struct {
	Sessions   *auth.SessionService
	Resets     *auth.ResetService
	Gatekeeper *auth.Gatekeeper
	// Metrics is optional.
	Metrics *observability.Metrics
	// CookieName defaults to auth.DefaultSessionCookie.
	CookieName string
	Logger     *slog.Logger
}

// Router wires HTTP endpoints to the auth services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	sessions   *auth.SessionService
	resets     *auth.ResetService
	gatekeeper *auth.Gatekeeper
	metrics    *observability.Metrics
	cookieName string
}

// NewRouter assembles the routes.
func NewRouter(deps Deps) (*Router, error) {
	if deps.Sessions == nil || deps.Resets == nil || deps.Gatekeeper == nil {
		return nil, oops.Code("HTTPAPI_INVALID_CONFIG").
			Errorf("session service, reset service and gatekeeper are required")
	}

	r := &Router{
		mux:        http.NewServeMux(),
		logger:     deps.Logger,
		sessions:   deps.Sessions,
		resets:     deps.Resets,
		gatekeeper: deps.Gatekeeper,
		metrics:    deps.Metrics,
		cookieName: deps.CookieName,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.cookieName == "" {
		r.cookieName = auth.DefaultSessionCookie
	}
	r.register()
	return r, nil
}

// ServeHTTP assigns a request id and delegates to the mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.withRequestID(r.mux).ServeHTTP(w, req)
}

func (r *Router) register() {
	r.handle("GET /{$}", r.handleWelcome)

	r.handle("GET /api/v1/status", r.gate(r.handleStatus))
	r.handle("GET /api/v1/status/{$}", r.gate(r.handleStatus))
	r.handle("GET /api/v1/unauthorized", r.gate(r.handleUnauthorized))
	r.handle("GET /api/v1/unauthorized/{$}", r.gate(r.handleUnauthorized))
	r.handle("GET /api/v1/forbidden", r.gate(r.handleForbidden))
	r.handle("GET /api/v1/forbidden/{$}", r.gate(r.handleForbidden))
	r.handle("GET /api/v1/users/me", r.gate(r.handleMe))
	r.handle("/api/v1/", r.gate(r.handleNotFound))

	r.handle("POST /users", r.handleRegister)
	r.handle("POST /sessions", r.handleLogin)
	r.handle("DELETE /sessions", r.handleLogout)
	r.handle("GET /profile", r.handleProfile)
	r.handle("POST /reset_password", r.handleResetRequest)
	r.handle("PUT /reset_password", r.handleResetPassword)

	r.handle("/", r.handleNotFound)
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.Handle(pattern, r.audit(routeLabel(pattern), h))
}

func (r *Router) handleWelcome(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Bienvenue"})
}

func (r *Router) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (r *Router) handleUnauthorized(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusUnauthorized, "Unauthorized")
}

func (r *Router) handleForbidden(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusForbidden, "Forbidden")
}

func (r *Router) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not found")
}

// handleMe returns the identity the gatekeeper attached. Under the none
// scheme there is no identity and the route reports not found.
func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	user, ok := UserFromContext(req.Context())
	if !ok {
		r.handleNotFound(w, req)
		return
	}
	writeJSON(w, http.StatusOK, userView(user))
}

func userView(u *auth.User) map[string]any {
	return map[string]any{
		"id":         u.ID.String(),
		"email":      u.Email,
		"created_at": u.CreatedAt,
		"updated_at": u.UpdatedAt,
	}
}
