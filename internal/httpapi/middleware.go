// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/internal/logging"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

type userContextKey struct{}

// UserFromContext returns the user the gatekeeper authenticated, if any.
func UserFromContext(ctx context.Context) (*auth.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*auth.User)
	return user, ok && user != nil
}

func withUser(ctx context.Context, user *auth.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// withRequestID propagates an inbound X-Request-ID or mints a UUID, echoes it
// on the response and attaches it to the logging context.
func (r *Router) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimSpace(req.Header.Get(RequestIDHeader))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, req.WithContext(logging.WithRequestID(req.Context(), id)))
	})
}

// statusRecorder captures what a handler wrote for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	user   *auth.User
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	//nolint:wrapcheck // ResponseWriter passthrough
	return n, err
}

// audit logs and counts every request served under route.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		if r.metrics != nil {
			r.metrics.ObserveRequest(req.Method, route, status, elapsed)
		}

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", elapsed.Milliseconds(),
		}
		if recorder.user != nil {
			fields = append(fields, "user_id", recorder.user.ID.String())
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.ErrorContext(req.Context(), "http request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.WarnContext(req.Context(), "http request", fields...)
		default:
			r.logger.InfoContext(req.Context(), "http request", fields...)
		}
	}
}

// gate runs the gatekeeper before next. Unauthenticated requests get 401,
// forbidden ones 403; an authenticated user is stored on the context.
func (r *Router) gate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		result := r.gatekeeper.Authenticate(req)
		if r.metrics != nil {
			r.metrics.ObserveAuth(r.gatekeeper.Scheme().Name(), result.Outcome.String())
		}

		switch result.Outcome {
		case auth.OutcomeUnauthenticated:
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		case auth.OutcomeForbidden:
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		case auth.OutcomeAuthenticated:
			if rec, ok := w.(*statusRecorder); ok {
				rec.user = result.User
			}
			req = req.WithContext(withUser(req.Context(), result.User))
		}
		next(w, req)
	}
}

func routeLabel(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}
