// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// PathMatcher decides whether a request path is exempt from authentication.
//
// Plain entries match exactly, ignoring a trailing slash on either side.
// Entries containing glob metacharacters are compiled with gobwas/glob, so
// "/api/v1/stat*" exempts every path starting with "/api/v1/stat".
type PathMatcher struct {
	exact map[string]struct{}
	globs []glob.Glob
}

// NewPathMatcher compiles the excluded path list.
// Returns an error if a pattern has invalid glob syntax.
func NewPathMatcher(excluded []string) (*PathMatcher, error) {
	m := &PathMatcher{exact: make(map[string]struct{}, len(excluded))}
	for _, entry := range excluded {
		if entry == "" {
			continue
		}
		if !strings.ContainsAny(entry, "*?[{") {
			m.exact[withTrailingSlash(entry)] = struct{}{}
			continue
		}
		g, err := glob.Compile(entry)
		if err != nil {
			return nil, oops.In("auth").
				Code("INVALID_PATH_PATTERN").
				With("pattern", entry).
				Wrap(err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Empty reports whether no paths are excluded.
func (m *PathMatcher) Empty() bool {
	return m == nil || (len(m.exact) == 0 && len(m.globs) == 0)
}

// Excluded reports whether path matches an excluded entry.
func (m *PathMatcher) Excluded(path string) bool {
	if m.Empty() || path == "" {
		return false
	}
	normalized := withTrailingSlash(path)
	if _, ok := m.exact[normalized]; ok {
		return true
	}
	for _, g := range m.globs {
		if g.Match(path) || g.Match(normalized) {
			return true
		}
	}
	return false
}

// RequiresAuth reports whether path must be authenticated. An empty path or an
// empty exclusion list always requires authentication.
func (m *PathMatcher) RequiresAuth(path string) bool {
	return !m.Excluded(path)
}

// RequiresAuth reports whether path must be authenticated given excluded.
// Entries with invalid glob syntax are compared literally.
func RequiresAuth(path string, excluded []string) bool {
	m, err := NewPathMatcher(excluded)
	if err != nil {
		m = &PathMatcher{exact: make(map[string]struct{}, len(excluded))}
		for _, entry := range excluded {
			m.exact[withTrailingSlash(entry)] = struct{}{}
		}
	}
	return m.RequiresAuth(path)
}

func withTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// Supported scheme names for configuration.
const (
	SchemeNone    = "none"
	SchemeBasic   = "basic"
	SchemeSession = "session"
)

// DefaultSessionCookie is the cookie carrying the session token.
const DefaultSessionCookie = "session_id"

// Scheme is one way of establishing identity from a request.
type Scheme interface {
	// Name returns the configuration name of the scheme.
	Name() string

	// RequiresAuth reports whether path needs an identity under this scheme.
	RequiresAuth(path string, excluded *PathMatcher) bool

	// Credential returns the raw credential carried by r, and false if the
	// request carries none.
	Credential(r *http.Request) (string, bool)

	// Identify resolves a credential to a user.
	// Returns ErrNotFound when the credential names no user.
	Identify(ctx context.Context, credential string) (*User, error)
}

// NoAuth never requires authentication.
type NoAuth struct{}

// Name implements Scheme.
func (NoAuth) Name() string { return SchemeNone }

// RequiresAuth implements Scheme.
func (NoAuth) RequiresAuth(string, *PathMatcher) bool { return false }

// Credential implements Scheme.
func (NoAuth) Credential(*http.Request) (string, bool) { return "", false }

// Identify implements Scheme.
func (NoAuth) Identify(context.Context, string) (*User, error) {
	return nil, oops.Code("AUTH_NO_SCHEME").Wrapf(ErrNotFound, "no authentication scheme configured")
}

// BasicAuth authenticates with an HTTP Basic Authorization header checked
// against the user repository.
type BasicAuth struct {
	users  UserRepository
	hasher PasswordHasher
	decoy  *decoyHash
	logger *slog.Logger
}

// NewBasicAuth creates a BasicAuth scheme.
func NewBasicAuth(users UserRepository, hasher PasswordHasher, logger *slog.Logger) *BasicAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &BasicAuth{users: users, hasher: hasher, decoy: newDecoyHash(hasher), logger: logger}
}

// Name implements Scheme.
func (b *BasicAuth) Name() string { return SchemeBasic }

// RequiresAuth implements Scheme.
func (b *BasicAuth) RequiresAuth(path string, excluded *PathMatcher) bool {
	return excluded.RequiresAuth(path)
}

// Credential returns the Authorization header.
func (b *BasicAuth) Credential(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	return header, header != ""
}

// Identify decodes the header and verifies the password. Malformed headers,
// unknown emails and wrong passwords all return ErrNotFound.
func (b *BasicAuth) Identify(ctx context.Context, header string) (*User, error) {
	creds, err := parseBasic(header)
	if err != nil {
		b.logger.DebugContext(ctx, "basic credential rejected", "reason", err.Error())
		return nil, oops.Code("BASIC_INVALID_CREDENTIALS").Wrapf(ErrNotFound, "malformed basic credentials")
	}

	user, err := b.users.FindBy(ctx, ByEmail(creds.Email))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, oops.Code("BASIC_LOOKUP_FAILED").
				With("operation", "find user by email").
				Wrap(err)
		}
		b.decoy.verify(creds.Password)
		return nil, oops.Code("BASIC_INVALID_CREDENTIALS").Wrapf(ErrNotFound, "invalid email or password")
	}

	if !b.hasher.Verify(creds.Password, user.PasswordHash) {
		return nil, oops.Code("BASIC_INVALID_CREDENTIALS").Wrapf(ErrNotFound, "invalid email or password")
	}
	return user, nil
}

// SessionAuth authenticates with a session cookie.
type SessionAuth struct {
	sessions   *SessionService
	cookieName string
}

// NewSessionAuth creates a SessionAuth scheme reading cookieName.
func NewSessionAuth(sessions *SessionService, cookieName string) *SessionAuth {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	return &SessionAuth{sessions: sessions, cookieName: cookieName}
}

// Name implements Scheme.
func (s *SessionAuth) Name() string { return SchemeSession }

// CookieName returns the cookie the scheme reads.
func (s *SessionAuth) CookieName() string { return s.cookieName }

// RequiresAuth implements Scheme.
func (s *SessionAuth) RequiresAuth(path string, excluded *PathMatcher) bool {
	return excluded.RequiresAuth(path)
}

// Credential returns the session cookie value.
func (s *SessionAuth) Credential(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// Identify resolves the session token.
func (s *SessionAuth) Identify(ctx context.Context, token string) (*User, error) {
	return s.sessions.ResolveSession(ctx, token)
}

// SchemeDeps carries what the configurable schemes need.
type SchemeDeps struct {
	Users      UserRepository
	Hasher     PasswordHasher
	Sessions   *SessionService
	CookieName string
	Logger     *slog.Logger
}

// NewScheme builds the scheme registered under name. It is called once at
// startup; the result is shared by all requests.
func NewScheme(name string, deps SchemeDeps) (Scheme, error) {
	switch name {
	case "", SchemeNone:
		return NoAuth{}, nil
	case SchemeBasic:
		if deps.Users == nil || deps.Hasher == nil {
			return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("basic scheme requires a user repository and hasher")
		}
		return NewBasicAuth(deps.Users, deps.Hasher, deps.Logger), nil
	case SchemeSession:
		if deps.Sessions == nil {
			return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("session scheme requires a session service")
		}
		return NewSessionAuth(deps.Sessions, deps.CookieName), nil
	default:
		return nil, oops.Code("AUTH_UNKNOWN_SCHEME").
			With("scheme", name).
			Errorf("unknown authentication scheme %q", name)
	}
}

// Outcome classifies a gatekeeper decision.
type Outcome int

// Gatekeeper outcomes.
const (
	// OutcomeAnonymous means the path needs no identity.
	OutcomeAnonymous Outcome = iota
	// OutcomeAuthenticated means a user was identified.
	OutcomeAuthenticated
	// OutcomeUnauthenticated means the request carries no credential.
	OutcomeUnauthenticated
	// OutcomeForbidden means a credential was presented but names no user.
	OutcomeForbidden
)

// String returns the outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeAnonymous:
		return "anonymous"
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeUnauthenticated:
		return "unauthenticated"
	case OutcomeForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Result is the gatekeeper's decision for one request.
type Result struct {
	Outcome Outcome
	User    *User
}

// Gatekeeper applies the active scheme to inbound requests.
type Gatekeeper struct {
	scheme   Scheme
	excluded *PathMatcher
	logger   *slog.Logger
}

// NewGatekeeper creates a Gatekeeper for scheme exempting the excluded paths.
func NewGatekeeper(scheme Scheme, excluded []string, logger *slog.Logger) (*Gatekeeper, error) {
	if scheme == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("scheme is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	matcher, err := NewPathMatcher(excluded)
	if err != nil {
		return nil, err
	}
	return &Gatekeeper{scheme: scheme, excluded: matcher, logger: logger}, nil
}

// Scheme returns the active scheme.
func (g *Gatekeeper) Scheme() Scheme {
	return g.scheme
}

// Authenticate decides whether r may proceed and as whom. A missing
// credential is OutcomeUnauthenticated; a credential that resolves to no user,
// or whose lookup fails, is OutcomeForbidden.
func (g *Gatekeeper) Authenticate(r *http.Request) Result {
	if !g.scheme.RequiresAuth(r.URL.Path, g.excluded) {
		return Result{Outcome: OutcomeAnonymous}
	}

	credential, ok := g.scheme.Credential(r)
	if !ok {
		return Result{Outcome: OutcomeUnauthenticated}
	}

	user, err := g.scheme.Identify(r.Context(), credential)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.logger.ErrorContext(r.Context(), "identity lookup failed",
				"scheme", g.scheme.Name(),
				"path", r.URL.Path,
				"error", err)
		}
		return Result{Outcome: OutcomeForbidden}
	}
	return Result{Outcome: OutcomeAuthenticated, User: user}
}
