// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth provides credential verification and token lifecycle for authcore.
//
// # Domain Types
//
// A User is the only persisted record. Its session and reset tokens are
// stored as SHA-256 digests (see GenerateToken and HashToken); plaintext
// tokens exist only in responses to the client.
//
// # Services
//
//   - SessionService - registration, credential checks, session tokens
//   - ResetService - one-time password reset tokens
//   - Gatekeeper - per-request authentication with a configured Scheme
//
// Services are created with New*Service constructors that validate
// dependencies. Lookup misses are reported as errors wrapping ErrNotFound,
// never as nil results; callers match with errors.Is.
//
// # Schemes
//
// NoAuth, BasicAuth and SessionAuth implement Scheme. One is chosen at
// startup with NewScheme and shared by all requests.
package auth
