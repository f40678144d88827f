// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import "errors"

// Sentinel errors. Returned errors wrap these; match with errors.Is.
var (
	// ErrNotFound is returned when a lookup by email, token or id matches no user.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when registering an email that is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidField is returned when a repository update or lookup names a
	// field outside the allowed set.
	ErrInvalidField = errors.New("invalid field")

	// ErrMalformed marks a credential that could not be parsed. It never
	// leaves the Basic header pipeline.
	ErrMalformed = errors.New("malformed credential")
)
