// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"github.com/samber/oops"
)

// basicPrefix is matched exactly: case-sensitive, one trailing space.
const basicPrefix = "Basic "

// Credentials is an email/password pair taken from a request. It is never stored.
type Credentials struct {
	Email    string
	Password string
}

// ExtractBasicHeader returns the encoded part of a Basic authorization header.
func ExtractBasicHeader(header string) (string, bool) {
	if !strings.HasPrefix(header, basicPrefix) {
		return "", false
	}
	return header[len(basicPrefix):], true
}

// DecodeBasic base64-decodes encoded and returns it as UTF-8 text.
// Malformed base64 and invalid UTF-8 both yield false.
func DecodeBasic(encoded string) (string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	if !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}

// SplitCredentials splits decoded on its first colon. The password may
// itself contain colons.
func SplitCredentials(decoded string) (email, password string, ok bool) {
	email, password, ok = strings.Cut(decoded, ":")
	if !ok {
		return "", "", false
	}
	return email, password, true
}

// ParseBasicHeader runs the full extract, decode and split pipeline.
// Any failure yields false; nothing here returns an error.
func ParseBasicHeader(header string) (Credentials, bool) {
	creds, err := parseBasic(header)
	return creds, err == nil
}

// parseBasic is ParseBasicHeader with the failing stage kept for debug logs.
// The error always wraps ErrMalformed and stays inside this package.
func parseBasic(header string) (Credentials, error) {
	encoded, ok := ExtractBasicHeader(header)
	if !ok {
		return Credentials{}, oops.Code("BASIC_BAD_PREFIX").Wrapf(ErrMalformed, "missing %q prefix", basicPrefix)
	}
	decoded, ok := DecodeBasic(encoded)
	if !ok {
		return Credentials{}, oops.Code("BASIC_BAD_ENCODING").Wrapf(ErrMalformed, "invalid base64 or utf-8")
	}
	email, password, ok := SplitCredentials(decoded)
	if !ok {
		return Credentials{}, oops.Code("BASIC_NO_SEPARATOR").Wrapf(ErrMalformed, "missing ':' separator")
	}
	return Credentials{Email: email, Password: password}, nil
}
