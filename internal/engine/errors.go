// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

package engine

import "errors"

// Sentinel errors returned by the engine. The HTTP layer maps these onto
// status codes.
var (
	// ErrHostNotFound is returned when an operation targets a host with no
	// records in the flow.
	ErrHostNotFound = errors.New("host not found in flow")

	// ErrNotDeprecated is returned by restore when the host has no
	// deprecated records to bring back.
	ErrNotDeprecated = errors.New("host has no deprecated keys")

	// ErrHostActive is returned by permanent deletion when the host still
	// has active records. Active records must be deprecated first.
	ErrHostActive = errors.New("host still has active keys")

	// ErrInvalidKey is returned when an uploaded public key does not match
	// the "keytype base64" grammar.
	ErrInvalidKey = errors.New("invalid public key")

	// ErrInvalidHost is returned when an uploaded host field is empty.
	ErrInvalidHost = errors.New("invalid host")
)
