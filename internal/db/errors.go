// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Package db contains shared database errors and helpers.
package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"time"
)

// ErrDuplicate is returned when attempting to insert a record that already exists.
var ErrDuplicate = errors.New("duplicate record")

// ErrUnavailable is returned when the database could not be reached after the
// bounded retry budget. Callers may retry the whole operation later.
var ErrUnavailable = errors.New("database unavailable")

// MapDBError inspects low-level driver errors and maps common constraint
// violations to package-level sentinel errors (like ErrDuplicate). This is a
// conservative, string-based mapping to avoid importing SQL driver packages
// into this package file.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	le := strings.ToLower(err.Error())
	// MySQL duplicate entry, Postgres unique violation (23505), SQLite unique constraint
	if strings.Contains(le, "duplicate") || strings.Contains(le, "unique") || strings.Contains(le, "23505") || strings.Contains(le, "1062") {
		return ErrDuplicate
	}
	return err
}

// isTransient reports whether an error looks like a connection-level failure
// that a retry could heal, as opposed to a constraint violation or query bug.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	le := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"the database system is starting up",
		"too many connections",
	} {
		if strings.Contains(le, marker) {
			return true
		}
	}
	return false
}

// retryAttempts bounds how often a transient connection failure is retried
// before the operation surfaces ErrUnavailable.
const retryAttempts = 3

// withRetry runs fn, retrying transient connection failures with exponential
// backoff. Constraint violations and context cancellation pass through
// unchanged on the first occurrence.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return errors.Join(ErrUnavailable, err)
}
