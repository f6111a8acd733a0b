// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"

	"github.com/toeirei/khm/internal/model"
	"github.com/uptrace/bun"
)

// Store defines the interface for all database operations in KHM.
// The engine depends on this narrow capability set; tests substitute an
// in-memory SQLite implementation.
type Store interface {
	// UpsertTriple inserts the (flow, host, key) triple if absent. If the
	// triple already exists, nothing changes — the deprecated flag is left
	// untouched. Returns true when a row was inserted.
	UpsertTriple(ctx context.Context, flow, host, publicKey string) (bool, error)

	// ListKeys returns the records of a flow, stable-ordered by
	// (host, public_key) ascending. Deprecated records are included only
	// when includeDeprecated is set.
	ListKeys(ctx context.Context, flow string, includeDeprecated bool) ([]model.KeyRecord, error)

	// SetDeprecated flips the deprecated flag for every record of the host
	// in the flow and returns the number of rows changed.
	SetDeprecated(ctx context.Context, flow, host string, value bool) (int64, error)

	// HardDeleteHost removes every deprecated record of the host in the
	// flow. Active records are not touched. Returns the number of rows
	// removed.
	HardDeleteHost(ctx context.Context, flow, host string) (int64, error)

	// ListHostnames returns the distinct hosts (active and deprecated) of a
	// flow, ascending.
	ListHostnames(ctx context.Context, flow string) ([]string, error)

	// CountHostRecords reports how many active and deprecated records the
	// host has in the flow.
	CountHostRecords(ctx context.Context, flow, host string) (active, deprecated int64, err error)

	// ExportAll returns every record across all flows, for backups.
	ExportAll(ctx context.Context) ([]model.KeyRecord, error)

	// ImportRecord inserts a record preserving its deprecated flag. Existing
	// triples are left untouched. Used by restore only.
	ImportRecord(ctx context.Context, rec model.KeyRecord) error

	// DeleteAll wipes the key table. Used by restore --replace only.
	DeleteAll(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error

	// BunDB exposes the underlying *bun.DB for diagnostics.
	BunDB() *bun.DB
}
