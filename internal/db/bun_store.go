// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the Bun-backed implementation of the Store interface.
// One implementation serves all supported dialects; Bun renders the
// dialect-specific SQL.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/toeirei/khm/internal/model"
	"github.com/uptrace/bun"
)

// queryTimeout caps every single database roundtrip.
const queryTimeout = 10 * time.Second

// KnownHostKeyModel maps the `known_host_keys` table for Bun queries.
type KnownHostKeyModel struct {
	bun.BaseModel `bun:"table:known_host_keys"`
	Flow          string    `bun:"flow,pk"`
	Host          string    `bun:"host,pk"`
	PublicKey     string    `bun:"public_key,pk"`
	Deprecated    bool      `bun:"deprecated"`
	CreatedAt     time.Time `bun:"created_at"`
}

func keyModelToRecord(m KnownHostKeyModel) model.KeyRecord {
	return model.KeyRecord{
		Flow:       m.Flow,
		Host:       m.Host,
		PublicKey:  m.PublicKey,
		Deprecated: m.Deprecated,
	}
}

// KeyStore is the Bun implementation of the Store interface.
type KeyStore struct {
	bun *bun.DB
}

// BunDB exposes the underlying *bun.DB for diagnostics.
func (s *KeyStore) BunDB() *bun.DB { return s.bun }

// Close releases the underlying connection pool.
func (s *KeyStore) Close() error { return s.bun.Close() }

func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

// UpsertTriple inserts the triple if absent, leaving the deprecated flag of
// an existing row untouched. The database's primary key over
// (flow, host, public_key) is the only cross-request uniqueness guard, so a
// concurrent identical insert surfaces as a no-op here, not an error.
func (s *KeyStore) UpsertTriple(ctx context.Context, flow, host, publicKey string) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var inserted bool
	err := withRetry(ctx, func() error {
		m := KnownHostKeyModel{
			Flow:      flow,
			Host:      host,
			PublicKey: publicKey,
			CreatedAt: time.Now().UTC(),
		}
		res, err := s.bun.NewInsert().Model(&m).Ignore().Exec(ctx)
		if err != nil {
			if errors.Is(MapDBError(err), ErrDuplicate) {
				inserted = false
				return nil
			}
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ListKeys returns the flow's records, stable-ordered by (host, public_key).
func (s *KeyStore) ListKeys(ctx context.Context, flow string, includeDeprecated bool) ([]model.KeyRecord, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var records []model.KeyRecord
	err := withRetry(ctx, func() error {
		var rows []KnownHostKeyModel
		q := s.bun.NewSelect().Model(&rows).
			Where("flow = ?", flow).
			Order("host ASC", "public_key ASC")
		if !includeDeprecated {
			q = q.Where("deprecated = ?", false)
		}
		if err := q.Scan(ctx); err != nil {
			return err
		}
		records = make([]model.KeyRecord, 0, len(rows))
		for _, r := range rows {
			records = append(records, keyModelToRecord(r))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SetDeprecated flips the flag for every record of the host in the flow.
func (s *KeyStore) SetDeprecated(ctx context.Context, flow, host string, value bool) (int64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var affected int64
	err := withRetry(ctx, func() error {
		res, err := s.bun.NewUpdate().Model((*KnownHostKeyModel)(nil)).
			Set("deprecated = ?", value).
			Where("flow = ?", flow).
			Where("host = ?", host).
			Where("deprecated = ?", !value).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// HardDeleteHost removes the host's deprecated records; active rows stay.
func (s *KeyStore) HardDeleteHost(ctx context.Context, flow, host string) (int64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var affected int64
	err := withRetry(ctx, func() error {
		res, err := s.bun.NewDelete().Model((*KnownHostKeyModel)(nil)).
			Where("flow = ?", flow).
			Where("host = ?", host).
			Where("deprecated = ?", true).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// ListHostnames returns the distinct hosts of the flow, active and deprecated.
func (s *KeyStore) ListHostnames(ctx context.Context, flow string) ([]string, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var hosts []string
	err := withRetry(ctx, func() error {
		hosts = hosts[:0]
		return s.bun.NewSelect().Model((*KnownHostKeyModel)(nil)).
			ColumnExpr("DISTINCT host").
			Where("flow = ?", flow).
			OrderExpr("host ASC").
			Scan(ctx, &hosts)
	})
	if err != nil {
		return nil, err
	}
	return hosts, nil
}

// CountHostRecords reports the host's active and deprecated record counts.
func (s *KeyStore) CountHostRecords(ctx context.Context, flow, host string) (int64, int64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var active, deprecated int64
	err := withRetry(ctx, func() error {
		n, err := s.bun.NewSelect().Model((*KnownHostKeyModel)(nil)).
			Where("flow = ?", flow).
			Where("host = ?", host).
			Where("deprecated = ?", false).
			Count(ctx)
		if err != nil {
			return err
		}
		active = int64(n)
		n, err = s.bun.NewSelect().Model((*KnownHostKeyModel)(nil)).
			Where("flow = ?", flow).
			Where("host = ?", host).
			Where("deprecated = ?", true).
			Count(ctx)
		if err != nil {
			return err
		}
		deprecated = int64(n)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return active, deprecated, nil
}

// ExportAll returns every record across all flows, for backups.
func (s *KeyStore) ExportAll(ctx context.Context) ([]model.KeyRecord, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var records []model.KeyRecord
	err := withRetry(ctx, func() error {
		var rows []KnownHostKeyModel
		if err := s.bun.NewSelect().Model(&rows).
			Order("flow ASC", "host ASC", "public_key ASC").
			Scan(ctx); err != nil {
			return err
		}
		records = make([]model.KeyRecord, 0, len(rows))
		for _, r := range rows {
			records = append(records, keyModelToRecord(r))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ImportRecord inserts a backup record, preserving its deprecated flag.
// Existing triples win over the backup.
func (s *KeyStore) ImportRecord(ctx context.Context, rec model.KeyRecord) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	return withRetry(ctx, func() error {
		m := KnownHostKeyModel{
			Flow:       rec.Flow,
			Host:       rec.Host,
			PublicKey:  rec.PublicKey,
			Deprecated: rec.Deprecated,
			CreatedAt:  time.Now().UTC(),
		}
		_, err := s.bun.NewInsert().Model(&m).Ignore().Exec(ctx)
		if err != nil && errors.Is(MapDBError(err), ErrDuplicate) {
			return nil
		}
		return err
	})
}

// DeleteAll wipes the key table.
func (s *KeyStore) DeleteAll(ctx context.Context) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	return withRetry(ctx, func() error {
		_, err := s.bun.NewDelete().Model((*KnownHostKeyModel)(nil)).Where("1 = 1").Exec(ctx)
		return err
	})
}
