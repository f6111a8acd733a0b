// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package engine implements the flow engine: deduplicated ingestion of
// (flow, host, key) triples and their deprecation lifecycle. The engine is
// the only mutator of persistent state. It is stateless between requests;
// the database's unique constraint over the triple is the sole cross-request
// invariant.
package engine // import "github.com/toeirei/khm/internal/engine"

import (
	"context"
	"fmt"

	"github.com/toeirei/khm/internal/db"
	"github.com/toeirei/khm/internal/knownhosts"
	"github.com/toeirei/khm/internal/logging"
	"github.com/toeirei/khm/internal/model"
)

// Engine exposes the domain operations over a db.Store.
type Engine struct {
	store db.Store
}

// New returns an engine backed by the given store.
func New(store db.Store) *Engine {
	return &Engine{store: store}
}

// IngestSummary reports the outcome of a batch upload.
type IngestSummary struct {
	Inserted   int
	Duplicates int
}

// BulkSummary reports the outcome of a bulk deprecate/restore call.
// Affected counts hosts with at least one record flipped; Skipped counts the
// rest (unknown hosts or hosts already in the target state).
type BulkSummary struct {
	Affected int
	Skipped  int
}

// IngestBatch upserts each upload in array order. A duplicate in the middle
// does not abort later items; re-ingesting an identical triple is an
// idempotent no-op that leaves the deprecated flag untouched. Weak key
// algorithms are logged, never rejected.
func (e *Engine) IngestBatch(ctx context.Context, flow string, uploads []model.KeyUpload) (IngestSummary, error) {
	var sum IngestSummary
	for i, up := range uploads {
		if up.Host == "" {
			return sum, fmt.Errorf("entry %d: %w", i, ErrInvalidHost)
		}
		if !knownhosts.ValidPublicKey(up.PublicKey) {
			return sum, fmt.Errorf("entry %d: %w", i, ErrInvalidKey)
		}
		if warning := knownhosts.AlgorithmWarning(up.PublicKey); warning != "" {
			logging.Warnf("flow %s, host %s: %s", flow, up.Host, warning)
		}
		inserted, err := e.store.UpsertTriple(ctx, flow, up.Host, up.PublicKey)
		if err != nil {
			return sum, fmt.Errorf("failed to upsert key for %s: %w", up.Host, err)
		}
		if inserted {
			sum.Inserted++
			logging.Infof("flow %s: new key for host %s", flow, up.Host)
		} else {
			sum.Duplicates++
		}
	}
	return sum, nil
}

// Read returns the flow's records, deprecated ones only on request.
func (e *Engine) Read(ctx context.Context, flow string, includeDeprecated bool) ([]model.KeyRecord, error) {
	return e.store.ListKeys(ctx, flow, includeDeprecated)
}

// Hostnames returns the distinct hosts of the flow, active and deprecated.
func (e *Engine) Hostnames(ctx context.Context, flow string) ([]string, error) {
	return e.store.ListHostnames(ctx, flow)
}

// DeprecateHost soft-deletes every record of the host in the flow. A host
// whose records are all deprecated already is reported as success with zero
// affected rows; a host with no records at all is ErrHostNotFound.
func (e *Engine) DeprecateHost(ctx context.Context, flow, host string) (int64, error) {
	affected, err := e.store.SetDeprecated(ctx, flow, host, true)
	if err != nil {
		return 0, fmt.Errorf("failed to deprecate %s: %w", host, err)
	}
	if affected == 0 {
		_, deprecated, err := e.store.CountHostRecords(ctx, flow, host)
		if err != nil {
			return 0, err
		}
		if deprecated == 0 {
			return 0, ErrHostNotFound
		}
		logging.Warnf("flow %s: host %s is already deprecated", flow, host)
		return 0, nil
	}
	logging.Infof("flow %s: deprecated %d key(s) of host %s", flow, affected, host)
	return affected, nil
}

// RestoreHost reactivates the host's deprecated records.
func (e *Engine) RestoreHost(ctx context.Context, flow, host string) (int64, error) {
	affected, err := e.store.SetDeprecated(ctx, flow, host, false)
	if err != nil {
		return 0, fmt.Errorf("failed to restore %s: %w", host, err)
	}
	if affected == 0 {
		active, _, err := e.store.CountHostRecords(ctx, flow, host)
		if err != nil {
			return 0, err
		}
		if active == 0 {
			return 0, ErrHostNotFound
		}
		return 0, ErrNotDeprecated
	}
	logging.Infof("flow %s: restored %d key(s) of host %s", flow, affected, host)
	return affected, nil
}

// PermanentDeleteHost removes the host's deprecated records for good.
// Hosts with active records are rejected; deprecate first.
func (e *Engine) PermanentDeleteHost(ctx context.Context, flow, host string) (int64, error) {
	active, deprecated, err := e.store.CountHostRecords(ctx, flow, host)
	if err != nil {
		return 0, err
	}
	if active > 0 {
		return 0, ErrHostActive
	}
	if deprecated == 0 {
		return 0, ErrHostNotFound
	}
	affected, err := e.store.HardDeleteHost(ctx, flow, host)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s: %w", host, err)
	}
	logging.Infof("flow %s: permanently deleted %d key(s) of host %s", flow, affected, host)
	return affected, nil
}

// BulkDeprecate deprecates each listed host. Hosts that are unknown or
// already fully deprecated are skipped, never fatal.
func (e *Engine) BulkDeprecate(ctx context.Context, flow string, hosts []string) (BulkSummary, error) {
	return e.bulkSet(ctx, flow, hosts, true)
}

// BulkRestore reactivates each listed host, skipping hosts with nothing to
// restore.
func (e *Engine) BulkRestore(ctx context.Context, flow string, hosts []string) (BulkSummary, error) {
	return e.bulkSet(ctx, flow, hosts, false)
}

func (e *Engine) bulkSet(ctx context.Context, flow string, hosts []string, value bool) (BulkSummary, error) {
	var sum BulkSummary
	for _, host := range hosts {
		if host == "" {
			sum.Skipped++
			continue
		}
		affected, err := e.store.SetDeprecated(ctx, flow, host, value)
		if err != nil {
			return sum, fmt.Errorf("bulk update failed at host %s: %w", host, err)
		}
		if affected > 0 {
			sum.Affected++
		} else {
			sum.Skipped++
		}
	}
	action := "deprecated"
	if !value {
		action = "restored"
	}
	logging.Infof("flow %s: bulk %s %d host(s), %d skipped", flow, action, sum.Affected, sum.Skipped)
	return sum, nil
}

// Export collects every record across all flows for a backup.
func (e *Engine) Export(ctx context.Context) (*model.BackupData, error) {
	records, err := e.store.ExportAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export records: %w", err)
	}
	out := make([]model.BackupRecord, 0, len(records))
	for _, r := range records {
		out = append(out, model.BackupRecord{
			Flow:       r.Flow,
			Host:       r.Host,
			PublicKey:  r.PublicKey,
			Deprecated: r.Deprecated,
		})
	}
	return &model.BackupData{Version: 1, Records: out}, nil
}

// Import loads a backup. With replace set, the table is wiped first;
// otherwise existing triples win over the backup.
func (e *Engine) Import(ctx context.Context, data *model.BackupData, replace bool) (int, error) {
	if replace {
		if err := e.store.DeleteAll(ctx); err != nil {
			return 0, fmt.Errorf("failed to clear table before restore: %w", err)
		}
	}
	count := 0
	for _, rec := range data.Records {
		kr := model.KeyRecord{
			Flow:       rec.Flow,
			Host:       rec.Host,
			PublicKey:  rec.PublicKey,
			Deprecated: rec.Deprecated,
		}
		if err := e.store.ImportRecord(ctx, kr); err != nil {
			return count, fmt.Errorf("failed to import record for %s: %w", rec.Host, err)
		}
		count++
	}
	return count, nil
}
