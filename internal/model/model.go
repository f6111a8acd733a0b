// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the core data structures used throughout KHM.
// These structs represent the entities stored in the database and exchanged
// over the HTTP API, such as host key records and DNS scan results.
package model // import "github.com/toeirei/khm/internal/model"

import "fmt"

// KeyRecord binds a hostname to a public key inside a flow. It is the only
// mutable entity in the system; the (Flow, Host, PublicKey) triple is unique.
type KeyRecord struct {
	Flow string `json:"-"`
	// Host is the host field of a known_hosts entry, stored verbatim. It may
	// be a DNS name, an IP, a "host,alias" list, or a hashed "|1|..." token.
	Host string `json:"server"`
	// PublicKey is the full single-line OpenSSH key text: algorithm prefix
	// plus base64 body, without any trailing comment.
	PublicKey string `json:"public_key"`
	// Deprecated marks a soft-deleted record. Deprecated records are retained
	// but excluded from default listings and from client sync.
	Deprecated bool `json:"deprecated"`
}

// String returns a user-friendly representation of the record.
func (r KeyRecord) String() string {
	state := "active"
	if r.Deprecated {
		state = "deprecated"
	}
	return fmt.Sprintf("%s/%s (%s)", r.Flow, r.Host, state)
}

// KeyUpload is a single entry of a client's batch POST. The server fills in
// the flow from the URL and ignores any deprecation state on upload.
type KeyUpload struct {
	Host      string `json:"server"`
	PublicKey string `json:"public_key"`
}

// ScanResult is the outcome of resolving one hostname during a DNS scan.
type ScanResult struct {
	Server   string `json:"server"`
	Resolved bool   `json:"resolved"`
	Error    string `json:"error,omitempty"`
}

// ScanReport aggregates a whole DNS scan over a flow. Total is always the
// number of distinct hosts examined; Unresolved counts results with
// Resolved == false.
type ScanReport struct {
	Results    []ScanResult `json:"results"`
	Total      int          `json:"total"`
	Unresolved int          `json:"unresolved"`
}

// BackupRecord is one row of a full database export. Unlike API payloads,
// backups carry the flow explicitly.
type BackupRecord struct {
	Flow       string `json:"flow"`
	Host       string `json:"server"`
	PublicKey  string `json:"public_key"`
	Deprecated bool   `json:"deprecated"`
}

// BackupData is the container for a full database export. It is serialized
// as zstd-compressed JSON by the backup and restore commands.
type BackupData struct {
	Version int            `json:"version"`
	Records []BackupRecord `json:"records"`
}
