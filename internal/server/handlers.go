// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/toeirei/khm/buildvars"
	"github.com/toeirei/khm/internal/db"
	"github.com/toeirei/khm/internal/engine"
	"github.com/toeirei/khm/internal/logging"
	"github.com/toeirei/khm/internal/model"
)

// writeJSON marshals v with the right content type. Encoding failures at
// this point mean the response is already underway, so they are only logged.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("failed to encode response: %v", err)
	}
}

// writeError maps engine and store errors onto the status taxonomy and emits
// a short plain-text reason. There is no structured error envelope.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, engine.ErrInvalidKey), errors.Is(err, engine.ErrInvalidHost):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrHostNotFound), errors.Is(err, engine.ErrNotDeprecated):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrHostActive):
		status = http.StatusConflict
	case errors.Is(err, db.ErrUnavailable):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		logging.Errorf("internal error: %v", err)
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Server.Flows)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": buildvars.VersionOrDefault("dev")})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	includeDeprecated := r.URL.Query().Get("include_deprecated") == "true"
	records, err := s.eng.Read(r.Context(), requestFlow(r), includeDeprecated)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []model.KeyRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleIngest upserts a batch of keys and answers with the canonical
// post-upsert set of active records, which is what sync clients rewrite
// their local file from.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var uploads []model.KeyUpload
	if err := json.NewDecoder(r.Body).Decode(&uploads); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return
	}
	for i, up := range uploads {
		if up.Host == "" || up.PublicKey == "" {
			http.Error(w, fmt.Sprintf("entry %d: server and public_key must be non-empty", i), http.StatusBadRequest)
			return
		}
	}

	flow := requestFlow(r)
	sum, err := s.eng.IngestBatch(r.Context(), flow, uploads)
	if err != nil {
		writeError(w, err)
		return
	}
	logging.Debugf("flow %s: ingested %d new, %d duplicate", flow, sum.Inserted, sum.Duplicates)

	records, err := s.eng.Read(r.Context(), flow, false)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []model.KeyRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeprecate(w http.ResponseWriter, r *http.Request) {
	affected, err := s.eng.DeprecateHost(r.Context(), requestFlow(r), hostParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deprecated", "affected": affected})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	affected, err := s.eng.RestoreHost(r.Context(), requestFlow(r), hostParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "restored", "affected": affected})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	affected, err := s.eng.PermanentDeleteHost(r.Context(), requestFlow(r), hostParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "affected": affected})
}

type bulkRequest struct {
	Servers []string `json:"servers"`
}

func (s *Server) handleBulkDeprecate(w http.ResponseWriter, r *http.Request) {
	s.handleBulk(w, r, true)
}

func (s *Server) handleBulkRestore(w http.ResponseWriter, r *http.Request) {
	s.handleBulk(w, r, false)
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request, deprecate bool) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return
	}
	if len(req.Servers) == 0 {
		http.Error(w, "servers must be a non-empty array", http.StatusBadRequest)
		return
	}

	flow := requestFlow(r)
	var sum engine.BulkSummary
	var err error
	var verb string
	if deprecate {
		sum, err = s.eng.BulkDeprecate(r.Context(), flow, req.Servers)
		verb = "deprecated"
	} else {
		sum, err = s.eng.BulkRestore(r.Context(), flow, req.Servers)
		verb = "restored"
	}
	if err != nil {
		writeError(w, err)
		return
	}
	msg := fmt.Sprintf("%s %d host(s), skipped %d", verb, sum.Affected, sum.Skipped)
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": msg, "affected": sum.Affected})
}

// handleScanDNS resolves every distinct hostname of the flow. The scan runs
// synchronously within the request; client disconnect cancels in-flight
// resolutions through the request context.
func (s *Server) handleScanDNS(w http.ResponseWriter, r *http.Request) {
	flow := requestFlow(r)
	hosts, err := s.eng.Hostnames(r.Context(), flow)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := s.scan.Scan(r.Context(), hosts)
	if err != nil {
		writeError(w, err)
		return
	}
	if report.Results == nil {
		report.Results = []model.ScanResult{}
	}
	logging.Infof("flow %s: DNS scan of %d host(s), %d unresolved", flow, report.Total, report.Unresolved)
	writeJSON(w, http.StatusOK, report)
}
