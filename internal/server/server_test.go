// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/toeirei/khm/internal/config"
	"github.com/toeirei/khm/internal/db"
	"github.com/toeirei/khm/internal/engine"
	"github.com/toeirei/khm/internal/model"
	"github.com/toeirei/khm/internal/scanner"
)

const (
	edKey  = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl"
	rsaKey = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABgQC7"
)

type tableResolver map[string][]string

func (t tableResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if addrs, ok := t[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("lookup " + host + ": no such host")
}

func newTestServer(t *testing.T, basicAuth string) *httptest.Server {
	t.Helper()
	store, err := db.NewStoreFromDSN("sqlite", "file:"+strings.ReplaceAll(t.Name(), "/", "_")+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{}
	cfg.Server.Flows = []string{"prod", "staging"}
	cfg.Server.BasicAuth = basicAuth

	scan := scanner.NewWithResolver(tableResolver{"localhost": {"127.0.0.1"}}, 4, time.Second)
	srv := httptest.NewServer(New(cfg, engine.New(store), scan).Router())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, target string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("request build failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeRecords(t *testing.T, resp *http.Response) []model.KeyRecord {
	t.Helper()
	defer resp.Body.Close()
	var records []model.KeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return records
}

func TestIngestAndList(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{
		{Host: "a.example", PublicKey: edKey},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("unexpected content type %q", ct)
	}
	records := decodeRecords(t, resp)
	if len(records) != 1 || records[0].Host != "a.example" || records[0].PublicKey != edKey {
		t.Fatalf("unexpected canonical set: %+v", records)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/prod/keys", nil)
	records = decodeRecords(t, resp)
	if len(records) != 1 || records[0].Deprecated {
		t.Fatalf("unexpected GET result: %+v", records)
	}
}

func TestIngestIdempotent(t *testing.T) {
	srv := newTestServer(t, "")

	upload := []model.KeyUpload{{Host: "a.example", PublicKey: edKey}}
	doJSON(t, http.MethodPost, srv.URL+"/prod/keys", upload).Body.Close()
	resp := doJSON(t, http.MethodPost, srv.URL+"/prod/keys", upload)
	records := decodeRecords(t, resp)
	if len(records) != 1 {
		t.Fatalf("double POST must leave exactly one record, got %d", len(records))
	}
}

func TestDeprecateRestoreCycle(t *testing.T) {
	srv := newTestServer(t, "")

	doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{{Host: "a.example", PublicKey: edKey}}).Body.Close()

	resp := doJSON(t, http.MethodDelete, srv.URL+"/prod/keys/a.example", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status %d", resp.StatusCode)
	}
	var result struct {
		Status   string `json:"status"`
		Affected int    `json:"affected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if result.Status != "deprecated" || result.Affected != 1 {
		t.Fatalf("unexpected deprecate result: %+v", result)
	}

	// Default listing hides the deprecated record.
	records := decodeRecords(t, doJSON(t, http.MethodGet, srv.URL+"/prod/keys", nil))
	if len(records) != 0 {
		t.Fatalf("deprecated record leaked into default listing: %+v", records)
	}

	// include_deprecated=true shows it.
	records = decodeRecords(t, doJSON(t, http.MethodGet, srv.URL+"/prod/keys?include_deprecated=true", nil))
	if len(records) != 1 || !records[0].Deprecated {
		t.Fatalf("expected deprecated record, got %+v", records)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/prod/keys/a.example/restore", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore status %d", resp.StatusCode)
	}
	resp.Body.Close()

	records = decodeRecords(t, doJSON(t, http.MethodGet, srv.URL+"/prod/keys", nil))
	if len(records) != 1 || records[0].PublicKey != edKey {
		t.Fatalf("record must be active with original key, got %+v", records)
	}
}

func TestMultiKeyHost(t *testing.T) {
	srv := newTestServer(t, "")

	doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{
		{Host: "h", PublicKey: rsaKey},
		{Host: "h", PublicKey: edKey},
	}).Body.Close()

	records := decodeRecords(t, doJSON(t, http.MethodGet, srv.URL+"/prod/keys", nil))
	if len(records) != 2 {
		t.Fatalf("expected 2 keys for host, got %d", len(records))
	}

	// Deprecating the host covers both keys.
	resp := doJSON(t, http.MethodDelete, srv.URL+"/prod/keys/h", nil)
	var result struct {
		Affected int `json:"affected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if result.Affected != 2 {
		t.Fatalf("expected 2 affected, got %d", result.Affected)
	}
}

func TestHardDeleteConflict(t *testing.T) {
	srv := newTestServer(t, "")

	doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{{Host: "a.example", PublicKey: edKey}}).Body.Close()

	resp := doJSON(t, http.MethodDelete, srv.URL+"/prod/keys/a.example/delete", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	records := decodeRecords(t, doJSON(t, http.MethodGet, srv.URL+"/prod/keys", nil))
	if len(records) != 1 {
		t.Fatalf("record must remain active after rejected delete, got %+v", records)
	}
}

func TestHardDeleteAfterDeprecation(t *testing.T) {
	srv := newTestServer(t, "")

	doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{{Host: "a.example", PublicKey: edKey}}).Body.Close()
	doJSON(t, http.MethodDelete, srv.URL+"/prod/keys/a.example", nil).Body.Close()

	resp := doJSON(t, http.MethodDelete, srv.URL+"/prod/keys/a.example/delete", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	records := decodeRecords(t, doJSON(t, http.MethodGet, srv.URL+"/prod/keys?include_deprecated=true", nil))
	if len(records) != 0 {
		t.Fatalf("expected empty flow, got %+v", records)
	}
}

func TestFlowIsolationAndUnknownFlow(t *testing.T) {
	srv := newTestServer(t, "")

	doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{{Host: "a.example", PublicKey: edKey}}).Body.Close()

	records := decodeRecords(t, doJSON(t, http.MethodGet, srv.URL+"/staging/keys", nil))
	if len(records) != 0 {
		t.Fatalf("record leaked across flows: %+v", records)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/nope/keys", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown flow must 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBulkEndpoints(t *testing.T) {
	srv := newTestServer(t, "")

	doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{
		{Host: "a", PublicKey: edKey},
		{Host: "b", PublicKey: edKey},
	}).Body.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/prod/bulk-deprecate", map[string][]string{
		"servers": {"a", "b", "missing"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bulk-deprecate status %d", resp.StatusCode)
	}
	var bulk struct {
		Message  string `json:"message"`
		Affected int    `json:"affected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bulk); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if bulk.Affected != 2 || bulk.Message == "" {
		t.Fatalf("unexpected bulk result: %+v", bulk)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/prod/bulk-restore", map[string][]string{
		"servers": {"a"},
	})
	if err := json.NewDecoder(resp.Body).Decode(&bulk); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if bulk.Affected != 1 {
		t.Fatalf("expected 1 restored, got %+v", bulk)
	}

	// Empty server list is a syntax error.
	resp = doJSON(t, http.MethodPost, srv.URL+"/prod/bulk-deprecate", map[string][]string{"servers": {}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty servers, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestScanDNS(t *testing.T) {
	srv := newTestServer(t, "")

	doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{
		{Host: "localhost", PublicKey: edKey},
		{Host: "a.invalid", PublicKey: edKey},
		{Host: "|1|xyz|abc", PublicKey: edKey},
	}).Body.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/prod/scan-dns", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan status %d", resp.StatusCode)
	}
	var report model.ScanReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if report.Total != 3 || report.Unresolved != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, res := range report.Results {
		if res.Server == "|1|xyz|abc" && res.Error != "hashed-host" {
			t.Errorf("hashed host must be skipped, got %+v", res)
		}
		if res.Server == "localhost" && !res.Resolved {
			t.Errorf("localhost should resolve, got %+v", res)
		}
	}
}

func TestEncodedHostParam(t *testing.T) {
	srv := newTestServer(t, "")

	host := "db.example,10.0.0.5"
	doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{{Host: host, PublicKey: edKey}}).Body.Close()

	resp := doJSON(t, http.MethodDelete, srv.URL+"/prod/keys/"+url.PathEscape(host), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("encoded host delete status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestValidationErrors(t *testing.T) {
	srv := newTestServer(t, "")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/prod/keys", strings.NewReader("not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{{Host: "h", PublicKey: ""}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty key, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/prod/keys", []model.KeyUpload{{Host: "h", PublicKey: "garbage"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid key grammar, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRestoreUnknownHost(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/prod/keys/ghost/restore", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestFlowsAndVersionEndpoints(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/flows", nil)
	var flows []string
	if err := json.NewDecoder(resp.Body).Decode(&flows); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(flows) != 2 || flows[0] != "prod" {
		t.Fatalf("unexpected flows: %v", flows)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/version", nil)
	var version map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if version["version"] == "" {
		t.Fatal("version must not be empty")
	}
}

func TestBasicAuth(t *testing.T) {
	srv := newTestServer(t, "scanner:hunter2")

	resp := doJSON(t, http.MethodGet, srv.URL+"/prod/keys", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/prod/keys", nil)
	req.SetBasicAuth("scanner", "hunter2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
