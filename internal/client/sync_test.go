// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/toeirei/khm/internal/config"
	"github.com/toeirei/khm/internal/model"
)

const (
	e1 = "a.example ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl"
	e2 = "b.example ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABgQC7"
	e3 = "c.example ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGNl"
)

func writeKnownHosts(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatalf("failed to seed known_hosts: %v", err)
	}
	return path
}

func recordFromLine(line string) model.KeyRecord {
	host, key, _ := strings.Cut(line, " ")
	return model.KeyRecord{Host: host, PublicKey: key}
}

func newClientConfig(serverURL, knownHosts string, inPlace bool) *config.Config {
	cfg := &config.Config{}
	cfg.Client.Host = serverURL
	cfg.Client.Flow = "prod"
	cfg.Client.KnownHosts = knownHosts
	cfg.Client.InPlace = inPlace
	return cfg
}

func TestRunUploadsParsedEntries(t *testing.T) {
	var got []model.KeyUpload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prod/keys" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("server decode failed: %v", err)
		}
		json.NewEncoder(w).Encode([]model.KeyRecord{recordFromLine(e1)})
	}))
	defer srv.Close()

	path := writeKnownHosts(t, "# comment", e1, "malformed line here", e2)
	c := New(newClientConfig(srv.URL, path, false))
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 uploads (comment and malformed skipped), got %d", len(got))
	}
	if got[0].Host != "a.example" || got[1].Host != "b.example" {
		t.Fatalf("unexpected uploads: %+v", got)
	}
}

func TestRunInPlaceRewrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]model.KeyRecord{recordFromLine(e1), recordFromLine(e3)})
	}))
	defer srv.Close()

	path := writeKnownHosts(t, e1, e2)
	c := New(newClientConfig(srv.URL, path, true))
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := e1 + "\n" + e3 + "\n"
	if string(data) != want {
		t.Fatalf("rewrite mismatch:\nwant %q\ngot  %q", want, string(data))
	}

	// No temp file left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".khm-") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestRunFailedUploadLeavesFileUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown flow", http.StatusNotFound)
	}))
	defer srv.Close()

	path := writeKnownHosts(t, e1, e2)
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	c := New(newClientConfig(srv.URL, path, true))
	err = c.Run(context.Background())
	if err == nil {
		t.Fatal("expected error on rejected upload")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitRejected {
		t.Fatalf("expected ExitRejected, got %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatal("local file must stay byte-identical after a failed upload")
	}
}

func TestRunNetworkFailure(t *testing.T) {
	path := writeKnownHosts(t, e1)
	// Nothing listens on this port.
	c := New(newClientConfig("http://127.0.0.1:1", path, false))
	err := c.Run(context.Background())
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitNetwork {
		t.Fatalf("expected ExitNetwork, got %v", err)
	}
}

func TestRunMisuse(t *testing.T) {
	c := New(&config.Config{})
	err := c.Run(context.Background())
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitMisuse {
		t.Fatalf("expected ExitMisuse, got %v", err)
	}
}

func TestRunMissingFile(t *testing.T) {
	c := New(newClientConfig("http://127.0.0.1:1", filepath.Join(t.TempDir(), "absent"), false))
	err := c.Run(context.Background())
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitFileIO {
		t.Fatalf("expected ExitFileIO, got %v", err)
	}
}

func TestRunSendsBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "sync" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]model.KeyRecord{})
	}))
	defer srv.Close()

	path := writeKnownHosts(t, e1)
	cfg := newClientConfig(srv.URL, path, false)
	cfg.Client.BasicAuth = "sync:secret"
	if err := New(cfg).Run(context.Background()); err != nil {
		t.Fatalf("Run with basic auth failed: %v", err)
	}
}

func TestWriteFileAtomicPreservesOriginalOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	original := []byte(e1 + "\n")
	if err := os.WriteFile(path, original, 0600); err != nil {
		t.Fatal(err)
	}

	// A leftover temp file from an earlier crashed run must never affect the
	// original: the original is only replaced by a completed rename.
	if err := os.WriteFile(filepath.Join(dir, ".khm-crashed"), []byte("partial"), 0600); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(original) {
		t.Fatal("original changed without a rename")
	}

	// A successful write replaces content and keeps the original's mode.
	if err := writeFileAtomic(path, []byte(e3+"\n")); err != nil {
		t.Fatalf("writeFileAtomic failed: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != e3+"\n" {
		t.Fatalf("unexpected content after atomic write: %q", data)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0600 {
		t.Fatalf("mode not preserved: %v", fi.Mode())
	}
}
