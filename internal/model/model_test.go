// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestKeyRecordString(t *testing.T) {
	r := KeyRecord{Flow: "prod", Host: "a.example", PublicKey: "ssh-ed25519 AAAA"}
	if got := r.String(); got != "prod/a.example (active)" {
		t.Errorf("unexpected String(): %q", got)
	}
	r.Deprecated = true
	if got := r.String(); got != "prod/a.example (deprecated)" {
		t.Errorf("unexpected String(): %q", got)
	}
}

func TestKeyRecordJSONShape(t *testing.T) {
	r := KeyRecord{Flow: "prod", Host: "a.example", PublicKey: "ssh-ed25519 AAAA", Deprecated: true}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	// API payloads carry server/public_key/deprecated and never the flow.
	for _, want := range []string{`"server":"a.example"`, `"public_key":"ssh-ed25519 AAAA"`, `"deprecated":true`} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %s in %s", want, s)
		}
	}
	if strings.Contains(s, "prod") {
		t.Errorf("flow must not leak into API payloads: %s", s)
	}
}

func TestBackupRecordCarriesFlow(t *testing.T) {
	data, err := json.Marshal(BackupRecord{Flow: "prod", Host: "h", PublicKey: "ssh-rsa AAAA"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"flow":"prod"`) {
		t.Errorf("backup records must carry the flow: %s", data)
	}
}
