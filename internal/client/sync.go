// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package client implements the sync side of KHM: push the local
// known_hosts entries to a flow and, on request, rewrite the local file from
// the server's canonical set. The client is a short-lived process performing
// one exchange.
package client // import "github.com/toeirei/khm/internal/client"

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/toeirei/khm/internal/config"
	"github.com/toeirei/khm/internal/i18n"
	"github.com/toeirei/khm/internal/knownhosts"
	"github.com/toeirei/khm/internal/logging"
	"github.com/toeirei/khm/internal/model"
)

// Exit codes of the client mode.
const (
	ExitOK       = 0
	ExitMisuse   = 2
	ExitNetwork  = 3
	ExitRejected = 4
	ExitFileIO   = 5
)

// ExitError carries the process exit code alongside the cause.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, format string, args ...interface{}) *ExitError {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

const (
	connectTimeout = 30 * time.Second
	totalTimeout   = 120 * time.Second
)

// Client performs the sync exchange against a KHM server.
type Client struct {
	cfg  *config.Config
	http *http.Client
}

// New builds a client with the connect and total timeouts the exchange uses.
func New(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

// Run performs the exchange: load, upload, optionally rewrite. A failed
// upload aborts before the local file is touched; a failure after a
// successful upload leaves the local file untouched and still exits non-zero.
func (c *Client) Run(ctx context.Context) error {
	cc := c.cfg.Client
	if cc.Host == "" || cc.Flow == "" || cc.KnownHosts == "" {
		return exitErr(ExitMisuse, "client mode requires --host, --flow and --known-hosts")
	}

	uploads, err := c.loadLocal(cc.KnownHosts)
	if err != nil {
		return err
	}

	logging.Infof("%s", i18n.T("client.uploading", len(uploads), cc.Flow))
	canonical, err := c.upload(ctx, uploads)
	if err != nil {
		return err
	}
	logging.Infof("%s", i18n.T("client.uploaded", len(canonical)))

	if !cc.InPlace {
		return nil
	}
	if err := c.rewrite(cc.KnownHosts, canonical); err != nil {
		return err
	}
	logging.Infof("%s", i18n.T("client.rewritten", cc.KnownHosts, len(canonical)))
	return nil
}

// loadLocal parses the local known_hosts file into upload entries. Malformed
// lines are skipped with a warning, matching the forgiving codec contract.
func (c *Client) loadLocal(path string) ([]model.KeyUpload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, exitErr(ExitFileIO, "cannot read %s: %w", path, err)
	}
	defer f.Close()

	res, err := knownhosts.Parser{}.Parse(f)
	if err != nil {
		return nil, exitErr(ExitFileIO, "cannot parse %s: %w", path, err)
	}
	if res.Skipped > 0 {
		logging.Warnf("%s", i18n.T("client.skipped_lines", res.Skipped, path))
	}

	uploads := make([]model.KeyUpload, 0, len(res.Entries))
	for _, e := range res.Entries {
		uploads = append(uploads, model.KeyUpload{Host: e.Hosts, PublicKey: e.PublicKey()})
	}
	return uploads, nil
}

// upload POSTs the entries and returns the server's canonical active set.
func (c *Client) upload(ctx context.Context, uploads []model.KeyUpload) ([]model.KeyRecord, error) {
	body, err := json.Marshal(uploads)
	if err != nil {
		return nil, exitErr(ExitMisuse, "cannot encode upload: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.Client.Host, "/") + "/" + c.cfg.Client.Flow + "/keys"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, exitErr(ExitMisuse, "bad server URL %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyBasicAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, exitErr(ExitNetwork, "upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, exitErr(ExitRejected, "server rejected upload (%s): %s",
			resp.Status, strings.TrimSpace(string(reason)))
	}

	var canonical []model.KeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&canonical); err != nil {
		return nil, exitErr(ExitNetwork, "cannot decode server response: %w", err)
	}
	return canonical, nil
}

func (c *Client) applyBasicAuth(req *http.Request) {
	if c.cfg.Client.BasicAuth == "" {
		return
	}
	if user, pass, ok := strings.Cut(c.cfg.Client.BasicAuth, ":"); ok {
		req.SetBasicAuth(user, pass)
	}
}

// rewrite replaces the local file with the canonical set, one "host key"
// line per record, LF-terminated, no comment preservation.
func (c *Client) rewrite(path string, records []model.KeyRecord) error {
	var buf bytes.Buffer
	for _, rec := range records {
		buf.WriteString(rec.Host)
		buf.WriteByte(' ')
		buf.WriteString(rec.PublicKey)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return exitErr(ExitFileIO, "cannot rewrite %s: %w", path, err)
	}
	return nil
}
