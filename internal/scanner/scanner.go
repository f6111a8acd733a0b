// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package scanner resolves the distinct hostnames of a flow and reports
// which of them still exist in DNS. A scan is read-only; bulk deprecation of
// dead hosts is a separate call made after review.
package scanner // import "github.com/toeirei/khm/internal/scanner"

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toeirei/khm/internal/model"
)

// DefaultParallelism bounds concurrent resolutions. Large flows must not
// exhaust file descriptors.
const DefaultParallelism = 32

// DefaultTimeout is the per-host resolution budget.
const DefaultTimeout = 3 * time.Second

// Resolver is the narrow lookup capability the scanner needs. *net.Resolver
// satisfies it; tests substitute a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Scanner resolves hostnames with bounded parallelism and a per-host timeout.
type Scanner struct {
	resolver    Resolver
	parallelism int
	timeout     time.Duration
}

// New returns a scanner using the system resolver. parallelism <= 0 falls
// back to DefaultParallelism.
func New(parallelism int) *Scanner {
	return NewWithResolver(&net.Resolver{}, parallelism, DefaultTimeout)
}

// NewWithResolver returns a scanner with an explicit resolver and timeout.
func NewWithResolver(r Resolver, parallelism int, timeout time.Duration) *Scanner {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Scanner{resolver: r, parallelism: parallelism, timeout: timeout}
}

// Scan resolves every host and returns one result per input, in input order.
// Cancelling ctx aborts in-flight resolutions; completed results up to that
// point are discarded along with the ctx error.
func (s *Scanner) Scan(ctx context.Context, hosts []string) (*model.ScanReport, error) {
	results := make([]model.ScanResult, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, host := range hosts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.resolveOne(gctx, host)
			// A cancelled request aborts the scan; a per-host timeout does not.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &model.ScanReport{Results: results, Total: len(results)}
	for _, r := range results {
		if !r.Resolved {
			report.Unresolved++
		}
	}
	return report, nil
}

// resolveOne applies the host-string normalization rules: hashed entries are
// skipped, "host,alias" lists resolve their first token, and IP literals are
// always considered resolved.
func (s *Scanner) resolveOne(ctx context.Context, host string) model.ScanResult {
	result := model.ScanResult{Server: host}

	if strings.HasPrefix(host, "|1|") {
		result.Error = "hashed-host"
		return result
	}

	target := host
	if idx := strings.IndexByte(target, ','); idx >= 0 {
		target = target[:idx]
	}
	// Strip an OpenSSH bracketed [host]:port form before the literal check.
	if strings.HasPrefix(target, "[") {
		if end := strings.IndexByte(target, ']'); end > 0 {
			target = target[1:end]
		}
	}

	if net.ParseIP(target) != nil {
		result.Resolved = true
		return result
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	addrs, err := s.resolver.LookupHost(lookupCtx, target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || lookupCtx.Err() == context.DeadlineExceeded {
			result.Error = "timeout"
		} else {
			result.Error = err.Error()
		}
		return result
	}
	result.Resolved = len(addrs) > 0
	if !result.Resolved {
		result.Error = "no addresses"
	}
	return result
}
