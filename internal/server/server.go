// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package server maps the HTTP surface onto the flow engine and the DNS
// scanner. The layer is a pure mapper: it validates request syntax, routes
// per flow, and translates engine errors into status codes. Responses are
// JSON; errors are plain text with a short reason.
package server // import "github.com/toeirei/khm/internal/server"

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/toeirei/khm/internal/config"
	"github.com/toeirei/khm/internal/engine"
	"github.com/toeirei/khm/internal/i18n"
	"github.com/toeirei/khm/internal/logging"
	"github.com/toeirei/khm/internal/scanner"
)

// shutdownGrace bounds how long a shutdown waits for in-flight requests.
const shutdownGrace = 10 * time.Second

// Server wires the router to the engine and scanner. The config reference is
// read-only; nothing mutates it after startup.
type Server struct {
	cfg  *config.Config
	eng  *engine.Engine
	scan *scanner.Scanner
}

// New assembles a server from its collaborators.
func New(cfg *config.Config, eng *engine.Engine, scan *scanner.Scanner) *Server {
	return &Server{cfg: cfg, eng: eng, scan: scan}
}

// Router builds the chi routing tree described in the API surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if s.cfg.Server.BasicAuth != "" {
		user, pass, ok := strings.Cut(s.cfg.Server.BasicAuth, ":")
		if ok {
			r.Use(middleware.BasicAuth("khm", map[string]string{user: pass}))
		}
	}

	r.Get("/api/flows", s.handleFlows)
	r.Get("/api/version", s.handleVersion)

	r.Route("/{flow}", func(r chi.Router) {
		r.Use(s.flowResolver)
		r.Get("/keys", s.handleListKeys)
		r.Post("/keys", s.handleIngest)
		r.Delete("/keys/{host}", s.handleDeprecate)
		r.Post("/keys/{host}/restore", s.handleRestore)
		r.Delete("/keys/{host}/delete", s.handleDelete)
		r.Post("/bulk-deprecate", s.handleBulkDeprecate)
		r.Post("/bulk-restore", s.handleBulkRestore)
		r.Post("/scan-dns", s.handleScanDNS)
	})

	// The web UI is an external static bundle served alongside the API.
	if dir := s.cfg.Server.StaticDir; dir != "" {
		fileServer := http.FileServer(http.Dir(dir))
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			http.ServeFile(w, req, dir+"/index.html")
		})
		r.Handle("/static/*", http.StripPrefix("/static/", fileServer))
	}

	return r
}

// Run serves until the context is cancelled or a termination signal arrives,
// then drains in-flight requests with a deadline.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.IP, fmt.Sprintf("%d", s.cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("%s", i18n.T("server.starting", addr))
		logging.Infof("%s", i18n.T("server.flows", strings.Join(s.cfg.Server.Flows, ", ")))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logging.Infof("%s", i18n.T("server.shutdown"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	logging.Infof("%s", i18n.T("server.stopped"))
	return nil
}
