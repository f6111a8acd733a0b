// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/toeirei/khm/internal/logging"
)

type contextKey string

const flowKey contextKey = "flow"

// flowResolver checks the {flow} path segment against the configured
// allow-list. Flows are created by configuration only; an unknown flow is a
// 404, not an invitation to create one.
func (s *Server) flowResolver(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flow := chi.URLParam(r, "flow")
		if !s.cfg.HasFlow(flow) {
			http.Error(w, "unknown flow", http.StatusNotFound)
			return
		}
		ctx := context.WithValue(r.Context(), flowKey, flow)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestFlow returns the flow the middleware resolved for this request.
func requestFlow(r *http.Request) string {
	flow, _ := r.Context().Value(flowKey).(string)
	return flow
}

// hostParam returns the {host} path segment, percent-decoded. Hosts may
// contain commas, pipes, or brackets, all of which arrive escaped.
func hostParam(r *http.Request) string {
	raw := chi.URLParam(r, "host")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.With(
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Millisecond).String(),
		).Debug("request")
	})
}
