// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/unimem/pkg/events"
	"github.com/kraklabs/unimem/pkg/memory"
	"github.com/kraklabs/unimem/pkg/query"
)

// unimemServer exposes the MemCore façade (§6's public operations) over
// HTTP, the way cmd/cie/serve.go exposes the query API so MCP tools don't
// need an enterprise Edge Cache.
type unimemServer struct {
	core *memory.Core
	log  *slog.Logger
}

func (s *unimemServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	result := s.core.HealthCheck(r.Context())
	status := http.StatusOK
	if !result.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (s *unimemServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.GetStats())
}

func (s *unimemServer) handleStoreEntry(w http.ResponseWriter, r *http.Request) {
	var e memory.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.Store(r.Context(), &e); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, &e)
}

func (s *unimemServer) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, found := s.core.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("entry %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *unimemServer) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.core.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryRequest is the JSON body for POST /v1/query, mirroring query.Query's
// builder-settable fields.
type queryRequest struct {
	Variant        string    `json:"variant"`
	Namespace      string    `json:"namespace"`
	Key            string    `json:"key"`
	KeyPrefix      string    `json:"keyPrefix"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"embedding"`
	Tags           []string  `json:"tags"`
	Limit          int       `json:"limit"`
	Combine        string    `json:"combine"`
	IncludeExpired bool      `json:"includeExpired"`
}

func (s *unimemServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	q, err := query.New().
		Variant(query.Variant(req.Variant)).
		Namespace(req.Namespace).
		Key(req.Key).
		KeyPrefix(req.KeyPrefix).
		Content(req.Content).
		Embedding(req.Embedding).
		Tags(req.Tags...).
		Limit(limit).
		IncludeExpired(req.IncludeExpired).
		Combine(query.CombineStrategy(req.Combine)).
		Build()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	hits, err := s.core.Query(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// runServe starts the local HTTP API and, when --metrics-addr (or the
// config's MetricsAddr) is set, a separate /metrics endpoint backed by
// promhttp.Handler — the same split cmd/cie/index.go uses so scraping
// Prometheus never shares a listener with the primary API.
func runServe(args []string, configPath string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8420", "HTTP listen address for the API")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: unimem serve [--addr :8420] [--metrics-addr :9420]\n")
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := LoadConfig(configPath)
	if err != nil {
		logger.Error("serve.config.error", "err", err)
		return 1
	}
	if *metricsAddr == "" {
		*metricsAddr = cfg.MetricsAddr
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		logger.Error("serve.runtime.error", "err", err)
		return 1
	}
	defer rt.Close()

	unsubscribe := rt.bus.Subscribe(events.NewPrometheusSink("unimem", prometheus.DefaultRegisterer))
	defer unsubscribe()

	srv := &unimemServer{core: rt.core, log: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /v1/stats", srv.handleStats)
	mux.HandleFunc("POST /v1/entries", srv.handleStoreEntry)
	mux.HandleFunc("GET /v1/entries/{id}", srv.handleGetEntry)
	mux.HandleFunc("DELETE /v1/entries/{id}", srv.handleDeleteEntry)
	mux.HandleFunc("POST /v1/query", srv.handleQuery)

	httpSrv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if *metricsAddr != "" {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			metricsSrv := &http.Server{Addr: *metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
			logger.Info("metrics.http.start", "addr", *metricsAddr, "path", "/metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics.http.error", "err", err)
			}
		}()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("serve.shutdown.signal")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}()

	logger.Info("serve.start", "addr", *addr, "dataDir", cfg.DataDir)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("serve.error", "err", err)
		return 1
	}
	return 0
}
