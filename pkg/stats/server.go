// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stats exposes the fleet's observability surface: health and
// registry snapshots, the recent-bid ledger, Prometheus metrics, and a
// websocket stream of fleet events.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/bidfleet/pkg/log"
	"github.com/luxfi/bidfleet/pkg/metric"
	"github.com/luxfi/bidfleet/pkg/store"
	"github.com/luxfi/bidfleet/pkg/supervisor"
)

const defaultRecentBids = 50

// Server serves the ops endpoints.
type Server struct {
	spawner *supervisor.Spawner
	ledger  *store.Store
	metrics *metric.Metrics
	hub     *Hub
	log     log.Logger

	httpServer *http.Server
}

// NewServer wires the ops server. ledger and metrics may be nil; their
// endpoints then return 404 and default metrics respectively.
func NewServer(port uint16, spawner *supervisor.Spawner, ledger *store.Store, metrics *metric.Metrics, hub *Hub, logger log.Logger) *Server {
	s := &Server{
		spawner: spawner,
		ledger:  ledger,
		metrics: metrics,
		hub:     hub,
		log:     logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	router.HandleFunc("/bids", s.handleBids).Methods(http.MethodGet)
	if metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(metrics.GetGatherer(), promhttp.HandlerOpts{}))
	} else {
		router.Handle("/metrics", promhttp.Handler())
	}
	if hub != nil {
		router.HandleFunc("/ws/events", hub.handleWS)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("stats server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"healthy"}`)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.spawner.Stats())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.spawner.Stats().Workers)
}

func (s *Server) handleBids(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.NotFound(w, r)
		return
	}

	limit := defaultRecentBids
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	bids, err := s.ledger.RecentBids(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, bids)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
