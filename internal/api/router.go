// Package api is the HTTP surface: aggregate state queries, endpoint
// configuration, threshold overrides, the websocket upgrade and the
// operational endpoints. All state reads are projections over the
// store's current generation and never mutate it.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/backwatch/backwatch/internal/config"
	"github.com/backwatch/backwatch/internal/store"
	"github.com/backwatch/backwatch/internal/thresholds"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// WebsocketHandler upgrades /ws requests; implemented by the hub.
type WebsocketHandler interface {
	Handle(w http.ResponseWriter, r *http.Request)
}

// Router wires all HTTP handlers.
type Router struct {
	mux        *http.ServeMux
	store      *store.Store
	thresholds *thresholds.Store
	ws         WebsocketHandler
	reloadFunc func(*config.Config)
	rebuild    func()
	prober     Prober

	mu  sync.Mutex
	cfg *config.Config
}

// NewRouter builds the handler tree. reloadFunc is invoked with the new
// config after a persisted change; rebuild forces a reconciliation
// cycle (after threshold edits). prober may be nil to use real clients.
func NewRouter(cfg *config.Config, st *store.Store, th *thresholds.Store, ws WebsocketHandler, reloadFunc func(*config.Config), rebuild func(), prober Prober) *Router {
	if prober == nil {
		prober = probeEndpoint
	}
	r := &Router{
		mux:        http.NewServeMux(),
		store:      st,
		thresholds: th,
		ws:         ws,
		reloadFunc: reloadFunc,
		rebuild:    rebuild,
		prober:     prober,
		cfg:        cfg,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)
	r.mux.HandleFunc("/api/state", r.handleState)
	r.mux.HandleFunc("/api/config", r.handleConfig)
	r.mux.HandleFunc("/api/config/test", r.handleConfigTest)
	r.mux.HandleFunc("/api/thresholds", r.handleThresholdList)
	r.mux.HandleFunc("/api/thresholds/", r.handleThreshold)
	r.mux.HandleFunc("/api/report", r.handleReport)
	if r.ws != nil {
		r.mux.HandleFunc("/ws", r.ws.Handle)
	}
	r.mux.Handle("/metrics", promhttp.Handler())
}

// SetConfig swaps the configuration the handlers serve. Called when a
// reload originates outside the API, e.g. from the settings file
// watcher; API-driven updates mutate the active config directly.
func (r *Router) SetConfig(cfg *config.Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if strings.HasPrefix(req.URL.Path, "/api/") {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	}

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := r.store.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"generation": state.Generation,
		"guests":     len(state.Guests),
		"timestamp":  time.Now().Unix(),
	})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
