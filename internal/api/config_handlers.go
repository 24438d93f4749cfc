package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/backwatch/backwatch/internal/config"
	"github.com/backwatch/backwatch/internal/models"
	"github.com/backwatch/backwatch/pkg/pbs"
	"github.com/backwatch/backwatch/pkg/pve"
)

// redactedConfig is the GET /api/config payload: everything an admin
// can edit, with secrets replaced by the sentinel.
type redactedConfig struct {
	Listen              string            `json:"listen"`
	LogLevel            string            `json:"logLevel"`
	PollIntervalSeconds int               `json:"pollIntervalSeconds"`
	StalenessCycles     int               `json:"stalenessCycles"`
	DebounceMillis      int               `json:"debounceMillis"`
	Endpoints           []config.Endpoint `json:"endpoints"`
}

func (r *Router) handleConfig(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.handleGetConfig(w, req)
	case http.MethodPost:
		r.handleUpdateConfig(w, req)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Router) handleGetConfig(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints := make([]config.Endpoint, 0, len(r.cfg.Endpoints))
	for _, e := range r.cfg.Endpoints {
		endpoints = append(endpoints, e.Redacted())
	}

	writeJSON(w, http.StatusOK, redactedConfig{
		Listen:              r.cfg.Listen,
		LogLevel:            r.cfg.LogLevel,
		PollIntervalSeconds: r.cfg.PollIntervalSeconds,
		StalenessCycles:     r.cfg.StalenessCycles,
		DebounceMillis:      r.cfg.DebounceMillis,
		Endpoints:           endpoints,
	})
}

// handleUpdateConfig applies a partial configuration change. Validation
// failures reject the whole update; nothing is ever partially applied.
func (r *Router) handleUpdateConfig(w http.ResponseWriter, req *http.Request) {
	if !r.requireAuth(w, req) {
		return
	}

	var update config.ConfigUpdate
	if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.cfg.ApplyUpdate(update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.cfg.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to persist configuration")
		writeError(w, http.StatusInternalServerError, "failed to persist configuration")
		return
	}

	if r.reloadFunc != nil {
		r.reloadFunc(r.cfg)
	}

	log.Info().Int("endpoints", len(r.cfg.Endpoints)).Msg("Configuration updated")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Prober performs a one-shot connectivity check of one endpoint.
// Swapped out in tests.
type Prober func(ctx context.Context, ep config.Endpoint) error

// probeResult is the sanitized outcome for one endpoint. The error
// string deliberately names the failure class only: raw upstream errors
// embed hostnames and ports, and test results may be pasted into bug
// reports.
type probeResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Millis int64  `json:"millis"`
}

// handleConfigTest probes every endpoint in the candidate config. The
// candidate is never persisted and the live polling state is untouched;
// sentinel secrets are resolved against the stored config so an admin
// can test without retyping tokens.
func (r *Router) handleConfigTest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.requireAuth(w, req) {
		return
	}

	var candidate struct {
		Endpoints []config.Endpoint `json:"endpoints"`
	}
	if err := json.NewDecoder(req.Body).Decode(&candidate); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	r.mu.Lock()
	stored := make(map[string]config.Endpoint, len(r.cfg.Endpoints))
	for _, e := range r.cfg.Endpoints {
		stored[e.ID] = e
	}
	r.mu.Unlock()

	results := make([]probeResult, 0, len(candidate.Endpoints))
	for _, ep := range candidate.Endpoints {
		if ep.TokenSecret == config.RedactedValue {
			if existing, ok := stored[ep.ID]; ok {
				ep.TokenSecret = existing.TokenSecret
			}
		}

		ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
		start := time.Now()
		err := r.prober(ctx, ep)
		cancel()

		result := probeResult{
			ID:     ep.ID,
			Name:   ep.Name,
			OK:     err == nil,
			Millis: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Error = sanitizeProbeError(err)
			log.Warn().Str("endpoint", ep.ID).Err(err).Msg("Connectivity test failed")
		}
		results = append(results, result)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func sanitizeProbeError(err error) string {
	switch {
	case errors.Is(err, pve.ErrAuth), errors.Is(err, pbs.ErrAuth):
		return "authentication failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "connection timed out"
	default:
		return "connection failed"
	}
}

// probeEndpoint is the default prober: a version call with the
// candidate credentials.
func probeEndpoint(ctx context.Context, ep config.Endpoint) error {
	switch ep.Kind {
	case models.SourceHypervisor:
		client, err := pve.NewClient(pve.ClientConfig{
			Host:        ep.Host,
			TokenID:     ep.TokenID,
			TokenSecret: ep.TokenSecret,
			Fingerprint: ep.Fingerprint,
			VerifySSL:   ep.VerifySSL,
		})
		if err != nil {
			return err
		}
		_, err = client.Version(ctx)
		return err
	case models.SourceBackupServer:
		client, err := pbs.NewClient(pbs.ClientConfig{
			Host:        ep.Host,
			TokenID:     ep.TokenID,
			TokenSecret: ep.TokenSecret,
			Fingerprint: ep.Fingerprint,
			VerifySSL:   ep.VerifySSL,
		})
		if err != nil {
			return err
		}
		_, err = client.Version(ctx)
		return err
	}
	return errors.New("unknown endpoint kind")
}
