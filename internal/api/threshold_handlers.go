package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/backwatch/backwatch/internal/thresholds"
)

func (r *Router) handleThresholdList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"overrides": r.thresholds.List()})
}

// handleThreshold serves /api/thresholds/{endpointId}/{nodeId}/{vmid}.
func (r *Router) handleThreshold(w http.ResponseWriter, req *http.Request) {
	key, ok := parseThresholdKey(req.URL.Path)
	if !ok {
		writeError(w, http.StatusBadRequest, "expected /api/thresholds/{endpointId}/{nodeId}/{vmid}")
		return
	}

	switch req.Method {
	case http.MethodGet:
		override, err := r.thresholds.Get(key)
		if err != nil {
			writeThresholdError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, override)

	case http.MethodPost:
		if !r.requireAuth(w, req) {
			return
		}
		override, ok := decodeOverride(w, req, key)
		if !ok {
			return
		}
		if err := r.thresholds.Create(override); err != nil {
			writeThresholdError(w, err)
			return
		}
		r.thresholdsChanged()
		writeJSON(w, http.StatusCreated, override)

	case http.MethodPut:
		if !r.requireAuth(w, req) {
			return
		}
		override, ok := decodeOverride(w, req, key)
		if !ok {
			return
		}
		if err := r.thresholds.Update(override); err != nil {
			writeThresholdError(w, err)
			return
		}
		r.thresholdsChanged()
		writeJSON(w, http.StatusOK, override)

	case http.MethodPatch:
		if !r.requireAuth(w, req) {
			return
		}
		var patch struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(req.Body).Decode(&patch); err != nil || patch.Enabled == nil {
			writeError(w, http.StatusBadRequest, "expected {\"enabled\": bool}")
			return
		}
		if err := r.thresholds.Toggle(key, *patch.Enabled); err != nil {
			writeThresholdError(w, err)
			return
		}
		r.thresholdsChanged()
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": *patch.Enabled})

	case http.MethodDelete:
		if !r.requireAuth(w, req) {
			return
		}
		if err := r.thresholds.Delete(key); err != nil {
			writeThresholdError(w, err)
			return
		}
		r.thresholdsChanged()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// thresholdsChanged forces a reconciliation so new thresholds reclassify
// guests without waiting for the next poll.
func (r *Router) thresholdsChanged() {
	if r.rebuild != nil {
		r.rebuild()
	}
}

func parseThresholdKey(path string) (thresholds.Key, bool) {
	rest := strings.TrimPrefix(path, "/api/thresholds/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return thresholds.Key{}, false
	}
	vmid, err := strconv.Atoi(parts[2])
	if err != nil || vmid <= 0 {
		return thresholds.Key{}, false
	}
	return thresholds.Key{EndpointID: parts[0], Node: parts[1], VMID: vmid}, true
}

// decodeOverride reads an override body and forces its key to the one
// in the URL, so a body cannot write under a different guest.
func decodeOverride(w http.ResponseWriter, req *http.Request, key thresholds.Key) (thresholds.Override, bool) {
	var override thresholds.Override
	if err := json.NewDecoder(req.Body).Decode(&override); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return thresholds.Override{}, false
	}
	override.Key = key
	return override, true
}

func writeThresholdError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, thresholds.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, thresholds.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "threshold store failure")
	}
}
