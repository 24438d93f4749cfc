package api

import (
	"net/http"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/backwatch/backwatch/internal/models"
)

// stateResponse is the filtered projection handed to the UI. Stats are
// recomputed over the filtered guest set so cards and list agree.
type stateResponse struct {
	Generation  uint64                         `json:"generation"`
	Fingerprint string                         `json:"fingerprint"`
	BuiltAt     string                         `json:"builtAt"`
	Guests      []models.GuestRecord           `json:"guests"`
	Stats       models.Stats                   `json:"stats"`
	Sources     map[string]models.SourceStatus `json:"sources"`
}

// handleState serves GET /api/state with optional mechanism, type,
// health and namespace filters. Filtering copies records out of the
// current generation; the published state is never touched.
func (r *Router) handleState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := req.URL.Query()
	mechanism := models.Mechanism(query.Get("mechanism"))
	guestType := models.GuestType(query.Get("type"))
	health := models.Health(query.Get("health"))
	namespace := query.Get("namespace")

	state := r.store.Current()
	filtered := make([]models.GuestRecord, 0, len(state.Guests))
	stats := models.Stats{ByHealth: make(map[models.Health]int)}

	for _, g := range state.Guests {
		if guestType != "" && g.Type != guestType {
			continue
		}
		if health != "" && g.Health != health {
			continue
		}
		if mechanism != "" && g.CountFor(mechanism) == 0 {
			continue
		}
		if namespace != "" {
			g = projectNamespace(g, namespace)
			if len(g.Namespaces) == 0 {
				continue
			}
		}

		filtered = append(filtered, g)
		stats.Guests++
		stats.BackupServerTotal += g.BackupServerCount
		stats.HypervisorTotal += g.HypervisorCount
		stats.SnapshotTotal += g.SnapshotCount
		stats.ByHealth[g.Health]++
	}

	writeJSON(w, http.StatusOK, stateResponse{
		Generation:  state.Generation,
		Fingerprint: state.Fingerprint,
		BuiltAt:     state.BuiltAt.UTC().Format(time.RFC3339),
		Guests:      filtered,
		Stats:       stats,
		Sources:     state.Sources,
	})
}

// projectNamespace narrows a guest record to the namespaces matching
// the pattern (wildcards allowed). The backup-server count is reduced
// to the matching namespaces so a per-namespace view never double
// counts; the record in the published state is left untouched.
func projectNamespace(g models.GuestRecord, pattern string) models.GuestRecord {
	matched := make([]string, 0, len(g.Namespaces))
	counts := make(map[string]int)
	total := 0
	for _, ns := range g.Namespaces {
		if !wildcard.Match(pattern, ns) {
			continue
		}
		matched = append(matched, ns)
		counts[ns] = g.NamespaceCounts[ns]
		total += g.NamespaceCounts[ns]
	}

	g.Namespaces = matched
	g.NamespaceCounts = counts
	g.BackupServerCount = total
	if len(matched) == 0 {
		g.NamespaceCounts = nil
	}
	return g
}
