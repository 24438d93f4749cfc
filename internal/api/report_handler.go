package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/backwatch/backwatch/internal/report"
)

// handleReport serves GET /api/report: a PDF summary of the current
// aggregate state.
func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := report.NewGenerator().Generate(r.store.Current())
	if err != nil {
		log.Error().Err(err).Msg("Report generation failed")
		writeError(w, http.StatusInternalServerError, "report generation failed")
		return
	}

	filename := fmt.Sprintf("backup-report-%s.pdf", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(data)
}
