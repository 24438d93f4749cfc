// Package report renders a backup status summary of the current
// aggregate state as a PDF, for scheduled compliance evidence and
// ad-hoc export from the UI.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/backwatch/backwatch/internal/models"
)

var (
	colorPrimary   = [3]int{30, 58, 95}
	colorAccent    = [3]int{46, 204, 113}
	colorWarning   = [3]int{241, 196, 15}
	colorDanger    = [3]int{231, 76, 60}
	colorTextMuted = [3]int{127, 140, 141}
	colorTableAlt  = [3]int{241, 245, 249}
)

// Generator renders backup summary reports.
type Generator struct{}

// NewGenerator creates a report generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate renders the state into a PDF document.
func (g *Generator) Generate(state *models.AggregateState) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.AddPage()

	g.writeHeader(pdf, state)
	g.writeSummary(pdf, state)
	g.writeGuestTable(pdf, state)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) writeHeader(pdf *fpdf.Fpdf, state *models.AggregateState) {
	pageWidth, _ := pdf.GetPageSize()
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(18)
	pdf.SetFont("Arial", "B", 20)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 10, "Backup Status Report", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated %s  -  generation %d",
		time.Now().UTC().Format("2006-01-02 15:04 UTC"), state.Generation), "", 1, "L", false, 0, "")
	pdf.Ln(4)
}

func (g *Generator) writeSummary(pdf *fpdf.Fpdf, state *models.AggregateState) {
	pdf.SetFont("Arial", "B", 12)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 8, "Summary", "", 1, "L", false, 0, "")

	stats := state.Stats
	lines := []string{
		fmt.Sprintf("Guests monitored: %d", stats.Guests),
		fmt.Sprintf("Backup server backups: %d", stats.BackupServerTotal),
		fmt.Sprintf("Hypervisor backups: %d", stats.HypervisorTotal),
		fmt.Sprintf("Snapshots: %d", stats.SnapshotTotal),
		fmt.Sprintf("Current: %d   Outdated: %d   Critical: %d   Failed: %d   No backups: %d",
			stats.ByHealth[models.HealthCurrent],
			stats.ByHealth[models.HealthOutdated],
			stats.ByHealth[models.HealthCritical],
			stats.ByHealth[models.HealthFailed],
			stats.ByHealth[models.HealthNone]),
	}

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(60, 60, 60)
	for _, line := range lines {
		pdf.CellFormat(0, 6, line, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func (g *Generator) writeGuestTable(pdf *fpdf.Fpdf, state *models.AggregateState) {
	pdf.SetFont("Arial", "B", 12)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 8, "Guests", "", 1, "L", false, 0, "")

	headers := []string{"Guest", "Node", "Type", "Last Backup", "Health"}
	widths := []float64{50, 30, 20, 40, 30}

	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetTextColor(255, 255, 255)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for i, guest := range state.Guests {
		fill := i%2 == 1
		pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		pdf.SetTextColor(60, 60, 60)

		last := "never"
		if !guest.LastBackup.IsZero() {
			last = guest.LastBackup.UTC().Format("2006-01-02 15:04")
		}
		name := guest.Name
		if name == "" {
			name = fmt.Sprintf("vmid %d", guest.VMID)
		}
		if guest.Stale {
			name += " (stale)"
		}

		pdf.CellFormat(widths[0], 6, name, "", 0, "L", fill, 0, "")
		pdf.CellFormat(widths[1], 6, guest.Node, "", 0, "L", fill, 0, "")
		pdf.CellFormat(widths[2], 6, string(guest.Type), "", 0, "L", fill, 0, "")
		pdf.CellFormat(widths[3], 6, last, "", 0, "L", fill, 0, "")

		c := healthColor(guest.Health)
		pdf.SetTextColor(c[0], c[1], c[2])
		pdf.CellFormat(widths[4], 6, string(guest.Health), "", 0, "L", fill, 0, "")
		pdf.Ln(-1)
	}
}

func healthColor(h models.Health) [3]int {
	switch h {
	case models.HealthCurrent:
		return colorAccent
	case models.HealthOutdated:
		return colorWarning
	case models.HealthCritical, models.HealthFailed:
		return colorDanger
	default:
		return colorTextMuted
	}
}
