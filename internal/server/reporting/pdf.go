// Package reporting renders incident summaries as PDF documents for
// handoff outside the dashboard.
package reporting

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/aegis-siem/aegis/internal/models"
)

// Color scheme - dark slate with severity accents
var (
	colorPrimary    = [3]int{24, 43, 77}     // Deep navy
	colorTextDark   = [3]int{38, 50, 66}     // Body text
	colorTextMuted  = [3]int{120, 132, 148}  // Captions
	colorLow        = [3]int{46, 139, 87}    // Green
	colorMedium     = [3]int{217, 164, 6}    // Amber
	colorHigh       = [3]int{214, 98, 44}    // Orange
	colorCritical   = [3]int{192, 57, 43}    // Red
	colorTableAlt   = [3]int{242, 245, 249}  // Alternating row
	colorGridLine   = [3]int{214, 219, 226}  // Rules and borders
	colorBackground = [3]int{248, 249, 250}  // Info box fill
)

func severityColor(s models.Severity) [3]int {
	switch s {
	case models.SeverityCritical:
		return colorCritical
	case models.SeverityHigh:
		return colorHigh
	case models.SeverityMedium:
		return colorMedium
	default:
		return colorLow
	}
}

// IncidentPDF renders one incident and its member alerts.
func IncidentPDF(inc *models.Incident, alerts []models.Alert) ([]byte, error) {
	g := &generator{}
	return g.incident(inc, alerts)
}

type generator struct{}

func (g *generator) incident(inc *models.Incident, alerts []models.Alert) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.AddPage()

	g.writeHeader(pdf, inc)
	g.writeSummary(pdf, inc)
	g.writeAlertsTable(pdf, alerts)
	g.addPageNumbers(pdf)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

// writeHeader draws the report band and the incident title.
func (g *generator) writeHeader(pdf *fpdf.Fpdf, inc *models.Incident) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(16)
	pdf.SetFont("Arial", "B", 9)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 5, "AEGIS INCIDENT REPORT", "", 0, "L", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5, fmt.Sprintf("Generated %s", time.Now().UTC().Format("Jan 2, 2006 15:04 MST")), "", 1, "R", false, 0, "")

	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	pdf.SetLineWidth(0.3)
	pdf.Line(20, 24, pageWidth-20, 24)

	pdf.SetY(30)
	pdf.SetFont("Arial", "B", 18)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 10, fmt.Sprintf("Incident #%d: %s", inc.ID, inc.Name), "", 1, "L", false, 0, "")

	// Severity and status badges under the title.
	sev := severityColor(inc.Severity)
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(sev[0], sev[1], sev[2])
	pdf.CellFormat(35, 7, strings.ToUpper(string(inc.Severity)), "1", 0, "C", false, 0, "")
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(3, 7, "", "", 0, "C", false, 0, "")
	pdf.CellFormat(35, 7, strings.ToUpper(string(inc.Status)), "1", 1, "C", false, 0, "")
	pdf.Ln(6)
}

// writeSummary draws the description and the key facts box.
func (g *generator) writeSummary(pdf *fpdf.Fpdf, inc *models.Incident) {
	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.MultiCell(0, 5, inc.Description, "", "L", false)
	pdf.Ln(4)

	rows := [][2]string{
		{"Attack vector", inc.AttackVector},
		{"Alert count", fmt.Sprintf("%d", inc.AlertCount)},
		{"Affected devices", formatDevices(inc.AffectedDevices)},
		{"Created", inc.CreatedAt.UTC().Format("Jan 2, 2006 15:04:05 MST")},
		{"Last update", inc.UpdatedAt.UTC().Format("Jan 2, 2006 15:04:05 MST")},
	}
	if inc.ResolvedAt != nil {
		rows = append(rows, [2]string{"Resolved", inc.ResolvedAt.UTC().Format("Jan 2, 2006 15:04:05 MST")})
	}

	boxTop := pdf.GetY()
	pdf.SetFillColor(colorBackground[0], colorBackground[1], colorBackground[2])
	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	pdf.Rect(20, boxTop, 170, float64(len(rows))*7+6, "FD")

	pdf.SetY(boxTop + 3)
	for _, row := range rows {
		pdf.SetX(24)
		pdf.SetFont("Arial", "B", 9)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(38, 7, row[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(0, 7, truncate(row[1], 90), "", 1, "L", false, 0, "")
	}
	pdf.SetY(boxTop + float64(len(rows))*7 + 12)
}

// writeAlertsTable lists the member alerts in time order.
func (g *generator) writeAlertsTable(pdf *fpdf.Fpdf, alerts []models.Alert) {
	pdf.SetFont("Arial", "B", 12)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 8, "Member Alerts", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(alerts) == 0 {
		pdf.SetFont("Arial", "I", 9)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 6, "No alerts are linked to this incident.", "", 1, "L", false, 0, "")
		return
	}

	colWidths := []float64{48, 20, 34, 36, 32}
	headers := []string{"Rule", "Severity", "Host", "Source", "Raised"}

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 8)
	for i, header := range headers {
		pdf.CellFormat(colWidths[i], 7, header, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	fill := false
	for _, alert := range alerts {
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}

		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(colWidths[0], 6, truncate(alert.RuleName, 30), "1", 0, "L", fill, 0, "")

		sev := severityColor(alert.Severity)
		pdf.SetTextColor(sev[0], sev[1], sev[2])
		pdf.CellFormat(colWidths[1], 6, string(alert.Severity), "1", 0, "C", fill, 0, "")
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])

		host := alert.DetailString("hostname")
		if host == "" {
			host = alert.AgentID
		}
		pdf.CellFormat(colWidths[2], 6, truncate(host, 20), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(colWidths[3], 6, truncate(alert.DetailString("source_ip"), 21), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(colWidths[4], 6, alert.CreatedAt.UTC().Format("Jan 02 15:04:05"), "1", 0, "C", fill, 0, "")

		pdf.Ln(-1)
		fill = !fill
	}
	pdf.Ln(6)
}

func (g *generator) addPageNumbers(pdf *fpdf.Fpdf) {
	pdf.SetAutoPageBreak(false, 0)
	totalPages := pdf.PageCount()
	for i := 1; i <= totalPages; i++ {
		pdf.SetPage(i)
		pageWidth, pageHeight := pdf.GetPageSize()

		pdf.SetY(pageHeight - 15)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of %d", i, totalPages), "", 0, "C", false, 0, "")

		pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
		pdf.SetLineWidth(0.3)
		pdf.Line(20, pageHeight-20, pageWidth-20, pageHeight-20)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatDevices(devices []string) string {
	if len(devices) == 0 {
		return "none recorded"
	}
	return strings.Join(devices, ", ")
}
