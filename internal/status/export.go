package status

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	ledger "microgrid-ledger/internal/ledger/domain"
)

const (
	formatXLSX = "xlsx"
	formatPDF  = "pdf"
)

// monthlyEntry pairs a participant with its month aggregate.
type monthlyEntry struct {
	Name    string
	Summary ledger.MonthlySummary
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	start := time.Now()
	at, err := parseMonth(r.URL.Query().Get("month"))
	if err != nil {
		http.Error(w, "invalid month", http.StatusBadRequest)
		observeExport(format, err, start)
		return
	}

	entries := make([]monthlyEntry, 0, len(h.participants))
	for _, p := range h.participants {
		summary, err := p.History.MonthlySummary(r.Context(), at)
		if err != nil {
			http.Error(w, "summary unavailable", http.StatusInternalServerError)
			observeExport(format, err, start)
			return
		}
		entries = append(entries, monthlyEntry{Name: p.Name, Summary: summary})
	}

	month := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	var payload []byte
	var contentType string
	switch format {
	case formatXLSX:
		payload, err = buildMonthlyXLSX(month, entries)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case formatPDF:
		payload, err = buildMonthlyPDF(month, entries)
		contentType = "application/pdf"
	default:
		http.Error(w, "unknown format", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "export failed", http.StatusInternalServerError)
		observeExport(format, err, start)
		return
	}

	filename := fmt.Sprintf("monthly-%s.%s", month.Format("2006-01"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	_, _ = w.Write(payload)
	observeExport(format, nil, start)
}

// buildMonthlyPDF renders a fleet month report.
func buildMonthlyPDF(month time.Time, entries []monthlyEntry) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Energy Ledger Monthly Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Month: %s", month.Format("2006-01")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(45, 6, "Participant", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Generated (kWh)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Consumed (kWh)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Net (kWh)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Cycles", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, entry := range entries {
		pdf.CellFormat(45, 6, entry.Name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%.3f", entry.Summary.GeneratedKWh), "1", 0, "R", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%.3f", entry.Summary.ConsumedKWh), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.3f", entry.Summary.NetKWh), "1", 0, "R", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", entry.Summary.Rows), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildMonthlyXLSX renders a fleet month workbook.
func buildMonthlyXLSX(month time.Time, entries []monthlyEntry) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "monthly"
	f.SetSheetName("Sheet1", sheet)

	_ = f.SetCellValue(sheet, "A1", "Energy Ledger Monthly Report")
	_ = f.SetCellValue(sheet, "A2", "Month")
	_ = f.SetCellValue(sheet, "B2", month.Format("2006-01"))

	_ = f.SetCellValue(sheet, "A4", "Participant")
	_ = f.SetCellValue(sheet, "B4", "Generated (kWh)")
	_ = f.SetCellValue(sheet, "C4", "Consumed (kWh)")
	_ = f.SetCellValue(sheet, "D4", "Net (kWh)")
	_ = f.SetCellValue(sheet, "E4", "Cycles")
	for i, entry := range entries {
		row := i + 5
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), entry.Name)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), entry.Summary.GeneratedKWh)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), entry.Summary.ConsumedKWh)
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), entry.Summary.NetKWh)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), entry.Summary.Rows)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
