package report

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/dbcgate/internal/dbc"
	"example.com/dbcgate/internal/lint"
)

const qrImageName = "digest-qr"

// SavePDF renders the report into a PDF document at out.
func SavePDF(rep Report, out string) error {
	pdf, err := render(rep)
	if err != nil {
		return err
	}
	return pdf.OutputFileAndClose(out)
}

// WritePDF renders the report into w.
func WritePDF(rep Report, w io.Writer) error {
	pdf, err := render(rep)
	if err != nil {
		return err
	}
	return pdf.Output(w)
}

func render(rep Report) (*gofpdf.Fpdf, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("CAN Database Report", false)
	pdf.SetAuthor("dbcctl", false)
	pdf.SetCreator("dbcctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, "CAN Database Report")
	if err := addDigestSection(pdf, rep); err != nil {
		return nil, err
	}
	addSourcesSection(pdf, rep.Sources)
	addMessagesSection(pdf, rep.Messages)
	addFindingsSection(pdf, rep.Acceptance)

	if pdf.Err() {
		return nil, pdf.Error()
	}
	return pdf, nil
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addDigestSection(pdf *gofpdf.Fpdf, rep Report) error {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(8)

	top := pdf.GetY()
	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: "Root Fragment", value: emptyFallback(rep.Root, "-")},
		{label: "Version", value: emptyFallback(rep.Version, "-")},
		{label: "Generated", value: rep.GeneratedAt.Format(time.RFC3339)},
		{label: "Fragments", value: strconv.Itoa(len(rep.Sources))},
		{label: "Messages", value: strconv.Itoa(len(rep.Messages))},
		{label: "Lint", value: passLabel(rep.Acceptance.Summary.Pass)},
	}
	for _, item := range items {
		pdf.CellFormat(40, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(100, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.SetFont("Courier", "", 8)
	pdf.CellFormat(40, 5, "", "", 0, "L", false, 0, "")
	pdf.MultiCell(100, 4, "sha256 "+rep.Digest, "", "L", false)

	if rep.Digest != "" {
		png, err := DigestToQR(rep.Digest, 256)
		if err != nil {
			return fmt.Errorf("digest qr: %w", err)
		}
		opts := gofpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader(qrImageName, opts, bytes.NewReader(png))
		pdf.ImageOptions(qrImageName, 160, top, 35, 35, false, opts, 0, "")
		if pdf.GetY() < top+36 {
			pdf.SetY(top + 36)
		}
	}
	pdf.Ln(4)
	return nil
}

func addSourcesSection(pdf *gofpdf.Fpdf, sources []dbc.Source) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Fragments")
	pdf.Ln(9)

	headers := []string{"#", "Fragment", "Size", "SHA-256"}
	widths := []float64{10, 50, 20, 100}
	tableHeader(pdf, headers, widths)

	pdf.SetFont("Helvetica", "", 9)
	for i, src := range sources {
		renderTableRow(pdf, widths, []string{
			strconv.Itoa(i + 1),
			src.Name,
			strconv.FormatInt(src.Size, 10),
			emptyFallback(src.Sha256, "-"),
		}, 5)
	}
	pdf.Ln(4)
}

func addMessagesSection(pdf *gofpdf.Fpdf, msgs []MessageSummary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Messages")
	pdf.Ln(9)

	headers := []string{"ID", "Name", "Len", "Sender", "Signals", "Tables", "Integrity"}
	widths := []float64{22, 48, 12, 22, 18, 16, 42}
	tableHeader(pdf, headers, widths)

	pdf.SetFont("Helvetica", "", 9)
	for _, m := range msgs {
		renderTableRow(pdf, widths, []string{
			formatID(m.ID, m.Extended),
			m.Name,
			strconv.Itoa(m.Length),
			emptyFallback(m.Sender, "-"),
			strconv.Itoa(m.Signals),
			strconv.Itoa(m.Tables),
			integrityLabel(m),
		}, 5)
	}
	pdf.Ln(4)
}

func addFindingsSection(pdf *gofpdf.Fpdf, acc lint.AcceptanceReport) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Findings")
	pdf.Ln(9)

	if len(acc.Findings) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No findings recorded.", "", "L", false)
		return
	}
	pdf.SetFont("Helvetica", "", 10)
	pdf.MultiCell(0, 5, fmt.Sprintf("%d findings, %d errors, %d warnings.",
		acc.Summary.Total, acc.Summary.Errors, acc.Summary.Warnings), "", "L", false)
	pdf.Ln(2)

	for i, d := range acc.Findings {
		pdf.SetFont("Helvetica", "B", 10)
		header := fmt.Sprintf("%d. %s (%s)", i+1, d.RuleId, severityLabel(d.Severity))
		pdf.MultiCell(0, 5, header, "", "L", false)

		if msg := strings.TrimSpace(d.Message); msg != "" {
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, msg, "", "L", false)
		}
		if meta := findingMetadata(d); meta != "" {
			pdf.SetFont("Helvetica", "", 9)
			pdf.MultiCell(0, 4, meta, "", "L", false)
		}
		pdf.Ln(2)
	}
}

func tableHeader(pdf *gofpdf.Fpdf, headers []string, widths []float64) {
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func formatID(id uint32, extended bool) string {
	if extended {
		return fmt.Sprintf("0x%08X", id)
	}
	return fmt.Sprintf("0x%03X (%d)", id, id)
}

func integrityLabel(m MessageSummary) string {
	var parts []string
	if m.Checksum != "" {
		parts = append(parts, m.Scheme+":"+m.Checksum)
	}
	if m.Counter != "" {
		parts = append(parts, "ctr:"+m.Counter)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func passLabel(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

func severityLabel(sev lint.Severity) string {
	if s := strings.TrimSpace(string(sev)); s != "" {
		return s
	}
	return "UNKNOWN"
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

func findingMetadata(d lint.Diagnostic) string {
	parts := make([]string, 0, 4)
	if !d.Ts.IsZero() {
		parts = append(parts, d.Ts.Format(time.RFC3339))
	}
	if d.File != "" {
		parts = append(parts, d.File)
	}
	if d.MessageId != nil {
		parts = append(parts, fmt.Sprintf("Message %d", *d.MessageId))
	}
	if d.Signal != "" {
		parts = append(parts, "Signal "+d.Signal)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " - ")
}
