package report

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/linetap/internal/common"
)

// SaveSessionPDF renders the session summary into a PDF document.
func SaveSessionPDF(s *Session, tr Translator, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(tr.T("report.title"), true)
	pdf.SetAuthor("linetapctl", false)
	pdf.SetCreator("linetapctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	tf := pdf.UnicodeTranslatorFromDescriptor("")

	addPDFTitle(pdf, tf(tr.T("report.title")))
	addSummarySection(pdf, tf, tr, s)
	addProtocolSection(pdf, tf, tr, s)
	addRuleSection(pdf, tf, tr, s)
	if err := addIntegritySection(pdf, tf, tr, s); err != nil {
		return err
	}

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addSummarySection(pdf *gofpdf.Fpdf, tf func(string) string, tr Translator, s *Session) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, tf(tr.T("report.section.summary")))
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: tr.T("report.label.logfile"), value: s.LogFile},
		{label: tr.T("report.label.window"), value: captureWindow(s)},
		{label: tr.T("report.label.frames"), value: strconv.FormatInt(s.Frames, 10)},
		{label: tr.T("report.label.modified"), value: strconv.FormatInt(s.Modified, 10)},
		{label: tr.T("report.label.errors"), value: strconv.FormatInt(s.Errors, 10)},
		{label: tr.T("report.label.bytes_ab"), value: common.FormatBytes(s.BytesAToB)},
		{label: tr.T("report.label.bytes_ba"), value: common.FormatBytes(s.BytesBToA)},
	}
	for _, item := range items {
		pdf.CellFormat(50, 6, tf(item.label), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, tf(item.value), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func captureWindow(s *Session) string {
	if s.First.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s - %s",
		s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
}

func addProtocolSection(pdf *gofpdf.Fpdf, tf func(string) string, tr Translator, s *Session) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, tf(tr.T("report.section.protocols")))
	pdf.Ln(9)
	renderCountTable(pdf, tf,
		tr.T("report.table.protocol"), tr.T("report.table.count"), s.Protocols)
}

func addRuleSection(pdf *gofpdf.Fpdf, tf func(string) string, tr Translator, s *Session) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, tf(tr.T("report.section.rules")))
	pdf.Ln(9)
	if len(s.RuleHits) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, tf(tr.T("report.rules.none")), "", "L", false)
		pdf.Ln(4)
		return
	}
	renderCountTable(pdf, tf,
		tr.T("report.table.rule"), tr.T("report.table.hits"), s.RuleHits)
}

func renderCountTable(pdf *gofpdf.Fpdf, tf func(string) string, keyHeader, countHeader string, counts map[string]int64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	widths := []float64{120, 40}
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(widths[0], 7, tf(keyHeader), "1", 0, "L", true, 0, "")
	pdf.CellFormat(widths[1], 7, tf(countHeader), "1", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	for _, k := range keys {
		pdf.CellFormat(widths[0], 6, tf(k), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, strconv.FormatInt(counts[k], 10), "1", 1, "R", false, 0, "")
	}
	pdf.Ln(4)
}

func addIntegritySection(pdf *gofpdf.Fpdf, tf func(string) string, tr Translator, s *Session) error {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, tf(tr.T("report.section.integrity")))
	pdf.Ln(9)

	pdf.SetFont("Courier", "", 9)
	pdf.MultiCell(0, 5, s.Digest, "", "L", false)
	pdf.SetFont("Helvetica", "", 9)
	pdf.MultiCell(0, 4, tf(tr.T("report.integrity.note")), "", "L", false)
	pdf.Ln(2)

	png, err := DigestToQR(s.Digest, 256)
	if err != nil {
		return err
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("log-digest-qr", opts, bytes.NewReader(png))
	pdf.ImageOptions("log-digest-qr", pdf.GetX(), pdf.GetY(), 40, 40, false, opts, 0, "")
	return nil
}
