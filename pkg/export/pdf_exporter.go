package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

const pdfPageWidth = 190.0

// PDFExporter renders datasets as printable PDF sheets. Two-column datasets
// are laid out as a field/value sheet, wider ones as a ruled table.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates a PDF document with an optional title.
func (e *PDFExporter) Render(data Dataset, title string) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.AddPage()

	if title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, title, "", 1, "L", false, 0, "")
		pdf.SetDrawColor(120, 120, 120)
		pdf.Line(10, pdf.GetY(), 200, pdf.GetY())
		pdf.Ln(4)
	}

	if len(data.Headers) == 2 {
		e.renderSheet(pdf, data)
	} else {
		e.renderTable(pdf, data)
	}

	pdf.Ln(6)
	pdf.SetFont("Arial", "I", 8)
	pdf.SetTextColor(110, 110, 110)
	pdf.CellFormat(0, 5, "Generated "+time.Now().UTC().Format("2006-01-02 15:04 UTC"), "", 1, "R", false, 0, "")

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// renderSheet prints a two-column dataset as labelled rows. Case summary
// sheets take this path.
func (e *PDFExporter) renderSheet(pdf *gofpdf.Fpdf, data Dataset) {
	labelKey, valueKey := data.Headers[0], data.Headers[1]
	for _, row := range data.Rows {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(55, 8, row[labelKey], "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.MultiCell(pdfPageWidth-55, 8, row[valueKey], "", "L", false)
	}
}

// renderTable prints the dataset as a bordered grid with a shaded header row.
func (e *PDFExporter) renderTable(pdf *gofpdf.Fpdf, data Dataset) {
	colWidth := pdfPageWidth / float64(len(data.Headers))

	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	for _, header := range data.Headers {
		pdf.CellFormat(colWidth, 8, header, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for i, row := range data.Rows {
		shaded := i%2 == 1
		if shaded {
			pdf.SetFillColor(245, 245, 245)
		}
		for _, header := range data.Headers {
			pdf.CellFormat(colWidth, 7, row[header], "1", 0, "L", shaded, 0, "")
		}
		pdf.Ln(-1)
	}
}
