package export

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Format is an output spreadsheet format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// SheetName is the worksheet written to XLSX exports.
const SheetName = "Analysis Results"

const maxColumnWidth = 50

// ParseFormat accepts "csv" or "xlsx" (any case). Empty means xlsx.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", eris.Errorf("export: unsupported format %q", s)
	}
}

// ContentType is the HTTP media type for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Filename returns batch_insights_YYYYMMDD_HHMMSS.<ext> for now.
func Filename(f Format, now time.Time) string {
	return "batch_insights_" + now.Format("20060102_150405") + "." + string(f)
}

// Write encodes t to w in format f.
func Write(w io.Writer, f Format, t Table) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, t)
	case FormatXLSX:
		return WriteXLSX(w, t)
	default:
		return eris.Errorf("export: unsupported format %q", f)
	}
}

// WriteCSV writes t as CSV with a header row.
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// WriteXLSX writes t as a single-sheet workbook with column widths sized to
// content (capped at 50 characters).
func WriteXLSX(w io.Writer, t Table) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	widths := make([]int, len(t.Header))
	addRow := func(cells []string) {
		row := sheet.AddRow()
		for i, v := range cells {
			row.AddCell().SetString(v)
			if i < len(widths) {
				widths[i] = max(widths[i], utf8.RuneCountInString(v))
			}
		}
	}
	addRow(t.Header)
	for _, r := range t.Rows {
		addRow(r)
	}

	// Column numbers are 1-based.
	for i, wd := range widths {
		sheet.SetColWidth(i+1, i+1, float64(min(wd+2, maxColumnWidth)))
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}

// WriteFile writes t into dir under Filename(f, now) and returns the path.
func WriteFile(dir string, f Format, t Table, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "export: create output dir")
	}
	path := filepath.Join(dir, Filename(f, now))
	out, err := os.Create(path)
	if err != nil {
		return "", eris.Wrap(err, "export: create file")
	}
	defer out.Close() //nolint:errcheck

	if err := Write(out, f, t); err != nil {
		return "", err
	}
	return path, nil
}
