package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/insights-cli/internal/model"
)

// Manifest column names, matched case-insensitively.
const (
	ManifestTypeColumn    = "type"
	ManifestContentColumn = "content"
)

// ReadManifest reads a CSV or XLSX batch manifest with a header row naming a
// type column and a content column. Each data row becomes one document:
// text rows carry the content itself, file rows a path (relative paths are
// resolved against the manifest's directory) and url rows a link. Rows with
// empty content are skipped.
func ReadManifest(ctx context.Context, path string) ([]model.DocumentInput, error) {
	rows, err := readTable(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.Errorf("manifest: %s is empty", path)
	}

	typeCol, contentCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case ManifestTypeColumn:
			typeCol = i
		case ManifestContentColumn:
			contentCol = i
		}
	}
	if typeCol < 0 || contentCol < 0 {
		return nil, eris.Errorf("manifest: %s needs %q and %q columns", path, ManifestTypeColumn, ManifestContentColumn)
	}

	base := filepath.Dir(path)
	var docs []model.DocumentInput
	for n, row := range rows[1:] {
		content := cell(row, contentCol)
		if content == "" {
			continue
		}
		kind := strings.ToLower(cell(row, typeCol))
		switch kind {
		case "text", "":
			docs = append(docs, model.NewTextDocument(content))
		case "file", "path":
			if !filepath.IsAbs(content) {
				content = filepath.Join(base, content)
			}
			docs = append(docs, model.NewFileDocument(content))
		case "url", "link":
			docs = append(docs, model.NewURLDocument(content))
		default:
			return nil, eris.Errorf("manifest: row %d: unknown type %q", n+2, kind)
		}
	}
	return docs, nil
}

func readTable(ctx context.Context, path string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, XLSXOptions{})
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "manifest: open")
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(ctx, f, CSVOptions{TrimSpace: true, LazyQuotes: true})
	default:
		return nil, eris.Errorf("manifest: unsupported file type %q (want .csv or .xlsx)", filepath.Ext(path))
	}
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
