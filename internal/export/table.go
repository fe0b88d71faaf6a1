// Package export flattens analysis results into spreadsheet rows and writes
// them as CSV or XLSX.
package export

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/insights-cli/internal/model"
)

// Fixed column names.
const (
	ColIndex          = "Index"
	ColInputType      = "Input Type"
	ColSource         = "Source"
	ColCustomerName   = "Customer Name"
	ColMeetingDate    = "Meeting Date"
	ColWordCount      = "Word Count"
	ColProcessingTime = "Processing Time (ms)"
	ColError          = "Error"
)

// BaseColumns precede the category columns in a batch export.
var BaseColumns = []string{
	ColIndex, ColInputType, ColSource, ColCustomerName,
	ColMeetingDate, ColWordCount, ColProcessingTime, ColError,
}

// ValueSeparator joins multiple category values in one cell.
const ValueSeparator = ", "

// Table is a header plus rows of equal width.
type Table struct {
	Header []string
	Rows   [][]string
}

// AvailableColumns lists every exportable column for a template.
type AvailableColumns struct {
	Base       []string `json:"base_columns"`
	Categories []string `json:"category_columns"`
	All        []string `json:"all_columns"`
}

// Columns returns the exportable columns for schema.
func Columns(schema model.SchemaTemplate) AvailableColumns {
	cats := schema.CategoryNames()
	all := make([]string, 0, len(BaseColumns)+len(cats))
	all = append(all, BaseColumns...)
	all = append(all, cats...)
	return AvailableColumns{
		Base:       append([]string(nil), BaseColumns...),
		Categories: cats,
		All:        all,
	}
}

// Rows flattens single-document results into the compact layout: customer
// name, meeting date, then one column per category.
func Rows(schema model.SchemaTemplate, results []model.DocumentAnalysisResult) Table {
	header := append([]string{ColCustomerName, ColMeetingDate}, schema.CategoryNames()...)
	t := Table{Header: header, Rows: make([][]string, 0, len(results))}
	for _, r := range results {
		row := []string{r.CustomerName, r.MeetingDate}
		for _, c := range schema.Categories {
			row = append(row, categoryCell(r.Categories, c.Name))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// BatchTable flattens a batch into the full export layout. When selected is
// non-empty only those columns are kept, still in canonical order. Naming an
// unknown column is an error.
func BatchTable(schema model.SchemaTemplate, batch *model.BatchResult, selected []string) (Table, error) {
	all := Columns(schema).All
	cols, err := selectColumns(all, selected)
	if err != nil {
		return Table{}, err
	}

	t := Table{Header: cols}
	if batch == nil {
		return t, nil
	}
	t.Rows = make([][]string, 0, len(batch.Results))
	for _, item := range batch.Results {
		full := batchRow(item)
		row := make([]string, len(cols))
		for i, c := range cols {
			if v, ok := full[c]; ok {
				row[i] = v
			} else {
				row[i] = categoryCell(item.Categories, c)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func batchRow(item model.BatchItemResult) map[string]string {
	return map[string]string{
		ColIndex:          strconv.Itoa(item.Index + 1),
		ColInputType:      string(item.InputType),
		ColSource:         item.Source,
		ColCustomerName:   item.CustomerName,
		ColMeetingDate:    item.MeetingDate,
		ColWordCount:      strconv.Itoa(item.WordCount),
		ColProcessingTime: strconv.FormatInt(item.ProcessingTimeMS, 10),
		ColError:          item.Error,
	}
}

func categoryCell(results model.CategoryResults, name string) string {
	r, ok := results.Get(name)
	if !ok {
		return ""
	}
	return strings.Join(r.Values, ValueSeparator)
}

func selectColumns(all, selected []string) ([]string, error) {
	if len(selected) == 0 {
		return all, nil
	}
	known := make(map[string]bool, len(all))
	for _, c := range all {
		known[c] = true
	}
	want := make(map[string]bool, len(selected))
	for _, s := range selected {
		if !known[s] {
			return nil, eris.Errorf("export: unknown column %q", s)
		}
		want[s] = true
	}
	out := make([]string, 0, len(selected))
	for _, c := range all {
		if want[c] {
			out = append(out, c)
		}
	}
	return out, nil
}
