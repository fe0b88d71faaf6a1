package fetcher

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures ReadCSV.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // 0 disables comments
	LazyQuotes bool
	TrimSpace  bool
}

const utf8BOM = "\ufeff"

// ReadCSV reads every row of r. A leading UTF-8 byte order mark, which
// spreadsheet exports often add, is dropped, as are rows whose cells are all
// blank. Rows may have differing widths.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) ([][]string, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && string(head) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.Comment = opts.Comment
	reader.LazyQuotes = opts.LazyQuotes
	reader.FieldsPerRecord = -1

	var rows [][]string
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "csv: read canceled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "csv: read row %d", line)
		}
		if opts.TrimSpace {
			for i, field := range record {
				record[i] = strings.TrimSpace(field)
			}
		}
		if blank(record) {
			continue
		}
		rows = append(rows, record)
	}
}
