package render

import (
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"
)

// WriteCSV writes a header row followed by one row per record
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(t.Columns); err != nil {
		return eris.Wrap(err, "write CSV header")
	}

	record := make([]string, len(t.Columns))
	for i, row := range t.Rows {
		for j, cell := range row {
			record[j] = cell.Value
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrapf(err, "write CSV row %d", i+1)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "flush CSV")
	}
	return nil
}
