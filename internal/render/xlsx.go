package render

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const xlsxSheet = "Facilities"

// WriteXLSX writes the table to a single-sheet workbook. Numbers and booleans
// become typed cells; everything else is text.
func WriteXLSX(w io.Writer, t *Table) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			zap.L().Debug("close workbook", zap.Error(err))
		}
	}()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return eris.Wrap(err, "name sheet")
	}

	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		return eris.Wrap(err, "create stream writer")
	}

	header := make([]interface{}, len(t.Columns))
	for i, col := range t.Columns {
		header[i] = col
	}
	if err := sw.SetRow("A1", header); err != nil {
		return eris.Wrap(err, "write header")
	}

	for i, row := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return eris.Wrapf(err, "row %d", i+1)
		}

		values := make([]interface{}, len(row))
		for j, c := range row {
			values[j] = xlsxValue(c)
		}
		if err := sw.SetRow(cell, values); err != nil {
			return eris.Wrapf(err, "write row %d", i+1)
		}
	}

	if err := sw.Flush(); err != nil {
		return eris.Wrap(err, "flush sheet")
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "write workbook")
	}
	return nil
}

func xlsxValue(c Cell) interface{} {
	switch c.Kind {
	case CellEmpty:
		return nil
	case CellNumber:
		if v, ok := c.Number(); ok {
			return v
		}
	case CellBool:
		return c.Value == "true"
	}
	return c.Value
}
