package tables

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const maxColumnWidth = 50

// SheetName is the worksheet name used for the i-th of n tables.
func SheetName(i, n int) string {
	if n > 1 {
		return fmt.Sprintf("Table %d", i+1)
	}
	return "Data"
}

// WriteXLSX writes one worksheet per table to w.
func WriteXLSX(w io.Writer, tables []Table) error {
	if len(tables) == 0 {
		return ErrNoTables
	}

	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	for i, t := range tables {
		name := SheetName(i, len(tables))
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), name); err != nil {
				return fmt.Errorf("naming sheet: %w", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("creating sheet %s: %w", name, err)
		}
		if err := writeSheet(f, name, t, bold); err != nil {
			return fmt.Errorf("writing sheet %s: %w", name, err)
		}
	}
	f.SetActiveSheet(0)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, t Table, headerStyle int) error {
	rows := make([][]string, 0, len(t.Rows)+1)
	rows = append(rows, t.Headers)
	rows = append(rows, t.Rows...)

	for r, row := range rows {
		addr, err := excelize.CoordinatesToCellName(1, r+1)
		if err != nil {
			return err
		}
		vals := make([]any, len(row))
		for i, v := range row {
			vals[i] = v
		}
		if err := f.SetSheetRow(sheet, addr, &vals); err != nil {
			return err
		}
	}
	if len(t.Headers) > 0 {
		if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
			return err
		}
	}

	for c, width := range columnWidths(t) {
		col, err := excelize.ColumnNumberToName(c + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, col, col, float64(width)); err != nil {
			return err
		}
	}
	return nil
}

// columnWidths sizes each header column to its longest value plus padding,
// capped at maxColumnWidth.
func columnWidths(t Table) []int {
	widths := make([]int, len(t.Headers))
	for c, h := range t.Headers {
		n := utf8.RuneCountInString(h)
		for _, row := range t.Rows {
			if c < len(row) {
				n = max(n, utf8.RuneCountInString(row[c]))
			}
		}
		widths[c] = min(n+2, maxColumnWidth)
	}
	return widths
}
