package query

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// excelMaxRows is the xlsx worksheet row limit. Result sets larger than
// one sheet spill into Data_2, Data_3 and so on, each with its own header.
const excelMaxRows = 1048576

const excelSheetBase = "Data"

// ExportExcel streams the full result set into an xlsx workbook using
// excelize stream writers, sharding across worksheets at the format's row
// limit.
func (s *Store) ExportExcel(ctx context.Context, p Params, w io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", excelSheetBase); err != nil {
		return fmt.Errorf("failed to name worksheet: %w", err)
	}

	var (
		sw       *excelize.StreamWriter
		sheetNum = 1
		rowNum   = 0
		cells    []any
	)

	openSheet := func(columns []string) error {
		name := excelSheetBase
		if sheetNum > 1 {
			name = fmt.Sprintf("%s_%d", excelSheetBase, sheetNum)
			if _, err := f.NewSheet(name); err != nil {
				return fmt.Errorf("failed to add worksheet %q: %w", name, err)
			}
		}
		var err error
		sw, err = f.NewStreamWriter(name)
		if err != nil {
			return fmt.Errorf("failed to open worksheet %q: %w", name, err)
		}
		header := make([]any, len(columns))
		for i, col := range columns {
			header[i] = col
		}
		if err := sw.SetRow("A1", header); err != nil {
			return fmt.Errorf("failed to write worksheet header: %w", err)
		}
		rowNum = 1
		return nil
	}

	err := s.Stream(ctx, p, func(columns []string, row []any) error {
		if sw == nil {
			if err := openSheet(columns); err != nil {
				return err
			}
			cells = make([]any, len(columns))
		}
		if rowNum == excelMaxRows {
			if err := sw.Flush(); err != nil {
				return fmt.Errorf("failed to flush worksheet: %w", err)
			}
			sheetNum++
			if err := openSheet(columns); err != nil {
				return err
			}
		}
		rowNum++
		for i, v := range row {
			cells[i] = excelValue(v)
		}
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return fmt.Errorf("failed to address worksheet row: %w", err)
		}
		if err := sw.SetRow(cell, cells); err != nil {
			return fmt.Errorf("failed to write worksheet row: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if sw == nil {
		// Empty result still gets a header-only sheet.
		known, err := s.Columns(ctx, p.Schema, p.View, p.Locale)
		if err != nil {
			return err
		}
		cols := p.Columns
		if len(cols) == 0 {
			cols = known
		}
		if err := openSheet(cols); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush worksheet: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// excelValue maps driver values onto types excelize writes natively,
// falling back to the text form used by CSV exports.
func excelValue(v any) any {
	switch v.(type) {
	case nil:
		return nil
	case string, bool, int64, float64:
		return v
	default:
		return formatValue(v)
	}
}
