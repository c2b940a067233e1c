package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// formatValue renders one cell for text exports. Times use the date layout
// the builder writes, everything else falls through to the driver's string
// form.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format("2006-01-02")
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ExportCSV streams the full result set as CSV with a header row.
func (s *Store) ExportCSV(ctx context.Context, p Params, w io.Writer) error {
	cw := csv.NewWriter(w)
	wroteHeader := false
	record := []string(nil)

	err := s.Stream(ctx, p, func(columns []string, row []any) error {
		if !wroteHeader {
			if err := cw.Write(columns); err != nil {
				return fmt.Errorf("failed to write CSV header: %w", err)
			}
			wroteHeader = true
			record = make([]string, len(columns))
		}
		for i, v := range row {
			record[i] = formatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !wroteHeader {
		// Empty result still gets its header.
		known, err := s.Columns(ctx, p.Schema, p.View, p.Locale)
		if err != nil {
			return err
		}
		cols := p.Columns
		if len(cols) == 0 {
			cols = known
		}
		if err := cw.Write(cols); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

// ExportJSON streams the full result set as a JSON array of objects, one
// object per row keyed by column name. Rows are encoded as they arrive so
// the result set is never held in memory.
func (s *Store) ExportJSON(ctx context.Context, p Params, w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return fmt.Errorf("failed to write JSON export: %w", err)
	}

	first := true
	err := s.Stream(ctx, p, func(columns []string, row []any) error {
		obj := make(map[string]any, len(columns))
		for i, col := range columns {
			obj[col] = row[i]
		}
		buf, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to encode JSON row: %w", err)
		}
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return fmt.Errorf("failed to write JSON export: %w", err)
			}
		}
		first = false
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write JSON export: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := io.WriteString(w, "]"); err != nil {
		return fmt.Errorf("failed to write JSON export: %w", err)
	}
	return nil
}
