package cube

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/statvault/cube/builder/pkg/dataset"
	"github.com/statvault/cube/builder/pkg/pgsql"
)

const dayLayout = "2006-01-02"

// period is one parsed or generated time span at a single granularity.
type period struct {
	kind  string // year, quarter, month, date
	start time.Time
	end   time.Time // inclusive
}

// yearStartOffset returns the month and day a reporting year begins on.
func yearStartOffset(yt dataset.YearType) (time.Month, int) {
	switch yt {
	case dataset.YearMeteorological:
		return time.March, 1
	case dataset.YearFinancial:
		return time.April, 1
	case dataset.YearTax:
		return time.April, 6
	case dataset.YearAcademic:
		return time.September, 1
	default:
		return time.January, 1
	}
}

// yearPeriod returns the reporting year that starts in calendar year y.
func yearPeriod(y int, yt dataset.YearType) period {
	m, d := yearStartOffset(yt)
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return period{kind: "year", start: start, end: start.AddDate(1, 0, -1)}
}

// subPeriod returns the n-th (1-based) month- or quarter-sized span of a
// reporting year.
func subPeriod(yr period, n, months int, kind string) period {
	start := yr.start.AddDate(0, (n-1)*months, 0)
	return period{kind: kind, start: start, end: start.AddDate(0, months, -1)}
}

// yearRef renders the reference code of the reporting year starting in
// calendar year y, per the extractor's year format.
func yearRef(y int, format string) string {
	switch format {
	case "YYYY-YY":
		return fmt.Sprintf("%d-%02d", y, (y+1)%100)
	case "YYYY/YY":
		return fmt.Sprintf("%d/%02d", y, (y+1)%100)
	default:
		return strconv.Itoa(y)
	}
}

// parseYearRef extracts the starting calendar year from a year code. The
// split formats only validate the prefix; the trailing short year is not
// cross-checked because uploads are validated upstream.
func parseYearRef(code, format string) (int, bool) {
	switch format {
	case "YYYY-YY", "YYYY/YY":
		if len(code) != 7 {
			return 0, false
		}
		code = code[:4]
	default:
		if len(code) != 4 {
			return 0, false
		}
	}
	y, err := strconv.Atoi(code)
	if err != nil {
		return 0, false
	}
	return y, true
}

// suffixRef renders the quarter/month part of a period code, e.g. "Q3" for
// format "QX" or "m07" for format "mMM".
func suffixRef(format string, n int) string {
	var sb strings.Builder
	i := 0
	for i < len(format) {
		switch {
		case format[i] == 'X':
			sb.WriteString(strconv.Itoa(n))
			i++
		case strings.HasPrefix(format[i:], "MM") || strings.HasPrefix(format[i:], "mm"):
			fmt.Fprintf(&sb, "%02d", n)
			i += 2
		default:
			sb.WriteByte(format[i])
			i++
		}
	}
	return sb.String()
}

// parseSuffix extracts the 1-based period index from a code suffix.
func parseSuffix(suffix, format string, max int) (int, bool) {
	i, j := 0, 0
	n := -1
	for i < len(format) {
		switch {
		case format[i] == 'X':
			if j >= len(suffix) {
				return 0, false
			}
			v, err := strconv.Atoi(suffix[j : j+1])
			if err != nil {
				return 0, false
			}
			n = v
			i, j = i+1, j+1
		case strings.HasPrefix(format[i:], "MM") || strings.HasPrefix(format[i:], "mm"):
			if j+2 > len(suffix) {
				return 0, false
			}
			v, err := strconv.Atoi(suffix[j : j+2])
			if err != nil {
				return 0, false
			}
			n = v
			i, j = i+2, j+2
		default:
			if j >= len(suffix) || suffix[j] != format[i] {
				return 0, false
			}
			i, j = i+1, j+1
		}
	}
	if j != len(suffix) || n < 1 || n > max {
		return 0, false
	}
	return n, true
}

// goLayout converts a YYYY/MM/DD-style specific-day format to a Go time
// layout.
func goLayout(format string) string {
	r := strings.NewReplacer("YYYY", "2006", "MM", "01", "DD", "02")
	return r.Replace(format)
}

// yearRefLen is how many leading characters of a period code the year part
// occupies.
func yearRefLen(format string) int {
	if format == "YYYY-YY" || format == "YYYY/YY" {
		return 7
	}
	return 4
}

// parseDateCode parses one fact-table period code against the extractor,
// trying the most specific enabled granularity first.
func parseDateCode(code string, ex dataset.DateExtractor) (period, bool) {
	if ex.DateFormat != "" {
		if t, err := time.Parse(goLayout(ex.DateFormat), code); err == nil {
			return period{kind: "date", start: t, end: t}, true
		}
	}

	yl := yearRefLen(ex.YearFormat)
	if len(code) < yl {
		return period{}, false
	}
	y, ok := parseYearRef(code[:yl], ex.YearFormat)
	if !ok {
		return period{}, false
	}
	yr := yearPeriod(y, ex.YearType)
	suffix := code[yl:]

	if suffix == "" {
		return yr, true
	}
	if ex.MonthFormat != "" {
		if n, ok := parseSuffix(suffix, ex.MonthFormat, 12); ok {
			return subPeriod(yr, n, 1, "month"), true
		}
	}
	if ex.QuarterFormat != "" {
		if n, ok := parseSuffix(suffix, ex.QuarterFormat, 4); ok {
			return subPeriod(yr, n, 3, "quarter"), true
		}
	}
	return period{}, false
}

// dateRow is one generated reference-table row before localization.
type dateRow struct {
	ref       string
	hierarchy string
	p         period
}

// sortOrder ranks periods chronologically, coarser granularities first
// within the same start date.
func (r dateRow) sortOrder() int64 {
	rank := map[string]int64{"year": 0, "quarter": 1, "month": 2, "date": 3}[r.p.kind]
	y, m, d := r.p.start.Date()
	return (int64(y)*10000+int64(m)*100+int64(d))*10 + rank
}

// generateDateRows expands the reporting years spanning [min, max] into one
// row per enabled period instance, plus one row per observed specific day.
func generateDateRows(minT, maxT time.Time, observed []period, ex dataset.DateExtractor) []dateRow {
	var rows []dateRow

	om, od := yearStartOffset(ex.YearType)
	firstYear := minT.Year()
	if minT.Before(time.Date(firstYear, om, od, 0, 0, 0, 0, time.UTC)) {
		firstYear--
	}

	for y := firstYear; ; y++ {
		yr := yearPeriod(y, ex.YearType)
		if yr.start.After(maxT) {
			break
		}
		yRef := yearRef(y, ex.YearFormat)
		rows = append(rows, dateRow{ref: yRef, p: yr})

		if ex.QuarterFormat != "" {
			for q := 1; q <= 4; q++ {
				rows = append(rows, dateRow{
					ref:       yRef + suffixRef(ex.QuarterFormat, q),
					hierarchy: yRef,
					p:         subPeriod(yr, q, 3, "quarter"),
				})
			}
		}
		if ex.MonthFormat != "" {
			for m := 1; m <= 12; m++ {
				parent := yRef
				if ex.QuarterFormat != "" {
					parent = yRef + suffixRef(ex.QuarterFormat, (m-1)/3+1)
				}
				rows = append(rows, dateRow{
					ref:       yRef + suffixRef(ex.MonthFormat, m),
					hierarchy: parent,
					p:         subPeriod(yr, m, 1, "month"),
				})
			}
		}
	}

	if ex.DateFormat != "" {
		seen := make(map[string]bool)
		for _, p := range observed {
			if p.kind != "date" {
				continue
			}
			ref := p.start.Format(goLayout(ex.DateFormat))
			if seen[ref] {
				continue
			}
			seen[ref] = true
			yr := containingYear(p.start, ex.YearType)
			parent := yearRef(yr.start.Year(), ex.YearFormat)
			if ex.MonthFormat != "" {
				monthIdx := monthsBetween(yr.start, p.start) + 1
				parent += suffixRef(ex.MonthFormat, monthIdx)
			}
			rows = append(rows, dateRow{ref: ref, hierarchy: parent, p: p})
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].sortOrder() < rows[j].sortOrder() })
	return rows
}

// containingYear returns the reporting year that covers t.
func containingYear(t time.Time, yt dataset.YearType) period {
	yr := yearPeriod(t.Year(), yt)
	if t.Before(yr.start) {
		yr = yearPeriod(t.Year()-1, yt)
	}
	return yr
}

func monthsBetween(start, t time.Time) int {
	return (t.Year()-start.Year())*12 + int(t.Month()-start.Month())
}

// describeDateRow renders the localized display string for one period row.
func (b *build) describeDateRow(r dateRow, locale string) string {
	switch r.p.kind {
	case "month":
		return fmt.Sprintf("%s %d", b.tr.MonthName(r.p.start.Month(), locale), r.p.start.Year())
	case "date":
		return fmt.Sprintf("%d %s %d", r.p.start.Day(), b.tr.MonthName(r.p.start.Month(), locale), r.p.start.Year())
	default:
		return r.ref
	}
}

// buildDateDimension generates the dimension's reference table from the
// fact table's observed period codes, then wires it like a lookup table.
func (b *build) buildDateDimension(ctx context.Context, dim dataset.Dimension, joinIdx int) error {
	ex := dim.Extractor.Date
	if ex == nil || ex.YearFormat == "" {
		return b.fail(KindCubeCreationFailed, "", fmt.Errorf("date dimension %q has no date extractor", dim.FactTableColumn))
	}

	lookup := dim.FactTableColumn + "_lookup"
	ddl := pgsql.New().
		SQL("CREATE TABLE ").Ident(b.bc.Schema, lookup).
		SQL(" (reference text, language text, description text, sort_order bigint, hierarchy text, start_date date, end_date date, date_type text)")
	if _, err := b.q.Exec(ctx, ddl.String()); err != nil {
		return b.fail(KindCubeCreationFailed, ddl.String(), fmt.Errorf("failed to create date reference table: %w", err))
	}

	codes, err := b.distinctCodes(ctx, dim.FactTableColumn)
	if err != nil {
		return err
	}

	var observed []period
	var minT, maxT time.Time
	for _, code := range codes {
		p, ok := parseDateCode(code, *ex)
		if !ok {
			return b.fail(KindCubeCreationFailed, "",
				fmt.Errorf("unparseable period code %q in column %q", code, dim.FactTableColumn))
		}
		observed = append(observed, p)
		if minT.IsZero() || p.start.Before(minT) {
			minT = p.start
		}
		if p.end.After(maxT) {
			maxT = p.end
		}
	}

	if len(observed) > 0 {
		rows := generateDateRows(minT, maxT, observed, *ex)
		var values [][]any
		for _, locale := range b.bc.Locales {
			for _, r := range rows {
				var hier any
				if r.hierarchy != "" {
					hier = r.hierarchy
				}
				values = append(values, []any{
					r.ref, locale, b.describeDateRow(r, locale), r.sortOrder(), hier,
					r.p.start.Format(dayLayout), r.p.end.Format(dayLayout), r.p.kind,
				})
			}
		}
		_, err = b.q.CopyFrom(ctx, pgx.Identifier{b.bc.Schema, lookup},
			[]string{"reference", "language", "description", "sort_order", "hierarchy", "start_date", "end_date", "date_type"},
			pgx.CopyFromRows(values))
		if err != nil {
			return b.fail(KindCubeCreationFailed, "", fmt.Errorf("failed to populate date reference table: %w", err))
		}

		if err := b.extendDateCoverage(ctx, minT, maxT); err != nil {
			return err
		}
	}

	b.bc.LookupTables[dim.FactTableColumn] = lookup
	return b.appendLookupFragments(ctx, dim, lookup, joinIdx, true)
}

func (b *build) distinctCodes(ctx context.Context, col string) ([]string, error) {
	sb := pgsql.New().
		SQL("SELECT DISTINCT ").SQL(factCol(col)).SQL("::text FROM ").
		Ident(b.bc.Schema, "fact_table").SQL(" AS ").Ident("fact_table").
		SQLf(" WHERE %s IS NOT NULL", factCol(col))
	rows, err := b.q.Query(ctx, sb.String())
	if err != nil {
		return nil, b.fail(KindCubeCreationFailed, sb.String(), fmt.Errorf("failed to read period codes: %w", err))
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, b.fail(KindCubeCreationFailed, sb.String(), fmt.Errorf("failed to read period codes: %w", err))
	}
	return codes, nil
}

// extendDateCoverage widens the dataset-wide start/end coverage recorded in
// metadata; multiple date dimensions contribute to one span.
func (b *build) extendDateCoverage(ctx context.Context, minT, maxT time.Time) error {
	if cur, ok, err := getMetadata(ctx, b.q, b.bc.Schema, metaStartDate); err != nil {
		return b.fail(KindCubeCreationFailed, "", err)
	} else if ok {
		if t, perr := time.Parse(dayLayout, cur); perr == nil && t.Before(minT) {
			minT = t
		}
	}
	if cur, ok, err := getMetadata(ctx, b.q, b.bc.Schema, metaEndDate); err != nil {
		return b.fail(KindCubeCreationFailed, "", err)
	} else if ok {
		if t, perr := time.Parse(dayLayout, cur); perr == nil && t.After(maxT) {
			maxT = t
		}
	}
	if err := setMetadata(ctx, b.q, b.bc.Schema, metaStartDate, minT.Format(dayLayout)); err != nil {
		return b.fail(KindCubeCreationFailed, "", err)
	}
	if err := setMetadata(ctx, b.q, b.bc.Schema, metaEndDate, maxT.Format(dayLayout)); err != nil {
		return b.fail(KindCubeCreationFailed, "", err)
	}
	return nil
}
