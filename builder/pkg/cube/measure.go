package cube

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/statvault/cube/builder/pkg/dataset"
	"github.com/statvault/cube/builder/pkg/pgsql"
)

// buildMeasure appends the data-value projections and, when measure rows
// exist, the per-reference formatting CASE plus the measure metadata join.
func (b *build) buildMeasure(ctx context.Context) error {
	m := b.bc.Dataset.Measure
	if m == nil || b.valueCol == "" {
		return nil
	}
	if b.bc.EndRevision.MeasureFlagged() {
		// Not yet re-validated against the active upload: skip the lookup
		// join so possibly-stale measure rows never reach the views.
		b.log.Info("measure pending re-validation, building as passthrough", "column", m.FactTableColumn)
		return b.buildPassthroughMeasure(ctx, m)
	}
	if len(m.Rows) == 0 {
		return b.buildPassthroughMeasure(ctx, m)
	}
	return b.buildLookupMeasure(ctx, m)
}

// annotatedExpr wraps a rendered value in a bracketed note-code suffix when
// the fact row carries notes.
func (b *build) annotatedExpr(valueExpr string) string {
	if b.notesCol == "" {
		return valueExpr
	}
	notes := factCol(b.notesCol)
	return fmt.Sprintf("CASE WHEN %s IS NULL THEN %s ELSE %s || ' [' || %s || ']' END",
		notes, valueExpr, valueExpr, notes)
}

// buildPassthroughMeasure handles measures with no metadata rows: raw and
// formatted projections pass through, annotated adds the notes suffix.
func (b *build) buildPassthroughMeasure(ctx context.Context, m *dataset.Measure) error {
	value := factCol(b.valueCol)
	ref := factCol(m.FactTableColumn)

	for _, locale := range b.bc.Locales {
		lc := b.bc.Locale(locale)
		base := lc.UniqueName(b.valueCol)
		formatted := base + "_formatted"
		annotated := base + "_annotated"
		lc.Reserve(formatted, annotated)
		measureName := lc.UniqueName(m.DisplayName(locale))
		measureRef := measureName + "_ref"
		lc.Reserve(measureRef)

		lc.Append(SelectColumn{Expr: value, Alias: base, Kind: KindDataRaw})
		lc.Append(SelectColumn{Expr: value + "::text", Alias: formatted, Kind: KindDataFormatted})
		lc.Append(SelectColumn{Expr: b.annotatedExpr(value + "::text"), Alias: annotated, Kind: KindDataAnnotated})
		lc.Append(SelectColumn{Expr: ref, Alias: measureName, Kind: KindValue})
		lc.Append(SelectColumn{Expr: ref + "::text", Alias: measureRef, Kind: KindRef})

		if err := b.insertMeasureFilterRows(ctx, m, locale, measureName, false); err != nil {
			return err
		}
	}
	return nil
}

// createMeasureTable materializes the measure metadata rows into an
// in-schema table with the canonical lookup layout.
func (b *build) createMeasureTable(ctx context.Context, m *dataset.Measure) error {
	ddl := pgsql.New().
		SQL("CREATE TABLE ").Ident(b.bc.Schema, "measure").
		SQL(" (reference text, language text, description text, notes text,").
		SQL(" sort_order integer, format text, decimals integer, measure_type text, hierarchy text)")
	if _, err := b.q.Exec(ctx, ddl.String()); err != nil {
		return b.fail(KindCubeCreationFailed, ddl.String(), fmt.Errorf("failed to create measure table: %w", err))
	}

	values := make([][]any, 0, len(m.Rows))
	for _, r := range m.Rows {
		values = append(values, []any{
			r.Reference, r.Language, r.Description, r.Notes,
			r.SortOrder, string(r.Format), r.Decimals, r.MeasureType, r.Hierarchy,
		})
	}
	_, err := b.q.CopyFrom(ctx, pgx.Identifier{b.bc.Schema, "measure"},
		[]string{"reference", "language", "description", "notes", "sort_order", "format", "decimals", "measure_type", "hierarchy"},
		pgx.CopyFromRows(values))
	if err != nil {
		return b.fail(KindCubeCreationFailed, "", fmt.Errorf("failed to populate measure table: %w", err))
	}
	return nil
}

type formatRule struct {
	reference string
	format    dataset.MeasureFormat
	decimals  int
}

// formatRules collapses the measure rows to the distinct
// (reference, format, decimals) tuples, in first-seen order.
func formatRules(rows []dataset.MeasureRow) []formatRule {
	var rules []formatRule
	seen := make(map[formatRule]bool)
	for _, r := range rows {
		rule := formatRule{reference: r.Reference, format: r.Format, decimals: r.Decimals}
		if seen[rule] {
			continue
		}
		seen[rule] = true
		rules = append(rules, rule)
	}
	return rules
}

// renderRule rewrites the raw value per one reference's format: numeric
// formats round to the row's decimal count with thousands grouping,
// integer groups without decimals, everything else casts verbatim.
func renderRule(value string, rule formatRule) string {
	switch {
	case rule.format.Numeric():
		return fmt.Sprintf("to_char(%s::numeric, '%s')", value, groupedNumericFormat(rule.decimals))
	case rule.format == dataset.FormatInteger:
		return fmt.Sprintf("to_char(%s::numeric, '%s')", value, groupedNumericFormat(0))
	default:
		return value + "::text"
	}
}

// formattedCase builds the per-reference CASE projection over the measure
// column.
func formattedCase(measureCol, value string, rules []formatRule) string {
	b := pgsql.New().SQL("CASE")
	for _, rule := range rules {
		b.SQLf(" WHEN %s = ", measureCol).Literal(rule.reference).
			SQLf(" THEN %s", renderRule(value, rule))
	}
	b.SQLf(" ELSE %s::text END", value)
	return b.String()
}

// buildLookupMeasure materializes the measure table, renders the formatting
// CASE and joins description/sort/hierarchy metadata per locale.
func (b *build) buildLookupMeasure(ctx context.Context, m *dataset.Measure) error {
	if err := b.createMeasureTable(ctx, m); err != nil {
		return err
	}
	if m.LookupTableID != nil {
		// The rows were sourced from a centrally ingested lookup; record
		// the in-schema copy alongside the dimensions'.
		b.bc.LookupTables[m.FactTableColumn] = "measure"
	}

	const alias = "m0"
	measureCol := factCol(m.FactTableColumn)
	value := factCol(b.valueCol)
	caseExpr := formattedCase(measureCol, value, formatRules(m.Rows))

	join := pgsql.New().
		SQL("LEFT JOIN ").SQL(schemaToken).SQL(".").Ident("measure").
		SQL(" AS ").Ident(alias).
		SQL(" ON ").Ident(alias, "reference").SQLf(" = %s::text", measureCol).
		SQL(" AND ").Ident(alias, "language").SQL(" = ").SQL(langToken).
		String()

	for _, locale := range b.bc.Locales {
		lc := b.bc.Locale(locale)
		base := lc.UniqueName(b.valueCol)
		formatted := base + "_formatted"
		annotated := base + "_annotated"
		lc.Reserve(formatted, annotated)
		measureName := lc.UniqueName(m.DisplayName(locale))
		measureRef := measureName + "_ref"
		measureSort := measureName + "_sort"
		measureHier := measureName + "_hierarchy"
		lc.Reserve(measureRef, measureSort, measureHier)

		lc.Append(SelectColumn{Expr: value, Alias: base, Kind: KindDataRaw})
		lc.Append(SelectColumn{Expr: caseExpr, Alias: formatted, Kind: KindDataFormatted})
		lc.Append(SelectColumn{Expr: b.annotatedExpr(caseExpr), Alias: annotated, Kind: KindDataAnnotated})
		lc.Append(SelectColumn{Expr: pgsql.QuoteIdent(alias, "description"), Alias: measureName, Kind: KindValue})
		lc.Append(SelectColumn{Expr: measureCol + "::text", Alias: measureRef, Kind: KindRef})
		lc.Append(SelectColumn{Expr: pgsql.QuoteIdent(alias, "sort_order"), Alias: measureSort, Kind: KindSort})
		lc.Append(SelectColumn{Expr: pgsql.QuoteIdent(alias, "hierarchy"), Alias: measureHier, Kind: KindHierarchy})
		lc.Joins = append(lc.Joins, join)

		if err := b.insertMeasureFilterRows(ctx, m, locale, measureName, true); err != nil {
			return err
		}
	}
	return nil
}

// insertMeasureFilterRows emits the measure's filter rows exactly like a
// dimension's: from the measure table when one exists, else per distinct
// fact value.
func (b *build) insertMeasureFilterRows(ctx context.Context, m *dataset.Measure, locale, name string, hasLookup bool) error {
	var sb *pgsql.Builder
	if hasLookup {
		sb = pgsql.New().
			SQL("INSERT INTO ").Ident(b.bc.Schema, "filter_table").
			SQL(" (reference, language, fact_table_column, dimension_name, description, hierarchy)").
			SQL(" SELECT reference, language, ").Arg(m.FactTableColumn).SQL(", ").Arg(name).
			SQL(", description, hierarchy FROM ").Ident(b.bc.Schema, "measure").
			SQL(" WHERE language = ").Arg(locale)
	} else {
		col := factCol(m.FactTableColumn)
		sb = pgsql.New().
			SQL("INSERT INTO ").Ident(b.bc.Schema, "filter_table").
			SQL(" (reference, language, fact_table_column, dimension_name, description, hierarchy)").
			SQLf(" SELECT DISTINCT %s::text, ", col).Arg(locale).
			SQL(", ").Arg(m.FactTableColumn).SQL(", ").Arg(name).
			SQLf(", %s::text, NULL FROM ", col).Ident(b.bc.Schema, "fact_table").
			SQL(" AS ").Ident("fact_table").
			SQLf(" WHERE %s IS NOT NULL", col)
	}
	if _, err := b.q.Exec(ctx, sb.String(), sb.Args()...); err != nil {
		return b.fail(KindCubeCreationFailed, sb.String(), fmt.Errorf("failed to insert measure filter rows: %w", err))
	}
	return nil
}
