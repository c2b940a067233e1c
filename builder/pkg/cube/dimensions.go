package cube

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/statvault/cube/builder/pkg/dataset"
	"github.com/statvault/cube/builder/pkg/pgsql"
)

func (b *build) createFilterTable(ctx context.Context) error {
	sb := pgsql.New().
		SQL("CREATE TABLE ").Ident(b.bc.Schema, "filter_table").
		SQL(" (reference text, language text, fact_table_column text, dimension_name text, description text, hierarchy text)")
	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(KindCubeCreationFailed, sb.String(), fmt.Errorf("failed to create filter table: %w", err))
	}
	return nil
}

// buildDimensions processes every dimension in fact-table column index
// order. Processing must stay sequential: the per-locale used-name sets
// and the shared filter table are mutated across iterations.
func (b *build) buildDimensions(ctx context.Context) error {
	joinIdx := 0
	for _, col := range b.bc.Dataset.OrderedColumns() {
		dim, ok := b.bc.Dataset.DimensionByColumn(col.Name)
		if !ok {
			continue
		}

		dimType := dim.Type
		if b.bc.EndRevision.DimensionFlagged(dim.ID) {
			// Not yet re-validated against the active upload: build as raw
			// pass-through so the cube still materializes.
			b.log.Info("dimension pending re-validation, building as raw", "column", dim.FactTableColumn)
			dimType = dataset.DimensionRaw
		}

		var err error
		switch dimType {
		case dataset.DimensionLookupTable:
			err = b.buildLookupDimension(ctx, dim, joinIdx, false)
			joinIdx++
		case dataset.DimensionDate, dataset.DimensionDatePeriod:
			err = b.buildDateDimension(ctx, dim, joinIdx)
			joinIdx++
		case dataset.DimensionNumeric:
			err = b.buildNumericDimension(ctx, dim)
		default:
			err = b.buildPassthroughDimension(ctx, dim)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// persistLookupRegistry records the lookup tables copied into the schema,
// the measure's included, once every engine step has registered its own.
func (b *build) persistLookupRegistry(ctx context.Context) error {
	registry, err := json.Marshal(b.bc.LookupTables)
	if err != nil {
		return fmt.Errorf("failed to marshal lookup table registry: %w", err)
	}
	if err := setMetadata(ctx, b.q, b.bc.Schema, metaLookupTables, string(registry)); err != nil {
		return b.fail(KindCubeCreationFailed, "", err)
	}
	return nil
}

// reserveAliases computes the de-duplicated display name and the derived
// variant aliases for one dimension in one locale.
func reserveAliases(lc *LocaleContext, display string) (base, ref, sort, hier string) {
	base = lc.UniqueName(display)
	ref = base + "_ref"
	sort = base + "_sort"
	hier = base + "_hierarchy"
	lc.Reserve(ref, sort, hier)
	return base, ref, sort, hier
}

func factCol(name string) string {
	return pgsql.QuoteIdent("fact_table", name)
}

// copyLookupTable copies a centrally ingested, pre-validated lookup table
// into the build schema verbatim.
func (b *build) copyLookupTable(ctx context.Context, col string, id uuid.UUID) (string, error) {
	var exists bool
	err := b.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		lookupTablesSchema, id.String()).Scan(&exists)
	if err != nil {
		return "", b.fail(KindUnknown, "", fmt.Errorf("failed to check lookup table %s: %w", id, err))
	}
	if !exists {
		return "", b.fail(KindFactTableColumnMissing, "", fmt.Errorf("lookup table %s for column %q not ingested", id, col))
	}

	name := col + "_lookup"
	sb := pgsql.New().
		SQL("CREATE TABLE ").Ident(b.bc.Schema, name).
		SQL(" AS SELECT * FROM ").Ident(lookupTablesSchema, id.String())
	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return "", b.fail(KindFactTableColumnMissing, sb.String(), fmt.Errorf("failed to copy lookup table %s: %w", id, err))
	}
	b.bc.LookupTables[col] = name
	return name, nil
}

// buildLookupDimension wires a lookup-backed dimension: description value,
// raw reference, sort order and hierarchy, joined per locale.
func (b *build) buildLookupDimension(ctx context.Context, dim dataset.Dimension, joinIdx int, isDate bool) error {
	if dim.LookupTableID == nil {
		return b.fail(KindFactTableColumnMissing, "", fmt.Errorf("dimension %q has no lookup table", dim.FactTableColumn))
	}
	lookup, err := b.copyLookupTable(ctx, dim.FactTableColumn, *dim.LookupTableID)
	if err != nil {
		return err
	}
	return b.appendLookupFragments(ctx, dim, lookup, joinIdx, isDate)
}

// appendLookupFragments appends the join, the four variant columns and the
// filter rows for a lookup-style dimension (lookup table or generated date
// reference table).
func (b *build) appendLookupFragments(ctx context.Context, dim dataset.Dimension, lookup string, joinIdx int, isDate bool) error {
	alias := fmt.Sprintf("d%d", joinIdx)
	join := pgsql.New().
		SQL("LEFT JOIN ").SQL(schemaToken).SQL(".").Ident(lookup).
		SQL(" AS ").Ident(alias).
		SQL(" ON ").Ident(alias, "reference").SQL(" = ").SQL(factCol(dim.FactTableColumn)).SQL("::text").
		SQL(" AND ").Ident(alias, "language").SQL(" = ").SQL(langToken).
		String()

	for _, locale := range b.bc.Locales {
		lc := b.bc.Locale(locale)
		base, ref, sort, hier := reserveAliases(lc, dim.DisplayName(locale))

		lc.Append(SelectColumn{Expr: pgsql.QuoteIdent(alias, "description"), Alias: base, Kind: KindValue, IsDate: isDate})
		lc.Append(SelectColumn{Expr: factCol(dim.FactTableColumn) + "::text", Alias: ref, Kind: KindRef, IsDate: isDate})
		lc.Append(SelectColumn{Expr: pgsql.QuoteIdent(alias, "sort_order"), Alias: sort, Kind: KindSort, IsDate: isDate})
		lc.Append(SelectColumn{Expr: pgsql.QuoteIdent(alias, "hierarchy"), Alias: hier, Kind: KindHierarchy, IsDate: isDate})
		lc.Joins = append(lc.Joins, join)
		lc.OrderBy = append(lc.OrderBy, pgsql.QuoteIdent(sort))

		if err := b.insertLookupFilterRows(ctx, dim, lookup, locale, base); err != nil {
			return err
		}
	}
	return nil
}

func (b *build) insertLookupFilterRows(ctx context.Context, dim dataset.Dimension, lookup, locale, name string) error {
	sb := pgsql.New().
		SQL("INSERT INTO ").Ident(b.bc.Schema, "filter_table").
		SQL(" (reference, language, fact_table_column, dimension_name, description, hierarchy)").
		SQL(" SELECT reference, language, ").Arg(dim.FactTableColumn).SQL(", ").Arg(name).
		SQL(", description, hierarchy FROM ").Ident(b.bc.Schema, lookup).
		SQL(" WHERE language = ").Arg(locale)
	if _, err := b.q.Exec(ctx, sb.String(), sb.Args()...); err != nil {
		return b.fail(KindCubeCreationFailed, sb.String(), fmt.Errorf("failed to insert filter rows for %q: %w", dim.FactTableColumn, err))
	}
	return nil
}

// insertPassthroughFilterRows emits one filter row per distinct fact value
// for dimensions without a lookup table.
func (b *build) insertPassthroughFilterRows(ctx context.Context, dim dataset.Dimension, locale, name string) error {
	col := factCol(dim.FactTableColumn)
	sb := pgsql.New().
		SQL("INSERT INTO ").Ident(b.bc.Schema, "filter_table").
		SQL(" (reference, language, fact_table_column, dimension_name, description, hierarchy)").
		SQLf(" SELECT DISTINCT %s::text, ", col).Arg(locale).
		SQL(", ").Arg(dim.FactTableColumn).SQL(", ").Arg(name).
		SQLf(", %s::text, NULL FROM ", col).Ident(b.bc.Schema, "fact_table").
		SQL(" AS ").Ident("fact_table").
		SQLf(" WHERE %s IS NOT NULL", col)
	if _, err := b.q.Exec(ctx, sb.String(), sb.Args()...); err != nil {
		return b.fail(KindCubeCreationFailed, sb.String(), fmt.Errorf("failed to insert filter rows for %q: %w", dim.FactTableColumn, err))
	}
	return nil
}

// groupedNumericFormat renders the to_char pattern for a thousands-grouped
// number with a fixed decimal-place count.
func groupedNumericFormat(decimals int) string {
	pattern := "FM999,999,999,999,990"
	if decimals > 0 {
		pattern += "." + strings.Repeat("0", decimals)
	}
	return pattern
}

// buildNumericDimension casts integers straight through and renders
// decimals with a fixed decimal-place count and thousands grouping.
func (b *build) buildNumericDimension(ctx context.Context, dim dataset.Dimension) error {
	col := factCol(dim.FactTableColumn)

	valueExpr := col
	if ex := dim.Extractor.Numeric; ex != nil && ex.Decimals > 0 {
		valueExpr = fmt.Sprintf("to_char(%s::numeric, '%s')", col, groupedNumericFormat(ex.Decimals))
	}

	for _, locale := range b.bc.Locales {
		lc := b.bc.Locale(locale)
		base, ref, sort, hier := reserveAliases(lc, dim.DisplayName(locale))

		lc.Append(SelectColumn{Expr: valueExpr, Alias: base, Kind: KindValue})
		lc.Append(SelectColumn{Expr: col + "::text", Alias: ref, Kind: KindRef})
		lc.Append(SelectColumn{Expr: col, Alias: sort, Kind: KindSort})
		lc.Append(SelectColumn{Expr: "NULL::text", Alias: hier, Kind: KindHierarchy})
		lc.OrderBy = append(lc.OrderBy, pgsql.QuoteIdent(sort))

		if err := b.insertPassthroughFilterRows(ctx, dim, locale, base); err != nil {
			return err
		}
	}
	return nil
}

// buildPassthroughDimension handles text, raw and symbol dimensions:
// value, reference and sort pass through, hierarchy is NULL.
func (b *build) buildPassthroughDimension(ctx context.Context, dim dataset.Dimension) error {
	col := factCol(dim.FactTableColumn)

	for _, locale := range b.bc.Locales {
		lc := b.bc.Locale(locale)
		base, ref, sort, hier := reserveAliases(lc, dim.DisplayName(locale))

		lc.Append(SelectColumn{Expr: col, Alias: base, Kind: KindValue})
		lc.Append(SelectColumn{Expr: col + "::text", Alias: ref, Kind: KindRef})
		lc.Append(SelectColumn{Expr: col, Alias: sort, Kind: KindSort})
		lc.Append(SelectColumn{Expr: "NULL::text", Alias: hier, Kind: KindHierarchy})
		lc.OrderBy = append(lc.OrderBy, pgsql.QuoteIdent(base))

		if err := b.insertPassthroughFilterRows(ctx, dim, locale, base); err != nil {
			return err
		}
	}
	return nil
}
