package cube

import (
	"context"
	"fmt"
	"strings"

	"github.com/statvault/cube/builder/pkg/dataset"
	"github.com/statvault/cube/builder/pkg/pgsql"
)

// flagList renders note codes as a quoted SQL list.
func flagList(codes []string) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = pgsql.QuoteLiteral(c)
	}
	return strings.Join(parts, ", ")
}

// Replay is built from five shared primitives composed per action:
// truncate-and-copy, append, strip-flags, stage + diff-and-flag,
// merge-matched and append-unmatched. The transient flags ('p' provisional,
// 'f' forecast, 'r' revision) are bookkeeping state each replay step
// re-derives.

func (b *build) applyAction(ctx context.Context, dt dataset.DataTable, step int) error {
	switch dt.Action {
	case dataset.ActionReplaceAll:
		if err := b.truncateFactTable(ctx); err != nil {
			return err
		}
		return b.copyDataTable(ctx, dt)

	case dataset.ActionAdd:
		if err := b.stripTransientFlags(ctx); err != nil {
			return err
		}
		return b.copyDataTable(ctx, dt)

	case dataset.ActionRevise:
		return b.revise(ctx, dt, step, false)

	case dataset.ActionAddRevise:
		return b.revise(ctx, dt, step, true)

	case dataset.ActionCorrection:
		staging := fmt.Sprintf("staging_%d", step)
		if err := b.stage(ctx, dt, staging); err != nil {
			return err
		}
		if err := b.mergeMatched(ctx, staging, ""); err != nil {
			return err
		}
		return b.dropStaging(ctx, staging)

	default:
		return b.fail(KindFactTable, "", fmt.Errorf("unknown action %q on data table %s", dt.Action, dt.ID))
	}
}

// revise merges a staged upload into the fact table. Staged rows whose
// value differs from the current fact value get the 'r' flag appended to
// their notes before the fact-wide strip, so the flag survives the merge.
// Staged rows carrying their own 'p'/'f' flags are merged first with those
// notes intact. With appendNew set, staged rows unmatched by composite key
// are appended as new facts.
func (b *build) revise(ctx context.Context, dt dataset.DataTable, step int, appendNew bool) error {
	staging := fmt.Sprintf("staging_%d", step)
	if err := b.stage(ctx, dt, staging); err != nil {
		return err
	}
	if err := b.flagRevisedStaged(ctx, staging); err != nil {
		return err
	}
	if err := b.stripTransientFlags(ctx); err != nil {
		return err
	}
	if err := b.mergeTransientStaged(ctx, staging); err != nil {
		return err
	}
	if err := b.mergeMatched(ctx, staging, ""); err != nil {
		return err
	}
	if appendNew {
		if err := b.appendUnmatched(ctx, staging); err != nil {
			return err
		}
	}
	return b.dropStaging(ctx, staging)
}

func (b *build) truncateFactTable(ctx context.Context) error {
	sql := "TRUNCATE " + pgsql.QuoteIdent(b.bc.Schema, "fact_table")
	if _, err := b.q.Exec(ctx, sql); err != nil {
		return b.fail(KindFactTable, sql, fmt.Errorf("failed to truncate fact table: %w", err))
	}
	return nil
}

// copyDataTable bulk-appends an upload's rows verbatim.
func (b *build) copyDataTable(ctx context.Context, dt dataset.DataTable) error {
	sb := pgsql.New().
		SQL("INSERT INTO ").Ident(b.bc.Schema, "fact_table").
		SQL(" (").IdentList(b.cols...).SQL(")").
		SQL(" SELECT ").IdentList(b.cols...).
		SQL(" FROM ").Ident(dataTablesSchema, dt.ID.String())
	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(KindFactTable, sb.String(), fmt.Errorf("failed to copy data table %s: %w", dt.ID, err))
	}
	return nil
}

// stage copies an upload into a staging table inside the build schema.
func (b *build) stage(ctx context.Context, dt dataset.DataTable, staging string) error {
	sb := pgsql.New().
		SQL("CREATE TABLE ").Ident(b.bc.Schema, staging).
		SQL(" AS SELECT ").IdentList(b.cols...).
		SQL(" FROM ").Ident(dataTablesSchema, dt.ID.String())
	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(KindFactTable, sb.String(), fmt.Errorf("failed to stage data table %s: %w", dt.ID, err))
	}
	return nil
}

func (b *build) dropStaging(ctx context.Context, staging string) error {
	sql := "DROP TABLE " + pgsql.QuoteIdent(b.bc.Schema, staging)
	if _, err := b.q.Exec(ctx, sql); err != nil {
		return b.fail(KindFactTable, sql, fmt.Errorf("failed to drop staging table: %w", err))
	}
	return nil
}

// stripTransientFlags removes the p/f/r flags from the notes column across
// the whole fact table, leaving other note codes in place.
func (b *build) stripTransientFlags(ctx context.Context) error {
	if b.notesCol == "" {
		return nil
	}
	notes := pgsql.QuoteIdent(b.notesCol)
	sb := pgsql.New().
		SQL("UPDATE ").Ident(b.bc.Schema, "fact_table").
		SQLf(" SET %s = nullif(array_to_string(ARRAY(", notes).
		SQLf("SELECT c FROM unnest(string_to_array(%s, ',')) AS c WHERE c NOT IN (%s)", notes, flagList(transientFlags)).
		SQLf("), ','), '') WHERE %s IS NOT NULL", notes)
	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(KindFactTable, sb.String(), fmt.Errorf("failed to strip transient flags: %w", err))
	}
	return nil
}

// keyJoin renders the composite-key join predicate between two aliases.
func (b *build) keyJoin(left, right string) string {
	sb := pgsql.New()
	for i, k := range b.keyCols {
		if i > 0 {
			sb.SQL(" AND ")
		}
		sb.Ident(left, k).SQL(" = ").Ident(right, k)
	}
	return sb.String()
}

// flagRevisedStaged appends 'r' to staged rows whose value differs from
// the matching fact row and which carry no transient flag of their own.
func (b *build) flagRevisedStaged(ctx context.Context, staging string) error {
	if b.notesCol == "" || b.valueCol == "" {
		return nil
	}
	notes := pgsql.QuoteIdent("s", b.notesCol)
	sb := pgsql.New().
		SQL("UPDATE ").Ident(b.bc.Schema, staging).SQL(" AS s").
		SQLf(" SET %s = CASE WHEN %s IS NULL OR %s = '' THEN 'r' ELSE %s || ',r' END", pgsql.QuoteIdent(b.notesCol), notes, notes, notes).
		SQL(" FROM ").Ident(b.bc.Schema, "fact_table").SQL(" AS f").
		SQL(" WHERE ").SQL(b.keyJoin("f", "s")).
		SQL(" AND ").Ident("f", b.valueCol).SQL(" IS DISTINCT FROM ").Ident("s", b.valueCol).
		SQLf(" AND NOT (string_to_array(coalesce(%s, ''), ',') && ARRAY[%s])", notes, flagList(transientFlags))
	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(KindFactTable, sb.String(), fmt.Errorf("failed to flag revised rows: %w", err))
	}
	return nil
}

// mergeTransientStaged pushes staged rows still flagged provisional or
// forecast into their matching fact rows and drops them from staging.
func (b *build) mergeTransientStaged(ctx context.Context, staging string) error {
	if b.notesCol == "" {
		return nil
	}
	overlap := fmt.Sprintf("string_to_array(coalesce(%s, ''), ',') && ARRAY[%s]",
		pgsql.QuoteIdent("s", b.notesCol), flagList(pendingFlags))
	if err := b.mergeMatched(ctx, staging, overlap); err != nil {
		return err
	}

	sb := pgsql.New().
		SQL("DELETE FROM ").Ident(b.bc.Schema, staging).SQL(" AS s WHERE ").SQL(overlap)
	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(KindFactTable, sb.String(), fmt.Errorf("failed to drop merged transient rows: %w", err))
	}
	return nil
}

// mergeMatched updates matching fact rows' value and notes from staging by
// composite-key join, optionally filtered by an extra staged-row predicate.
func (b *build) mergeMatched(ctx context.Context, staging, where string) error {
	sb := pgsql.New().
		SQL("UPDATE ").Ident(b.bc.Schema, "fact_table").SQL(" AS f SET ")
	first := true
	if b.valueCol != "" {
		sb.Ident(b.valueCol).SQL(" = ").Ident("s", b.valueCol)
		first = false
	}
	if b.notesCol != "" {
		if !first {
			sb.SQL(", ")
		}
		sb.Ident(b.notesCol).SQL(" = ").Ident("s", b.notesCol)
		first = false
	}
	if first {
		// No value or notes column to merge; nothing to do.
		return nil
	}
	sb.SQL(" FROM ").Ident(b.bc.Schema, staging).SQL(" AS s").
		SQL(" WHERE ").SQL(b.keyJoin("f", "s"))
	if where != "" {
		sb.SQL(" AND ").SQL(where)
	}
	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(KindFactTable, sb.String(), fmt.Errorf("failed to merge staged rows: %w", err))
	}
	return nil
}

// appendUnmatched appends staged rows with no composite-key match as new
// fact rows.
func (b *build) appendUnmatched(ctx context.Context, staging string) error {
	sb := pgsql.New().
		SQL("INSERT INTO ").Ident(b.bc.Schema, "fact_table").
		SQL(" (").IdentList(b.cols...).SQL(")").
		SQL(" SELECT ")
	for i, c := range b.cols {
		if i > 0 {
			sb.SQL(", ")
		}
		sb.Ident("s", c)
	}
	sb.SQL(" FROM ").Ident(b.bc.Schema, staging).SQL(" AS s").
		SQL(" WHERE NOT EXISTS (SELECT 1 FROM ").Ident(b.bc.Schema, "fact_table").
		SQL(" AS f WHERE ").SQL(b.keyJoin("f", "s")).SQL(")")
	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(KindFactTable, sb.String(), fmt.Errorf("failed to append unmatched staged rows: %w", err))
	}
	return nil
}
