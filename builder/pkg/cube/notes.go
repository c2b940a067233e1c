package cube

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/statvault/cube/builder/pkg/pgsql"
)

// buildNotes wires note-code annotations: the static localized code table,
// the aggregated per-row description mapping, the per-locale projections
// and the legend entry in metadata.
func (b *build) buildNotes(ctx context.Context) error {
	if b.notesCol == "" {
		return nil
	}

	if err := b.createNoteCodesTable(ctx); err != nil {
		return err
	}
	if err := b.createAllNotesTable(ctx); err != nil {
		return err
	}
	if err := b.recordPresentNoteCodes(ctx); err != nil {
		return err
	}

	const alias = "n0"
	notes := factCol(b.notesCol)
	join := pgsql.New().
		SQL("LEFT JOIN ").SQL(schemaToken).SQL(".").Ident("all_notes").
		SQL(" AS ").Ident(alias).
		SQL(" ON ").Ident(alias, "notes").SQLf(" = %s", notes).
		SQL(" AND ").Ident(alias, "language").SQL(" = ").SQL(langToken).
		String()

	for _, locale := range b.bc.Locales {
		lc := b.bc.Locale(locale)
		base := lc.UniqueName(b.notesCol)
		desc := base + "_desc"
		lc.Reserve(desc)

		lc.Append(SelectColumn{Expr: notes, Alias: base, Kind: KindNoteCodes})
		lc.Append(SelectColumn{Expr: pgsql.QuoteIdent(alias, "description"), Alias: desc, Kind: KindNoteDescription})
		lc.Joins = append(lc.Joins, join)
	}
	return nil
}

// createNoteCodesTable writes the locale x code table of localized note
// descriptions.
func (b *build) createNoteCodesTable(ctx context.Context) error {
	ddl := pgsql.New().
		SQL("CREATE TABLE ").Ident(b.bc.Schema, "note_codes").
		SQL(" (code text, language text, description text)")
	if _, err := b.q.Exec(ctx, ddl.String()); err != nil {
		return b.fail(KindCubeCreationFailed, ddl.String(), fmt.Errorf("failed to create note_codes table: %w", err))
	}

	values := make([][]any, 0, len(noteCodeOrder)*len(b.bc.Locales))
	for _, locale := range b.bc.Locales {
		for _, code := range noteCodeOrder {
			values = append(values, []any{code, locale, b.tr.NoteCodeDescription(code, locale)})
		}
	}
	_, err := b.q.CopyFrom(ctx, pgx.Identifier{b.bc.Schema, "note_codes"},
		[]string{"code", "language", "description"}, pgx.CopyFromRows(values))
	if err != nil {
		return b.fail(KindCubeCreationFailed, "", fmt.Errorf("failed to populate note_codes table: %w", err))
	}
	return nil
}

// createAllNotesTable aggregates each distinct raw notes string on the fact
// table into a localized, comma-joined description per language.
func (b *build) createAllNotesTable(ctx context.Context) error {
	notes := factCol(b.notesCol)
	sb := pgsql.New().
		SQL("CREATE TABLE ").Ident(b.bc.Schema, "all_notes").
		SQL(" AS SELECT f.notes, n.language, string_agg(n.description, ', ' ORDER BY n.code) AS description").
		SQLf(" FROM (SELECT DISTINCT %s AS notes FROM ", notes).Ident(b.bc.Schema, "fact_table").
		SQL(" AS ").Ident("fact_table").
		SQLf(" WHERE %s IS NOT NULL) f", notes).
		SQL(" JOIN ").Ident(b.bc.Schema, "note_codes").
		SQL(" AS n ON n.code = ANY(string_to_array(f.notes, ','))").
		SQL(" GROUP BY f.notes, n.language")
	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(KindCubeCreationFailed, sb.String(), fmt.Errorf("failed to create all_notes table: %w", err))
	}
	return nil
}

// recordPresentNoteCodes stores the set of note codes actually present in
// this dataset's data, for legend rendering.
func (b *build) recordPresentNoteCodes(ctx context.Context) error {
	notes := factCol(b.notesCol)
	sb := pgsql.New().
		SQL("SELECT DISTINCT c FROM ").Ident(b.bc.Schema, "fact_table").
		SQL(" AS ").Ident("fact_table").
		SQLf(", unnest(string_to_array(%s, ',')) AS c WHERE %s IS NOT NULL", notes, notes)
	rows, err := b.q.Query(ctx, sb.String())
	if err != nil {
		return b.fail(KindCubeCreationFailed, sb.String(), fmt.Errorf("failed to read note codes: %w", err))
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return b.fail(KindCubeCreationFailed, sb.String(), fmt.Errorf("failed to read note codes: %w", err))
	}

	rank := make(map[string]int, len(noteCodeOrder))
	for i, c := range noteCodeOrder {
		rank[c] = i
	}
	sort.Slice(codes, func(i, j int) bool {
		ri, iok := rank[codes[i]]
		rj, jok := rank[codes[j]]
		if iok != jok {
			return iok
		}
		if iok && jok && ri != rj {
			return ri < rj
		}
		return codes[i] < codes[j]
	})

	payload, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("failed to marshal note codes: %w", err)
	}
	if err := setMetadata(ctx, b.q, b.bc.Schema, metaNoteCodes, string(payload)); err != nil {
		return b.fail(KindCubeCreationFailed, "", err)
	}
	return nil
}
