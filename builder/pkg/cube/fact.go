package cube

import (
	"context"
	"fmt"
	"strings"

	"github.com/statvault/cube/builder/pkg/dataset"
	"github.com/statvault/cube/builder/pkg/pgsql"
)

// dataTablesSchema and lookupTablesSchema are the fixed schemas the
// ingestion pipeline loads raw rows into, one table per upload keyed by id.
const (
	dataTablesSchema   = "data_tables"
	lookupTablesSchema = "lookup_tables"
)

// pgTypeFor maps a fact-table column's declared datatype to Postgres.
func pgTypeFor(datatype string) string {
	switch strings.ToLower(datatype) {
	case "double":
		return "double precision"
	case "int", "integer":
		return "integer"
	case "bigint", "long":
		return "bigint"
	case "decimal", "numeric":
		return "numeric"
	case "boolean", "bool":
		return "boolean"
	case "date":
		return "date"
	case "datetime", "timestamp":
		return "timestamp"
	default:
		return "text"
	}
}

// createEmptyFactTable emits the fact-table DDL from the dataset's columns
// ordered by index.
func (b *build) createEmptyFactTable(ctx context.Context) error {
	sb := pgsql.New().SQL("CREATE TABLE ").Ident(b.bc.Schema, "fact_table").SQL(" (")
	for i, c := range b.bc.Dataset.OrderedColumns() {
		if i > 0 {
			sb.SQL(", ")
		}
		sb.Ident(c.Name).SQL(" " + pgTypeFor(c.Datatype))
	}
	sb.SQL(")")

	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(KindFactTable, sb.String(), fmt.Errorf("failed to create fact table: %w", err))
	}
	b.log.Debug("created empty fact table", "columns", len(b.cols), "key_columns", b.keyCols)
	return nil
}

// replaySet selects the data tables to replay, strictly oldest to newest:
// every published revision up to and including the target, plus the
// draft's own upload when the target is the draft.
func (b *build) replaySet() ([]dataset.DataTable, error) {
	ds := b.bc.Dataset
	end := b.bc.EndRevision

	var tables []dataset.DataTable
	for _, rev := range ds.PublishedRevisions() {
		if end.Published() && rev.Index > end.Index {
			break
		}
		if rev.DataTable != nil {
			tables = append(tables, *rev.DataTable)
		}
	}
	if !end.Published() && end.DataTable != nil {
		tables = append(tables, *end.DataTable)
	}

	if len(tables) == 0 {
		return nil, b.fail(KindNoFirstRevision, "", fmt.Errorf("no revision with data to build from"))
	}
	return tables, nil
}

// replayRevisions replays the revision history into the fact table and
// normalizes empty note strings to NULL.
func (b *build) replayRevisions(ctx context.Context) error {
	tables, err := b.replaySet()
	if err != nil {
		return err
	}

	for i, dt := range tables {
		if err := b.checkDataTableColumns(ctx, dt); err != nil {
			return b.fail(KindFactTable, "", err)
		}
		b.log.Debug("replaying data table", "data_table", dt.ID, "action", dt.Action, "step", i+1, "of", len(tables))
		if err := b.applyAction(ctx, dt, i); err != nil {
			return err
		}
	}

	if b.notesCol != "" {
		sb := pgsql.New().
			SQL("UPDATE ").Ident(b.bc.Schema, "fact_table").
			SQL(" SET ").Ident(b.notesCol).SQL(" = NULL WHERE ").Ident(b.notesCol).SQL(" = ''")
		if _, err := b.q.Exec(ctx, sb.String()); err != nil {
			return b.fail(KindFactTable, sb.String(), fmt.Errorf("failed to normalize empty notes: %w", err))
		}
	}
	return nil
}

// checkDataTableColumns verifies the uploaded table exists and carries
// every fact-table column.
func (b *build) checkDataTableColumns(ctx context.Context, dt dataset.DataTable) error {
	rows, err := b.q.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2`,
		dataTablesSchema, dt.ID.String())
	if err != nil {
		return fmt.Errorf("failed to inspect data table %s: %w", dt.ID, err)
	}
	defer rows.Close()

	present := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan data table column: %w", err)
		}
		present[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate data table columns: %w", err)
	}

	if len(present) == 0 {
		return &FactTableError{Kind: FactTableUnknown, DataTable: dt.ID, Err: fmt.Errorf("data table has no ingested rows table")}
	}

	var missing []string
	for _, col := range b.cols {
		if _, ok := present[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &FactTableError{Kind: FactTableUnmatchedColumns, DataTable: dt.ID, Columns: missing}
	}
	return nil
}

// createPrimaryKey applies the composite key over the dimension, measure
// and time columns. A unique violation means duplicate facts; a not-null
// violation means incomplete facts. Both abort the build.
func (b *build) createPrimaryKey(ctx context.Context) error {
	sb := pgsql.New().
		SQL("ALTER TABLE ").Ident(b.bc.Schema, "fact_table").
		SQL(" ADD CONSTRAINT ").Ident("fact_table_pkey").
		SQL(" PRIMARY KEY (").IdentList(b.keyCols...).SQL(")")

	if _, err := b.q.Exec(ctx, sb.String()); err != nil {
		return b.fail(classifyKeyError(err), sb.String(), fmt.Errorf("failed to create composite key: %w", err))
	}
	return nil
}
