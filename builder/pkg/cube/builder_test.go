package cube

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/statvault/cube/builder/pkg/dataset"
	"github.com/statvault/cube/builder/pkg/pgsql"
	pgtesting "github.com/statvault/cube/builder/pkg/postgres/testing"
	cubetesting "github.com/statvault/cube/utils/pkg/testing"
)

const standardDDL = `"Area" text, "Year" text, "Value" double precision, "Notes" text`

var standardCols = []string{"Area", "Year", "Value", "Notes"}

func newTestBuilder(t *testing.T, pool *pgxpool.Pool) *Builder {
	t.Helper()
	b, err := New(Config{Logger: cubetesting.NewLogger(), Pool: pool})
	require.NoError(t, err)
	return b
}

// seedDataTable loads one upload's rows into the data_tables schema the way
// the ingestion pipeline would.
func seedDataTable(t *testing.T, pool *pgxpool.Pool, ddl string, cols []string, rows [][]any) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(t.Context(),
		fmt.Sprintf("CREATE TABLE %s (%s)", pgsql.QuoteIdent("data_tables", id.String()), ddl))
	require.NoError(t, err)
	if len(rows) > 0 {
		_, err = pool.CopyFrom(t.Context(), pgx.Identifier{"data_tables", id.String()}, cols, pgx.CopyFromRows(rows))
		require.NoError(t, err)
	}
	return id
}

func standardDataset(revisions ...dataset.Revision) *dataset.Dataset {
	return &dataset.Dataset{
		ID: uuid.New(),
		Columns: []dataset.FactTableColumn{
			{Name: "Area", Type: dataset.ColumnDimension, Datatype: "text", Index: 0},
			{Name: "Year", Type: dataset.ColumnTime, Datatype: "text", Index: 1},
			{Name: "Value", Type: dataset.ColumnDataValues, Datatype: "double", Index: 2},
			{Name: "Notes", Type: dataset.ColumnNoteCodes, Datatype: "text", Index: 3},
		},
		Revisions: revisions,
	}
}

func addRevision(index int, dtID uuid.UUID, action dataset.Action) dataset.Revision {
	return dataset.Revision{
		ID:        uuid.New(),
		Index:     index,
		DataTable: &dataset.DataTable{ID: dtID, Action: action},
	}
}

func dropSchemaOnCleanup(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+pgsql.QuoteIdent(schema)+" CASCADE")
	})
}

func factCount(t *testing.T, pool *pgxpool.Pool, schema string) int {
	t.Helper()
	var n int
	err := pool.QueryRow(t.Context(), "SELECT count(*) FROM "+pgsql.QuoteIdent(schema, "fact_table")).Scan(&n)
	require.NoError(t, err)
	return n
}

func metaValue(t *testing.T, pool *pgxpool.Pool, schema, key string) string {
	t.Helper()
	v, ok, err := getMetadata(t.Context(), pool, schema, key)
	require.NoError(t, err)
	require.True(t, ok, "metadata key %q missing", key)
	return v
}

func TestCube_Builder_DeterministicReplay(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)
	ctx := t.Context()

	dt1 := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2021", 1.0, nil},
		{"B", "2021", 2.0, nil},
		{"C", "2021", 3.0, nil},
		{"D", "2021", 4.0, nil},
		{"E", "2021", 5.0, nil},
	})
	dt2 := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2022", 6.0, nil},
		{"B", "2022", 7.0, nil},
		{"C", "2022", 8.0, nil},
	})
	r1 := addRevision(1, dt1, dataset.ActionAdd)
	r2 := addRevision(2, dt2, dataset.ActionAdd)
	ds := standardDataset(r1, r2)

	b := newTestBuilder(t, pool)

	schema, err := b.BuildCube(ctx, ds, r2.ID)
	require.NoError(t, err)
	dropSchemaOnCleanup(t, pool, schema)
	require.Equal(t, r2.ID.String(), schema)
	require.Equal(t, 8, factCount(t, pool, schema))
	require.Equal(t, StatusAwaitingMaterialization, metaValue(t, pool, schema, metaBuildStatus))

	schema1, err := b.BuildCube(ctx, ds, r1.ID)
	require.NoError(t, err)
	dropSchemaOnCleanup(t, pool, schema1)
	require.Equal(t, 5, factCount(t, pool, schema1))
}

func TestCube_Builder_DuplicateFact(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)

	dt1 := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2021", 1.0, nil},
	})
	dt2 := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2021", 2.0, nil},
	})
	r1 := addRevision(1, dt1, dataset.ActionAdd)
	r2 := addRevision(2, dt2, dataset.ActionAdd)
	ds := standardDataset(r1, r2)

	b := newTestBuilder(t, pool)
	_, err := b.BuildCube(t.Context(), ds, r2.ID)
	require.Error(t, err)

	ve, ok := AsValidation(err)
	require.True(t, ok)
	require.Equal(t, KindDuplicateFact, ve.Kind)

	// The failed build's ephemeral schema is cleaned up.
	var n int
	err = pool.QueryRow(t.Context(),
		`SELECT count(*) FROM information_schema.schemata WHERE schema_name LIKE 'build_%'`).Scan(&n)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCube_Builder_Revise_ResolvesProvisional(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)

	dt1 := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2021", 1.5, "p"},
		{"B", "2021", 9.0, nil},
	})
	dt2 := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2021", 2.0, ""},
	})
	r1 := addRevision(1, dt1, dataset.ActionAdd)
	r2 := addRevision(2, dt2, dataset.ActionRevise)
	ds := standardDataset(r1, r2)

	b := newTestBuilder(t, pool)
	schema, err := b.BuildCube(t.Context(), ds, r2.ID)
	require.NoError(t, err)
	dropSchemaOnCleanup(t, pool, schema)

	require.Equal(t, 2, factCount(t, pool, schema))

	var value float64
	var notes *string
	err = pool.QueryRow(t.Context(),
		"SELECT \"Value\", \"Notes\" FROM "+pgsql.QuoteIdent(schema, "fact_table")+" WHERE \"Area\" = 'A'").
		Scan(&value, &notes)
	require.NoError(t, err)
	require.Equal(t, 2.0, value)
	require.NotNil(t, notes)
	require.NotContains(t, *notes, "p")
	require.Equal(t, "r", *notes)
}

func TestCube_Builder_NoFirstRevision(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)

	draft := dataset.Revision{ID: uuid.New()}
	ds := standardDataset(draft)

	b := newTestBuilder(t, pool)
	_, err := b.BuildCube(t.Context(), ds, draft.ID)
	require.Error(t, err)

	ve, ok := AsValidation(err)
	require.True(t, ok)
	require.Equal(t, KindNoFirstRevision, ve.Kind)
}

func TestCube_Builder_UnmatchedColumns(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)

	dt := seedDataTable(t, pool, `"Area" text, "Year" text`, []string{"Area", "Year"}, [][]any{
		{"A", "2021"},
	})
	r1 := addRevision(1, dt, dataset.ActionAdd)
	ds := standardDataset(r1)

	b := newTestBuilder(t, pool)
	_, err := b.BuildCube(t.Context(), ds, r1.ID)
	require.Error(t, err)

	ve, ok := AsValidation(err)
	require.True(t, ok)
	require.Equal(t, KindFactTable, ve.Kind)

	var fte *FactTableError
	require.ErrorAs(t, err, &fte)
	require.Equal(t, FactTableUnmatchedColumns, fte.Kind)
	require.Equal(t, []string{"Value", "Notes"}, fte.Columns)
}

func TestCube_Builder_NameCollision(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)

	dt := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2021", 1.0, nil},
	})
	r1 := addRevision(1, dt, dataset.ActionAdd)
	ds := standardDataset(r1)
	ds.Dimensions = []dataset.Dimension{
		{ID: uuid.New(), FactTableColumn: "Area", Type: dataset.DimensionText, Names: map[string]string{"en": "Year"}},
		{ID: uuid.New(), FactTableColumn: "Year", Type: dataset.DimensionText, Names: map[string]string{"en": "Year"}},
	}

	b := newTestBuilder(t, pool)
	schema, err := b.BuildCube(t.Context(), ds, r1.ID)
	require.NoError(t, err)
	dropSchemaOnCleanup(t, pool, schema)

	cols := metaValue(t, pool, schema, viewColumnsKey(coreViewBase, "en"))
	require.Contains(t, cols, `"Year"`)
	require.Contains(t, cols, `"Year_1"`)
}

func TestCube_Builder_DateExpansion(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)

	var rows [][]any
	for y := 2021; y <= 2022; y++ {
		for m := 1; m <= 12; m++ {
			rows = append(rows, []any{"A", fmt.Sprintf("%d%02d", y, m), float64(m), nil})
		}
	}
	dt := seedDataTable(t, pool, standardDDL, standardCols, rows)
	r1 := addRevision(1, dt, dataset.ActionAdd)
	ds := standardDataset(r1)
	ds.Dimensions = []dataset.Dimension{
		{ID: uuid.New(), FactTableColumn: "Area", Type: dataset.DimensionText},
		{
			ID:              uuid.New(),
			FactTableColumn: "Year",
			Type:            dataset.DimensionDate,
			Extractor: dataset.Extractor{Date: &dataset.DateExtractor{
				YearType:    dataset.YearCalendar,
				YearFormat:  "YYYY",
				MonthFormat: "mm",
			}},
		},
	}

	b := newTestBuilder(t, pool)
	schema, err := b.BuildCube(t.Context(), ds, r1.ID)
	require.NoError(t, err)
	dropSchemaOnCleanup(t, pool, schema)

	counts := make(map[string]int)
	qrows, err := pool.Query(t.Context(),
		"SELECT date_type, count(*) FROM "+pgsql.QuoteIdent(schema, "Year_lookup")+" GROUP BY date_type")
	require.NoError(t, err)
	defer qrows.Close()
	for qrows.Next() {
		var kind string
		var n int
		require.NoError(t, qrows.Scan(&kind, &n))
		counts[kind] = n
	}
	require.NoError(t, qrows.Err())
	require.Equal(t, 2, counts["year"])
	require.Equal(t, 24, counts["month"])

	require.Equal(t, "2021-01-01", metaValue(t, pool, schema, metaStartDate))
	require.Equal(t, "2022-12-31", metaValue(t, pool, schema, metaEndDate))
}

// measureDataset is a one-row dataset whose measure column is backed by a
// lookup of formatting metadata.
func measureDataset(t *testing.T, pool *pgxpool.Pool) (*dataset.Dataset, dataset.Revision) {
	t.Helper()
	ddl := `"Area" text, "Measure" text, "Value" double precision, "Notes" text`
	cols := []string{"Area", "Measure", "Value", "Notes"}
	dt := seedDataTable(t, pool, ddl, cols, [][]any{
		{"A", "PCT", 0.5, nil},
	})
	r1 := addRevision(1, dt, dataset.ActionAdd)
	lookupID := uuid.New()
	ds := &dataset.Dataset{
		ID: uuid.New(),
		Columns: []dataset.FactTableColumn{
			{Name: "Area", Type: dataset.ColumnDimension, Datatype: "text", Index: 0},
			{Name: "Measure", Type: dataset.ColumnMeasure, Datatype: "text", Index: 1},
			{Name: "Value", Type: dataset.ColumnDataValues, Datatype: "double", Index: 2},
			{Name: "Notes", Type: dataset.ColumnNoteCodes, Datatype: "text", Index: 3},
		},
		Measure: &dataset.Measure{
			ID:              uuid.New(),
			FactTableColumn: "Measure",
			LookupTableID:   &lookupID,
			Rows: []dataset.MeasureRow{
				{Reference: "PCT", Language: "en", Description: "Percentage", Format: dataset.FormatPercentage, Decimals: 1},
			},
		},
		Revisions: []dataset.Revision{r1},
	}
	return ds, r1
}

func TestCube_Builder_MeasureFormatting(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)

	ds, r1 := measureDataset(t, pool)

	b := newTestBuilder(t, pool)
	schema, err := b.BuildCube(t.Context(), ds, r1.ID)
	require.NoError(t, err)
	dropSchemaOnCleanup(t, pool, schema)

	var formatted, name string
	err = pool.QueryRow(t.Context(),
		"SELECT \"Value_formatted\", \"Measure\" FROM "+pgsql.QuoteIdent(schema, coreViewName("en"))).Scan(&formatted, &name)
	require.NoError(t, err)
	require.Equal(t, "0.5", formatted)
	require.Equal(t, "Percentage", name)

	// The lookup-backed measure table is registered alongside dimension
	// lookups.
	require.Contains(t, metaValue(t, pool, schema, metaLookupTables), `"Measure":"measure"`)
}

func TestCube_Builder_FlaggedMeasureBuiltAsRaw(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)
	ctx := t.Context()

	ds, r1 := measureDataset(t, pool)
	r1.Tasks = &dataset.TaskList{Measure: true}
	ds.Revisions = []dataset.Revision{r1}

	b := newTestBuilder(t, pool)
	schema, err := b.BuildCube(ctx, ds, r1.ID)
	require.NoError(t, err)
	dropSchemaOnCleanup(t, pool, schema)

	// The measure rows are skipped: references pass through unresolved and
	// no measure table is materialized.
	var name string
	err = pool.QueryRow(ctx,
		"SELECT \"Measure\" FROM "+pgsql.QuoteIdent(schema, coreViewName("en"))).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "PCT", name)

	var reg *string
	err = pool.QueryRow(ctx, "SELECT to_regclass($1)", pgsql.QuoteIdent(schema, "measure")).Scan(&reg)
	require.NoError(t, err)
	require.Nil(t, reg)
}

func TestCube_Builder_IncompleteFacts(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)

	dt := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2021", 1.0, nil},
		{nil, "2021", 2.0, nil},
	})
	r1 := addRevision(1, dt, dataset.ActionAdd)
	ds := standardDataset(r1)

	b := newTestBuilder(t, pool)
	_, err := b.BuildCube(t.Context(), ds, r1.ID)
	require.Error(t, err)

	ve, ok := AsValidation(err)
	require.True(t, ok)
	require.Equal(t, KindIncompleteFacts, ve.Kind)
}

func TestCube_Builder_RecordsBuildTimestamp(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)

	dt := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2021", 1.0, nil},
	})
	r1 := addRevision(1, dt, dataset.ActionAdd)
	ds := standardDataset(r1)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := New(Config{
		Logger: cubetesting.NewLogger(),
		Pool:   pool,
		Clock:  clockwork.NewFakeClockAt(at),
	})
	require.NoError(t, err)

	schema, err := b.BuildCube(t.Context(), ds, r1.ID)
	require.NoError(t, err)
	dropSchemaOnCleanup(t, pool, schema)

	require.Equal(t, "2026-01-02T03:04:05Z", metaValue(t, pool, schema, metaBuiltAt))
}

func TestCube_Builder_FlaggedDimensionBuiltAsRaw(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)

	dt := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2021", 1.0, nil},
	})
	dimID := uuid.New()
	r1 := addRevision(1, dt, dataset.ActionAdd)
	r1.Tasks = &dataset.TaskList{DimensionIDs: []uuid.UUID{dimID}}
	ds := standardDataset(r1)
	// Missing lookup table would normally abort the build; the task flag
	// downgrades the dimension to raw pass-through instead.
	lookupID := uuid.New()
	ds.Dimensions = []dataset.Dimension{
		{ID: dimID, FactTableColumn: "Area", Type: dataset.DimensionLookupTable, LookupTableID: &lookupID},
	}

	b := newTestBuilder(t, pool)
	schema, err := b.BuildCube(t.Context(), ds, r1.ID)
	require.NoError(t, err)
	dropSchemaOnCleanup(t, pool, schema)

	var area string
	err = pool.QueryRow(t.Context(),
		"SELECT \"Area\" FROM "+pgsql.QuoteIdent(schema, coreViewName("en"))).Scan(&area)
	require.NoError(t, err)
	require.Equal(t, "A", area)
}

func TestCube_Materializer_Promote(t *testing.T) {
	pool := pgtesting.NewTestPool(t, sharedDB)
	ctx := t.Context()

	dt := seedDataTable(t, pool, standardDDL, standardCols, [][]any{
		{"A", "2021", 1.0, "e"},
		{"B", "2021", 2.0, nil},
	})
	r1 := addRevision(1, dt, dataset.ActionAdd)
	ds := standardDataset(r1)
	ds.Dimensions = []dataset.Dimension{
		{ID: uuid.New(), FactTableColumn: "Area", Type: dataset.DimensionText},
		{ID: uuid.New(), FactTableColumn: "Year", Type: dataset.DimensionText},
	}

	b := newTestBuilder(t, pool)
	schema, err := b.BuildCube(ctx, ds, r1.ID)
	require.NoError(t, err)
	dropSchemaOnCleanup(t, pool, schema)

	// Plain views are servable while awaiting materialization.
	require.Equal(t, StatusAwaitingMaterialization, metaValue(t, pool, schema, metaBuildStatus))
	plain := queryAll(t, pool, pgsql.QuoteIdent(schema, coreViewName("en")))
	require.Len(t, plain, 2)

	m, err := NewMaterializer(MaterializerConfig{Logger: cubetesting.NewLogger(), Pool: pool})
	require.NoError(t, err)
	require.NoError(t, m.promote(ctx, promotionJob{
		Schema:  schema,
		Locales: []string{"en"},
		Views:   []string{"preview", "download"},
	}))

	require.Equal(t, StatusComplete, metaValue(t, pool, schema, metaBuildStatus))

	// The materialized view serves the identical result set; the plain
	// core view is gone.
	mat := queryAll(t, pool, pgsql.QuoteIdent(schema, coreMatViewName("en")))
	require.Equal(t, plain, mat)

	var reg *string
	err = pool.QueryRow(ctx, "SELECT to_regclass($1)", pgsql.QuoteIdent(schema, coreViewName("en"))).Scan(&reg)
	require.NoError(t, err)
	require.Nil(t, reg)

	named := queryAll(t, pool, pgsql.QuoteIdent(schema, namedViewName("download", "en")))
	require.Len(t, named, 2)
}

// queryAll reads every row of a relation ordered by its first column.
func queryAll(t *testing.T, pool *pgxpool.Pool, relation string) [][]any {
	t.Helper()
	rows, err := pool.Query(t.Context(), "SELECT * FROM "+relation+" ORDER BY 1")
	require.NoError(t, err)
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		require.NoError(t, err)
		out = append(out, vals)
	}
	require.NoError(t, rows.Err())
	return out
}
