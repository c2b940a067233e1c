package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statvault/cube/builder/pkg/pgsql"
)

func TestQuery_Facets_Hierarchy(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	pool := pgtestingPool(t)
	f := newQueryFixture(t, pool)
	store := newTestStore(t, pool)

	_, err := pool.Exec(ctx, "INSERT INTO "+pgsql.QuoteIdent(f.schema, "filter_table")+" VALUES "+
		`('2021', 'en', 'Year', 'Year', '2021', NULL),`+
		`('202101', 'en', 'Year', 'Year', 'January 2021', '2021'),`+
		`('202102', 'en', 'Year', 'Year', 'February 2021', '2021'),`+
		`('N', 'en', 'Area', 'Area', 'North', NULL),`+
		`('S', 'en', 'Area', 'Area', 'South', NULL),`+
		`('N', 'cy', 'Area', 'Ardal', 'Gogledd', NULL)`)
	require.NoError(t, err)

	facets, err := store.Facets(ctx, f.schema, "en")
	require.NoError(t, err)
	require.Len(t, facets, 2)

	area := facets[0]
	require.Equal(t, "Area", area.Column)
	require.Equal(t, "Area", area.Name)
	require.Len(t, area.Roots, 2)
	require.Equal(t, "North", area.Roots[0].Description)
	require.Equal(t, "South", area.Roots[1].Description)

	year := facets[1]
	require.Equal(t, "Year", year.Column)
	require.Len(t, year.Roots, 1)
	require.Equal(t, "2021", year.Roots[0].Reference)
	require.Len(t, year.Roots[0].Children, 2)
	require.Equal(t, "January 2021", year.Roots[0].Children[0].Description)
	require.Equal(t, "February 2021", year.Roots[0].Children[1].Description)
}

func TestQuery_Facets_CyclicHierarchyKeepsBothNodes(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	pool := pgtestingPool(t)
	f := newQueryFixture(t, pool)
	store := newTestStore(t, pool)

	// Two rows naming each other as parent must both stay in the tree.
	_, err := pool.Exec(ctx, "INSERT INTO "+pgsql.QuoteIdent(f.schema, "filter_table")+" VALUES "+
		`('A', 'en', 'Area', 'Area', 'Alpha', 'B'),`+
		`('B', 'en', 'Area', 'Area', 'Beta', 'A')`)
	require.NoError(t, err)

	facets, err := store.Facets(ctx, f.schema, "en")
	require.NoError(t, err)
	require.Len(t, facets, 1)
	require.Len(t, facets[0].Roots, 1)

	root := facets[0].Roots[0]
	require.Equal(t, "B", root.Reference)
	require.Len(t, root.Children, 1)
	require.Equal(t, "A", root.Children[0].Reference)
	require.Empty(t, root.Children[0].Children)
}

func TestQuery_Facets_OrphanHierarchyBecomesRoot(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	pool := pgtestingPool(t)
	f := newQueryFixture(t, pool)
	store := newTestStore(t, pool)

	// The hierarchy value names a reference that is not in the table, so
	// the row falls back to being a root.
	_, err := pool.Exec(ctx, "INSERT INTO "+pgsql.QuoteIdent(f.schema, "filter_table")+" VALUES "+
		`('202101', 'en', 'Year', 'Year', 'January 2021', '2021')`)
	require.NoError(t, err)

	facets, err := store.Facets(ctx, f.schema, "en")
	require.NoError(t, err)
	require.Len(t, facets, 1)
	require.Len(t, facets[0].Roots, 1)
	require.Equal(t, "202101", facets[0].Roots[0].Reference)
	require.Empty(t, facets[0].Roots[0].Children)
}
