package cube

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCube_Views_AssembleCoreSQL_Fallback(t *testing.T) {
	t.Parallel()

	lc := newLocaleContext("en")
	require.Equal(t, `SELECT * FROM #SCHEMA#."fact_table" AS "fact_table"`, assembleCoreSQL(lc))
}

func TestCube_Views_AssembleCoreSQL(t *testing.T) {
	t.Parallel()

	lc := newLocaleContext("en")
	lc.Append(SelectColumn{Expr: `"d0"."description"`, Alias: "Area", Kind: KindValue})
	lc.Append(SelectColumn{Expr: `"fact_table"."Area"::text`, Alias: "Area_ref", Kind: KindRef})
	lc.Joins = append(lc.Joins,
		`LEFT JOIN #SCHEMA#."Area_lookup" AS "d0" ON "d0"."reference" = "fact_table"."Area"::text AND "d0"."language" = #LANG#`)
	lc.OrderBy = append(lc.OrderBy, `"Area_sort"`)

	got := assembleCoreSQL(lc)
	want := `SELECT "d0"."description" AS "Area", "fact_table"."Area"::text AS "Area_ref"` +
		` FROM #SCHEMA#."fact_table" AS "fact_table"` +
		` LEFT JOIN #SCHEMA#."Area_lookup" AS "d0" ON "d0"."reference" = "fact_table"."Area"::text AND "d0"."language" = #LANG#` +
		` ORDER BY "Area_sort"`
	require.Equal(t, want, got)

	rendered := renderLang(renderSchema(got, "build_x"), "en")
	require.NotContains(t, rendered, schemaToken)
	require.NotContains(t, rendered, langToken)
	require.Contains(t, rendered, `"build_x"."fact_table"`)
	require.Contains(t, rendered, `"d0"."language" = 'en'`)
}

func TestCube_Views_NamedViewSQL(t *testing.T) {
	t.Parallel()

	got := namedViewSQL([]string{"Area", "Value"}, "en")
	require.Equal(t, `SELECT "Area", "Value" FROM #SCHEMA#."core_view_en"`, got)
}

func TestCube_Views_Names(t *testing.T) {
	t.Parallel()

	require.Equal(t, "core_view_en", coreViewName("en"))
	require.Equal(t, "core_view_mat_en", coreMatViewName("en"))
	require.Equal(t, "download_cy", namedViewName("download", "cy"))
	require.Equal(t, "download_mat_cy", namedMatViewName("download", "cy"))
}
