package query

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestQuery_ExportExcel(t *testing.T) {
	t.Parallel()

	pool := pgtestingPool(t)
	f := newQueryFixture(t, pool)
	store := newTestStore(t, pool)

	p := f.params()
	p.Sort = []Sort{{Column: "Area"}, {Column: "Year"}}

	var buf bytes.Buffer
	require.NoError(t, store.ExportExcel(t.Context(), p, &buf))

	wb, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = wb.Close() }()

	require.Equal(t, []string{"Data"}, wb.GetSheetList())
	rows, err := wb.GetRows("Data")
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"Area", "Year", "Value"},
		{"North", "2021", "10"},
		{"North", "2022", "12"},
		{"South", "2021", "7"},
		{"South", "2022", "9"},
	}, rows)
}

func TestQuery_ExportExcel_EmptyResultKeepsHeader(t *testing.T) {
	t.Parallel()

	pool := pgtestingPool(t)
	f := newQueryFixture(t, pool)
	store := newTestStore(t, pool)

	p := f.params()
	p.Filters = map[string][]string{"Area": {"Nowhere"}}

	var buf bytes.Buffer
	require.NoError(t, store.ExportExcel(t.Context(), p, &buf))

	wb, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = wb.Close() }()

	rows, err := wb.GetRows("Data")
	require.NoError(t, err)
	require.Equal(t, [][]string{{"Area", "Year", "Value"}}, rows)
}

func TestQuery_ExcelValue(t *testing.T) {
	t.Parallel()

	require.Nil(t, excelValue(nil))
	require.Equal(t, "North", excelValue("North"))
	require.Equal(t, int64(42), excelValue(int64(42)))
	require.Equal(t, 0.5, excelValue(0.5))
}
