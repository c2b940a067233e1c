package cube

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statvault/cube/builder/pkg/dataset"
)

func TestCube_Dates_ParseDateCode(t *testing.T) {
	t.Parallel()

	calendarMonthly := dataset.DateExtractor{YearType: dataset.YearCalendar, YearFormat: "YYYY", MonthFormat: "mm"}
	financialQuarterly := dataset.DateExtractor{YearType: dataset.YearFinancial, YearFormat: "YYYY-YY", QuarterFormat: "QX"}
	taxDaily := dataset.DateExtractor{YearType: dataset.YearTax, YearFormat: "YYYY", DateFormat: "YYYY-MM-DD"}

	tests := []struct {
		name  string
		ex    dataset.DateExtractor
		code  string
		kind  string
		start string
		end   string
	}{
		{"calendar year", calendarMonthly, "2021", "year", "2021-01-01", "2021-12-31"},
		{"calendar month", calendarMonthly, "202103", "month", "2021-03-01", "2021-03-31"},
		{"financial year", financialQuarterly, "2021-22", "year", "2021-04-01", "2022-03-31"},
		{"financial quarter", financialQuarterly, "2021-22Q1", "quarter", "2021-04-01", "2021-06-30"},
		{"financial quarter 4", financialQuarterly, "2021-22Q4", "quarter", "2022-01-01", "2022-03-31"},
		{"specific day", taxDaily, "2021-07-15", "date", "2021-07-15", "2021-07-15"},
		{"tax year starts april 6th", taxDaily, "2021", "year", "2021-04-06", "2022-04-05"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, ok := parseDateCode(tt.code, tt.ex)
			require.True(t, ok)
			require.Equal(t, tt.kind, p.kind)
			require.Equal(t, tt.start, p.start.Format(dayLayout))
			require.Equal(t, tt.end, p.end.Format(dayLayout))
		})
	}
}

func TestCube_Dates_ParseDateCode_Invalid(t *testing.T) {
	t.Parallel()

	ex := dataset.DateExtractor{YearType: dataset.YearCalendar, YearFormat: "YYYY", MonthFormat: "mm"}
	for _, code := range []string{"", "21", "2021-03", "202113", "2021xx", "abcd01"} {
		_, ok := parseDateCode(code, ex)
		require.False(t, ok, "code %q should not parse", code)
	}
}

func TestCube_Dates_GenerateDateRows_TwoCalendarYearsMonthly(t *testing.T) {
	t.Parallel()

	ex := dataset.DateExtractor{YearType: dataset.YearCalendar, YearFormat: "YYYY", MonthFormat: "mm"}

	var observed []period
	var minT, maxT time.Time
	for y := 2021; y <= 2022; y++ {
		for m := 1; m <= 12; m++ {
			yr := yearPeriod(y, ex.YearType)
			p := subPeriod(yr, m, 1, "month")
			observed = append(observed, p)
			if minT.IsZero() || p.start.Before(minT) {
				minT = p.start
			}
			if p.end.After(maxT) {
				maxT = p.end
			}
		}
	}

	rows := generateDateRows(minT, maxT, observed, ex)

	var years, months int
	for _, r := range rows {
		switch r.p.kind {
		case "year":
			years++
		case "month":
			months++
		}
	}
	require.Equal(t, 2, years)
	require.Equal(t, 24, months)
	require.Len(t, rows, 26)

	require.Equal(t, "2021-01-01", minT.Format(dayLayout))
	require.Equal(t, "2022-12-31", maxT.Format(dayLayout))

	// Chronological order, year before its months.
	require.Equal(t, "2021", rows[0].ref)
	require.Equal(t, "202101", rows[1].ref)
	require.Equal(t, "2021", rows[1].hierarchy)
}

func TestCube_Dates_GenerateDateRows_QuarterHierarchy(t *testing.T) {
	t.Parallel()

	ex := dataset.DateExtractor{
		YearType:      dataset.YearCalendar,
		YearFormat:    "YYYY",
		QuarterFormat: "QX",
		MonthFormat:   "mMM",
	}
	yr := yearPeriod(2021, ex.YearType)
	rows := generateDateRows(yr.start, yr.end, []period{yr}, ex)

	byRef := make(map[string]dateRow)
	for _, r := range rows {
		byRef[r.ref] = r
	}
	require.Len(t, rows, 1+4+12)
	require.Equal(t, "2021", byRef["2021Q2"].hierarchy)
	require.Equal(t, "2021Q2", byRef["2021m05"].hierarchy)
	require.Equal(t, "quarter", byRef["2021Q2"].p.kind)
	require.Equal(t, "2021-04-01", byRef["2021Q2"].p.start.Format(dayLayout))
}

func TestCube_Dates_YearRef(t *testing.T) {
	t.Parallel()

	require.Equal(t, "2021", yearRef(2021, "YYYY"))
	require.Equal(t, "2021-22", yearRef(2021, "YYYY-YY"))
	require.Equal(t, "2099/00", yearRef(2099, "YYYY/YY"))
}

func TestCube_Dates_SuffixRef(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Q3", suffixRef("QX", 3))
	require.Equal(t, "m07", suffixRef("mMM", 7))
	require.Equal(t, "07", suffixRef("mm", 7))
	require.Equal(t, "12", suffixRef("MM", 12))
}

func TestCube_Dates_DescribeDateRow(t *testing.T) {
	t.Parallel()

	b := &build{tr: EnglishTranslator{}}
	yr := yearPeriod(2021, dataset.YearCalendar)

	row := dateRow{ref: "2021", p: yr}
	require.Equal(t, "2021", b.describeDateRow(row, "en"))

	month := dateRow{ref: "202103", p: subPeriod(yr, 3, 1, "month")}
	require.Equal(t, "March 2021", b.describeDateRow(month, "en"))

	day := dateRow{ref: "2021-03-15", p: period{kind: "date", start: time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC)}}
	require.Equal(t, "15 March 2021", b.describeDateRow(day, "en"))
}
