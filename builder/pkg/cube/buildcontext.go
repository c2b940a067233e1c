package cube

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/statvault/cube/builder/pkg/dataset"
)

// ColumnKind tags a projected column with the named-view flag governing its
// inclusion.
type ColumnKind int

const (
	// KindValue is a dimension's (or the measure's) display value column.
	KindValue ColumnKind = iota
	// KindRef is the raw reference-code variant of a dimension column.
	KindRef
	// KindSort is the sort-order variant.
	KindSort
	// KindHierarchy is the hierarchy-parent variant.
	KindHierarchy
	// KindDataRaw, KindDataFormatted and KindDataAnnotated are the three
	// data-value projections; a named view includes exactly one.
	KindDataRaw
	KindDataFormatted
	KindDataAnnotated
	// KindNoteCodes is the raw comma-joined note-code column.
	KindNoteCodes
	// KindNoteDescription is the localized, aggregated note description.
	KindNoteDescription
)

// SelectColumn is one projected output column: a rendered SQL expression
// (identifiers quoted, #SCHEMA# and #LANG# tokens unresolved) plus its
// output alias.
type SelectColumn struct {
	Expr   string
	Alias  string
	Kind   ColumnKind
	IsDate bool
}

// LocaleContext accumulates one locale's view fragments. Dimension
// processing is strictly sequential; the used-name set is mutated across
// iterations and output column order is the processing order.
type LocaleContext struct {
	Locale  string
	Selects []SelectColumn
	Joins   []string
	OrderBy []string

	usedNames map[string]struct{}
}

func newLocaleContext(locale string) *LocaleContext {
	return &LocaleContext{
		Locale:    locale,
		usedNames: make(map[string]struct{}),
	}
}

// UniqueName reserves a display name within the locale, suffixing _1, _2,
// ... on collision.
func (lc *LocaleContext) UniqueName(base string) string {
	name := base
	for i := 1; ; i++ {
		if _, taken := lc.usedNames[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
	lc.usedNames[name] = struct{}{}
	return name
}

// Reserve marks derived aliases (reference/sort/hierarchy variants) as
// used so later display names cannot collide with them.
func (lc *LocaleContext) Reserve(names ...string) {
	for _, n := range names {
		lc.usedNames[n] = struct{}{}
	}
}

// Append adds a select column to the projection.
func (lc *LocaleContext) Append(c SelectColumn) {
	lc.Selects = append(lc.Selects, c)
}

// ColumnNames returns the output column names in projection order.
func (lc *LocaleContext) ColumnNames() []string {
	names := make([]string, 0, len(lc.Selects))
	for _, c := range lc.Selects {
		names = append(names, c.Alias)
	}
	return names
}

// BuildContext is the explicit accumulator one build threads through every
// engine step. It is owned by the orchestrator, never shared between
// builds.
type BuildContext struct {
	BuildID     uuid.UUID
	Schema      string
	Dataset     *dataset.Dataset
	EndRevision dataset.Revision
	Locales     []string
	Views       []ViewSpec

	byLocale map[string]*LocaleContext

	// LookupTables registers the lookup tables copied into the schema,
	// keyed by fact-table column.
	LookupTables map[string]string
}

func newBuildContext(buildID uuid.UUID, schema string, ds *dataset.Dataset, end dataset.Revision, locales []string, views []ViewSpec) *BuildContext {
	bc := &BuildContext{
		BuildID:      buildID,
		Schema:       schema,
		Dataset:      ds,
		EndRevision:  end,
		Locales:      locales,
		Views:        views,
		byLocale:     make(map[string]*LocaleContext, len(locales)),
		LookupTables: make(map[string]string),
	}
	for _, l := range locales {
		bc.byLocale[l] = newLocaleContext(l)
	}
	return bc
}

// Locale returns the accumulator for one locale.
func (bc *BuildContext) Locale(l string) *LocaleContext {
	return bc.byLocale[l]
}

// includes reports whether a named view's flags admit the column.
func (s ViewSpec) includes(c SelectColumn) bool {
	switch c.Kind {
	case KindValue:
		if c.IsDate {
			return s.Dates == DatesFormatted
		}
		return true
	case KindRef:
		if c.IsDate && s.Dates == DatesRaw {
			return true
		}
		if c.IsDate && s.Dates == DatesNone {
			return false
		}
		return s.Refcodes
	case KindSort:
		return s.SortOrders
	case KindHierarchy:
		return s.Hierarchies
	case KindDataRaw:
		return s.DataValues == DataValuesRaw
	case KindDataFormatted:
		return s.DataValues == DataValuesFormatted
	case KindDataAnnotated:
		return s.DataValues == DataValuesAnnotated
	case KindNoteCodes:
		return s.DataValues == DataValuesRaw
	case KindNoteDescription:
		return s.NoteDescriptions
	default:
		return false
	}
}

// viewColumns returns the ordered column subset a named view projects for
// one locale.
func (s ViewSpec) viewColumns(lc *LocaleContext) []string {
	var cols []string
	for _, c := range lc.Selects {
		if s.includes(c) {
			cols = append(cols, c.Alias)
		}
	}
	return cols
}
