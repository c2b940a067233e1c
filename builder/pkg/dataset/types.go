// Package dataset holds the dataset aggregate consumed by the cube build
// engine: fact-table columns, dimensions, the measure and the revision
// history. The aggregate arrives fully loaded from the ingestion pipeline;
// this package never touches the database.
package dataset

import (
	"sort"

	"github.com/google/uuid"
)

// ColumnType classifies a fact-table column's semantic role.
type ColumnType string

const (
	ColumnDimension  ColumnType = "dimension"
	ColumnMeasure    ColumnType = "measure"
	ColumnTime       ColumnType = "time"
	ColumnDataValues ColumnType = "data_values"
	ColumnNoteCodes  ColumnType = "note_codes"
	ColumnLineNumber ColumnType = "line_number"
	ColumnUnknown    ColumnType = "unknown"
)

// FactTableColumn describes one column of the fact table.
type FactTableColumn struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Datatype string     `json:"datatype"`
	Index    int        `json:"index"`
}

// IsKey reports whether the column belongs to the composite primary key.
func (c FactTableColumn) IsKey() bool {
	switch c.Type {
	case ColumnDimension, ColumnMeasure, ColumnTime:
		return true
	default:
		return false
	}
}

// Action tags an uploaded data table with how it merges into the fact table.
type Action string

const (
	ActionAdd        Action = "add"
	ActionReplaceAll Action = "replace_all"
	ActionRevise     Action = "revise"
	ActionAddRevise  Action = "add_revise"
	ActionCorrection Action = "correction"
)

// DataTable is one upload's row set, immutable once attached to a revision.
// Its rows live in the data_tables schema keyed by ID.
type DataTable struct {
	ID     uuid.UUID `json:"id"`
	Action Action    `json:"action"`
}

// TaskList marks dimensions or the measure as not yet re-validated against
// the active revision's upload. Flagged dimensions are built as raw
// pass-through so the cube still materializes.
type TaskList struct {
	DimensionIDs []uuid.UUID `json:"dimensionIds,omitempty"`
	Measure      bool        `json:"measure,omitempty"`
}

// Revision is one accepted change to a dataset's data. Index is a positive
// integer once published and zero while the revision is still a draft.
type Revision struct {
	ID        uuid.UUID  `json:"id"`
	Index     int        `json:"index"`
	DataTable *DataTable `json:"dataTable,omitempty"`
	Tasks     *TaskList  `json:"tasks,omitempty"`
}

// Published reports whether the revision has been assigned a revision index.
func (r Revision) Published() bool {
	return r.Index > 0
}

// DimensionFlagged reports whether the revision's task list marks the given
// dimension as not yet re-validated.
func (r Revision) DimensionFlagged(id uuid.UUID) bool {
	if r.Tasks == nil {
		return false
	}
	for _, d := range r.Tasks.DimensionIDs {
		if d == id {
			return true
		}
	}
	return false
}

// MeasureFlagged reports whether the revision's task list marks the measure
// as not yet re-validated.
func (r Revision) MeasureFlagged() bool {
	return r.Tasks != nil && r.Tasks.Measure
}

// DimensionType selects the column/join generation strategy for a dimension.
type DimensionType string

const (
	DimensionRaw         DimensionType = "raw"
	DimensionSymbol      DimensionType = "symbol"
	DimensionText        DimensionType = "text"
	DimensionNumeric     DimensionType = "numeric"
	DimensionDate        DimensionType = "date"
	DimensionDatePeriod  DimensionType = "date_period"
	DimensionLookupTable DimensionType = "lookup_table"
)

// YearType selects where a reporting year starts.
type YearType string

const (
	YearCalendar       YearType = "calendar"
	YearFinancial      YearType = "financial"
	YearTax            YearType = "tax"
	YearAcademic       YearType = "academic"
	YearMeteorological YearType = "meteorological"
)

// DateExtractor configures period-code parsing and reference expansion for
// date and date-period dimensions. A format left empty disables that
// granularity; YearFormat is always required.
type DateExtractor struct {
	YearType      YearType `json:"yearType"`
	YearFormat    string   `json:"yearFormat"`
	QuarterFormat string   `json:"quarterFormat,omitempty"`
	MonthFormat   string   `json:"monthFormat,omitempty"`
	DateFormat    string   `json:"dateFormat,omitempty"`
}

// NumericExtractor configures decimal rendering for numeric dimensions.
// Decimals < 0 means the column holds integers.
type NumericExtractor struct {
	Decimals int `json:"decimals"`
}

// Extractor is the per-type dimension configuration; only the field
// matching the dimension's type is set.
type Extractor struct {
	Date    *DateExtractor    `json:"date,omitempty"`
	Numeric *NumericExtractor `json:"numeric,omitempty"`
}

// Dimension is one categorical/time/numeric axis of the fact table.
type Dimension struct {
	ID              uuid.UUID         `json:"id"`
	FactTableColumn string            `json:"factTableColumn"`
	Type            DimensionType     `json:"type"`
	Extractor       Extractor         `json:"extractor"`
	LookupTableID   *uuid.UUID        `json:"lookupTableId,omitempty"`
	Names           map[string]string `json:"names,omitempty"`
}

// DisplayName returns the per-locale display name, falling back to the raw
// fact-table column name.
func (d Dimension) DisplayName(locale string) string {
	if name, ok := d.Names[locale]; ok && name != "" {
		return name
	}
	return d.FactTableColumn
}

// MeasureFormat selects the value-rendering rule for a measure reference.
type MeasureFormat string

const (
	FormatDecimal    MeasureFormat = "decimal"
	FormatFloat      MeasureFormat = "float"
	FormatLong       MeasureFormat = "long"
	FormatPercentage MeasureFormat = "percentage"
	FormatInteger    MeasureFormat = "integer"
	FormatString     MeasureFormat = "string"
	FormatText       MeasureFormat = "text"
	FormatDate       MeasureFormat = "date"
	FormatDatetime   MeasureFormat = "datetime"
	FormatTime       MeasureFormat = "time"
)

// Numeric reports whether the format renders as a rounded, grouped number.
func (f MeasureFormat) Numeric() bool {
	switch f {
	case FormatDecimal, FormatFloat, FormatLong, FormatPercentage:
		return true
	default:
		return false
	}
}

// MeasureRow is one localized lookup row of the measure table.
type MeasureRow struct {
	Reference   string        `json:"reference"`
	Language    string        `json:"language"`
	Description string        `json:"description"`
	Notes       *string       `json:"notes,omitempty"`
	SortOrder   *int          `json:"sortOrder,omitempty"`
	Format      MeasureFormat `json:"format"`
	Decimals    int           `json:"decimals"`
	MeasureType string        `json:"measureType,omitempty"`
	Hierarchy   *string       `json:"hierarchy,omitempty"`
}

// Measure identifies what a data value represents, optionally backed by a
// lookup of formatting and hierarchy metadata.
type Measure struct {
	ID              uuid.UUID         `json:"id"`
	FactTableColumn string            `json:"factTableColumn"`
	LookupTableID   *uuid.UUID        `json:"lookupTableId,omitempty"`
	Rows            []MeasureRow      `json:"rows,omitempty"`
	Names           map[string]string `json:"names,omitempty"`
}

// DisplayName returns the per-locale display name, falling back to the raw
// fact-table column name.
func (m Measure) DisplayName(locale string) string {
	if name, ok := m.Names[locale]; ok && name != "" {
		return name
	}
	return m.FactTableColumn
}

// Dataset is the fully-loaded aggregate the build engine consumes.
type Dataset struct {
	ID              uuid.UUID         `json:"id"`
	Columns         []FactTableColumn `json:"columns"`
	Dimensions      []Dimension       `json:"dimensions,omitempty"`
	Measure         *Measure          `json:"measure,omitempty"`
	Revisions       []Revision        `json:"revisions"`
	DraftRevisionID *uuid.UUID        `json:"draftRevisionId,omitempty"`
	EndRevisionID   uuid.UUID         `json:"endRevisionId"`
}

// OrderedColumns returns the fact-table columns sorted by index.
func (d *Dataset) OrderedColumns() []FactTableColumn {
	cols := make([]FactTableColumn, len(d.Columns))
	copy(cols, d.Columns)
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Index < cols[j].Index })
	return cols
}

// KeyColumns returns the composite-key column names (dimension, measure and
// time columns) in index order.
func (d *Dataset) KeyColumns() []string {
	var keys []string
	for _, c := range d.OrderedColumns() {
		if c.IsKey() {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// ColumnByType returns the first column with the given semantic type.
func (d *Dataset) ColumnByType(t ColumnType) (FactTableColumn, bool) {
	for _, c := range d.OrderedColumns() {
		if c.Type == t {
			return c, true
		}
	}
	return FactTableColumn{}, false
}

// NoteCodesColumn returns the notes column, if the dataset has one.
func (d *Dataset) NoteCodesColumn() (FactTableColumn, bool) {
	return d.ColumnByType(ColumnNoteCodes)
}

// DataValuesColumn returns the data-value column, if the dataset has one.
func (d *Dataset) DataValuesColumn() (FactTableColumn, bool) {
	return d.ColumnByType(ColumnDataValues)
}

// RevisionByID looks a revision up by id.
func (d *Dataset) RevisionByID(id uuid.UUID) (Revision, bool) {
	for _, r := range d.Revisions {
		if r.ID == id {
			return r, true
		}
	}
	return Revision{}, false
}

// PublishedRevisions returns the published revisions ordered oldest first.
func (d *Dataset) PublishedRevisions() []Revision {
	var revs []Revision
	for _, r := range d.Revisions {
		if r.Published() {
			revs = append(revs, r)
		}
	}
	sort.SliceStable(revs, func(i, j int) bool { return revs[i].Index < revs[j].Index })
	return revs
}

// DimensionByColumn looks a dimension up by its fact-table column name.
func (d *Dataset) DimensionByColumn(name string) (Dimension, bool) {
	for _, dim := range d.Dimensions {
		if dim.FactTableColumn == name {
			return dim, true
		}
	}
	return Dimension{}, false
}
