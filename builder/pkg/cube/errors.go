package cube

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a build failure.
type Kind string

const (
	KindFactTableColumnMissing Kind = "fact_table_column_missing"
	KindFactTable              Kind = "fact_table"
	KindNoFirstRevision        Kind = "no_first_revision"
	KindDuplicateFact          Kind = "duplicate_fact"
	KindIncompleteFacts        Kind = "incomplete_facts"
	KindCubeCreationFailed     Kind = "cube_creation_failed"
	KindUnknown                Kind = "unknown"
)

// ValidationError is the typed error every build step fails with. Any
// validation failure aborts the whole build; partial schemas are never
// promoted.
type ValidationError struct {
	Kind     Kind
	Dataset  uuid.UUID
	Revision uuid.UUID
	SQL      string
	Err      error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("cube build failed (%s): dataset=%s revision=%s", e.Kind, e.Dataset, e.Revision)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches two ValidationErrors on Kind, so callers can test with
// errors.Is(err, &ValidationError{Kind: KindDuplicateFact}).
func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// AsValidation extracts a ValidationError from an error chain.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// FactTableKind classifies an uploaded table that cannot be merged.
type FactTableKind string

const (
	FactTableUnmatchedColumns FactTableKind = "unmatched_columns"
	FactTableUnknown          FactTableKind = "unknown"
)

// FactTableError reports an uploaded data table whose shape does not match
// the fact table.
type FactTableError struct {
	Kind      FactTableKind
	DataTable uuid.UUID
	Columns   []string
	Err       error
}

func (e *FactTableError) Error() string {
	msg := fmt.Sprintf("fact table validation failed (%s): data_table=%s", e.Kind, e.DataTable)
	if len(e.Columns) > 0 {
		msg += fmt.Sprintf(" columns=%v", e.Columns)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FactTableError) Unwrap() error {
	return e.Err
}

// classifyKeyError maps a primary-key creation failure to its typed kind.
// A unique-index violation means duplicate facts; a not-null violation
// means a key column has gaps.
func classifyKeyError(err error) Kind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return KindDuplicateFact
		case "23502":
			return KindIncompleteFacts
		}
	}
	return KindUnknown
}
