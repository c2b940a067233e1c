// Package cube materializes a dataset revision into a queryable relational
// schema: a fact table replayed from the revision history, per-dimension
// lookup tables, a measure table, note aggregations, a filter table and
// per-locale query views, promoted to materialized views in the background.
package cube

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// Querier is the subset of pgx behaviour the engines need. *pgxpool.Pool,
// *pgxpool.Conn and pgx.Tx all satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Translator resolves the localized strings the engine bakes into lookup
// rows. String catalogues live outside the engine; this is the seam they
// come through.
type Translator interface {
	NoteCodeDescription(code, locale string) string
	MonthName(m time.Month, locale string) string
}

// DataValuesMode selects which data-value projection a named view carries.
type DataValuesMode string

const (
	DataValuesRaw       DataValuesMode = "raw"
	DataValuesFormatted DataValuesMode = "formatted"
	DataValuesAnnotated DataValuesMode = "annotated"
)

// DatesMode selects how a named view renders date dimensions.
type DatesMode string

const (
	DatesFormatted DatesMode = "formatted"
	DatesRaw       DatesMode = "raw"
	DatesNone      DatesMode = "none"
)

// ViewSpec configures one named view: a per-locale column subset of the
// core view governed by boolean flags.
type ViewSpec struct {
	Name             string         `json:"name"`
	Refcodes         bool           `json:"refcodes"`
	SortOrders       bool           `json:"sort_orders"`
	Hierarchies      bool           `json:"hierarchies"`
	DataValues       DataValuesMode `json:"dataValues"`
	Dates            DatesMode      `json:"dates"`
	NoteDescriptions bool           `json:"note_descriptions"`
}

// DefaultViews returns the named views built when none are configured.
func DefaultViews() []ViewSpec {
	return []ViewSpec{
		{
			Name:             "preview",
			DataValues:       DataValuesAnnotated,
			Dates:            DatesFormatted,
			NoteDescriptions: true,
		},
		{
			Name:        "download",
			Refcodes:    true,
			SortOrders:  true,
			Hierarchies: true,
			DataValues:  DataValuesRaw,
			Dates:       DatesRaw,
		},
	}
}

// Config holds the build engine configuration.
type Config struct {
	Logger       *slog.Logger
	Pool         *pgxpool.Pool
	Clock        clockwork.Clock
	Locales      []string
	Views        []ViewSpec
	Translator   Translator
	Materializer *Materializer
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.Locales) == 0 {
		cfg.Locales = []string{"en"}
	}
	if len(cfg.Views) == 0 {
		cfg.Views = DefaultViews()
	}
	if cfg.Translator == nil {
		cfg.Translator = EnglishTranslator{}
	}
	return nil
}
