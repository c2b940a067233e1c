// Package query is the read side of the cube engine: it resolves the
// materialized-else-plain view for a schema and locale, issues
// parameterized, identifier-quoted SELECTs with filtering and sorting, and
// streams unbounded exports through server-side cursors.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statvault/cube/builder/pkg/metrics"
	"github.com/statvault/cube/builder/pkg/pgsql"
)

var (
	// ErrViewNotFound means neither the materialized nor the plain variant
	// of the requested view exists in the schema.
	ErrViewNotFound = errors.New("view not found")
	// ErrUnknownColumn means a requested projection, filter or sort column
	// is not part of the view.
	ErrUnknownColumn = errors.New("unknown column")
)

// Config holds the query store configuration.
type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	// BatchSize is the server-side cursor fetch size for streamed exports.
	BatchSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	return nil
}

// Store reads built cube schemas.
type Store struct {
	log *slog.Logger
	cfg Config
}

func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

// ResolveView returns the quoted relation to read for a view and locale:
// the materialized variant once promotion has completed, else the plain
// view. Queries during awaiting_materialization hit the plain view and see
// the identical result set.
func (s *Store) ResolveView(ctx context.Context, schema, view, locale string) (string, error) {
	mat := pgsql.QuoteIdent(schema, fmt.Sprintf("%s_mat_%s", view, locale))
	plain := pgsql.QuoteIdent(schema, fmt.Sprintf("%s_%s", view, locale))

	for _, rel := range []string{mat, plain} {
		var reg *string
		if err := s.cfg.Pool.QueryRow(ctx, "SELECT to_regclass($1)", rel).Scan(&reg); err != nil {
			return "", fmt.Errorf("failed to resolve view %q: %w", rel, err)
		}
		if reg != nil {
			return rel, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s in schema %s", ErrViewNotFound, view, locale, schema)
}

// Columns returns the view's persisted ordered column list, the default
// projection for queries and exports.
func (s *Store) Columns(ctx context.Context, schema, view, locale string) ([]string, error) {
	var raw string
	err := s.cfg.Pool.QueryRow(ctx,
		"SELECT value FROM "+pgsql.QuoteIdent(schema, "metadata")+" WHERE key = $1",
		fmt.Sprintf("%s_%s_columns", view, locale)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no column list for %s/%s", ErrViewNotFound, view, locale)
		}
		return nil, fmt.Errorf("failed to read column list: %w", err)
	}
	var cols []string
	if err := json.Unmarshal([]byte(raw), &cols); err != nil {
		return nil, fmt.Errorf("failed to decode column list: %w", err)
	}
	return cols, nil
}

// Sort is one ORDER BY term.
type Sort struct {
	Column string
	Desc   bool
}

// Params selects what to read: optional column subset, equality-set
// filters and multi-column sort over one view in one locale.
type Params struct {
	Schema string
	View   string
	Locale string

	Columns []string
	Filters map[string][]string
	Sort    []Sort
	Limit   int
	Offset  int
}

// Result is one bounded query's rows with their column order.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// buildSelect renders the SELECT for params against the resolved relation.
// Only columns present in the persisted list are accepted, so every
// identifier rendered is known-good. With literals set, filter values and
// limits render as quoted literals instead of bind parameters; DECLARE
// CURSOR is a utility statement and refuses bind parameters.
func buildSelect(relation string, known, projection []string, p Params, literals bool) (*pgsql.Builder, error) {
	knownSet := make(map[string]struct{}, len(known))
	for _, c := range known {
		knownSet[c] = struct{}{}
	}
	check := func(col string) error {
		if _, ok := knownSet[col]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, col)
		}
		return nil
	}
	for _, c := range projection {
		if err := check(c); err != nil {
			return nil, err
		}
	}

	b := pgsql.New().SQL("SELECT ").IdentList(projection...).SQL(" FROM ").SQL(relation)

	first := true
	for _, col := range sortedKeys(p.Filters) {
		values := p.Filters[col]
		if err := check(col); err != nil {
			return nil, err
		}
		if len(values) == 0 {
			continue
		}
		if first {
			b.SQL(" WHERE ")
			first = false
		} else {
			b.SQL(" AND ")
		}
		b.Ident(col).SQL(" IN (")
		for i, v := range values {
			if i > 0 {
				b.SQL(", ")
			}
			if literals {
				b.Literal(v)
			} else {
				b.Arg(v)
			}
		}
		b.SQL(")")
	}

	for i, srt := range p.Sort {
		if err := check(srt.Column); err != nil {
			return nil, err
		}
		if i == 0 {
			b.SQL(" ORDER BY ")
		} else {
			b.SQL(", ")
		}
		b.Ident(srt.Column)
		if srt.Desc {
			b.SQL(" DESC")
		}
	}

	if p.Limit > 0 {
		if literals {
			b.SQLf(" LIMIT %d", p.Limit)
		} else {
			b.SQL(" LIMIT ").Arg(p.Limit)
		}
	}
	if p.Offset > 0 {
		if literals {
			b.SQLf(" OFFSET %d", p.Offset)
		} else {
			b.SQL(" OFFSET ").Arg(p.Offset)
		}
	}
	return b, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// prepare resolves the relation, the known column list and the effective
// projection for one request.
func (s *Store) prepare(ctx context.Context, p Params) (relation string, known, projection []string, err error) {
	relation, err = s.ResolveView(ctx, p.Schema, p.View, p.Locale)
	if err != nil {
		return "", nil, nil, err
	}
	known, err = s.Columns(ctx, p.Schema, p.View, p.Locale)
	if err != nil {
		return "", nil, nil, err
	}
	projection = p.Columns
	if len(projection) == 0 {
		projection = known
	}
	return relation, known, projection, nil
}

// Query runs one bounded query.
func (s *Store) Query(ctx context.Context, p Params) (*Result, error) {
	start := time.Now()
	res, err := s.query(ctx, p)
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues("success").Inc()
	return res, nil
}

func (s *Store) query(ctx context.Context, p Params) (*Result, error) {
	relation, known, projection, err := s.prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	b, err := buildSelect(relation, known, projection, p, false)
	if err != nil {
		return nil, err
	}

	rows, err := s.cfg.Pool.Query(ctx, b.String(), b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", relation, err)
	}
	defer rows.Close()

	res := &Result{Columns: projection}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return res, nil
}

// Stream runs an unbounded query through a server-side cursor, invoking fn
// once per row in fixed-size fetch batches.
func (s *Store) Stream(ctx context.Context, p Params, fn func(columns []string, row []any) error) error {
	relation, known, projection, err := s.prepare(ctx, p)
	if err != nil {
		return err
	}
	b, err := buildSelect(relation, known, projection, p, true)
	if err != nil {
		return err
	}

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin export transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const cursor = "export_cursor"
	if _, err := tx.Exec(ctx, "DECLARE "+cursor+" NO SCROLL CURSOR FOR "+b.String()); err != nil {
		return fmt.Errorf("failed to declare export cursor: %w", err)
	}

	fetch := fmt.Sprintf("FETCH %d FROM %s", s.cfg.BatchSize, cursor)
	for {
		n, err := s.fetchBatch(ctx, tx, fetch, projection, fn)
		if err != nil {
			return err
		}
		if n < s.cfg.BatchSize {
			break
		}
	}

	if _, err := tx.Exec(ctx, "CLOSE "+cursor); err != nil {
		return fmt.Errorf("failed to close export cursor: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) fetchBatch(ctx context.Context, tx pgx.Tx, fetch string, columns []string, fn func([]string, []any) error) (int, error) {
	rows, err := tx.Query(ctx, fetch)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch export batch: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return n, fmt.Errorf("failed to read export row: %w", err)
		}
		if err := fn(columns, vals); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("failed to iterate export batch: %w", err)
	}
	return n, nil
}
