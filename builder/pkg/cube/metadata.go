package cube

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/statvault/cube/builder/pkg/pgsql"
)

// Build status values recorded under metadata key "build_status".
const (
	StatusIncomplete              = "incomplete"
	StatusAwaitingMaterialization = "awaiting_materialization"
	StatusComplete                = "complete"
	StatusFailed                  = "failed"
)

// Metadata keys with fixed meaning; per-view SQL and column lists use
// derived keys (see viewSQLKey/viewColumnsKey).
const (
	metaBuildStatus  = "build_status"
	metaStartDate    = "start_date"
	metaEndDate      = "end_date"
	metaNoteCodes    = "note_codes"
	metaLookupTables = "lookup_tables"
	metaBuiltAt      = "built_at"
	metaCompletedAt  = "completed_at"
)

// schemaToken and langToken are substituted at execution time: the schema
// because the build schema is renamed to the revision id on success, the
// language because one assembled view serves every locale.
const (
	schemaToken = "#SCHEMA#"
	langToken   = "#LANG#"
)

func renderSchema(sql, schema string) string {
	return strings.ReplaceAll(sql, schemaToken, pgsql.QuoteIdent(schema))
}

func renderLang(sql, locale string) string {
	return strings.ReplaceAll(sql, langToken, pgsql.QuoteLiteral(locale))
}

func viewSQLKey(view, locale string) string {
	return fmt.Sprintf("%s_%s_sql", view, locale)
}

func viewColumnsKey(view, locale string) string {
	return fmt.Sprintf("%s_%s_columns", view, locale)
}

func createMetadataTable(ctx context.Context, q Querier, schema string) error {
	b := pgsql.New().
		SQL("CREATE TABLE ").Ident(schema, "metadata").
		SQL(" (key text PRIMARY KEY, value text NOT NULL)")
	if _, err := q.Exec(ctx, b.String()); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}
	return nil
}

func setMetadata(ctx context.Context, q Querier, schema, key, value string) error {
	b := pgsql.New().
		SQL("INSERT INTO ").Ident(schema, "metadata").
		SQL(" (key, value) VALUES (").Arg(key).SQL(", ").Arg(value).
		SQL(") ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value")
	if _, err := q.Exec(ctx, b.String(), b.Args()...); err != nil {
		return fmt.Errorf("failed to set metadata %q: %w", key, err)
	}
	return nil
}

// getMetadata reads a metadata value; ok is false when the key is absent.
func getMetadata(ctx context.Context, q Querier, schema, key string) (string, bool, error) {
	b := pgsql.New().
		SQL("SELECT value FROM ").Ident(schema, "metadata").
		SQL(" WHERE key = ").Arg(key)
	var value string
	err := q.QueryRow(ctx, b.String(), b.Args()...).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read metadata %q: %w", key, err)
	}
	return value, true, nil
}
