package cube

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/statvault/cube/builder/pkg/pgsql"
)

// coreViewBase is the metadata key prefix and view-name stem of the full
// per-locale projection.
const coreViewBase = "core_view"

func coreViewName(locale string) string {
	return fmt.Sprintf("%s_%s", coreViewBase, locale)
}

func coreMatViewName(locale string) string {
	return fmt.Sprintf("%s_mat_%s", coreViewBase, locale)
}

func namedViewName(name, locale string) string {
	return fmt.Sprintf("%s_%s", name, locale)
}

func namedMatViewName(name, locale string) string {
	return fmt.Sprintf("%s_mat_%s", name, locale)
}

// assembleCoreSQL renders one locale's full projection in token form:
// #SCHEMA# and #LANG# stay unresolved so the SQL survives the final schema
// rename and can be re-rendered during materialization.
func assembleCoreSQL(lc *LocaleContext) string {
	if len(lc.Selects) == 0 {
		return fmt.Sprintf("SELECT * FROM %s.%s AS %s",
			schemaToken, pgsql.QuoteIdent("fact_table"), pgsql.QuoteIdent("fact_table"))
	}

	b := pgsql.New().SQL("SELECT ")
	for i, c := range lc.Selects {
		if i > 0 {
			b.SQL(", ")
		}
		b.SQLf("%s AS ", c.Expr).Ident(c.Alias)
	}
	b.SQL(" FROM ").SQL(schemaToken).SQL(".").Ident("fact_table").
		SQL(" AS ").Ident("fact_table")
	for _, j := range lc.Joins {
		b.SQL(" ").SQL(j)
	}
	for i, o := range lc.OrderBy {
		if i == 0 {
			b.SQL(" ORDER BY ")
		} else {
			b.SQL(", ")
		}
		b.SQL(o)
	}
	return b.String()
}

// namedViewSQL renders a named view's projection over the core view, in
// token form.
func namedViewSQL(cols []string, locale string) string {
	return pgsql.New().
		SQL("SELECT ").IdentList(cols...).
		SQL(" FROM ").SQL(schemaToken).SQL(".").Ident(coreViewName(locale)).
		String()
}

// createViews assembles and creates the per-locale core views and the
// configured named views, persisting each view's SQL text and ordered
// column list into metadata.
func (b *build) createViews(ctx context.Context) error {
	for _, locale := range b.bc.Locales {
		lc := b.bc.Locale(locale)

		coreSQL := assembleCoreSQL(lc)
		coreCols := lc.ColumnNames()
		if len(coreCols) == 0 {
			coreCols = b.cols
		}
		if err := b.createView(ctx, coreViewName(locale), coreSQL, locale); err != nil {
			return err
		}
		if err := b.persistView(ctx, coreViewBase, locale, coreSQL, coreCols); err != nil {
			return err
		}

		for _, spec := range b.bc.Views {
			cols := spec.viewColumns(lc)
			if len(cols) == 0 {
				cols = coreCols
			}
			sql := namedViewSQL(cols, locale)
			if err := b.createView(ctx, namedViewName(spec.Name, locale), sql, locale); err != nil {
				return err
			}
			if err := b.persistView(ctx, spec.Name, locale, sql, cols); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *build) createView(ctx context.Context, name, tokenSQL, locale string) error {
	stmt := "CREATE VIEW " + pgsql.QuoteIdent(b.bc.Schema, name) + " AS " +
		renderLang(renderSchema(tokenSQL, b.bc.Schema), locale)
	if _, err := b.q.Exec(ctx, stmt); err != nil {
		return b.fail(KindCubeCreationFailed, stmt, fmt.Errorf("failed to create view %q: %w", name, err))
	}
	return nil
}

func (b *build) persistView(ctx context.Context, view, locale, tokenSQL string, cols []string) error {
	if err := setMetadata(ctx, b.q, b.bc.Schema, viewSQLKey(view, locale), tokenSQL); err != nil {
		return b.fail(KindCubeCreationFailed, "", err)
	}
	payload, err := json.Marshal(cols)
	if err != nil {
		return fmt.Errorf("failed to marshal view columns: %w", err)
	}
	if err := setMetadata(ctx, b.q, b.bc.Schema, viewColumnsKey(view, locale), string(payload)); err != nil {
		return b.fail(KindCubeCreationFailed, "", err)
	}
	return nil
}
