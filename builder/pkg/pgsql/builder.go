// Package pgsql builds SQL statements from typed fragments so that
// identifiers and literals are always quoted, never concatenated raw.
package pgsql

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Builder accumulates a statement from raw SQL, sanitized identifiers,
// quoted literals and positional arguments. The zero value is ready to use.
type Builder struct {
	sb   strings.Builder
	args []any
}

func New() *Builder {
	return &Builder{}
}

// SQL appends a raw SQL fragment. Callers must never pass user-controlled
// input here; identifiers go through Ident and values through Arg/Literal.
func (b *Builder) SQL(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// SQLf appends a formatted raw SQL fragment.
func (b *Builder) SQLf(format string, a ...any) *Builder {
	fmt.Fprintf(&b.sb, format, a...)
	return b
}

// Ident appends a dot-separated, double-quoted identifier path
// (e.g. schema.table or schema.table.column).
func (b *Builder) Ident(parts ...string) *Builder {
	b.sb.WriteString(QuoteIdent(parts...))
	return b
}

// IdentList appends a comma-separated list of single identifiers.
func (b *Builder) IdentList(names ...string) *Builder {
	for i, name := range names {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Ident(name)
	}
	return b
}

// Arg appends a positional placeholder and records the value.
func (b *Builder) Arg(v any) *Builder {
	b.args = append(b.args, v)
	fmt.Fprintf(&b.sb, "$%d", len(b.args))
	return b
}

// Literal appends a single-quoted string literal. Used in DDL positions
// where the protocol does not accept bind parameters.
func (b *Builder) Literal(s string) *Builder {
	b.sb.WriteString(QuoteLiteral(s))
	return b
}

func (b *Builder) String() string {
	return b.sb.String()
}

func (b *Builder) Args() []any {
	return b.args
}

// QuoteIdent returns a dot-separated, double-quoted identifier path.
func QuoteIdent(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

// QuoteLiteral returns a single-quoted SQL string literal with embedded
// quotes doubled.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
