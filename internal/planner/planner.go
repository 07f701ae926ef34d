// Package planner builds the parameterized SQL statements the engine runs:
// selects with ordering and cursor pagination, batched relation fetches,
// inserts, updates, deletes, upserts and aggregates.
package planner

import (
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"relengine/internal/filter"
	"relengine/internal/schema"
	"relengine/internal/sqlutil"
)

// ErrNoPrimaryKey indicates a required primary key is missing for a plan.
var ErrNoPrimaryKey = errors.New("no primary key")

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []any
}

// Dialect selects the syntax for the few statements MySQL and SQLite spell
// differently. Both accept backtick identifiers and ? placeholders.
type Dialect int

const (
	MySQL Dialect = iota
	SQLite
)

// DialectFor maps a database/sql driver name to a dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return MySQL, nil
	case "sqlite3", "sqlite":
		return SQLite, nil
	default:
		return 0, fmt.Errorf("no SQL dialect for driver %q", driver)
	}
}

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "mysql"
}

// NullSafeEqual returns a comparison that treats two NULLs as equal.
func (d Dialect) NullSafeEqual(left, right string) string {
	if d == SQLite {
		return fmt.Sprintf("%s IS %s", left, right)
	}
	return fmt.Sprintf("%s <=> %s", left, right)
}

func (d Dialect) insertIgnoreOption() string {
	if d == SQLite {
		return "OR IGNORE"
	}
	return "IGNORE"
}

// Planner builds statements for the entities of one registry.
type Planner struct {
	reg     *schema.Registry
	filters *filter.Compiler
	dialect Dialect
}

// New creates a planner.
func New(reg *schema.Registry, dialect Dialect) *Planner {
	return &Planner{reg: reg, filters: filter.NewCompiler(reg), dialect: dialect}
}

// Dialect returns the planner's SQL dialect.
func (p *Planner) Dialect() Dialect {
	return p.dialect
}

// Registry returns the registry the planner was built over.
func (p *Planner) Registry() *schema.Registry {
	return p.reg
}

// Filters returns the predicate compiler.
func (p *Planner) Filters() *filter.Compiler {
	return p.filters
}

// ParentTuple represents an ordered composite parent key used in batch plans.
type ParentTuple struct {
	Values []any
}

func quotedTable(e *schema.Entity) string {
	return sqlutil.QuoteIdentifier(e.Table)
}

// columnFor returns the qualified column of a field, or an error naming the
// unknown field.
func columnFor(e *schema.Entity, qualifier, field string) (string, *schema.Field, error) {
	f, ok := e.Field(field)
	if !ok {
		return "", nil, fmt.Errorf("unknown field %q on %s", field, e.Name)
	}
	return sqlutil.Qualify(qualifier, f.Column), f, nil
}

// selectColumns returns the qualified select list for fields, defaulting to
// every field of e.
func selectColumns(e *schema.Entity, qualifier string, fields []string) ([]string, []string, error) {
	if len(fields) == 0 {
		fields = e.FieldNames()
	}
	cols := make([]string, len(fields))
	for i, name := range fields {
		col, _, err := columnFor(e, qualifier, name)
		if err != nil {
			return nil, nil, err
		}
		cols[i] = col
	}
	return cols, fields, nil
}

// quotedColumnNames returns the backtick-quoted columns of fields with no
// table prefix.
func quotedColumnNames(e *schema.Entity, fields []string) ([]string, error) {
	quoted := make([]string, len(fields))
	for i, name := range fields {
		col, _, err := columnFor(e, "", name)
		if err != nil {
			return nil, err
		}
		quoted[i] = col
	}
	return quoted, nil
}

func (p *Planner) compileWhere(e *schema.Entity, where filter.Predicate) (sq.Sqlizer, error) {
	return p.filters.Compile(e, quotedTable(e), where)
}

func validateLimitOffset(limit, offset int) error {
	if limit < 0 {
		return fmt.Errorf("limit must be non-negative")
	}
	if offset < 0 {
		return fmt.Errorf("offset must be non-negative")
	}
	return nil
}
