package planner

import (
	"fmt"
	"math"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/schema"
	"relengine/internal/sqlutil"
)

const cursorAlias = "`__cursor`"

// Nulls places NULLs in an ordering.
type Nulls int

const (
	// NullsDefault keeps the store's placement: first ascending, last descending.
	NullsDefault Nulls = iota
	NullsFirst
	NullsLast
)

// OrderTerm orders by one field.
type OrderTerm struct {
	Field string
	Desc  bool
	Nulls Nulls
}

// SelectSpec describes a read of one entity.
type SelectSpec struct {
	Entity *schema.Entity
	// Fields to return; empty means every field.
	Fields  []string
	Where   filter.Predicate
	OrderBy []OrderTerm
	// Cursor is a unique-key position. The cursor row is the first row
	// returned; Skip 1 excludes it.
	Cursor map[string]any
	// Take bounds the row count. A negative Take reads backwards from the
	// cursor or from the end; the plan is then Reversed.
	Take *int
	Skip int
}

// SelectPlan is a planned read.
type SelectPlan struct {
	Query  SQLQuery
	Fields []string
	// Reversed means the statement reads in inverted order and the caller
	// must reverse the rows to restore the requested order.
	Reversed bool
}

type resolvedOrder struct {
	field *schema.Field
	desc  bool
	nulls Nulls
}

// nullsFirst reports where NULLs land for this key.
func (o resolvedOrder) nullsFirst() bool {
	switch o.nulls {
	case NullsFirst:
		return true
	case NullsLast:
		return false
	default:
		return !o.desc
	}
}

// PlanSelect builds a read of spec.Entity.
func (p *Planner) PlanSelect(spec SelectSpec) (SelectPlan, error) {
	e := spec.Entity
	table := quotedTable(e)

	cols, fields, err := selectColumns(e, table, spec.Fields)
	if err != nil {
		return SelectPlan{}, engineerr.NewValidation(e.Name, "select", "%v", err)
	}
	if spec.Skip < 0 {
		return SelectPlan{}, engineerr.NewValidation(e.Name, "skip", "skip must be non-negative")
	}
	reverse := spec.Take != nil && *spec.Take < 0
	keys, err := resolveOrder(e, spec.OrderBy, reverse)
	if err != nil {
		return SelectPlan{}, err
	}

	builder := sq.Select(cols...).From(table).PlaceholderFormat(sq.Question)
	cond, err := p.compileWhere(e, spec.Where)
	if err != nil {
		return SelectPlan{}, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	if spec.Cursor != nil {
		seek, err := p.cursorCondition(e, table, keys, spec.Cursor)
		if err != nil {
			return SelectPlan{}, err
		}
		builder = builder.Where(seek)
	}
	builder = builder.OrderBy(orderClauses(keys, table)...)
	builder = applyLimitOffset(builder, spec.Take, spec.Skip)

	query, args, err := builder.ToSql()
	if err != nil {
		return SelectPlan{}, err
	}
	return SelectPlan{Query: SQLQuery{SQL: query, Args: args}, Fields: fields, Reversed: reverse}, nil
}

func applyLimitOffset(builder sq.SelectBuilder, take *int, skip int) sq.SelectBuilder {
	if take != nil {
		n := *take
		if n < 0 {
			n = -n
		}
		builder = builder.Limit(uint64(n))
	}
	if skip > 0 {
		if take == nil {
			// Both stores need a LIMIT before OFFSET.
			builder = builder.Limit(math.MaxInt64)
		}
		builder = builder.Offset(uint64(skip))
	}
	return builder
}

// resolveOrder validates terms and appends the primary key as a tiebreaker
// so the order is total. reverse inverts every key.
func resolveOrder(e *schema.Entity, terms []OrderTerm, reverse bool) ([]resolvedOrder, error) {
	var issues engineerr.Issues
	seen := make(map[string]bool, len(terms)+len(e.PrimaryKey))
	keys := make([]resolvedOrder, 0, len(terms)+len(e.PrimaryKey))
	for i, term := range terms {
		f, ok := e.Field(term.Field)
		if !ok {
			issues.Add(fmt.Sprintf("orderBy[%d]", i), "unknown field %q", term.Field)
			continue
		}
		if seen[f.Name] {
			issues.Add(fmt.Sprintf("orderBy[%d]", i), "field %q is ordered more than once", f.Name)
			continue
		}
		seen[f.Name] = true
		nulls := term.Nulls
		if !f.Nullable {
			nulls = NullsDefault
		}
		keys = append(keys, resolvedOrder{field: f, desc: term.Desc, nulls: nulls})
	}
	if !issues.Empty() {
		return nil, &engineerr.ValidationError{Entity: e.Name, Issues: issues}
	}
	for _, name := range e.PrimaryKey {
		if seen[name] {
			continue
		}
		f, _ := e.Field(name)
		keys = append(keys, resolvedOrder{field: f})
	}
	if reverse {
		for i := range keys {
			keys[i].desc = !keys[i].desc
			switch keys[i].nulls {
			case NullsFirst:
				keys[i].nulls = NullsLast
			case NullsLast:
				keys[i].nulls = NullsFirst
			}
		}
	}
	return keys, nil
}

func orderClauses(keys []resolvedOrder, qualifier string) []string {
	clauses := make([]string, 0, len(keys))
	for _, key := range keys {
		col := sqlutil.Qualify(qualifier, key.field.Column)
		switch key.nulls {
		case NullsFirst:
			clauses = append(clauses, fmt.Sprintf("(%s IS NULL) DESC", col))
		case NullsLast:
			clauses = append(clauses, fmt.Sprintf("(%s IS NULL) ASC", col))
		}
		direction := "ASC"
		if key.desc {
			direction = "DESC"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s", col, direction))
	}
	return clauses
}

// cursorCondition keeps the cursor row and every row after it in key order.
// The cursor row's key values are read with scalar sub-selects so the
// position never leaves the store. A cursor that matches no row yields no
// rows.
func (p *Planner) cursorCondition(e *schema.Entity, qualifier string, keys []resolvedOrder, cursor map[string]any) (sq.Sqlizer, error) {
	names := make([]string, 0, len(cursor))
	for name := range cursor {
		names = append(names, name)
	}
	sort.Strings(names)
	if !e.IsUnique(names) {
		return nil, engineerr.NewValidation(e.Name, "cursor", "cursor (%s) is not a unique key", strings.Join(names, ", "))
	}

	var issues engineerr.Issues
	conds := make([]string, 0, len(names))
	cursorArgs := make([]any, 0, len(names))
	for _, name := range names {
		f, _ := e.Field(name)
		v, err := f.Coerce(cursor[name])
		if err != nil || v == nil {
			issues.Add("cursor."+name, "cursor value must be a non-null %s", f.Kind)
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = ?", sqlutil.Qualify(cursorAlias, f.Column)))
		cursorArgs = append(cursorArgs, v)
	}
	if !issues.Empty() {
		return nil, &engineerr.ValidationError{Entity: e.Name, Issues: issues}
	}
	cursorWhere := strings.Join(conds, " AND ")
	from := fmt.Sprintf("%s AS %s", quotedTable(e), cursorAlias)

	var (
		sqlText strings.Builder
		args    []any
	)
	sqlText.WriteString(fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s) AND (", from, cursorWhere))
	args = append(args, cursorArgs...)

	value := func(key resolvedOrder) string {
		args = append(args, cursorArgs...)
		return fmt.Sprintf("(SELECT %s FROM %s WHERE %s)", sqlutil.Qualify(cursorAlias, key.field.Column), from, cursorWhere)
	}

	for i := 0; i <= len(keys); i++ {
		if i > 0 {
			sqlText.WriteString(" OR ")
		}
		parts := make([]string, 0, i+1)
		for j := 0; j < i && j < len(keys); j++ {
			parts = append(parts, p.equalToCursor(keys[j], qualifier, value))
		}
		if i < len(keys) {
			parts = append(parts, afterCursor(keys[i], qualifier, value))
		}
		sqlText.WriteString("(" + strings.Join(parts, " AND ") + ")")
	}
	sqlText.WriteString(")")
	return sq.Expr(sqlText.String(), args...), nil
}

func (p *Planner) equalToCursor(key resolvedOrder, qualifier string, value func(resolvedOrder) string) string {
	col := sqlutil.Qualify(qualifier, key.field.Column)
	if key.field.Nullable {
		return p.dialect.NullSafeEqual(col, value(key))
	}
	return fmt.Sprintf("%s = %s", col, value(key))
}

// afterCursor is true when the row sorts strictly after the cursor on key.
func afterCursor(key resolvedOrder, qualifier string, value func(resolvedOrder) string) string {
	col := sqlutil.Qualify(qualifier, key.field.Column)
	op := ">"
	if key.desc {
		op = "<"
	}
	if !key.field.Nullable {
		return fmt.Sprintf("%s %s %s", col, op, value(key))
	}
	whenNull := value(key)
	if key.nullsFirst() {
		return fmt.Sprintf("(CASE WHEN %s IS NULL THEN %s IS NOT NULL ELSE (%s IS NOT NULL AND %s %s %s) END)",
			whenNull, col, col, col, op, value(key))
	}
	return fmt.Sprintf("(CASE WHEN %s IS NULL THEN 1=0 ELSE (%s IS NULL OR %s %s %s) END)",
		whenNull, col, col, op, value(key))
}
