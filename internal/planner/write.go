package planner

import (
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/schema"
	"relengine/internal/sqlutil"
)

// UpdateOp is a scalar update operator.
type UpdateOp int

const (
	OpSet UpdateOp = iota
	OpIncrement
	OpDecrement
	OpMultiply
	OpDivide
)

func (op UpdateOp) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpIncrement:
		return "increment"
	case OpDecrement:
		return "decrement"
	case OpMultiply:
		return "multiply"
	case OpDivide:
		return "divide"
	default:
		return fmt.Sprintf("UpdateOp(%d)", int(op))
	}
}

var arithmetic = map[UpdateOp]string{
	OpIncrement: "+",
	OpDecrement: "-",
	OpMultiply:  "*",
	OpDivide:    "/",
}

// Assignment changes one field in an update. Value must already be coerced
// to the field's kind.
type Assignment struct {
	Field string
	Op    UpdateOp
	Value any
}

// orderedColumns returns the fields of values in declaration order.
func orderedColumns(e *schema.Entity, values map[string]any) ([]string, error) {
	names := make([]string, 0, len(values))
	for _, f := range e.Fields {
		if _, ok := values[f.Name]; ok {
			names = append(names, f.Name)
		}
	}
	if len(names) != len(values) {
		for name := range values {
			if _, ok := e.Field(name); !ok {
				return nil, fmt.Errorf("unknown field %q on %s", name, e.Name)
			}
		}
	}
	return names, nil
}

// PlanInsert builds SQL for inserting a single row. Fields absent from
// values take their store-side defaults.
func (p *Planner) PlanInsert(e *schema.Entity, values map[string]any) (SQLQuery, error) {
	names, err := orderedColumns(e, values)
	if err != nil {
		return SQLQuery{}, err
	}
	if len(names) == 0 {
		if p.dialect == SQLite {
			return SQLQuery{SQL: fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quotedTable(e))}, nil
		}
		return SQLQuery{SQL: fmt.Sprintf("INSERT INTO %s () VALUES ()", quotedTable(e))}, nil
	}

	quotedCols, err := quotedColumnNames(e, names)
	if err != nil {
		return SQLQuery{}, err
	}
	row := make([]any, len(names))
	for i, name := range names {
		row[i] = values[name]
	}
	query, args, err := sq.Insert(quotedTable(e)).
		Columns(quotedCols...).
		Values(row...).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// PlanInsertMany builds set-oriented inserts for rows. Rows are aligned to
// one column list; a field a row omits is filled from its default policy.
// The result is a single statement unless some rows omit a field only the
// store can default, in which case rows are grouped by the columns they
// supply. With skipDuplicates, rows that hit a unique key are ignored.
func (p *Planner) PlanInsertMany(e *schema.Entity, rows []map[string]any, skipDuplicates bool) ([]SQLQuery, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	present := map[string]bool{}
	for _, row := range rows {
		if _, err := orderedColumns(e, row); err != nil {
			return nil, err
		}
		for name := range row {
			present[name] = true
		}
	}

	type group struct {
		names []string
		rows  [][]any
	}
	groups := map[string]*group{}
	var order []string

	for _, row := range rows {
		var names []string
		var vals []any
		for i := range e.Fields {
			f := &e.Fields[i]
			if !present[f.Name] {
				continue
			}
			v, ok := row[f.Name]
			if !ok {
				fill, ok := p.fillValue(f)
				if !ok {
					continue
				}
				v = fill
			}
			names = append(names, f.Name)
			vals = append(vals, v)
		}
		sig := strings.Join(names, ",")
		g, ok := groups[sig]
		if !ok {
			g = &group{names: names}
			groups[sig] = g
			order = append(order, sig)
		}
		g.rows = append(g.rows, vals)
	}

	out := make([]SQLQuery, 0, len(groups))
	for _, sig := range order {
		g := groups[sig]
		if len(g.names) == 0 {
			for range g.rows {
				q, err := p.PlanInsert(e, nil)
				if err != nil {
					return nil, err
				}
				out = append(out, q)
			}
			continue
		}
		quotedCols, err := quotedColumnNames(e, g.names)
		if err != nil {
			return nil, err
		}
		builder := sq.Insert(quotedTable(e)).Columns(quotedCols...).PlaceholderFormat(sq.Question)
		if skipDuplicates {
			builder = builder.Options(p.dialect.insertIgnoreOption())
		}
		for _, vals := range g.rows {
			builder = builder.Values(vals...)
		}
		query, args, err := builder.ToSql()
		if err != nil {
			return nil, err
		}
		out = append(out, SQLQuery{SQL: query, Args: args})
	}
	return out, nil
}

// fillValue returns the value a multi-row insert binds for an omitted field.
func (p *Planner) fillValue(f *schema.Field) (any, bool) {
	switch f.Default {
	case schema.DefaultLiteral:
		return f.DefaultValue, true
	case schema.DefaultNow:
		return sq.Expr("CURRENT_TIMESTAMP"), true
	case schema.DefaultAutoIncrement:
		return nil, true
	case schema.DefaultStore:
		if p.dialect == MySQL {
			return sq.Expr("DEFAULT"), true
		}
		return nil, false
	default:
		if f.Nullable {
			return nil, true
		}
		return nil, false
	}
}

// PlanUpdate builds one UPDATE applying assignments to every row matching
// where. A nil where updates every row.
func (p *Planner) PlanUpdate(e *schema.Entity, assignments []Assignment, where filter.Predicate) (SQLQuery, error) {
	if len(assignments) == 0 {
		return SQLQuery{}, fmt.Errorf("update set cannot be empty")
	}
	update := sq.Update(quotedTable(e)).PlaceholderFormat(sq.Question)
	for _, a := range assignments {
		col, expr, err := assignmentExpr(e, a)
		if err != nil {
			return SQLQuery{}, err
		}
		update = update.Set(col, expr)
	}
	cond, err := p.compileWhere(e, where)
	if err != nil {
		return SQLQuery{}, err
	}
	if cond != nil {
		update = update.Where(cond)
	}
	query, args, err := update.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// assignmentExpr returns the quoted column and the value or expression it
// is set to.
func assignmentExpr(e *schema.Entity, a Assignment) (string, any, error) {
	f, ok := e.Field(a.Field)
	if !ok {
		return "", nil, fmt.Errorf("unknown field %q on %s", a.Field, e.Name)
	}
	col := sqlutil.QuoteIdentifier(f.Column)
	if a.Op == OpSet {
		return col, a.Value, nil
	}
	sym, ok := arithmetic[a.Op]
	if !ok {
		return "", nil, fmt.Errorf("unknown update operator %v", a.Op)
	}
	if !f.Kind.Numeric() {
		return "", nil, engineerr.NewValidation(e.Name, "data."+f.Name, "%s requires a numeric field, %s is %s", a.Op, f.Name, f.Kind)
	}
	return col, sq.Expr(fmt.Sprintf("%s %s ?", col, sym), a.Value), nil
}

// PlanDelete builds one DELETE of every row matching where.
func (p *Planner) PlanDelete(e *schema.Entity, where filter.Predicate) (SQLQuery, error) {
	builder := sq.Delete(quotedTable(e)).PlaceholderFormat(sq.Question)
	cond, err := p.compileWhere(e, where)
	if err != nil {
		return SQLQuery{}, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// PlanUpsert builds a native insert-or-update keyed on the conflict fields.
// With no assignments an existing row is left untouched.
func (p *Planner) PlanUpsert(e *schema.Entity, create map[string]any, conflict []string, assignments []Assignment) (SQLQuery, error) {
	if len(create) == 0 {
		return SQLQuery{}, fmt.Errorf("native upsert requires insert values")
	}
	insert, err := p.PlanInsert(e, create)
	if err != nil {
		return SQLQuery{}, err
	}

	sets := make([]string, 0, len(assignments))
	var setArgs []any
	for _, a := range assignments {
		col, expr, err := assignmentExpr(e, a)
		if err != nil {
			return SQLQuery{}, err
		}
		if s, ok := expr.(sq.Sqlizer); ok {
			exprSQL, exprArgs, err := s.ToSql()
			if err != nil {
				return SQLQuery{}, err
			}
			sets = append(sets, fmt.Sprintf("%s = %s", col, exprSQL))
			setArgs = append(setArgs, exprArgs...)
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", col))
		setArgs = append(setArgs, expr)
	}

	var suffix string
	switch p.dialect {
	case SQLite:
		conflictCols, err := quotedColumnNames(e, sortedFields(conflict))
		if err != nil {
			return SQLQuery{}, err
		}
		if len(sets) == 0 {
			suffix = fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(conflictCols, ", "))
		} else {
			suffix = fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflictCols, ", "), strings.Join(sets, ", "))
		}
	default:
		if len(sets) == 0 {
			pk, err := quotedColumnNames(e, e.PrimaryKey[:1])
			if err != nil {
				return SQLQuery{}, err
			}
			sets = append(sets, fmt.Sprintf("%s = %s", pk[0], pk[0]))
		}
		suffix = " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}

	args := append(append([]any{}, insert.Args...), setArgs...)
	return SQLQuery{SQL: insert.SQL + suffix, Args: args}, nil
}

func sortedFields(fields []string) []string {
	out := append([]string(nil), fields...)
	sort.Strings(out)
	return out
}
