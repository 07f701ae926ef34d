package planner

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/schema"
	"relengine/internal/sqlutil"
)

// AggregateFunc is an aggregate function.
type AggregateFunc string

const (
	AggCount AggregateFunc = "_count"
	AggSum   AggregateFunc = "_sum"
	AggAvg   AggregateFunc = "_avg"
	AggMin   AggregateFunc = "_min"
	AggMax   AggregateFunc = "_max"
)

// AggregateColumn represents a single aggregate computation with all metadata
// needed for both SQL generation and result scanning. The order of a spec's
// columns is the order of the scanned values.
type AggregateColumn struct {
	Func AggregateFunc
	// Field is empty for COUNT(*).
	Field string
}

// Alias is the result column alias.
func (c AggregateColumn) Alias() string {
	if c.Field == "" {
		return "__count"
	}
	return "__" + strings.TrimPrefix(string(c.Func), "_") + "_" + c.Field
}

// ResultKind is the kind the scanned value decodes to: counts are integers,
// avg is always floating point, sum keeps the field kind, and min/max return
// the field kind.
func (c AggregateColumn) ResultKind(e *schema.Entity) schema.Kind {
	switch c.Func {
	case AggCount:
		return schema.KindInt
	case AggAvg:
		return schema.KindFloat
	default:
		f, _ := e.Field(c.Field)
		return f.Kind
	}
}

// AggregateExpr returns the SQL expression for c over e, with unqualified
// columns so it is valid both over the table and over a scoped sub-select.
func AggregateExpr(e *schema.Entity, c AggregateColumn) (string, error) {
	if c.Field == "" {
		if c.Func != AggCount {
			return "", fmt.Errorf("%s requires a field", c.Func)
		}
		return "COUNT(*)", nil
	}
	f, ok := e.Field(c.Field)
	if !ok {
		return "", fmt.Errorf("unknown field %q on %s", c.Field, e.Name)
	}
	col := sqlutil.QuoteIdentifier(f.Column)
	switch c.Func {
	case AggCount:
		return fmt.Sprintf("COUNT(%s)", col), nil
	case AggSum, AggAvg:
		if !f.Kind.Numeric() {
			return "", fmt.Errorf("%s requires a numeric field, %s is %s", c.Func, f.Name, f.Kind)
		}
		if c.Func == AggSum {
			return fmt.Sprintf("SUM(%s)", col), nil
		}
		return fmt.Sprintf("AVG(%s)", col), nil
	case AggMin, AggMax:
		if !f.Kind.Ordered() {
			return "", fmt.Errorf("%s requires an ordered field, %s is %s", c.Func, f.Name, f.Kind)
		}
		if c.Func == AggMin {
			return fmt.Sprintf("MIN(%s)", col), nil
		}
		return fmt.Sprintf("MAX(%s)", col), nil
	default:
		return "", fmt.Errorf("unknown aggregate %q", c.Func)
	}
}

// AggregateSpec describes a grouped or global aggregate.
type AggregateSpec struct {
	Entity *schema.Entity
	// Where filters the base rows when Scope is nil.
	Where filter.Predicate
	// Scope, when set, aggregates over the rows of a select, so ordering,
	// cursor and take/skip pick the rows before aggregation.
	Scope   *SelectSpec
	GroupBy []string
	Columns []AggregateColumn
	// Having filters groups; it is built over AggregateExpr expressions and
	// group columns.
	Having sq.Sqlizer
	// OrderBy, Take and Skip apply to groups.
	OrderBy []OrderTerm
	Take    *int
	Skip    int
}

// PlanAggregate builds the aggregate statement. Result rows hold the group
// fields followed by the aggregate columns.
func (p *Planner) PlanAggregate(spec AggregateSpec) (SQLQuery, error) {
	e := spec.Entity
	var issues engineerr.Issues

	selects := make([]string, 0, len(spec.GroupBy)+len(spec.Columns))
	groupCols := make([]string, 0, len(spec.GroupBy))
	for i, name := range spec.GroupBy {
		f, ok := e.Field(name)
		if !ok {
			issues.Add(fmt.Sprintf("by[%d]", i), "unknown field %q", name)
			continue
		}
		col := sqlutil.QuoteIdentifier(f.Column)
		groupCols = append(groupCols, col)
		selects = append(selects, col)
	}
	for _, c := range spec.Columns {
		expr, err := AggregateExpr(e, c)
		if err != nil {
			issues.Add(string(c.Func), "%v", err)
			continue
		}
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, c.Alias()))
	}
	if len(selects) == 0 {
		issues.Add("", "aggregate selects nothing")
	}
	if !issues.Empty() {
		return SQLQuery{}, &engineerr.ValidationError{Entity: e.Name, Issues: issues}
	}

	if spec.Scope != nil {
		if len(groupCols) > 0 || spec.Having != nil {
			return SQLQuery{}, engineerr.NewValidation(e.Name, "", "a scoped aggregate cannot be grouped")
		}
		scope := *spec.Scope
		scope.Entity = e
		scope.Fields = nil
		plan, err := p.PlanSelect(scope)
		if err != nil {
			return SQLQuery{}, err
		}
		return PlanAggregateFromBaseSQL(plan.Query, selects), nil
	}

	builder := sq.Select(selects...).From(quotedTable(e)).PlaceholderFormat(sq.Question)
	cond, err := p.compileWhere(e, spec.Where)
	if err != nil {
		return SQLQuery{}, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}

	if len(groupCols) > 0 {
		builder = builder.GroupBy(groupCols...)
	}
	if spec.Having != nil {
		builder = builder.Having(spec.Having)
	}

	if len(groupCols) > 0 {
		orders := make([]string, 0, len(spec.OrderBy)+len(groupCols))
		seen := map[string]bool{}
		for i, term := range spec.OrderBy {
			f, ok := e.Field(term.Field)
			if !ok || !contains(spec.GroupBy, term.Field) {
				return SQLQuery{}, engineerr.NewValidation(e.Name, fmt.Sprintf("orderBy[%d]", i), "groups can only be ordered by grouped fields, got %q", term.Field)
			}
			direction := "ASC"
			if term.Desc {
				direction = "DESC"
			}
			col := sqlutil.QuoteIdentifier(f.Column)
			orders = append(orders, fmt.Sprintf("%s %s", col, direction))
			seen[col] = true
		}
		for _, col := range groupCols {
			if !seen[col] {
				orders = append(orders, col+" ASC")
			}
		}
		builder = builder.OrderBy(orders...)
	}
	if spec.Take != nil && *spec.Take < 0 {
		return SQLQuery{}, engineerr.NewValidation(e.Name, "take", "take must be non-negative for grouped results")
	}
	builder = applyLimitOffset(builder, spec.Take, spec.Skip)

	query, args, err := builder.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// PlanAggregateFromBaseSQL aggregates over a pre-scoped base query, so the
// base's ordering and limits pick the rows before aggregation.
func PlanAggregateFromBaseSQL(base SQLQuery, selects []string) SQLQuery {
	query := fmt.Sprintf("SELECT %s FROM (%s) AS __agg", strings.Join(selects, ", "), base.SQL)
	return SQLQuery{SQL: query, Args: base.Args}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
