package planner

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/schema"
)

// BatchSpec describes one batched fetch of related rows for many parents.
type BatchSpec struct {
	Target *schema.Entity
	// Fields to return; the match fields are always added.
	Fields []string
	// MatchFields are the target fields compared with each parent key.
	MatchFields []string
	Keys        []ParentTuple
	Where       filter.Predicate
	OrderBy     []OrderTerm
	// Take and Skip apply per parent. A negative Take reads each parent's
	// rows backwards and the plan is Reversed.
	Take *int
	Skip int
}

// PlanRelationBatch builds a single statement that fetches the related rows
// of every parent key. Without per-parent pagination it is a plain IN
// lookup; with Take or Skip it numbers each parent's rows with ROW_NUMBER()
// and filters on the window. An empty key set plans no statement.
func (p *Planner) PlanRelationBatch(spec BatchSpec) (SelectPlan, error) {
	if len(spec.Keys) == 0 {
		return SelectPlan{}, nil
	}
	e := spec.Target
	table := quotedTable(e)
	if len(spec.MatchFields) == 0 {
		return SelectPlan{}, fmt.Errorf("relation batch on %s requires match fields", e.Name)
	}
	if spec.Skip < 0 {
		return SelectPlan{}, engineerr.NewValidation(e.Name, "skip", "skip must be non-negative")
	}

	fields := withFields(spec.Fields, e.FieldNames(), spec.MatchFields)
	cols, fields, err := selectColumns(e, table, fields)
	if err != nil {
		return SelectPlan{}, engineerr.NewValidation(e.Name, "select", "%v", err)
	}
	matchCols := make([]string, len(spec.MatchFields))
	for i, name := range spec.MatchFields {
		col, _, err := columnFor(e, table, name)
		if err != nil {
			return SelectPlan{}, err
		}
		matchCols[i] = col
	}

	parentSQL, parentArgs, err := buildTupleInCondition(matchCols, spec.Keys)
	if err != nil {
		return SelectPlan{}, err
	}
	cond, err := p.compileWhere(e, spec.Where)
	if err != nil {
		return SelectPlan{}, err
	}
	reverse := spec.Take != nil && *spec.Take < 0
	keys, err := resolveOrder(e, spec.OrderBy, reverse)
	if err != nil {
		return SelectPlan{}, err
	}
	orderClause := strings.Join(orderClauses(keys, table), ", ")

	if spec.Take == nil && spec.Skip == 0 {
		builder := sq.Select(cols...).
			From(table).
			Where(sq.Expr(parentSQL, parentArgs...)).
			PlaceholderFormat(sq.Question)
		if cond != nil {
			builder = builder.Where(cond)
		}
		query, args, err := builder.OrderBy(orderClause).ToSql()
		if err != nil {
			return SelectPlan{}, err
		}
		return SelectPlan{Query: SQLQuery{SQL: query, Args: args}, Fields: fields}, nil
	}

	outerCols, err := quotedColumnNames(e, fields)
	if err != nil {
		return SelectPlan{}, err
	}
	partitionOuter, err := quotedColumnNames(e, spec.MatchFields)
	if err != nil {
		return SelectPlan{}, err
	}
	limit := -1
	if spec.Take != nil {
		limit = *spec.Take
		if limit < 0 {
			limit = -limit
		}
	}
	query, args, err := buildBatchWindowQuery(batchWindow{
		from:             table,
		innerColumns:     strings.Join(cols, ", "),
		outerColumns:     strings.Join(outerCols, ", "),
		partitionColumns: matchCols,
		partitionOuter:   partitionOuter,
		orderClause:      orderClause,
		parentSQL:        parentSQL,
		parentArgs:       parentArgs,
		where:            cond,
		limit:            limit,
		offset:           spec.Skip,
	})
	if err != nil {
		return SelectPlan{}, err
	}
	return SelectPlan{Query: SQLQuery{SQL: query, Args: args}, Fields: fields, Reversed: reverse}, nil
}

type batchWindow struct {
	from             string
	innerColumns     string
	outerColumns     string
	partitionColumns []string
	partitionOuter   []string
	orderClause      string
	parentSQL        string
	parentArgs       []any
	where            sq.Sqlizer
	// limit < 0 means unbounded.
	limit  int
	offset int
}

// buildBatchWindowQuery emits the ROW_NUMBER() window pattern that applies
// take/skip to each parent's rows independently.
func buildBatchWindowQuery(w batchWindow) (string, []any, error) {
	if w.limit >= 0 {
		if err := validateLimitOffset(w.limit, w.offset); err != nil {
			return "", nil, err
		}
	}
	whereSQL := ""
	var whereArgs []any
	if w.where != nil {
		condSQL, condArgs, err := w.where.ToSql()
		if err != nil {
			return "", nil, err
		}
		whereSQL = " AND " + condSQL
		whereArgs = condArgs
	}

	windowFilter := "__rn > ?"
	if w.limit >= 0 {
		windowFilter += " AND __rn <= ?"
	}
	query := fmt.Sprintf(
		"SELECT %s FROM (SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS __rn FROM %s WHERE %s%s) AS __batch WHERE %s ORDER BY %s, __rn",
		w.outerColumns,
		w.innerColumns,
		strings.Join(w.partitionColumns, ", "),
		w.orderClause,
		w.from,
		w.parentSQL,
		whereSQL,
		windowFilter,
		strings.Join(w.partitionOuter, ", "),
	)

	args := append([]any{}, w.parentArgs...)
	args = append(args, whereArgs...)
	args = append(args, w.offset)
	if w.limit >= 0 {
		args = append(args, w.offset+w.limit)
	}
	return query, args, nil
}

// PlanRelationCount counts the related rows of every parent key in one
// grouped statement. Rows come back as the match fields followed by the count.
func (p *Planner) PlanRelationCount(target *schema.Entity, matchFields []string, keys []ParentTuple, where filter.Predicate) (SQLQuery, error) {
	if len(keys) == 0 {
		return SQLQuery{}, nil
	}
	table := quotedTable(target)
	matchCols := make([]string, len(matchFields))
	for i, name := range matchFields {
		col, _, err := columnFor(target, table, name)
		if err != nil {
			return SQLQuery{}, err
		}
		matchCols[i] = col
	}
	parentSQL, parentArgs, err := buildTupleInCondition(matchCols, keys)
	if err != nil {
		return SQLQuery{}, err
	}
	builder := sq.Select(matchCols...).
		Column("COUNT(*) AS __count").
		From(table).
		Where(sq.Expr(parentSQL, parentArgs...)).
		GroupBy(matchCols...).
		PlaceholderFormat(sq.Question)
	cond, err := p.compileWhere(target, where)
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

func buildTupleInCondition(quotedColumns []string, tuples []ParentTuple) (string, []any, error) {
	if len(tuples) == 0 {
		return "", nil, nil
	}
	width := len(quotedColumns)
	if width == 0 {
		return "", nil, fmt.Errorf("tuple IN requires at least one column")
	}

	if width == 1 {
		placeholders := sq.Placeholders(len(tuples))
		args := make([]any, 0, len(tuples))
		for _, tuple := range tuples {
			if len(tuple.Values) != 1 {
				return "", nil, fmt.Errorf("tuple width mismatch: expected 1 value")
			}
			args = append(args, tuple.Values[0])
		}
		return fmt.Sprintf("%s IN (%s)", quotedColumns[0], placeholders), args, nil
	}

	args := make([]any, 0, len(tuples)*width)
	rowPlaceholders := make([]string, 0, len(tuples))
	valuePlaceholders := "(" + strings.TrimSuffix(strings.Repeat("?,", width), ",") + ")"
	for _, tuple := range tuples {
		if len(tuple.Values) != width {
			return "", nil, fmt.Errorf("tuple width mismatch: expected %d values", width)
		}
		rowPlaceholders = append(rowPlaceholders, valuePlaceholders)
		args = append(args, tuple.Values...)
	}

	return fmt.Sprintf("(%s) IN (%s)", strings.Join(quotedColumns, ", "), strings.Join(rowPlaceholders, ", ")), args, nil
}

// withFields returns requested (or all when empty) plus any required field
// not already present.
func withFields(requested, all, required []string) []string {
	base := requested
	if len(base) == 0 {
		base = all
	}
	out := append([]string(nil), base...)
	for _, name := range required {
		present := false
		for _, have := range out {
			if have == name {
				present = true
				break
			}
		}
		if !present {
			out = append(out, name)
		}
	}
	return out
}
