// Package aggregate computes counts, sums, averages, minimums and maximums
// over filtered rows, globally or per group.
package aggregate

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"

	"relengine/internal/dbexec"
	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/observability"
	"relengine/internal/planner"
	"relengine/internal/schema"
)

// CountAll is the key of the row count in a Result's count metrics.
const CountAll = "_all"

// Spec describes an aggregate or a group-by.
type Spec struct {
	Entity  *schema.Entity
	Where   filter.Predicate
	By      []string
	Metrics []planner.AggregateColumn
	Having  Having
	// On an aggregate, OrderBy, Cursor, Take and Skip pick the rows that are
	// aggregated. On a group-by, OrderBy, Take and Skip order and page the
	// groups.
	OrderBy []planner.OrderTerm
	Cursor  map[string]any
	Take    *int
	Skip    int
}

// Result is one aggregate row. Group holds the grouped field values; Values
// holds each metric keyed by function and field, with COUNT(*) under CountAll.
type Result struct {
	Group  map[string]any
	Values map[planner.AggregateFunc]map[string]any
}

// Get returns the value of fn over field.
func (r Result) Get(fn planner.AggregateFunc, field string) any {
	if field == "" {
		field = CountAll
	}
	return r.Values[fn][field]
}

// Engine plans and runs aggregate statements.
type Engine struct {
	sql *planner.Planner
}

// New creates an Engine on top of the statement planner.
func New(p *planner.Planner) *Engine {
	return &Engine{sql: p}
}

// Count returns the number of rows matching spec.Where as a bare integer.
// With ordering, a cursor or paging only the rows they pick are counted.
func (g *Engine) Count(ctx context.Context, exec dbexec.QueryExecutor, spec Spec) (n int64, err error) {
	ctx, span := observability.StartSpan(ctx, "aggregate.count", attribute.String("engine.entity", spec.Entity.Name))
	defer func() { observability.FinishSpan(span, err) }()

	if len(spec.By) > 0 || spec.Having != nil {
		return 0, engineerr.NewValidation(spec.Entity.Name, "by", "count does not group; use a group-by with a count metric")
	}
	spec.Metrics = []planner.AggregateColumn{{Func: planner.AggCount}}
	q, err := g.sql.PlanAggregate(g.planSpec(spec, nil))
	if err != nil {
		return 0, err
	}
	raw, err := query(ctx, exec, q, 1)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}
	v, err := schema.DecodeKind(schema.KindInt, raw[0][0])
	if err != nil || v == nil {
		return 0, err
	}
	return v.(int64), nil
}

// Aggregate computes spec's metrics over every matching row as one Result.
func (g *Engine) Aggregate(ctx context.Context, exec dbexec.QueryExecutor, spec Spec) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "aggregate.aggregate",
		attribute.String("engine.entity", spec.Entity.Name),
		attribute.Int("engine.aggregate.metrics", len(spec.Metrics)),
	)
	defer func() { observability.FinishSpan(span, err) }()

	if len(spec.By) > 0 || spec.Having != nil {
		return Result{}, engineerr.NewValidation(spec.Entity.Name, "by", "aggregate does not group; use a group-by")
	}
	if err := validateMetrics(spec); err != nil {
		return Result{}, err
	}
	q, err := g.sql.PlanAggregate(g.planSpec(spec, nil))
	if err != nil {
		return Result{}, err
	}
	raw, err := query(ctx, exec, q, len(spec.Metrics))
	if err != nil {
		return Result{}, err
	}
	if len(raw) == 0 {
		raw = [][]any{make([]any, len(spec.Metrics))}
	}
	return decodeRow(spec, raw[0])
}

// GroupBy computes spec's metrics per distinct combination of the By
// fields. Groups are ordered by OrderBy, then by every grouped field.
func (g *Engine) GroupBy(ctx context.Context, exec dbexec.QueryExecutor, spec Spec) (out []Result, err error) {
	ctx, span := observability.StartSpan(ctx, "aggregate.group_by",
		attribute.String("engine.entity", spec.Entity.Name),
		attribute.StringSlice("engine.aggregate.by", spec.By),
	)
	defer func() { observability.FinishSpan(span, err) }()

	if len(spec.By) == 0 {
		return nil, engineerr.NewValidation(spec.Entity.Name, "by", "a group-by needs at least one field")
	}
	if spec.Cursor != nil {
		return nil, engineerr.NewValidation(spec.Entity.Name, "cursor", "groups cannot be paged with a cursor")
	}
	if err := validateMetrics(spec); err != nil {
		return nil, err
	}
	having, err := compileHaving(spec.Entity, spec.By, spec.Having)
	if err != nil {
		return nil, err
	}
	q, err := g.sql.PlanAggregate(g.planSpec(spec, having))
	if err != nil {
		return nil, err
	}
	raw, err := query(ctx, exec, q, len(spec.By)+len(spec.Metrics))
	if err != nil {
		return nil, err
	}
	out = make([]Result, 0, len(raw))
	for _, row := range raw {
		res, err := decodeRow(spec, row)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (g *Engine) planSpec(spec Spec, having sq.Sqlizer) planner.AggregateSpec {
	out := planner.AggregateSpec{
		Entity:  spec.Entity,
		Where:   spec.Where,
		GroupBy: spec.By,
		Columns: spec.Metrics,
		Having:  having,
	}
	if len(spec.By) > 0 {
		out.OrderBy, out.Take, out.Skip = spec.OrderBy, spec.Take, spec.Skip
		return out
	}
	if len(spec.OrderBy) > 0 || spec.Cursor != nil || spec.Take != nil || spec.Skip > 0 {
		out.Where = nil
		out.Scope = &planner.SelectSpec{
			Where:   spec.Where,
			OrderBy: spec.OrderBy,
			Cursor:  spec.Cursor,
			Take:    spec.Take,
			Skip:    spec.Skip,
		}
	}
	return out
}

// validateMetrics reports every metric that names an unknown field or does
// not apply to its field's kind.
func validateMetrics(spec Spec) error {
	e := spec.Entity
	var issues engineerr.Issues
	if len(spec.Metrics) == 0 {
		issues.Add("", "select at least one metric")
	}
	seen := map[string]bool{}
	for i, m := range spec.Metrics {
		path := fmt.Sprintf("%s[%d]", m.Func, i)
		if _, err := planner.AggregateExpr(e, m); err != nil {
			issues.Add(path, "%v", err)
			continue
		}
		if seen[m.Alias()] {
			issues.Add(path, "metric %s %s is selected twice", m.Func, m.Field)
		}
		seen[m.Alias()] = true
	}
	if !issues.Empty() {
		return &engineerr.ValidationError{Entity: e.Name, Issues: issues}
	}
	return nil
}

func decodeRow(spec Spec, row []any) (Result, error) {
	e := spec.Entity
	res := Result{
		Group:  make(map[string]any, len(spec.By)),
		Values: map[planner.AggregateFunc]map[string]any{},
	}
	for i, name := range spec.By {
		f, _ := e.Field(name)
		v, err := f.Decode(row[i])
		if err != nil {
			return Result{}, err
		}
		res.Group[name] = v
	}
	for i, m := range spec.Metrics {
		v, err := schema.DecodeKind(m.ResultKind(e), row[len(spec.By)+i])
		if err != nil {
			return Result{}, fmt.Errorf("decode %s %s: %w", m.Func, m.Field, err)
		}
		if v == nil && m.Func == planner.AggCount {
			v = int64(0)
		}
		field := m.Field
		if field == "" {
			field = CountAll
		}
		if res.Values[m.Func] == nil {
			res.Values[m.Func] = map[string]any{}
		}
		res.Values[m.Func][field] = v
	}
	return res, nil
}

func query(ctx context.Context, exec dbexec.QueryExecutor, q planner.SQLQuery, width int) ([][]any, error) {
	rows, err := exec.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, engineerr.Normalize(err)
	}
	raw, err := planner.ScanRaw(rows, width)
	if err != nil {
		return nil, engineerr.Normalize(err)
	}
	return raw, nil
}
