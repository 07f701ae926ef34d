package mutation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"relengine/internal/dbexec"
	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/logging"
	"relengine/internal/observability"
	"relengine/internal/planner"
	"relengine/internal/schema"
)

type runState struct {
	exec     dbexec.QueryExecutor
	sql      *planner.Planner
	outputs  map[int]planner.Record
	entities map[int]*schema.Entity
	affected int64
}

// Execute runs plan against exec. The caller owns atomicity: exec should be
// bound to a transaction that is rolled back when Execute fails. ctx is
// checked between statements.
func (m *Planner) Execute(ctx context.Context, exec dbexec.QueryExecutor, plan *Plan) (result Result, err error) {
	ctx, span := observability.StartSpan(ctx, "mutation.execute",
		attribute.String("engine.entity", plan.Entity.Name),
		attribute.Int("engine.mutation.steps", len(plan.Steps)),
	)
	defer func() { observability.FinishSpan(span, err) }()
	observability.EngineMetricsFromContext(ctx).RecordMutationPlan(ctx, plan.Entity.Name, len(plan.Steps))

	logger := logging.FromContext(ctx)
	rs := &runState{
		exec:     exec,
		sql:      m.sql,
		outputs:  make(map[int]planner.Record, len(plan.Steps)),
		entities: make(map[int]*schema.Entity, len(plan.Steps)),
	}
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		start := time.Now()
		before := rs.affected
		out, err := step.run(ctx, rs)
		if err != nil {
			return Result{}, err
		}
		if !step.counts {
			rs.affected = before
		}
		rs.outputs[step.ID] = out
		rs.entities[step.ID] = step.entity
		logger.Debug("mutation step",
			"step", step.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return Result{Record: rs.outputs[plan.root], Affected: rs.affected}, nil
}

// value resolves v when it is a ref, reading the referenced row back by its
// key when the producing step did not already know the field.
func (rs *runState) value(ctx context.Context, v any) (any, error) {
	r, ok := v.(ref)
	if !ok {
		return v, nil
	}
	out := rs.outputs[r.step]
	if out == nil {
		return nil, fmt.Errorf("step %d produced no row", r.step)
	}
	if val, ok := out[r.field]; ok {
		return val, nil
	}
	e := rs.entities[r.step]
	key, ok := e.MatchUniqueKey(out)
	if !ok {
		return nil, fmt.Errorf("cannot read %s.%s back: no key of the written row is known", e.Name, r.field)
	}
	match := make(map[string]any, len(key))
	for _, name := range key {
		match[name] = out[name]
	}
	row, err := rs.selectOne(ctx, e, filter.MatchAll(match))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &engineerr.NotFoundError{Kind: "record", Name: describeKey(e, match)}
	}
	for k, val := range row {
		if _, known := out[k]; !known {
			out[k] = val
		}
	}
	return out[r.field], nil
}

func (rs *runState) values(ctx context.Context, in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		val, err := rs.value(ctx, v)
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

func (rs *runState) assignments(ctx context.Context, in []planner.Assignment) ([]planner.Assignment, error) {
	out := make([]planner.Assignment, len(in))
	for i, a := range in {
		v, err := rs.value(ctx, a.Value)
		if err != nil {
			return nil, err
		}
		a.Value = v
		out[i] = a
	}
	return out, nil
}

// matchRefs builds an equality predicate over fields whose values are refs.
// A NULL referenced value matches nothing.
func (rs *runState) matchRefs(ctx context.Context, fields map[string]any) (filter.Predicate, error) {
	vals, err := rs.values(ctx, fields)
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		if v == nil {
			return filter.Or{}, nil
		}
	}
	return filter.MatchAll(vals), nil
}

func (rs *runState) exec1(ctx context.Context, e *schema.Entity, q planner.SQLQuery) (sql.Result, error) {
	res, err := rs.exec.ExecContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, normalize(e, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		rs.affected += n
	}
	return res, nil
}

// selectOne reads the first row of e matching where, or nil.
func (rs *runState) selectOne(ctx context.Context, e *schema.Entity, where filter.Predicate) (planner.Record, error) {
	one := 1
	plan, err := rs.sql.PlanSelect(planner.SelectSpec{Entity: e, Where: where, Take: &one})
	if err != nil {
		return nil, err
	}
	rows, err := rs.exec.QueryContext(ctx, plan.Query.SQL, plan.Query.Args...)
	if err != nil {
		return nil, normalize(e, err)
	}
	recs, err := planner.ScanRecords(rows, e, plan.Fields)
	if err != nil {
		return nil, normalize(e, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// selectKeys reads the primary keys of every row of e matching where.
func (rs *runState) selectKeys(ctx context.Context, e *schema.Entity, where filter.Predicate) ([]planner.Record, error) {
	plan, err := rs.sql.PlanSelect(planner.SelectSpec{Entity: e, Fields: e.PrimaryKey, Where: where})
	if err != nil {
		return nil, err
	}
	rows, err := rs.exec.QueryContext(ctx, plan.Query.SQL, plan.Query.Args...)
	if err != nil {
		return nil, normalize(e, err)
	}
	recs, err := planner.ScanRecords(rows, e, plan.Fields)
	if err != nil {
		return nil, normalize(e, err)
	}
	return recs, nil
}

// insert writes one row and returns the written values plus the generated
// primary key.
func (rs *runState) insert(ctx context.Context, e *schema.Entity, values map[string]any) (planner.Record, error) {
	resolved, err := rs.values(ctx, values)
	if err != nil {
		return nil, err
	}
	q, err := rs.sql.PlanInsert(e, resolved)
	if err != nil {
		return nil, err
	}
	res, err := rs.exec1(ctx, e, q)
	if err != nil {
		return nil, err
	}
	out := planner.Record(resolved)
	if len(e.PrimaryKey) == 1 {
		pk, _ := e.Field(e.PrimaryKey[0])
		if _, given := out[pk.Name]; !given && pk.Default == schema.DefaultAutoIncrement {
			id, err := res.LastInsertId()
			if err != nil {
				return nil, fmt.Errorf("read generated key of %s: %w", e.Name, err)
			}
			out[pk.Name] = id
		}
	}
	return out, nil
}

// update applies assignments to the row with row's primary key and returns
// row overlaid with the values set.
func (rs *runState) update(ctx context.Context, e *schema.Entity, row planner.Record, assignments []planner.Assignment) (planner.Record, error) {
	resolved, err := rs.assignments(ctx, assignments)
	if err != nil {
		return nil, err
	}
	q, err := rs.sql.PlanUpdate(e, resolved, keyPredicate(e, row))
	if err != nil {
		return nil, err
	}
	if _, err := rs.exec1(ctx, e, q); err != nil {
		return nil, err
	}
	out := make(planner.Record, len(row))
	for k, v := range row {
		out[k] = v
	}
	for _, a := range resolved {
		if a.Op == planner.OpSet {
			out[a.Field] = a.Value
		} else {
			delete(out, a.Field)
		}
	}
	return out, nil
}

// normalize maps a driver error to the engine taxonomy and names the entity
// on constraint violations.
func normalize(e *schema.Entity, err error) error {
	err = engineerr.Normalize(err)
	var cerr *engineerr.ConstraintError
	if errors.As(err, &cerr) && cerr.Entity == "" {
		cerr.Entity = e.Name
	}
	return err
}
