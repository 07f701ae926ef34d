package engine

import (
	"context"

	"relengine/internal/aggregate"
	"relengine/internal/dbexec"
	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/planner"
	"relengine/internal/schema"
)

// FindUnique returns the row matching a unique selector, or nil.
func (m *Model) FindUnique(ctx context.Context, args FindUniqueArgs) (rec planner.Record, err error) {
	ctx, done := m.begin(ctx, "findUnique")
	defer func() { done(err) }()
	return m.findUnique(ctx, args)
}

// FindUniqueOrThrow is FindUnique failing with a NotFoundError when no row
// matches.
func (m *Model) FindUniqueOrThrow(ctx context.Context, args FindUniqueArgs) (rec planner.Record, err error) {
	ctx, done := m.begin(ctx, "findUniqueOrThrow")
	defer func() { done(err) }()
	rec, err = m.findUnique(ctx, args)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &engineerr.NotFoundError{Kind: "record", Name: describeUnique(m.entity, args.Where)}
	}
	return rec, nil
}

// FindFirst returns the first row FindMany would return, or nil.
func (m *Model) FindFirst(ctx context.Context, args FindManyArgs) (rec planner.Record, err error) {
	ctx, done := m.begin(ctx, "findFirst")
	defer func() { done(err) }()

	one := 1
	if args.Take != nil && *args.Take < 0 {
		one = -1
	}
	args.Take = &one
	recs, err := m.findMany(ctx, args)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// FindMany returns every row matching args.Where in the requested order,
// with includes attached.
func (m *Model) FindMany(ctx context.Context, args FindManyArgs) (recs []planner.Record, err error) {
	ctx, done := m.begin(ctx, "findMany")
	defer func() { done(err) }()
	return m.findMany(ctx, args)
}

func (m *Model) findUnique(ctx context.Context, args FindUniqueArgs) (planner.Record, error) {
	if err := args.Shape.check(m.c.eng.reg, m.entity); err != nil {
		return nil, err
	}
	where, err := uniqueWhere(m.entity, args.Where)
	if err != nil {
		return nil, err
	}
	return m.findOne(ctx, where, args.Shape)
}

// findOne reads the first row matching where, shaped.
func (m *Model) findOne(ctx context.Context, where filter.Predicate, shape Shape) (planner.Record, error) {
	one := 1
	recs, err := m.read(ctx, planner.SelectSpec{Entity: m.entity, Where: where, Take: &one}, shape)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (m *Model) findMany(ctx context.Context, args FindManyArgs) ([]planner.Record, error) {
	e := m.entity
	if err := args.Shape.check(m.c.eng.reg, e); err != nil {
		return nil, err
	}
	spec := planner.SelectSpec{
		Entity:  e,
		Where:   args.Where,
		OrderBy: args.OrderBy,
		Cursor:  args.Cursor,
		Take:    args.Take,
		Skip:    args.Skip,
	}
	if spec.Take == nil && m.c.eng.opts.DefaultTake > 0 {
		take := m.c.eng.opts.DefaultTake
		spec.Take = &take
	}
	if len(args.Distinct) == 0 {
		return m.read(ctx, spec, args.Shape)
	}

	var issues engineerr.Issues
	for _, name := range args.Distinct {
		if _, ok := e.Field(name); !ok {
			issues.Add("distinct", "unknown field %q on %s", name, e.Name)
		}
	}
	if spec.Take != nil && *spec.Take < 0 && spec.Cursor != nil {
		issues.Add("distinct", "distinct cannot page backwards from a cursor")
	}
	if !issues.Empty() {
		return nil, &engineerr.ValidationError{Entity: e.Name, Issues: issues}
	}

	// Paging applies to the distinct rows, so it runs after de-duplication.
	take, skip := spec.Take, spec.Skip
	spec.Take, spec.Skip = nil, 0
	recs, err := m.fetch(ctx, spec, args.Shape.fetchFields(e, args.Distinct))
	if err != nil {
		return nil, err
	}
	recs = page(distinct(recs, args.Distinct), take, skip)
	return m.attach(ctx, recs, args.Shape)
}

// read runs spec and shapes the rows.
func (m *Model) read(ctx context.Context, spec planner.SelectSpec, shape Shape) ([]planner.Record, error) {
	recs, err := m.fetch(ctx, spec, shape.fetchFields(m.entity))
	if err != nil {
		return nil, err
	}
	return m.attach(ctx, recs, shape)
}

// fetch reads the root rows of spec, restoring the requested order of a
// backward read.
func (m *Model) fetch(ctx context.Context, spec planner.SelectSpec, fields []string) ([]planner.Record, error) {
	spec.Fields = fields
	plan, err := m.c.eng.sql.PlanSelect(spec)
	if err != nil {
		return nil, err
	}
	recs, err := scan(ctx, m.c.exec, plan.Query, m.entity, plan.Fields)
	if err != nil {
		return nil, err
	}
	if plan.Reversed {
		for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
			recs[i], recs[j] = recs[j], recs[i]
		}
	}
	return recs, nil
}

// attach loads the shape's includes onto recs and drops unrequested fields.
func (m *Model) attach(ctx context.Context, recs []planner.Record, shape Shape) ([]planner.Record, error) {
	if err := m.c.loader.Load(ctx, m.c.exec, m.entity, recs, shape.Include); err != nil {
		return nil, err
	}
	shape.project(m.entity, recs)
	return recs, nil
}

// distinct keeps the first record of every combination of fields.
func distinct(recs []planner.Record, fields []string) []planner.Record {
	seen := make(map[string]bool, len(recs))
	out := recs[:0]
	for _, rec := range recs {
		key := rec.Tuple(fields).Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rec)
	}
	return out
}

// page applies take and skip to already ordered records. A negative take
// keeps the last rows, skipping from the end.
func page(recs []planner.Record, take *int, skip int) []planner.Record {
	if take != nil && *take < 0 {
		end := max(len(recs)-skip, 0)
		start := max(end+*take, 0)
		return recs[start:end]
	}
	start := min(skip, len(recs))
	end := len(recs)
	if take != nil {
		end = min(start+*take, end)
	}
	return recs[start:end]
}

// Count returns how many rows match args.Where. Ordering, a cursor or
// paging restrict the count to the rows they pick.
func (m *Model) Count(ctx context.Context, args CountArgs) (n int64, err error) {
	ctx, done := m.begin(ctx, "count")
	defer func() { done(err) }()
	return m.c.eng.aggregates.Count(ctx, m.c.exec, aggregate.Spec{
		Entity:  m.entity,
		Where:   args.Where,
		OrderBy: args.OrderBy,
		Cursor:  args.Cursor,
		Take:    args.Take,
		Skip:    args.Skip,
	})
}

// Aggregate computes metrics over the matching rows.
func (m *Model) Aggregate(ctx context.Context, args AggregateArgs) (res aggregate.Result, err error) {
	ctx, done := m.begin(ctx, "aggregate")
	defer func() { done(err) }()
	return m.c.eng.aggregates.Aggregate(ctx, m.c.exec, aggregate.Spec{
		Entity:  m.entity,
		Where:   args.Where,
		Metrics: args.Metrics,
		OrderBy: args.OrderBy,
		Cursor:  args.Cursor,
		Take:    args.Take,
		Skip:    args.Skip,
	})
}

// GroupBy computes metrics per distinct combination of args.By.
func (m *Model) GroupBy(ctx context.Context, args GroupByArgs) (groups []aggregate.Result, err error) {
	ctx, done := m.begin(ctx, "groupBy")
	defer func() { done(err) }()
	return m.c.eng.aggregates.GroupBy(ctx, m.c.exec, aggregate.Spec{
		Entity:  m.entity,
		Where:   args.Where,
		By:      args.By,
		Metrics: args.Metrics,
		Having:  args.Having,
		OrderBy: args.OrderBy,
		Take:    args.Take,
		Skip:    args.Skip,
	})
}

func scan(ctx context.Context, exec dbexec.QueryExecutor, q planner.SQLQuery, e *schema.Entity, fields []string) ([]planner.Record, error) {
	rows, err := exec.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, engineerr.Normalize(err)
	}
	recs, err := planner.ScanRecords(rows, e, fields)
	if err != nil {
		return nil, engineerr.Normalize(err)
	}
	return recs, nil
}
