package engine

import (
	"context"

	"relengine/internal/engineerr"
	"relengine/internal/mutation"
	"relengine/internal/planner"
)

// Create inserts one row with its nested writes and returns it shaped.
func (m *Model) Create(ctx context.Context, args CreateArgs) (rec planner.Record, err error) {
	ctx, done := m.begin(ctx, "create")
	defer func() { done(err) }()

	if err := args.Shape.check(m.c.eng.reg, m.entity); err != nil {
		return nil, err
	}
	plan, err := m.c.eng.mutations.PlanCreate(m.entity, args.Data)
	if err != nil {
		return nil, err
	}
	err = m.c.atomic(ctx, func(ctx context.Context, c *Client) error {
		rec, err = m.on(c).execute(ctx, plan, args.Shape)
		return err
	})
	return rec, err
}

// CreateMany inserts rows in one set-oriented statement. Nested writes are
// not accepted.
func (m *Model) CreateMany(ctx context.Context, args CreateManyArgs) (res BatchResult, err error) {
	ctx, done := m.begin(ctx, "createMany")
	defer func() { done(err) }()

	plan, err := m.c.eng.mutations.PlanCreateMany(m.entity, args.Data, args.SkipDuplicates)
	if err != nil {
		return BatchResult{}, err
	}
	return m.runBatch(ctx, plan)
}

// Update changes the row matching a unique selector and returns it shaped.
// A missing row is a NotFoundError.
func (m *Model) Update(ctx context.Context, args UpdateArgs) (rec planner.Record, err error) {
	ctx, done := m.begin(ctx, "update")
	defer func() { done(err) }()

	if err := args.Shape.check(m.c.eng.reg, m.entity); err != nil {
		return nil, err
	}
	plan, err := m.c.eng.mutations.PlanUpdate(m.entity, args.Where, args.Data)
	if err != nil {
		return nil, err
	}
	err = m.c.atomic(ctx, func(ctx context.Context, c *Client) error {
		rec, err = m.on(c).execute(ctx, plan, args.Shape)
		return err
	})
	return rec, err
}

// UpdateMany applies the same scalar changes to every matching row in one
// statement and returns the affected count.
func (m *Model) UpdateMany(ctx context.Context, args UpdateManyArgs) (res BatchResult, err error) {
	ctx, done := m.begin(ctx, "updateMany")
	defer func() { done(err) }()

	plan, err := m.c.eng.mutations.PlanUpdateMany(m.entity, args.Where, args.Data)
	if err != nil {
		return BatchResult{}, err
	}
	return m.runBatch(ctx, plan)
}

// UpdateManyAndReturn is UpdateMany returning the updated rows shaped. The
// rows are picked before the update, so changing a filtered field does not
// lose them.
func (m *Model) UpdateManyAndReturn(ctx context.Context, args UpdateManyAndReturnArgs) (recs []planner.Record, err error) {
	ctx, done := m.begin(ctx, "updateManyAndReturn")
	defer func() { done(err) }()

	e := m.entity
	if err := args.Shape.check(m.c.eng.reg, e); err != nil {
		return nil, err
	}
	for _, name := range e.PrimaryKey {
		if _, changed := args.Data[name]; changed {
			return nil, engineerr.NewValidation(e.Name, "data."+name, "primary key fields cannot be changed when returning rows")
		}
	}
	plan, err := m.c.eng.mutations.PlanUpdateMany(e, args.Where, args.Data)
	if err != nil {
		return nil, err
	}
	err = m.c.atomic(ctx, func(ctx context.Context, c *Client) error {
		tm := m.on(c)
		keys, err := tm.fetch(ctx, planner.SelectSpec{Entity: e, Where: args.Where}, e.PrimaryKey)
		if err != nil {
			return err
		}
		if _, err := c.eng.mutations.Execute(ctx, c.exec, plan); err != nil {
			return err
		}
		if len(keys) == 0 {
			recs = []planner.Record{}
			return nil
		}
		recs, err = tm.read(ctx, planner.SelectSpec{Entity: e, Where: keysWhere(e, keys)}, args.Shape)
		return err
	})
	return recs, err
}

// Upsert updates the row matching a unique selector, or creates it when
// there is none, and returns it shaped.
func (m *Model) Upsert(ctx context.Context, args UpsertArgs) (rec planner.Record, err error) {
	ctx, done := m.begin(ctx, "upsert")
	defer func() { done(err) }()

	if err := args.Shape.check(m.c.eng.reg, m.entity); err != nil {
		return nil, err
	}
	plan, err := m.c.eng.mutations.PlanUpsert(m.entity, args.Where, args.Create, args.Update)
	if err != nil {
		return nil, err
	}
	err = m.c.atomic(ctx, func(ctx context.Context, c *Client) error {
		rec, err = m.on(c).execute(ctx, plan, args.Shape)
		return err
	})
	return rec, err
}

// Delete removes the row matching a unique selector and returns it as it
// was, includes loaded before the delete. Rows that require it block the
// delete with a ConstraintError unless args.Cascade is set; rows that
// reference it optionally are detached.
func (m *Model) Delete(ctx context.Context, args DeleteArgs) (rec planner.Record, err error) {
	ctx, done := m.begin(ctx, "delete")
	defer func() { done(err) }()

	if err := args.Shape.check(m.c.eng.reg, m.entity); err != nil {
		return nil, err
	}
	where, err := uniqueWhere(m.entity, args.Where)
	if err != nil {
		return nil, err
	}
	plan, err := m.c.eng.mutations.PlanDelete(m.entity, args.Where, args.Cascade)
	if err != nil {
		return nil, err
	}
	err = m.c.atomic(ctx, func(ctx context.Context, c *Client) error {
		rec, err = m.on(c).findOne(ctx, where, args.Shape)
		if err != nil {
			return err
		}
		if rec == nil {
			return &engineerr.NotFoundError{Kind: "record", Name: describeUnique(m.entity, args.Where)}
		}
		_, err = c.eng.mutations.Execute(ctx, c.exec, plan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteMany removes every matching row and returns the count.
func (m *Model) DeleteMany(ctx context.Context, args DeleteManyArgs) (res BatchResult, err error) {
	ctx, done := m.begin(ctx, "deleteMany")
	defer func() { done(err) }()

	plan, err := m.c.eng.mutations.PlanDeleteMany(m.entity, args.Where, args.Cascade)
	if err != nil {
		return BatchResult{}, err
	}
	return m.runBatch(ctx, plan)
}

// execute runs a single-row plan and reads the written row back by its
// primary key.
func (m *Model) execute(ctx context.Context, plan *mutation.Plan, shape Shape) (planner.Record, error) {
	res, err := m.c.eng.mutations.Execute(ctx, m.c.exec, plan)
	if err != nil {
		return nil, err
	}
	key, err := primaryKeyOf(m.entity, res.Record)
	if err != nil {
		return nil, err
	}
	where, err := uniqueWhere(m.entity, key)
	if err != nil {
		return nil, err
	}
	rec, err := m.findOne(ctx, where, shape)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &engineerr.NotFoundError{Kind: "record", Name: describeUnique(m.entity, key)}
	}
	return rec, nil
}

func (m *Model) runBatch(ctx context.Context, plan *mutation.Plan) (BatchResult, error) {
	var out BatchResult
	err := m.c.atomic(ctx, func(ctx context.Context, c *Client) error {
		res, err := c.eng.mutations.Execute(ctx, c.exec, plan)
		if err != nil {
			return err
		}
		out.Count = res.Affected
		return nil
	})
	return out, err
}
