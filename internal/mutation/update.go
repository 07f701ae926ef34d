package mutation

import (
	"context"
	"fmt"

	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/planner"
	"relengine/internal/schema"
)

// PlanUpdate plans the update of the row matching where and its nested
// writes. A missing row fails with a NotFoundError.
func (m *Planner) PlanUpdate(e *schema.Entity, where Unique, d Data) (*Plan, error) {
	b := m.newBuilder()
	row := b.lookup(e, "where", where, nil)
	root := b.update(e, "data", row, d)
	return b.finish(e, root)
}

// PlanUpdateMany plans one set-oriented update of every row matching where.
// Only scalar assignments are accepted.
func (m *Planner) PlanUpdateMany(e *schema.Entity, where filter.Predicate, scalars map[string]any) (*Plan, error) {
	if _, err := m.sql.Filters().Compile(e, "", where); err != nil {
		return nil, err
	}
	b := m.newBuilder()
	assigns := b.assignments(e, "data", scalars)
	if len(scalars) == 0 {
		b.issue("data", "an update needs at least one field")
	}
	s := b.add(StepUpdate, e, "data", nil, func(ctx context.Context, rs *runState) (planner.Record, error) {
		q, err := rs.sql.PlanUpdate(e, assigns, where)
		if err != nil {
			return nil, err
		}
		_, err = rs.exec1(ctx, e, q)
		return nil, err
	})
	s.counts = true
	return b.finish(e, s.ID)
}

// update plans the update of the row step row produced. It returns the step
// whose output is the updated row.
func (b *builder) update(e *schema.Entity, path string, row int, d Data) int {
	assigns := b.assignments(e, path, d.Scalars)
	deps := []int{row}
	var after []relWrite
	var owned []relWrite
	for _, name := range sortedKeys(d.Relations) {
		nested := d.Relations[name]
		p := joinPath(path, name)
		rel, ok := e.Relation(name)
		if !ok {
			b.issue(p, "unknown relation on %s", e.Name)
			continue
		}
		if nested.empty() || !b.checkKinds(rel, p, nested, true) {
			continue
		}
		if !rel.OwnedBySource {
			after = append(after, relWrite{rel: rel, path: p, nested: nested})
			continue
		}
		for _, lf := range rel.LocalFields {
			if _, set := d.Scalars[lf]; set {
				b.issue(p, "set either %s or relation %s, not both", lf, name)
			}
		}
		owned = append(owned, relWrite{rel: rel, path: p, nested: nested})
	}

	var cleanup []func(node int)
	for _, w := range owned {
		a, src, post := b.ownedUpdate(w.rel, w.path, w.nested, row)
		assigns = append(assigns, a...)
		deps = append(deps, src...)
		if post != nil {
			cleanup = append(cleanup, post)
		}
	}

	node := row
	if len(assigns) > 0 {
		node = b.add(StepUpdate, e, path, deps, func(ctx context.Context, rs *runState) (planner.Record, error) {
			return rs.update(ctx, e, rs.outputs[row], assigns)
		}).ID
	}
	for _, post := range cleanup {
		post(node)
	}
	for _, w := range after {
		b.targetWrites(e, w.rel, w.path, w.nested, node, true)
	}
	return node
}

// ownedUpdate plans writes on a relation whose foreign key lives on the row
// being updated. It returns the assignments to that row, the steps they
// read from, and a hook planning work that must follow the row's update.
func (b *builder) ownedUpdate(rel *schema.Relation, path string, n Nested, row int) ([]planner.Assignment, []int, func(int)) {
	e := b.m.reg.Source(rel)
	target := b.m.reg.Target(rel)
	nullable := fieldsNullable(e, rel.LocalFields)

	link := func(src int) ([]planner.Assignment, []int, func(int)) {
		out := make([]planner.Assignment, len(rel.LocalFields))
		for i, lf := range rel.LocalFields {
			out[i] = planner.Assignment{Field: lf, Op: planner.OpSet, Value: ref{step: src, field: rel.ForeignFields[i]}}
		}
		return out, []int{src}, nil
	}
	unlink := func() []planner.Assignment {
		out := make([]planner.Assignment, len(rel.LocalFields))
		for i, lf := range rel.LocalFields {
			out[i] = planner.Assignment{Field: lf, Op: planner.OpSet, Value: nil}
		}
		return out
	}
	// current matches the target row the parent pointed at before the update.
	current := func(ctx context.Context, rs *runState) (filter.Predicate, error) {
		return rs.matchRefs(ctx, refsTo(row, rel.ForeignFields, rel.LocalFields))
	}

	switch {
	case len(n.Create) == 1:
		return link(b.create(target, indexPath(joinPath(path, "create"), 0), n.Create[0], nil, nil, rel.Inverse))
	case len(n.Connect) == 1:
		return link(b.lookup(target, indexPath(joinPath(path, "connect"), 0), n.Connect[0], nil))
	case len(n.ConnectOrCreate) == 1:
		return link(b.connectOrCreate(target, indexPath(joinPath(path, "connectOrCreate"), 0), n.ConnectOrCreate[0], nil, nil, rel.Inverse))

	case len(n.Disconnect) == 1:
		p := joinPath(path, "disconnect")
		if !nullable {
			b.issue(p, "cannot disconnect required relation %s", rel.Name)
		}
		if len(n.Disconnect[0]) > 0 {
			b.issue(p, "a to-one disconnect takes no selector")
		}
		return unlink(), nil, nil

	case len(n.Delete) == 1:
		p := joinPath(path, "delete")
		if !nullable {
			b.issue(p, "cannot delete the target of required relation %s from %s", rel.Name, e.Name)
		}
		if len(n.Delete[0]) > 0 {
			b.issue(p, "a to-one delete takes no selector")
		}
		return unlink(), nil, func(node int) {
			b.deleteRows(target, p, current, []int{node}, false, nil)
		}

	case len(n.Update) == 1:
		p := indexPath(joinPath(path, "update"), 0)
		if len(n.Update[0].Where) > 0 {
			b.issue(joinPath(p, "where"), "a to-one update takes no selector")
		}
		assigns := b.assignments(target, joinPath(p, "data"), n.Update[0].Scalars)
		b.add(StepUpdate, target, p, []int{row}, func(ctx context.Context, rs *runState) (planner.Record, error) {
			pred, err := current(ctx, rs)
			if err != nil {
				return nil, err
			}
			t, err := rs.selectOne(ctx, target, pred)
			if err != nil {
				return nil, err
			}
			if t == nil {
				return nil, &engineerr.NotFoundError{Kind: "record", Name: fmt.Sprintf("%s related through %s.%s", target.Name, e.Name, rel.Name)}
			}
			if len(assigns) == 0 {
				return t, nil
			}
			return rs.update(ctx, target, t, assigns)
		})
		return nil, nil, nil

	case n.Upsert != nil:
		p := joinPath(path, "upsert")
		values := b.createValues(target, joinPath(p, "create"), n.Upsert.Create)
		b.checkRequired(target, joinPath(p, "create"), values)
		b.checkRequiredRelations(target, joinPath(p, "create"), values, nil, rel.Inverse)
		assigns := b.assignments(target, joinPath(p, "update"), n.Upsert.Update)
		src := b.add(StepBranch, target, p, []int{row}, func(ctx context.Context, rs *runState) (planner.Record, error) {
			pred, err := current(ctx, rs)
			if err != nil {
				return nil, err
			}
			t, err := rs.selectOne(ctx, target, pred)
			if err != nil {
				return nil, err
			}
			if t == nil {
				return rs.insert(ctx, target, values)
			}
			if len(assigns) == 0 {
				return t, nil
			}
			return rs.update(ctx, target, t, assigns)
		}).ID
		return link(src)
	}
	return nil, nil, nil
}
