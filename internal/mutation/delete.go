package mutation

import (
	"context"
	"fmt"
	"slices"

	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/planner"
	"relengine/internal/schema"
)

// keysField holds the primary keys a DeleteMany lookup materialized.
const keysField = "_keys"

type predicateFunc func(ctx context.Context, rs *runState) (filter.Predicate, error)

// PlanDelete plans the delete of the row matching where. The plan's record is
// the row as it was before the delete.
//
// Rows referencing it through an optional relation are detached. Rows
// referencing it through a required relation block the delete with a
// ConstraintError, unless cascade is set, in which case they are deleted
// first, recursively.
func (m *Planner) PlanDelete(e *schema.Entity, where Unique, cascade bool) (*Plan, error) {
	b := m.newBuilder()
	root := b.lookup(e, "where", where, nil)
	b.deleteRows(e, "", func(_ context.Context, rs *runState) (filter.Predicate, error) {
		return keyPredicate(e, rs.outputs[root]), nil
	}, []int{root}, cascade, nil)
	return b.finish(e, root)
}

// PlanDeleteMany plans the delete of every row matching where, with the same
// handling of referencing rows as PlanDelete.
func (m *Planner) PlanDeleteMany(e *schema.Entity, where filter.Predicate, cascade bool) (*Plan, error) {
	if _, err := m.sql.Filters().Compile(e, "", where); err != nil {
		return nil, err
	}
	b := m.newBuilder()
	if len(m.reg.Referencing(e)) == 0 {
		s := b.add(StepDelete, e, "", nil, func(ctx context.Context, rs *runState) (planner.Record, error) {
			q, err := rs.sql.PlanDelete(e, where)
			if err != nil {
				return nil, err
			}
			_, err = rs.exec1(ctx, e, q)
			return nil, err
		})
		s.counts = true
		return b.finish(e, s.ID)
	}

	// Referencing rows are resolved against the keys matched up front, so the
	// detach and cascade steps cannot change which rows the filter selects.
	keys := b.add(StepLookup, e, "where", nil, func(ctx context.Context, rs *runState) (planner.Record, error) {
		recs, err := rs.selectKeys(ctx, e, where)
		if err != nil {
			return nil, err
		}
		return planner.Record{keysField: recs}, nil
	})
	del := b.deleteRows(e, "", func(_ context.Context, rs *runState) (filter.Predicate, error) {
		recs, _ := rs.outputs[keys.ID][keysField].([]planner.Record)
		return keysPredicate(e, recs), nil
	}, []int{keys.ID}, cascade, nil)
	del.counts = true
	return b.finish(e, del.ID)
}

// deleteRows plans the delete of every e row matching where, after the rows
// that reference them are detached, deleted or checked. chain holds the
// entities whose deletes are already cascading into this one.
//
// A cascade that comes back to an entity on the chain depends on the data,
// not the schema, so it is handed to a single step that walks the rows at
// execution time.
func (b *builder) deleteRows(e *schema.Entity, path string, where predicateFunc, deps []int, cascade bool, chain []schema.EntityID) *Step {
	if len(chain) > b.m.opts.MaxCascadeDepth {
		b.issue(path, "delete cascades deeper than %d relations", b.m.opts.MaxCascadeDepth)
		return b.add(StepDelete, e, path, deps, nil)
	}
	chain = append(slices.Clone(chain), e.ID)
	before := append([]int(nil), deps...)
	for _, rel := range b.m.reg.Referencing(e) {
		child := b.m.reg.Source(rel)
		childWhere := func(ctx context.Context, rs *runState) (filter.Predicate, error) {
			pred, err := where(ctx, rs)
			if err != nil {
				return nil, err
			}
			related := filter.Related{Relation: rel.Name, Quantifier: filter.Is, Where: pred}
			if child.ID == e.ID {
				return filter.And{related, filter.Not{Pred: pred}}, nil
			}
			return related, nil
		}
		p := joinPath(path, child.Name+"."+rel.Name)
		switch {
		case fieldsNullable(child, rel.LocalFields):
			before = append(before, b.detach(child, p, rel.LocalFields, childWhere, deps).ID)
		case cascade && slices.Contains(chain, child.ID):
			before = append(before, b.cascadeRows(child, p, childWhere, deps, b.m.opts.MaxCascadeDepth-len(chain)+1).ID)
		case cascade:
			before = append(before, b.deleteRows(child, p, childWhere, deps, true, chain).ID)
		default:
			before = append(before, b.guard(e, child, rel, p, childWhere, deps).ID)
		}
	}
	return b.add(StepDelete, e, path, before, func(ctx context.Context, rs *runState) (planner.Record, error) {
		pred, err := where(ctx, rs)
		if err != nil {
			return nil, err
		}
		q, err := rs.sql.PlanDelete(e, pred)
		if err != nil {
			return nil, err
		}
		_, err = rs.exec1(ctx, e, q)
		return nil, err
	})
}

// cascadeRows plans a cascading delete of the e rows matching where that is
// resolved level by level when the plan runs. levels bounds how many
// non-empty levels the walk may delete, counting this one.
func (b *builder) cascadeRows(e *schema.Entity, path string, where predicateFunc, deps []int, levels int) *Step {
	return b.add(StepDelete, e, path, deps, func(ctx context.Context, rs *runState) (planner.Record, error) {
		pred, err := where(ctx, rs)
		if err != nil {
			return nil, err
		}
		return nil, rs.cascadeDelete(ctx, e, pred, levels)
	})
}

// cascadeDelete deletes the e rows matching where together with every row
// that requires them, and detaches rows that reference them optionally. The
// walk stops at the first level that matches no rows. A self reference skips
// the rows the current level already deletes.
func (rs *runState) cascadeDelete(ctx context.Context, e *schema.Entity, where filter.Predicate, levels int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys, err := rs.selectKeys(ctx, e, where)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if levels <= 0 {
		return &engineerr.ConstraintError{
			Kind:    engineerr.ConstraintRequiredRelation,
			Entity:  e.Name,
			Message: "delete cascades deeper than the configured maximum",
		}
	}
	matched := keysPredicate(e, keys)
	reg := rs.sql.Registry()
	for _, rel := range reg.Referencing(e) {
		child := reg.Source(rel)
		var childWhere filter.Predicate = filter.Related{Relation: rel.Name, Quantifier: filter.Is, Where: matched}
		if child.ID == e.ID {
			childWhere = filter.And{childWhere, filter.Not{Pred: matched}}
		}
		if fieldsNullable(child, rel.LocalFields) {
			refs, err := rs.selectKeys(ctx, child, childWhere)
			if err != nil {
				return err
			}
			if len(refs) == 0 {
				continue
			}
			nulls := make([]planner.Assignment, len(rel.LocalFields))
			for i, f := range rel.LocalFields {
				nulls[i] = planner.Assignment{Field: f, Op: planner.OpSet, Value: nil}
			}
			q, err := rs.sql.PlanUpdate(child, nulls, keysPredicate(child, refs))
			if err != nil {
				return err
			}
			if _, err := rs.exec1(ctx, child, q); err != nil {
				return err
			}
			continue
		}
		if err := rs.cascadeDelete(ctx, child, childWhere, levels-1); err != nil {
			return err
		}
	}
	q, err := rs.sql.PlanDelete(e, matched)
	if err != nil {
		return err
	}
	_, err = rs.exec1(ctx, e, q)
	return err
}

// guard plans a check that no child row references the parent rows through
// a required relation.
func (b *builder) guard(parent, child *schema.Entity, rel *schema.Relation, path string, where predicateFunc, deps []int) *Step {
	return b.add(StepGuard, child, path, deps, func(ctx context.Context, rs *runState) (planner.Record, error) {
		pred, err := where(ctx, rs)
		if err != nil {
			return nil, err
		}
		row, err := rs.selectOne(ctx, child, pred)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return nil, &engineerr.ConstraintError{
				Kind:    engineerr.ConstraintRequiredRelation,
				Entity:  parent.Name,
				Target:  child.Name,
				Message: fmt.Sprintf("%s rows still reference it through required relation %s; delete them first or cascade", child.Name, rel.Name),
			}
		}
		return nil, nil
	})
}

// keysPredicate matches the rows with the given primary keys. No keys match
// nothing.
func keysPredicate(e *schema.Entity, keys []planner.Record) filter.Predicate {
	if len(keys) == 0 {
		return filter.Or{}
	}
	if len(e.PrimaryKey) == 1 {
		pk := e.PrimaryKey[0]
		values := make([]any, len(keys))
		for i, k := range keys {
			values[i] = k[pk]
		}
		return filter.In(pk, values...)
	}
	out := make(filter.Or, len(keys))
	for i, k := range keys {
		out[i] = keyPredicate(e, k)
	}
	return out
}
