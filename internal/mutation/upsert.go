package mutation

import (
	"context"

	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/planner"
	"relengine/internal/schema"
)

// PlanUpsert plans "update the row matching where, or create it". Payloads
// carry scalars only. Running the plan twice leaves one row.
func (m *Planner) PlanUpsert(e *schema.Entity, where Unique, create, update map[string]any) (*Plan, error) {
	b := m.newBuilder()
	key := b.uniqueKey(e, "where", where)
	values := b.createValues(e, "create", create)
	b.checkRequired(e, "create", values)
	b.checkRequiredRelations(e, "create", values, nil, "")
	assigns := b.assignments(e, "update", update)

	if m.nativeUpsert(e, key, values, assigns) {
		s := b.add(StepBranch, e, "", nil, func(ctx context.Context, rs *runState) (planner.Record, error) {
			q, err := rs.sql.PlanUpsert(e, values, sortedKeys(key), assigns)
			if err != nil {
				return nil, err
			}
			if _, err := rs.exec1(ctx, e, q); err != nil {
				return nil, err
			}
			row, err := rs.selectOne(ctx, e, filter.MatchAll(key))
			if err != nil {
				return nil, err
			}
			if row == nil {
				return nil, &engineerr.NotFoundError{Kind: "record", Name: describeKey(e, key)}
			}
			return row, nil
		})
		return b.finish(e, s.ID)
	}

	s := b.add(StepBranch, e, "", nil, func(ctx context.Context, rs *runState) (planner.Record, error) {
		row, err := rs.selectOne(ctx, e, filter.MatchAll(key))
		if err != nil {
			return nil, err
		}
		if row == nil {
			return rs.insert(ctx, e, values)
		}
		if len(assigns) == 0 {
			return row, nil
		}
		return rs.update(ctx, e, row, assigns)
	})
	return b.finish(e, s.ID)
}

// nativeUpsert reports whether the insert-or-update statement is equivalent
// to the read-then-write branch: the created row must carry the selector's
// values and the update must leave them alone. MySQL's ON DUPLICATE KEY
// UPDATE fires on a conflict with any unique key, so there the selector must
// be the entity's only one.
func (m *Planner) nativeUpsert(e *schema.Entity, key, values map[string]any, assigns []planner.Assignment) bool {
	if !m.opts.NativeUpsert || len(key) == 0 {
		return false
	}
	if m.sql.Dialect() == planner.MySQL && len(e.UniqueKeys()) > 1 {
		return false
	}
	for name, want := range key {
		got, ok := values[name]
		if !ok {
			return false
		}
		if (planner.ParentTuple{Values: []any{got}}).Key() != (planner.ParentTuple{Values: []any{want}}).Key() {
			return false
		}
	}
	for _, a := range assigns {
		if _, inKey := key[a.Field]; inKey {
			return false
		}
	}
	return true
}
