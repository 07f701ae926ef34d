package mutation

import (
	"context"
	"fmt"
	"strings"

	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/planner"
	"relengine/internal/schema"
)

// PlanCreate plans the insert of one e row and its nested writes.
func (m *Planner) PlanCreate(e *schema.Entity, d Data) (*Plan, error) {
	b := m.newBuilder()
	root := b.create(e, "data", d, nil, nil, "")
	return b.finish(e, root)
}

// PlanCreateMany plans one set-oriented insert of rows. Rows carry scalars
// only. Without skipDuplicates, two rows sharing a unique key are rejected
// before anything is written.
func (m *Planner) PlanCreateMany(e *schema.Entity, rows []map[string]any, skipDuplicates bool) (*Plan, error) {
	b := m.newBuilder()
	if len(rows) == 0 {
		s := b.add(StepInsertMany, e, "data", nil, func(context.Context, *runState) (planner.Record, error) {
			return nil, nil
		})
		return b.finish(e, s.ID)
	}
	s := b.insertMany(e, "data", rows, skipDuplicates, nil, nil)
	s.counts = true
	return b.finish(e, s.ID)
}

type relWrite struct {
	rel    *schema.Relation
	path   string
	nested Nested
}

// create plans an insert of e. fixed holds values wired in by a parent
// write, typically refs to the parent's key; deps are the steps that
// produce them. parentRel names the relation back to that parent, which the
// payload must not write again. It returns the insert step's ID.
func (b *builder) create(e *schema.Entity, path string, d Data, fixed map[string]any, deps []int, parentRel string) int {
	values := b.createValues(e, path, d.Scalars)
	for _, k := range sortedKeys(fixed) {
		if _, dup := values[k]; dup {
			b.issue(joinPath(path, k), "is set by the parent relation")
		}
		values[k] = fixed[k]
	}
	deps = append([]int(nil), deps...)

	var after []relWrite
	for _, name := range sortedKeys(d.Relations) {
		nested := d.Relations[name]
		p := joinPath(path, name)
		rel, ok := e.Relation(name)
		if !ok {
			b.issue(p, "unknown relation on %s", e.Name)
			continue
		}
		if parentRel != "" && name == parentRel {
			b.issue(p, "relation is already written through the parent")
			continue
		}
		if nested.empty() || !b.checkKinds(rel, p, nested, false) {
			continue
		}
		if !rel.OwnedBySource {
			after = append(after, relWrite{rel: rel, path: p, nested: nested})
			continue
		}
		for _, lf := range rel.LocalFields {
			if _, set := values[lf]; set {
				b.issue(p, "set either %s or relation %s, not both", lf, name)
			}
		}
		src := b.ownedTarget(rel, p, nested)
		if src < 0 {
			continue
		}
		for k, v := range refsTo(src, rel.LocalFields, rel.ForeignFields) {
			values[k] = v
		}
		deps = append(deps, src)
	}
	b.checkRequired(e, path, values)
	b.checkRequiredRelations(e, path, values, d.Relations, parentRel)

	id := b.add(StepInsert, e, path, deps, func(ctx context.Context, rs *runState) (planner.Record, error) {
		return rs.insert(ctx, e, values)
	}).ID
	for _, w := range after {
		b.targetWrites(e, w.rel, w.path, w.nested, id, false)
	}
	return id
}

// checkKinds validates which writes a relation accepts and its cardinality.
func (b *builder) checkKinds(rel *schema.Relation, path string, n Nested, inUpdate bool) bool {
	allowed := map[string]bool{"create": true, "connect": true, "connectOrCreate": true}
	if rel.ToMany() {
		allowed["createMany"] = true
	}
	if inUpdate {
		allowed["disconnect"] = true
		allowed["delete"] = true
		allowed["update"] = true
		if rel.ToMany() {
			allowed["set"] = true
		} else {
			allowed["upsert"] = true
		}
	}
	ok := true
	kinds := n.kinds()
	for _, k := range kinds {
		if !allowed[k] {
			where := "a create"
			if inUpdate {
				where = "an update"
			}
			b.issue(joinPath(path, k), "not allowed on %s relation %s inside %s", rel.Cardinality, rel.Name, where)
			ok = false
		}
	}
	if rel.ToMany() {
		return ok
	}
	if len(kinds) > 1 {
		b.issue(path, "a to-one relation takes a single write, got %s", strings.Join(kinds, ", "))
		ok = false
	}
	for _, c := range []struct {
		kind  string
		count int
	}{
		{"create", len(n.Create)},
		{"connect", len(n.Connect)},
		{"connectOrCreate", len(n.ConnectOrCreate)},
		{"disconnect", len(n.Disconnect)},
		{"delete", len(n.Delete)},
		{"update", len(n.Update)},
	} {
		if c.count > 1 {
			b.issue(joinPath(path, c.kind), "a to-one relation takes one entry, got %d", c.count)
			ok = false
		}
	}
	return ok
}

// ownedTarget plans the write that produces the row a source-owned relation
// points at. It returns -1 when the payload has no such write.
func (b *builder) ownedTarget(rel *schema.Relation, path string, n Nested) int {
	target := b.m.reg.Target(rel)
	switch {
	case len(n.Create) == 1:
		return b.create(target, indexPath(joinPath(path, "create"), 0), n.Create[0], nil, nil, rel.Inverse)
	case len(n.Connect) == 1:
		return b.lookup(target, indexPath(joinPath(path, "connect"), 0), n.Connect[0], nil)
	case len(n.ConnectOrCreate) == 1:
		return b.connectOrCreate(target, indexPath(joinPath(path, "connectOrCreate"), 0), n.ConnectOrCreate[0], nil, nil, rel.Inverse)
	}
	return -1
}

// lookup plans a read of the row matching u; a missing row is a
// NotFoundError.
func (b *builder) lookup(e *schema.Entity, path string, u Unique, deps []int) int {
	key := b.uniqueKey(e, path, u)
	return b.add(StepLookup, e, path, deps, func(ctx context.Context, rs *runState) (planner.Record, error) {
		row, err := rs.selectOne(ctx, e, filter.MatchAll(key))
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, &engineerr.NotFoundError{Kind: "record", Name: describeKey(e, key)}
		}
		return row, nil
	}).ID
}

// connectOrCreate plans a branch that returns the row matching c.Where, or
// inserts c.Create. fixed values are written in both cases. parentRel names
// the relation the parent write links.
func (b *builder) connectOrCreate(e *schema.Entity, path string, c ConnectOrCreate, fixed map[string]any, deps []int, parentRel string) int {
	key := b.uniqueKey(e, joinPath(path, "where"), c.Where)
	createPath := joinPath(path, "create")
	values := b.createValues(e, createPath, c.Create)
	var link []planner.Assignment
	for _, k := range sortedKeys(fixed) {
		if _, dup := values[k]; dup {
			b.issue(joinPath(createPath, k), "is set by the parent relation")
		}
		values[k] = fixed[k]
		link = append(link, planner.Assignment{Field: k, Op: planner.OpSet, Value: fixed[k]})
	}
	b.checkRequired(e, createPath, values)
	b.checkRequiredRelations(e, createPath, values, nil, parentRel)

	return b.add(StepBranch, e, path, deps, func(ctx context.Context, rs *runState) (planner.Record, error) {
		row, err := rs.selectOne(ctx, e, filter.MatchAll(key))
		if err != nil {
			return nil, err
		}
		if row == nil {
			return rs.insert(ctx, e, values)
		}
		if len(link) == 0 {
			return row, nil
		}
		return rs.update(ctx, e, row, link)
	}).ID
}

// insertMany plans a multi-row insert of rows with fixed merged into each.
func (b *builder) insertMany(e *schema.Entity, path string, rows []map[string]any, skipDuplicates bool, fixed map[string]any, deps []int) *Step {
	prepared := make([]map[string]any, len(rows))
	for i, row := range rows {
		p := indexPath(path, i)
		values := b.createValues(e, p, row)
		for _, k := range sortedKeys(fixed) {
			if _, dup := values[k]; dup {
				b.issue(joinPath(p, k), "is set by the parent relation")
			}
			values[k] = fixed[k]
		}
		b.checkRequired(e, p, values)
		b.checkRequiredRelations(e, p, values, nil, "")
		prepared[i] = values
	}
	if !skipDuplicates {
		b.checkBatchUniques(e, path, prepared)
	}
	return b.add(StepInsertMany, e, path, deps, func(ctx context.Context, rs *runState) (planner.Record, error) {
		resolved := make([]map[string]any, len(prepared))
		for i, values := range prepared {
			v, err := rs.values(ctx, values)
			if err != nil {
				return nil, err
			}
			resolved[i] = v
		}
		queries, err := rs.sql.PlanInsertMany(e, resolved, skipDuplicates)
		if err != nil {
			return nil, err
		}
		for _, q := range queries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := rs.exec1(ctx, e, q); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

// checkBatchUniques rejects rows that repeat a unique key within one batch.
func (b *builder) checkBatchUniques(e *schema.Entity, path string, rows []map[string]any) {
	for _, key := range e.UniqueKeys() {
		first := map[string]int{}
		for i, row := range rows {
			values := make([]any, len(key))
			known := true
			for j, name := range key {
				v, ok := row[name]
				if _, isRef := v.(ref); !ok || v == nil || isRef {
					known = false
					break
				}
				values[j] = v
			}
			if !known {
				continue
			}
			k := planner.ParentTuple{Values: values}.Key()
			if prev, dup := first[k]; dup {
				b.issue(joinPath(indexPath(path, i), strings.Join(key, "+")), "duplicates row %d on unique (%s)", prev, strings.Join(key, ", "))
				continue
			}
			first[k] = i
		}
	}
}

// createRows coerces the scalars of a create list with fixed merged into
// each row. Values that do not coerce are left out; create reports them.
func createRows(e *schema.Entity, creates []Data, fixed map[string]any) []map[string]any {
	rows := make([]map[string]any, len(creates))
	for i, d := range creates {
		row := make(map[string]any, len(d.Scalars)+len(fixed))
		for name, raw := range d.Scalars {
			f, ok := e.Field(name)
			if !ok {
				continue
			}
			if v, err := f.Coerce(raw); err == nil {
				row[name] = v
			}
		}
		for k, v := range fixed {
			row[k] = v
		}
		rows[i] = row
	}
	return rows
}

// targetWrites plans writes on a relation whose foreign key lives on the
// target. parent is the step producing the parent row; every write runs
// after it.
func (b *builder) targetWrites(e *schema.Entity, rel *schema.Relation, path string, n Nested, parent int, inUpdate bool) {
	target := b.m.reg.Target(rel)
	fk := refsTo(parent, rel.ForeignFields, rel.LocalFields)
	fkNullable := fieldsNullable(target, rel.ForeignFields)
	link := make([]planner.Assignment, 0, len(rel.ForeignFields))
	for _, k := range sortedKeys(fk) {
		link = append(link, planner.Assignment{Field: k, Op: planner.OpSet, Value: fk[k]})
	}
	related := func(ctx context.Context, rs *runState, key map[string]any) (filter.Predicate, error) {
		pred, err := rs.matchRefs(ctx, fk)
		if err != nil {
			return nil, err
		}
		if len(key) == 0 {
			return pred, nil
		}
		return filter.And{filter.MatchAll(key), pred}, nil
	}

	deps := []int{parent}
	linksNew := len(n.Create) > 0 || len(n.Connect) > 0 || len(n.ConnectOrCreate) > 0
	if inUpdate && !rel.ToMany() && linksNew {
		deps = append(deps, b.replaceCurrent(e, target, rel, path, parent, fkNullable, related).ID)
	}

	if n.Set != nil {
		p := joinPath(path, "set")
		if !fkNullable {
			b.issue(p, "cannot disconnect rows of %s: %s is required", target.Name, strings.Join(rel.ForeignFields, ", "))
		}
		keys := make([]map[string]any, len(n.Set))
		for i, u := range n.Set {
			keys[i] = b.uniqueKey(target, indexPath(p, i), u)
		}
		detach := b.detach(target, p, rel.ForeignFields, func(ctx context.Context, rs *runState) (filter.Predicate, error) {
			pred, err := related(ctx, rs, nil)
			if err != nil || len(keys) == 0 {
				return pred, err
			}
			keep := make(filter.Or, len(keys))
			for i, k := range keys {
				keep[i] = filter.MatchAll(k)
			}
			return filter.And{pred, filter.Not{Pred: keep}}, nil
		}, deps)
		for i, u := range n.Set {
			b.connectExisting(target, indexPath(p, i), u, link, []int{parent, detach.ID})
		}
	}

	if len(n.Create) > 1 {
		b.checkBatchUniques(target, joinPath(path, "create"), createRows(target, n.Create, fk))
	}
	for i, d := range n.Create {
		b.create(target, indexPath(joinPath(path, "create"), i), d, fk, deps, rel.Inverse)
	}
	if len(n.CreateMany) > 0 {
		b.insertMany(target, joinPath(path, "createMany"), n.CreateMany, n.SkipDuplicates, fk, deps)
	}
	for i, u := range n.Connect {
		b.connectExisting(target, indexPath(joinPath(path, "connect"), i), u, link, deps)
	}
	for i, c := range n.ConnectOrCreate {
		b.connectOrCreate(target, indexPath(joinPath(path, "connectOrCreate"), i), c, fk, deps, rel.Inverse)
	}

	for i, u := range n.Disconnect {
		p := indexPath(joinPath(path, "disconnect"), i)
		if !fkNullable {
			b.issue(p, "cannot disconnect %s: %s is required", target.Name, strings.Join(rel.ForeignFields, ", "))
			continue
		}
		key := b.optionalKey(target, rel, p, u)
		b.detach(target, p, rel.ForeignFields, func(ctx context.Context, rs *runState) (filter.Predicate, error) {
			return related(ctx, rs, key)
		}, deps)
	}
	for i, u := range n.Delete {
		p := indexPath(joinPath(path, "delete"), i)
		key := b.optionalKey(target, rel, p, u)
		b.deleteRows(target, p, func(ctx context.Context, rs *runState) (filter.Predicate, error) {
			return related(ctx, rs, key)
		}, deps, false, nil)
	}
	for i, nu := range n.Update {
		p := indexPath(joinPath(path, "update"), i)
		key := b.optionalKey(target, rel, joinPath(p, "where"), nu.Where)
		assigns := b.assignments(target, joinPath(p, "data"), nu.Scalars)
		b.add(StepUpdate, target, p, deps, func(ctx context.Context, rs *runState) (planner.Record, error) {
			pred, err := related(ctx, rs, key)
			if err != nil {
				return nil, err
			}
			row, err := rs.selectOne(ctx, target, pred)
			if err != nil {
				return nil, err
			}
			if row == nil {
				return nil, &engineerr.NotFoundError{Kind: "record", Name: fmt.Sprintf("%s related through %s.%s", target.Name, e.Name, rel.Name)}
			}
			if len(assigns) == 0 {
				return row, nil
			}
			return rs.update(ctx, target, row, assigns)
		})
	}
	if n.Upsert != nil {
		p := joinPath(path, "upsert")
		values := b.createValues(target, joinPath(p, "create"), n.Upsert.Create)
		for _, k := range sortedKeys(fk) {
			if _, dup := values[k]; dup {
				b.issue(joinPath(joinPath(p, "create"), k), "is set by the parent relation")
			}
			values[k] = fk[k]
		}
		b.checkRequired(target, joinPath(p, "create"), values)
		b.checkRequiredRelations(target, joinPath(p, "create"), values, nil, rel.Inverse)
		assigns := b.assignments(target, joinPath(p, "update"), n.Upsert.Update)
		b.add(StepBranch, target, p, deps, func(ctx context.Context, rs *runState) (planner.Record, error) {
			pred, err := related(ctx, rs, nil)
			if err != nil {
				return nil, err
			}
			row, err := rs.selectOne(ctx, target, pred)
			if err != nil {
				return nil, err
			}
			if row == nil {
				return rs.insert(ctx, target, values)
			}
			if len(assigns) == 0 {
				return row, nil
			}
			return rs.update(ctx, target, row, assigns)
		})
	}
}

// optionalKey coerces the selector of a to-many disconnect, delete or
// update, and accepts an empty selector on a to-one relation.
func (b *builder) optionalKey(e *schema.Entity, rel *schema.Relation, path string, u Unique) map[string]any {
	if len(u) == 0 {
		if rel.ToMany() {
			b.issue(path, "a unique selector is required on a to-many relation")
		}
		return nil
	}
	return b.uniqueKey(e, path, u)
}

// connectExisting plans pointing an existing row at the parent.
func (b *builder) connectExisting(e *schema.Entity, path string, u Unique, link []planner.Assignment, deps []int) {
	found := b.lookup(e, path, u, nil)
	b.add(StepUpdate, e, path, append(append([]int(nil), deps...), found), func(ctx context.Context, rs *runState) (planner.Record, error) {
		return rs.update(ctx, e, rs.outputs[found], link)
	})
}

// replaceCurrent plans releasing the row currently related through a to-one
// relation before another one is linked. A required foreign key cannot be
// released, so an existing related row then fails the write.
func (b *builder) replaceCurrent(e, target *schema.Entity, rel *schema.Relation, path string, parent int, fkNullable bool, related func(context.Context, *runState, map[string]any) (filter.Predicate, error)) *Step {
	where := func(ctx context.Context, rs *runState) (filter.Predicate, error) {
		return related(ctx, rs, nil)
	}
	if fkNullable {
		return b.detach(target, path, rel.ForeignFields, where, []int{parent})
	}
	return b.add(StepGuard, target, path, []int{parent}, func(ctx context.Context, rs *runState) (planner.Record, error) {
		pred, err := where(ctx, rs)
		if err != nil {
			return nil, err
		}
		row, err := rs.selectOne(ctx, target, pred)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return nil, &engineerr.ConstraintError{
				Kind:    engineerr.ConstraintRequiredRelation,
				Entity:  e.Name,
				Target:  target.Name,
				Message: fmt.Sprintf("%s.%s already has a related %s that requires it; delete that row first", e.Name, rel.Name, target.Name),
			}
		}
		return nil, nil
	})
}

// detach plans setting fields to NULL on every e row matching where.
func (b *builder) detach(e *schema.Entity, path string, fields []string, where func(context.Context, *runState) (filter.Predicate, error), deps []int) *Step {
	nulls := make([]planner.Assignment, len(fields))
	for i, f := range fields {
		nulls[i] = planner.Assignment{Field: f, Op: planner.OpSet, Value: nil}
	}
	return b.add(StepDetach, e, path, deps, func(ctx context.Context, rs *runState) (planner.Record, error) {
		pred, err := where(ctx, rs)
		if err != nil {
			return nil, err
		}
		q, err := rs.sql.PlanUpdate(e, nulls, pred)
		if err != nil {
			return nil, err
		}
		_, err = rs.exec1(ctx, e, q)
		return nil, err
	})
}
