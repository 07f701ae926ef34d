// Package mutation plans and executes writes, including nested writes that
// span several entities.
//
// Planning is pure: a payload is validated in full and turned into a Plan,
// an ordered list of steps where every step emits primitive statements and
// may read values produced by the steps it depends on. Steps are ordered
// topologically so each foreign key is written only after the row it
// references exists. Execute runs the steps in that order against one
// executor, which the caller binds to a transaction.
package mutation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/planner"
	"relengine/internal/schema"
)

// StepKind names what a step does.
type StepKind string

const (
	StepLookup     StepKind = "lookup"
	StepInsert     StepKind = "insert"
	StepInsertMany StepKind = "insertMany"
	StepUpdate     StepKind = "update"
	StepDelete     StepKind = "delete"
	StepDetach     StepKind = "detach"
	StepGuard      StepKind = "guard"
	StepBranch     StepKind = "branch"
)

// Step is one node of a plan.
type Step struct {
	ID     int
	Kind   StepKind
	Entity string
	// Path locates the payload part the step came from, e.g. data.posts.create[1].
	Path string
	Deps []int

	entity *schema.Entity
	// counts adds the step's affected rows to the plan result.
	counts bool
	run    func(ctx context.Context, rs *runState) (planner.Record, error)
}

func (s Step) String() string {
	if s.Path == "" {
		return fmt.Sprintf("%s %s", s.Kind, s.Entity)
	}
	return fmt.Sprintf("%s %s (%s)", s.Kind, s.Entity, s.Path)
}

// Plan is a validated, ordered list of steps.
type Plan struct {
	Entity *schema.Entity
	Steps  []Step
	// root is the ID of the step whose output is the plan's record.
	root int
}

// Describe lists the steps in execution order.
func (p *Plan) Describe() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.String()
	}
	return out
}

// Result is the outcome of an executed plan.
type Result struct {
	// Record is the root row's known values; it always holds the primary key
	// for single-row writes.
	Record planner.Record
	// Affected counts rows written by batch-shaped operations.
	Affected int64
}

// Options tunes a Planner.
type Options struct {
	// NativeUpsert lets upserts use the store's insert-or-update statement
	// when the payload allows it.
	NativeUpsert bool
	// MaxCascadeDepth bounds how deep a cascading delete may follow
	// required relations.
	MaxCascadeDepth int
}

const defaultMaxCascadeDepth = 8

// Planner builds and executes mutation plans.
type Planner struct {
	reg  *schema.Registry
	sql  *planner.Planner
	opts Options
}

// New creates a mutation planner on top of the statement planner.
func New(p *planner.Planner, opts Options) *Planner {
	if opts.MaxCascadeDepth <= 0 {
		opts.MaxCascadeDepth = defaultMaxCascadeDepth
	}
	return &Planner{reg: p.Registry(), sql: p, opts: opts}
}

// ref reads a field of the row another step produced.
type ref struct {
	step  int
	field string
}

type builder struct {
	m      *Planner
	steps  []*Step
	issues engineerr.Issues
}

func (m *Planner) newBuilder() *builder {
	return &builder{m: m}
}

func (b *builder) add(kind StepKind, e *schema.Entity, path string, deps []int, run func(context.Context, *runState) (planner.Record, error)) *Step {
	s := &Step{
		ID:     len(b.steps),
		Kind:   kind,
		Entity: e.Name,
		Path:   path,
		Deps:   compactDeps(deps),
		entity: e,
		run:    run,
	}
	b.steps = append(b.steps, s)
	return s
}

func (b *builder) issue(path, format string, args ...any) {
	b.issues.Add(path, format, args...)
}

// finish validates the collected issues and orders the steps.
func (b *builder) finish(e *schema.Entity, root int) (*Plan, error) {
	if !b.issues.Empty() {
		return nil, &engineerr.ValidationError{Entity: e.Name, Issues: b.issues}
	}
	ordered, err := topoSort(b.steps)
	if err != nil {
		return nil, err
	}
	return &Plan{Entity: e, Steps: ordered, root: root}, nil
}

// topoSort orders steps so that every step follows its dependencies. Among
// ready steps the one created first runs first, which keeps the order
// stable and close to payload order.
func topoSort(steps []*Step) ([]Step, error) {
	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for _, s := range steps {
		for _, d := range s.Deps {
			indegree[s.ID]++
			dependents[d] = append(dependents[d], s.ID)
		}
	}
	var ready []int
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	out := make([]Step, 0, len(steps))
	for len(ready) > 0 {
		sort.Ints(ready)
		id := ready[0]
		ready = ready[1:]
		out = append(out, *steps[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(out) != len(steps) {
		return nil, fmt.Errorf("mutation plan has a dependency cycle")
	}
	return out, nil
}

func compactDeps(deps []int) []int {
	seen := make(map[int]bool, len(deps))
	out := make([]int, 0, len(deps))
	for _, d := range deps {
		if d < 0 || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// createValues coerces the scalar part of a create payload.
func (b *builder) createValues(e *schema.Entity, path string, scalars map[string]any) map[string]any {
	values := make(map[string]any, len(scalars))
	for _, name := range sortedKeys(scalars) {
		p := joinPath(path, name)
		f, ok := e.Field(name)
		if !ok {
			b.issue(p, "unknown field on %s", e.Name)
			continue
		}
		raw := scalars[name]
		if _, isOp := raw.(FieldOp); isOp {
			b.issue(p, "arithmetic operators apply to updates only")
			continue
		}
		v, err := f.Coerce(raw)
		if err != nil {
			b.issue(p, "%v", err)
			continue
		}
		if v == nil && !f.Nullable {
			b.issue(p, "cannot be null")
			continue
		}
		values[name] = v
	}
	return values
}

// checkRequired reports every non-nullable field without a default that a
// create leaves unset.
func (b *builder) checkRequired(e *schema.Entity, path string, values map[string]any) {
	for i := range e.Fields {
		f := &e.Fields[i]
		if _, ok := values[f.Name]; ok {
			continue
		}
		if !f.Nullable && !f.HasDefault() {
			b.issue(joinPath(path, f.Name), "is required")
		}
	}
}

// checkRequiredRelations reports every mandatory relation a create of e
// leaves without a related row. relations is the nested part of the payload,
// and parentRel names the relation the parent write links. A mandatory
// relation with a non-nullable foreign key is already reported by
// checkRequired.
func (b *builder) checkRequiredRelations(e *schema.Entity, path string, values map[string]any, relations map[string]Nested, parentRel string) {
	for i := range e.Relations {
		rel := &e.Relations[i]
		if rel.Optional || rel.Name == parentRel {
			continue
		}
		n := relations[rel.Name]
		if len(n.Create) > 0 || len(n.CreateMany) > 0 || len(n.Connect) > 0 || len(n.ConnectOrCreate) > 0 {
			continue
		}
		if rel.OwnedBySource {
			if !fieldsNullable(e, rel.LocalFields) {
				continue
			}
			set := true
			for _, f := range rel.LocalFields {
				if v, ok := values[f]; !ok || v == nil {
					set = false
				}
			}
			if set {
				continue
			}
		}
		b.issue(joinPath(path, rel.Name), "is required: create or connect a related %s", b.m.reg.Target(rel).Name)
	}
}

// assignments coerces the scalar part of an update payload.
func (b *builder) assignments(e *schema.Entity, path string, scalars map[string]any) []planner.Assignment {
	out := make([]planner.Assignment, 0, len(scalars))
	for _, name := range sortedKeys(scalars) {
		p := joinPath(path, name)
		f, ok := e.Field(name)
		if !ok {
			b.issue(p, "unknown field on %s", e.Name)
			continue
		}
		a := planner.Assignment{Field: name, Op: planner.OpSet, Value: scalars[name]}
		if op, isOp := scalars[name].(FieldOp); isOp {
			if !f.Kind.Numeric() {
				b.issue(p, "%s requires a numeric field, %s is %s", op.Op, f.Name, f.Kind)
				continue
			}
			a.Op, a.Value = op.Op, op.Value
			if a.Value == nil {
				b.issue(p, "%s requires a value", op.Op)
				continue
			}
		}
		v, err := f.Coerce(a.Value)
		if err != nil {
			b.issue(p, "%v", err)
			continue
		}
		if v == nil && !f.Nullable {
			b.issue(p, "cannot be null")
			continue
		}
		a.Value = v
		out = append(out, a)
	}
	return out
}

// uniqueKey coerces a unique selector, which must name exactly a primary
// key or unique constraint with non-null values.
func (b *builder) uniqueKey(e *schema.Entity, path string, u Unique) map[string]any {
	names := sortedKeys(u)
	if len(names) == 0 || !e.IsUnique(names) {
		b.issue(path, "(%s) is not a unique key of %s", strings.Join(names, ", "), e.Name)
		return nil
	}
	key := make(map[string]any, len(u))
	for _, name := range names {
		f, _ := e.Field(name)
		v, err := f.Coerce(u[name])
		if err != nil {
			b.issue(joinPath(path, name), "%v", err)
			continue
		}
		if v == nil {
			b.issue(joinPath(path, name), "unique selector values cannot be null")
			continue
		}
		key[name] = v
	}
	return key
}

// fieldsNullable reports whether every field is nullable.
func fieldsNullable(e *schema.Entity, fields []string) bool {
	for _, name := range fields {
		f, ok := e.Field(name)
		if !ok || !f.Nullable {
			return false
		}
	}
	return true
}

// refsTo maps fields of the entity being written to fields of the row that
// step produces.
func refsTo(step int, fields, sourceFields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for i, f := range fields {
		out[f] = ref{step: step, field: sourceFields[i]}
	}
	return out
}

// keyPredicate matches the row whose primary key values are in row.
func keyPredicate(e *schema.Entity, row planner.Record) filter.Predicate {
	key := make(map[string]any, len(e.PrimaryKey))
	for _, name := range e.PrimaryKey {
		key[name] = row[name]
	}
	return filter.MatchAll(key)
}

func describeKey(e *schema.Entity, key map[string]any) string {
	parts := make([]string, 0, len(key))
	for _, name := range sortedKeys(key) {
		parts = append(parts, fmt.Sprintf("%s=%v", name, key[name]))
	}
	return fmt.Sprintf("%s(%s)", e.Name, strings.Join(parts, ", "))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func indexPath(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}
