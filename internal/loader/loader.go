// Package loader attaches related rows to already-fetched parent records.
//
// Every node of an inclusion tree costs exactly one batched statement no
// matter how many parents it serves: parent keys are collected, deduplicated
// and sent in a single IN (or tuple IN) lookup, and the children are grouped
// back onto their parents in memory.
package loader

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"relengine/internal/dbexec"
	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/observability"
	"relengine/internal/planner"
	"relengine/internal/schema"
)

// CountKey is the record key under which relation counts are attached.
const CountKey = "_count"

// Tree is a requested inclusion tree rooted at one entity.
type Tree struct {
	Relations []Include
	// Counts attaches the number of related rows per named relation under
	// CountKey instead of the rows themselves.
	Counts []Count
}

// Empty reports whether the tree requests nothing.
func (t Tree) Empty() bool {
	return len(t.Relations) == 0 && len(t.Counts) == 0
}

// Include requests one relation. Where, OrderBy, Take and Skip are only
// accepted on to-many relations; Take and Skip apply per parent.
type Include struct {
	Relation string
	Select   []string
	Where    filter.Predicate
	OrderBy  []planner.OrderTerm
	Take     *int
	Skip     int
	Tree     Tree
}

// Count requests the related row count of a to-many relation.
type Count struct {
	Relation string
	Where    filter.Predicate
}

// Options tunes a Loader.
type Options struct {
	// MaxInClause splits a node's parent keys into chunks of at most this
	// many keys. Zero sends every key in one statement.
	MaxInClause int
	// Parallelism bounds concurrent sibling fetches. Values below 2 load
	// siblings one after another, which is required inside a transaction.
	Parallelism int
}

// Loader resolves inclusion trees.
type Loader struct {
	planner *planner.Planner
	reg     *schema.Registry
	opts    Options
}

// New creates a loader over p.
func New(p *planner.Planner, opts Options) *Loader {
	return &Loader{planner: p, reg: p.Registry(), opts: opts}
}

// Serial returns a copy of l that never fetches siblings concurrently.
func (l *Loader) Serial() *Loader {
	cp := *l
	cp.opts.Parallelism = 1
	return &cp
}

// RequiredFields returns the fields of e the parents must carry for tree to
// be loaded onto them.
func RequiredFields(e *schema.Entity, tree Tree) []string {
	var out []string
	for _, inc := range tree.Relations {
		if rel, ok := e.Relation(inc.Relation); ok {
			out = appendMissing(out, rel.LocalFields)
		}
	}
	for _, c := range tree.Counts {
		if rel, ok := e.Relation(c.Relation); ok {
			out = appendMissing(out, rel.LocalFields)
		}
	}
	return out
}

// Validate checks tree against e without touching the store, reporting every
// problem at once.
func Validate(reg *schema.Registry, e *schema.Entity, tree Tree) error {
	var issues engineerr.Issues
	validateTree(reg, e, tree, "include", &issues)
	if !issues.Empty() {
		return &engineerr.ValidationError{Entity: e.Name, Issues: issues}
	}
	return nil
}

func validateTree(reg *schema.Registry, e *schema.Entity, tree Tree, path string, issues *engineerr.Issues) {
	seen := map[string]bool{}
	for _, inc := range tree.Relations {
		p := path + "." + inc.Relation
		rel, ok := e.Relation(inc.Relation)
		if !ok {
			issues.Add(p, "unknown relation on %s", e.Name)
			continue
		}
		if seen[inc.Relation] {
			issues.Add(p, "relation is included more than once")
			continue
		}
		seen[inc.Relation] = true
		target := reg.Target(rel)
		if !rel.ToMany() && (inc.Where != nil || len(inc.OrderBy) > 0 || inc.Take != nil || inc.Skip != 0) {
			issues.Add(p, "where, orderBy, take and skip apply to to-many relations only")
		}
		if inc.Skip < 0 {
			issues.Add(p+".skip", "skip must be non-negative")
		}
		for _, name := range inc.Select {
			if _, ok := target.Field(name); !ok {
				issues.Add(p+".select", "unknown field %q on %s", name, target.Name)
			}
		}
		validateTree(reg, target, inc.Tree, p, issues)
	}
	for _, c := range tree.Counts {
		p := path + "." + CountKey + "." + c.Relation
		rel, ok := e.Relation(c.Relation)
		if !ok {
			issues.Add(p, "unknown relation on %s", e.Name)
			continue
		}
		if !rel.ToMany() {
			issues.Add(p, "counts apply to to-many relations only")
		}
	}
}

// Load attaches tree onto parents, which must be records of e carrying
// RequiredFields(e, tree). To-many relations attach a []planner.Record
// (possibly empty) and to-one relations a planner.Record or nil. A missing
// row behind a mandatory to-one relation is a ConsistencyError.
func (l *Loader) Load(ctx context.Context, exec dbexec.QueryExecutor, e *schema.Entity, parents []planner.Record, tree Tree) error {
	if len(parents) == 0 || tree.Empty() {
		return nil
	}

	type attachment func()
	var (
		mu       sync.Mutex
		attaches []attachment
	)
	collect := func(a attachment) {
		mu.Lock()
		attaches = append(attaches, a)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if l.opts.Parallelism > 1 {
		g.SetLimit(l.opts.Parallelism)
	} else {
		g.SetLimit(1)
	}
	for _, inc := range tree.Relations {
		g.Go(func() error {
			a, err := l.loadRelation(gctx, exec, e, parents, inc)
			if err != nil {
				return err
			}
			collect(a)
			return nil
		})
	}
	if len(tree.Counts) > 0 {
		g.Go(func() error {
			a, err := l.loadCounts(gctx, exec, e, parents, tree.Counts)
			if err != nil {
				return err
			}
			collect(a)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, a := range attaches {
		a()
	}
	return nil
}

// loadRelation fetches one include node and everything below it. The
// returned func attaches the children to parents; it runs after every
// sibling has finished so parent records are never written concurrently.
func (l *Loader) loadRelation(ctx context.Context, exec dbexec.QueryExecutor, e *schema.Entity, parents []planner.Record, inc Include) (func(), error) {
	rel, ok := e.Relation(inc.Relation)
	if !ok {
		return nil, &engineerr.NotFoundError{Kind: "relation", Name: e.Name + "." + inc.Relation}
	}
	target := l.reg.Target(rel)

	ctx, span := observability.StartSpan(ctx, "loader.relation",
		attribute.String("engine.entity", e.Name),
		attribute.String("engine.relation", rel.Name),
	)
	var err error
	defer func() { observability.FinishSpan(span, err) }()

	keys, err := parentKeys(parents, rel.LocalFields)
	if err != nil {
		return nil, err
	}

	requested := inc.Select
	if len(requested) == 0 {
		requested = target.FieldNames()
	}
	fields := appendMissing(append([]string(nil), requested...), RequiredFields(target, inc.Tree))

	var children []planner.Record
	reversed := false
	for _, chunk := range chunkTuples(keys, l.opts.MaxInClause) {
		plan, perr := l.planner.PlanRelationBatch(planner.BatchSpec{
			Target:      target,
			Fields:      fields,
			MatchFields: rel.ForeignFields,
			Keys:        chunk,
			Where:       inc.Where,
			OrderBy:     inc.OrderBy,
			Take:        inc.Take,
			Skip:        inc.Skip,
		})
		if perr != nil {
			err = perr
			return nil, err
		}
		if plan.Query.SQL == "" {
			continue
		}
		reversed = plan.Reversed
		recs, qerr := query(ctx, exec, plan.Query, target, plan.Fields)
		if qerr != nil {
			err = qerr
			return nil, err
		}
		observability.EngineMetricsFromContext(ctx).RecordBatchFetch(ctx, rel.Name, len(chunk), len(recs))
		children = append(children, recs...)
	}

	if err = l.Load(ctx, exec, target, children, inc.Tree); err != nil {
		return nil, err
	}

	grouped := make(map[string][]planner.Record, len(keys))
	for _, child := range children {
		key := child.Tuple(rel.ForeignFields).Key()
		grouped[key] = append(grouped[key], child)
	}
	if reversed {
		for _, group := range grouped {
			reverse(group)
		}
	}
	keep := make(map[string]bool, len(requested))
	for _, f := range requested {
		keep[f] = true
	}
	for _, child := range children {
		for _, f := range target.FieldNames() {
			if !keep[f] {
				delete(child, f)
			}
		}
	}

	var missing error
	if !rel.ToMany() && !rel.Optional {
		for _, parent := range parents {
			tuple := parent.Tuple(rel.LocalFields)
			if tuple.HasNull() {
				continue
			}
			if len(grouped[tuple.Key()]) == 0 {
				missing = &engineerr.ConsistencyError{Entity: e.Name, Relation: rel.Name, Key: fmt.Sprint(tuple.Values...)}
				break
			}
		}
	}
	if missing != nil {
		err = missing
		return nil, err
	}

	return func() {
		for _, parent := range parents {
			tuple := parent.Tuple(rel.LocalFields)
			var group []planner.Record
			if !tuple.HasNull() {
				group = grouped[tuple.Key()]
			}
			if rel.ToMany() {
				if group == nil {
					group = []planner.Record{}
				}
				parent[rel.Name] = group
				continue
			}
			if len(group) == 0 {
				parent[rel.Name] = nil
				continue
			}
			parent[rel.Name] = group[0]
		}
	}, nil
}

// loadCounts issues one grouped COUNT per counted relation.
func (l *Loader) loadCounts(ctx context.Context, exec dbexec.QueryExecutor, e *schema.Entity, parents []planner.Record, counts []Count) (func(), error) {
	perRelation := make(map[string]map[string]int64, len(counts))
	for _, c := range counts {
		rel, ok := e.Relation(c.Relation)
		if !ok {
			return nil, &engineerr.NotFoundError{Kind: "relation", Name: e.Name + "." + c.Relation}
		}
		target := l.reg.Target(rel)
		keys, err := parentKeys(parents, rel.LocalFields)
		if err != nil {
			return nil, err
		}
		totals := map[string]int64{}
		for _, chunk := range chunkTuples(keys, l.opts.MaxInClause) {
			q, err := l.planner.PlanRelationCount(target, rel.ForeignFields, chunk, c.Where)
			if err != nil {
				return nil, err
			}
			if q.SQL == "" {
				continue
			}
			rows, err := exec.QueryContext(ctx, q.SQL, q.Args...)
			if err != nil {
				return nil, engineerr.Normalize(err)
			}
			raw, err := planner.ScanRaw(rows, len(rel.ForeignFields)+1)
			if err != nil {
				return nil, engineerr.Normalize(err)
			}
			for _, row := range raw {
				values := make([]any, len(rel.ForeignFields))
				for i, name := range rel.ForeignFields {
					f, _ := target.Field(name)
					v, err := f.Decode(row[i])
					if err != nil {
						return nil, err
					}
					values[i] = v
				}
				n, err := schema.DecodeKind(schema.KindInt, row[len(row)-1])
				if err != nil {
					return nil, err
				}
				totals[planner.ParentTuple{Values: values}.Key()] = n.(int64)
			}
			observability.EngineMetricsFromContext(ctx).RecordBatchFetch(ctx, rel.Name+"._count", len(chunk), len(raw))
		}
		perRelation[rel.Name] = totals
	}

	return func() {
		for _, parent := range parents {
			out := make(map[string]int64, len(counts))
			for _, c := range counts {
				rel, _ := e.Relation(c.Relation)
				tuple := parent.Tuple(rel.LocalFields)
				out[c.Relation] = 0
				if !tuple.HasNull() {
					out[c.Relation] = perRelation[c.Relation][tuple.Key()]
				}
			}
			parent[CountKey] = out
		}
	}, nil
}

func query(ctx context.Context, exec dbexec.QueryExecutor, q planner.SQLQuery, e *schema.Entity, fields []string) ([]planner.Record, error) {
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
