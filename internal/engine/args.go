package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"relengine/internal/aggregate"
	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/loader"
	"relengine/internal/mutation"
	"relengine/internal/planner"
	"relengine/internal/schema"
)

// Shape picks what a returned record carries. Select and Omit are mutually
// exclusive; Include attaches related rows and relation counts.
type Shape struct {
	Select  []string
	Omit    []string
	Include loader.Tree
}

type FindUniqueArgs struct {
	Where mutation.Unique
	Shape
}

type FindManyArgs struct {
	Where   filter.Predicate
	OrderBy []planner.OrderTerm
	// Cursor is a unique-key position; see planner.SelectSpec.
	Cursor map[string]any
	Take   *int
	Skip   int
	// Distinct keeps the first row of every combination of these fields.
	Distinct []string
	Shape
}

type CreateArgs struct {
	Data mutation.Data
	Shape
}

type CreateManyArgs struct {
	Data           []map[string]any
	SkipDuplicates bool
}

type UpdateArgs struct {
	Where mutation.Unique
	Data  mutation.Data
	Shape
}

type UpdateManyArgs struct {
	Where filter.Predicate
	Data  map[string]any
}

type UpdateManyAndReturnArgs struct {
	Where filter.Predicate
	Data  map[string]any
	Shape
}

type UpsertArgs struct {
	Where  mutation.Unique
	Create map[string]any
	Update map[string]any
	Shape
}

type DeleteArgs struct {
	Where mutation.Unique
	// Cascade deletes rows that require the deleted row instead of failing.
	Cascade bool
	Shape
}

type DeleteManyArgs struct {
	Where   filter.Predicate
	Cascade bool
}

type CountArgs struct {
	Where   filter.Predicate
	OrderBy []planner.OrderTerm
	Cursor  map[string]any
	Take    *int
	Skip    int
}

type AggregateArgs struct {
	Where   filter.Predicate
	OrderBy []planner.OrderTerm
	Cursor  map[string]any
	Take    *int
	Skip    int
	Metrics []planner.AggregateColumn
}

type GroupByArgs struct {
	By      []string
	Where   filter.Predicate
	Metrics []planner.AggregateColumn
	Having  aggregate.Having
	OrderBy []planner.OrderTerm
	Take    *int
	Skip    int
}

// BatchResult reports how many rows a batch-shaped write affected.
type BatchResult struct {
	Count int64
}

// check validates s against e, reporting every problem at once.
func (s Shape) check(reg *schema.Registry, e *schema.Entity) error {
	var issues engineerr.Issues
	if len(s.Select) > 0 && len(s.Omit) > 0 {
		issues.Add("select", "select and omit cannot be combined")
	}
	for _, name := range s.Select {
		if _, ok := e.Field(name); !ok {
			issues.Add("select", "unknown field %q on %s", name, e.Name)
		}
	}
	for _, name := range s.Omit {
		if _, ok := e.Field(name); !ok {
			issues.Add("omit", "unknown field %q on %s", name, e.Name)
		}
	}
	if len(s.Select) == 0 && len(s.Omit) > 0 && len(s.fields(e)) == 0 {
		issues.Add("omit", "omit leaves no field to return")
	}
	if err := loader.Validate(reg, e, s.Include); err != nil {
		var verr *engineerr.ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		issues = append(issues, verr.Issues...)
	}
	if !issues.Empty() {
		return &engineerr.ValidationError{Entity: e.Name, Issues: issues}
	}
	return nil
}

// fields returns the fields of e a shaped record keeps.
func (s Shape) fields(e *schema.Entity) []string {
	if len(s.Select) > 0 {
		return s.Select
	}
	if len(s.Omit) == 0 {
		return e.FieldNames()
	}
	omit := make(map[string]bool, len(s.Omit))
	for _, name := range s.Omit {
		omit[name] = true
	}
	var out []string
	for _, name := range e.FieldNames() {
		if !omit[name] {
			out = append(out, name)
		}
	}
	return out
}

// fetchFields returns the fields to read so the shape can be produced,
// followed by any extra fields the caller needs.
func (s Shape) fetchFields(e *schema.Entity, extra ...[]string) []string {
	out := append([]string(nil), s.fields(e)...)
	out = appendMissing(out, loader.RequiredFields(e, s.Include))
	for _, x := range extra {
		out = appendMissing(out, x)
	}
	return out
}

// project drops every field of e the shape does not keep. Attached
// relations and counts stay.
func (s Shape) project(e *schema.Entity, recs []planner.Record) {
	if len(s.Select) == 0 && len(s.Omit) == 0 {
		return
	}
	keep := make(map[string]bool)
	for _, name := range s.fields(e) {
		keep[name] = true
	}
	for _, rec := range recs {
		for _, name := range e.FieldNames() {
			if !keep[name] {
				delete(rec, name)
			}
		}
	}
}

// uniqueWhere turns a unique selector into a predicate. The selector must
// name exactly a primary key or unique constraint, with non-null values.
func uniqueWhere(e *schema.Entity, u mutation.Unique) (filter.Predicate, error) {
	names := make([]string, 0, len(u))
	for name := range u {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 || !e.IsUnique(names) {
		return nil, engineerr.NewValidation(e.Name, "where", "(%s) is not a unique key of %s", strings.Join(names, ", "), e.Name)
	}
	var issues engineerr.Issues
	key := make(map[string]any, len(u))
	for _, name := range names {
		f, _ := e.Field(name)
		v, err := f.Coerce(u[name])
		switch {
		case err != nil:
			issues.Add("where."+name, "%v", err)
		case v == nil:
			issues.Add("where."+name, "unique selector values cannot be null")
		default:
			key[name] = v
		}
	}
	if !issues.Empty() {
		return nil, &engineerr.ValidationError{Entity: e.Name, Issues: issues}
	}
	return filter.MatchAll(key), nil
}

func describeUnique(e *schema.Entity, u mutation.Unique) string {
	names := make([]string, 0, len(u))
	for name := range u {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%v", name, u[name])
	}
	return fmt.Sprintf("%s(%s)", e.Name, strings.Join(parts, ", "))
}

// primaryKeyOf extracts the primary key of rec as a unique selector.
func primaryKeyOf(e *schema.Entity, rec planner.Record) (mutation.Unique, error) {
	key := make(mutation.Unique, len(e.PrimaryKey))
	for _, name := range e.PrimaryKey {
		v, ok := rec[name]
		if !ok || v == nil {
			return nil, fmt.Errorf("written %s row carries no %s", e.Name, name)
		}
		key[name] = v
	}
	return key, nil
}

// keysWhere matches the rows with the given primary keys.
func keysWhere(e *schema.Entity, keys []planner.Record) filter.Predicate {
	if len(e.PrimaryKey) == 1 {
		values := make([]any, len(keys))
		for i, k := range keys {
			values[i] = k[e.PrimaryKey[0]]
		}
		return filter.In(e.PrimaryKey[0], values...)
	}
	out := make(filter.Or, len(keys))
	for i, k := range keys {
		match := make(map[string]any, len(e.PrimaryKey))
		for _, name := range e.PrimaryKey {
			match[name] = k[name]
		}
		out[i] = filter.MatchAll(match)
	}
	return out
}

func appendMissing(fields, extra []string) []string {
	for _, f := range extra {
		found := false
		for _, have := range fields {
			if have == f {
				found = true
				break
			}
		}
		if !found {
			fields = append(fields, f)
		}
	}
	return fields
}
