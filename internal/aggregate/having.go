package aggregate

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/planner"
	"relengine/internal/schema"
	"relengine/internal/sqlutil"
)

// Having filters groups. Leaves compare a metric of the group, or a grouped
// field, with a value.
type Having interface {
	having()
}

// HavingAnd holds when every child holds; an empty HavingAnd always holds.
type HavingAnd []Having

// HavingOr holds when any child holds; an empty HavingOr never holds.
type HavingOr []Having

// HavingNot negates Cond.
type HavingNot struct {
	Cond Having
}

// HavingCompare compares Func applied to Field with Value. With an empty
// Func it compares the grouped field itself; a count with an empty Field
// counts the group's rows.
type HavingCompare struct {
	Func  planner.AggregateFunc
	Field string
	Op    filter.Op
	Value any
}

func (HavingAnd) having()     {}
func (HavingOr) having()      {}
func (HavingNot) having()     {}
func (HavingCompare) having() {}

// compileHaving binds h to the grouped row shape of e. Every problem in the
// tree is reported in one InvalidFilterError.
func compileHaving(e *schema.Entity, groupBy []string, h Having) (sq.Sqlizer, error) {
	if h == nil {
		return nil, nil
	}
	st := &havingState{e: e, groupBy: groupBy}
	cond := st.compile(h, "having")
	if !st.issues.Empty() {
		return nil, &engineerr.InvalidFilterError{Entity: e.Name, Issues: st.issues}
	}
	return cond, nil
}

type havingState struct {
	e       *schema.Entity
	groupBy []string
	issues  engineerr.Issues
}

func (s *havingState) compile(h Having, path string) sq.Sqlizer {
	switch n := h.(type) {
	case HavingAnd:
		if len(n) == 0 {
			return sq.Expr("1=1")
		}
		out := make(sq.And, 0, len(n))
		for i, child := range n {
			if c := s.compile(child, fmt.Sprintf("%s.AND[%d]", path, i)); c != nil {
				out = append(out, c)
			}
		}
		return out
	case HavingOr:
		if len(n) == 0 {
			return sq.Expr("1=0")
		}
		out := make(sq.Or, 0, len(n))
		for i, child := range n {
			if c := s.compile(child, fmt.Sprintf("%s.OR[%d]", path, i)); c != nil {
				out = append(out, c)
			}
		}
		return out
	case HavingNot:
		inner := s.compile(n.Cond, path+".NOT")
		if inner == nil {
			return nil
		}
		query, args, err := inner.ToSql()
		if err != nil {
			s.issues.Add(path, "build condition: %v", err)
			return nil
		}
		return sq.Expr("NOT ("+query+")", args...)
	case HavingCompare:
		return s.compare(n, path)
	default:
		s.issues.Add(path, "unsupported having node %T", h)
		return nil
	}
}

func (s *havingState) compare(c HavingCompare, path string) sq.Sqlizer {
	cmp := filter.Compare{Op: c.Op, Value: c.Value}
	if c.Func == "" {
		f, ok := s.e.Field(c.Field)
		if !ok {
			s.issues.Add(path, "unknown field %q on %s", c.Field, s.e.Name)
			return nil
		}
		if !contains(s.groupBy, c.Field) {
			s.issues.Add(path, "%q is not grouped; compare an aggregate of it instead", c.Field)
			return nil
		}
		cond, err := filter.CompareSQL(sqlutil.QuoteIdentifier(f.Column), f.Kind, f.Nullable, cmp)
		if err != nil {
			s.issues.Add(path, "%v", err)
			return nil
		}
		return cond
	}

	col := planner.AggregateColumn{Func: c.Func, Field: c.Field}
	expr, err := planner.AggregateExpr(s.e, col)
	if err != nil {
		s.issues.Add(path, "%v", err)
		return nil
	}
	// Every aggregate but a count is NULL over a group without values.
	cond, err := filter.CompareSQL(expr, col.ResultKind(s.e), c.Func != planner.AggCount, cmp)
	if err != nil {
		s.issues.Add(fmt.Sprintf("%s.%s", path, c.Func), "%v", err)
		return nil
	}
	return cond
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
