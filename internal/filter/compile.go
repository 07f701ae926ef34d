package filter

import (
	"fmt"
	"reflect"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"relengine/internal/engineerr"
	"relengine/internal/schema"
	"relengine/internal/sqlutil"
)

// Compiler turns predicate trees into SQL conditions. It holds only the
// read-only registry and is safe for concurrent use.
type Compiler struct {
	reg *schema.Registry
}

// NewCompiler creates a compiler over reg.
func NewCompiler(reg *schema.Registry) *Compiler {
	return &Compiler{reg: reg}
}

// Compile binds p to entity. Columns are qualified with qualifier, which must
// already be quoted; an empty qualifier uses the entity table. A nil predicate
// compiles to a nil condition. Every unknown field, unknown relation and
// operator/kind mismatch in the tree is reported in one InvalidFilterError.
func (c *Compiler) Compile(entity *schema.Entity, qualifier string, p Predicate) (sq.Sqlizer, error) {
	if p == nil {
		return nil, nil
	}
	if qualifier == "" {
		qualifier = sqlutil.QuoteIdentifier(entity.Table)
	}
	st := &compileState{reg: c.reg}
	cond := st.compile(entity, qualifier, p, "where")
	if !st.issues.Empty() {
		return nil, &engineerr.InvalidFilterError{Entity: entity.Name, Issues: st.issues}
	}
	return cond, nil
}

type compileState struct {
	reg          *schema.Registry
	aliasCounter int
	issues       engineerr.Issues
}

func (s *compileState) nextAlias(table string) string {
	normalized := strings.NewReplacer("`", "", ".", "_").Replace(strings.TrimSpace(table))
	if normalized == "" {
		normalized = "rel"
	}
	s.aliasCounter++
	return fmt.Sprintf("__%s_%d", normalized, s.aliasCounter)
}

func (s *compileState) compile(e *schema.Entity, qualifier string, p Predicate, path string) sq.Sqlizer {
	switch n := p.(type) {
	case Compare:
		return s.compare(e, qualifier, n, path)
	case *Compare:
		if n == nil {
			s.issues.Add(path, "nil comparison")
			return nil
		}
		return s.compare(e, qualifier, *n, path)
	case And:
		if len(n) == 0 {
			return sq.Expr("1=1")
		}
		parts := make(sq.And, 0, len(n))
		for i, child := range n {
			if cond := s.compile(e, qualifier, child, fmt.Sprintf("%s.AND[%d]", path, i)); cond != nil {
				parts = append(parts, cond)
			}
		}
		if len(parts) == 1 {
			return parts[0]
		}
		return parts
	case Or:
		if len(n) == 0 {
			return sq.Expr("1=0")
		}
		parts := make(sq.Or, 0, len(n))
		for i, child := range n {
			if cond := s.compile(e, qualifier, child, fmt.Sprintf("%s.OR[%d]", path, i)); cond != nil {
				parts = append(parts, cond)
			}
		}
		if len(parts) == 1 {
			return parts[0]
		}
		return parts
	case Not:
		if n.Pred == nil {
			s.issues.Add(path+".NOT", "NOT requires a predicate")
			return nil
		}
		inner := s.compile(e, qualifier, n.Pred, path+".NOT")
		if inner == nil {
			return nil
		}
		return wrap("NOT (%s)", inner, s, path)
	case Related:
		return s.related(e, qualifier, n, path)
	case nil:
		s.issues.Add(path, "empty predicate")
		return nil
	default:
		s.issues.Add(path, "unsupported predicate %T", p)
		return nil
	}
}

func (s *compileState) compare(e *schema.Entity, qualifier string, cmp Compare, path string) sq.Sqlizer {
	f, ok := e.Field(cmp.Field)
	if !ok {
		s.issues.Add(path, "unknown field %q on %s", cmp.Field, e.Name)
		return nil
	}
	cond, err := CompareSQL(sqlutil.Qualify(qualifier, f.Column), f.Kind, f.Nullable, cmp)
	if err != nil {
		s.issues.Add(path+"."+cmp.Field, "%v", err)
		return nil
	}
	return cond
}

func (s *compileState) related(e *schema.Entity, qualifier string, r Related, path string) sq.Sqlizer {
	rel, ok := e.Relation(r.Relation)
	if !ok {
		s.issues.Add(path, "unknown relation %q on %s", r.Relation, e.Name)
		return nil
	}
	path = path + "." + r.Relation

	switch r.Quantifier {
	case Some, Every, None:
		if !rel.ToMany() {
			s.issues.Add(path, "%s applies to to-many relations; %s is %s", r.Quantifier, r.Relation, rel.Cardinality)
			return nil
		}
	case Is, IsNot:
		if rel.ToMany() {
			s.issues.Add(path, "%s applies to to-one relations; %s is %s", r.Quantifier, r.Relation, rel.Cardinality)
			return nil
		}
	default:
		s.issues.Add(path, "unknown relation quantifier %q", r.Quantifier)
		return nil
	}

	target := s.reg.Target(rel)
	alias := sqlutil.QuoteIdentifier(s.nextAlias(target.Table))
	corr := correlation(e, qualifier, rel, target, alias)

	var inner sq.Sqlizer
	if r.Where != nil {
		inner = s.compile(target, alias, r.Where, path+"."+string(r.Quantifier))
		if inner == nil {
			return nil
		}
	}

	switch r.Quantifier {
	case Some:
		return s.exists(true, target, alias, corr, inner, path)
	case None:
		return s.exists(false, target, alias, corr, inner, path)
	case Every:
		if inner == nil {
			return sq.Expr("1=1")
		}
		return s.exists(false, target, alias, corr, wrap("(CASE WHEN (%s) THEN 1 ELSE 0 END) = 0", inner, s, path), path)
	case Is:
		return s.exists(inner != nil, target, alias, corr, inner, path)
	default: // IsNot
		return s.exists(inner == nil, target, alias, corr, inner, path)
	}
}

// correlation pairs the target's join columns with the outer row's.
func correlation(e *schema.Entity, qualifier string, rel *schema.Relation, target *schema.Entity, alias string) []sq.Sqlizer {
	pairs := make([]sq.Sqlizer, len(rel.LocalFields))
	for i := range rel.LocalFields {
		local, _ := e.Field(rel.LocalFields[i])
		foreign, _ := target.Field(rel.ForeignFields[i])
		pairs[i] = sq.Expr(fmt.Sprintf("%s = %s",
			sqlutil.Qualify(alias, foreign.Column),
			sqlutil.Qualify(qualifier, local.Column),
		))
	}
	return pairs
}

func (s *compileState) exists(positive bool, target *schema.Entity, alias string, corr []sq.Sqlizer, inner sq.Sqlizer, path string) sq.Sqlizer {
	builder := sq.Select("1").
		From(fmt.Sprintf("%s AS %s", sqlutil.QuoteIdentifier(target.Table), alias)).
		PlaceholderFormat(sq.Question)
	for _, pair := range corr {
		builder = builder.Where(pair)
	}
	if inner != nil {
		builder = builder.Where(inner)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		s.issues.Add(path, "build subquery: %v", err)
		return nil
	}
	prefix := "EXISTS"
	if !positive {
		prefix = "NOT EXISTS"
	}
	return sq.Expr(fmt.Sprintf("%s (%s)", prefix, query), args...)
}

func wrap(format string, inner sq.Sqlizer, s *compileState, path string) sq.Sqlizer {
	query, args, err := inner.ToSql()
	if err != nil {
		s.issues.Add(path, "build condition: %v", err)
		return nil
	}
	return sq.Expr(fmt.Sprintf(format, query), args...)
}

// CompareSQL builds the condition for cmp against an arbitrary SQL
// expression of the given kind. It is shared by field filters and by having
// clauses over aggregate expressions.
func CompareSQL(expr string, kind schema.Kind, nullable bool, cmp Compare) (sq.Sqlizer, error) {
	if cmp.Insensitive && kind != schema.KindText {
		return nil, fmt.Errorf("insensitive mode applies to text, not %s", kind)
	}
	lhs := expr
	if cmp.Insensitive {
		lhs = "LOWER(" + expr + ")"
	}

	switch cmp.Op {
	case OpEquals, OpNot:
		if cmp.Value == nil {
			if !nullable {
				return nil, fmt.Errorf("%s null on a non-nullable %s", cmp.Op, kind)
			}
			if cmp.Op == OpEquals {
				return sq.Eq{expr: nil}, nil
			}
			return sq.NotEq{expr: nil}, nil
		}
		v, err := scalarValue(kind, cmp)
		if err != nil {
			return nil, err
		}
		if cmp.Op == OpEquals {
			return sq.Eq{lhs: v}, nil
		}
		return sq.NotEq{lhs: v}, nil

	case OpIn, OpNotIn:
		values, err := listValues(kind, cmp)
		if err != nil {
			return nil, err
		}
		if cmp.Op == OpIn {
			if len(values) == 0 {
				return sq.Expr("1=0"), nil
			}
			return sq.Eq{lhs: values}, nil
		}
		if len(values) == 0 {
			return sq.Expr("1=1"), nil
		}
		return sq.NotEq{lhs: values}, nil

	case OpLt, OpLte, OpGt, OpGte:
		if !kind.Ordered() {
			return nil, fmt.Errorf("operator %s is not supported for %s", cmp.Op, kind)
		}
		v, err := scalarValue(kind, cmp)
		if err != nil {
			return nil, err
		}
		switch cmp.Op {
		case OpLt:
			return sq.Lt{lhs: v}, nil
		case OpLte:
			return sq.LtOrEq{lhs: v}, nil
		case OpGt:
			return sq.Gt{lhs: v}, nil
		default:
			return sq.GtOrEq{lhs: v}, nil
		}

	case OpContains, OpStartsWith, OpEndsWith:
		if kind != schema.KindText {
			return nil, fmt.Errorf("operator %s is not supported for %s", cmp.Op, kind)
		}
		str, ok := cmp.Value.(string)
		if !ok {
			return nil, fmt.Errorf("operator %s requires a string, got %T", cmp.Op, cmp.Value)
		}
		if cmp.Insensitive {
			str = strings.ToLower(str)
		}
		pattern := sqlutil.EscapeLike(str)
		switch cmp.Op {
		case OpContains:
			pattern = "%" + pattern + "%"
		case OpStartsWith:
			pattern = pattern + "%"
		default:
			pattern = "%" + pattern
		}
		return sq.Expr(fmt.Sprintf("%s LIKE ? ESCAPE '%s'", lhs, sqlutil.LikeEscape), pattern), nil

	case OpIsNull:
		isNull, ok := cmp.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("isNull must be a boolean")
		}
		if !nullable {
			return nil, fmt.Errorf("isNull on a non-nullable %s", kind)
		}
		if isNull {
			return sq.Eq{expr: nil}, nil
		}
		return sq.NotEq{expr: nil}, nil

	default:
		return nil, fmt.Errorf("unknown filter operator %q", cmp.Op)
	}
}

func scalarValue(kind schema.Kind, cmp Compare) (any, error) {
	v, err := schema.CoerceKind(kind, cmp.Value)
	if err != nil {
		return nil, fmt.Errorf("operator %s: %w", cmp.Op, err)
	}
	if cmp.Insensitive {
		v = strings.ToLower(v.(string))
	}
	return v, nil
}

func listValues(kind schema.Kind, cmp Compare) ([]any, error) {
	rv := reflect.ValueOf(cmp.Value)
	if cmp.Value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("operator %s requires a list", cmp.Op)
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item := rv.Index(i).Interface()
		if item == nil {
			return nil, fmt.Errorf("operator %s does not accept null items", cmp.Op)
		}
		v, err := scalarValue(kind, Compare{Op: cmp.Op, Value: item, Insensitive: cmp.Insensitive})
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
