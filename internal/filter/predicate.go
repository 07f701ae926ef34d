// Package filter compiles predicate trees over an entity into SQL conditions.
//
// A predicate is a closed set of node types: Compare on a scalar field, the
// boolean combinators And, Or and Not, and Related, which quantifies a nested
// predicate over the rows of a relation. The compiler walks the tree with a
// type switch, so every node kind is handled in one place.
package filter

import "sort"

// Op is a scalar comparison operator.
type Op string

const (
	OpEquals     Op = "equals"
	OpNot        Op = "not"
	OpIn         Op = "in"
	OpNotIn      Op = "notIn"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
	OpIsNull     Op = "isNull"
)

// Quantifier says how a nested predicate applies to the rows of a relation.
type Quantifier string

const (
	// Some holds when at least one related row matches.
	Some Quantifier = "some"
	// Every holds when no related row fails to match.
	Every Quantifier = "every"
	// None holds when no related row matches.
	None Quantifier = "none"
	// Is holds when the single related row matches. A nil Where means the
	// relation is absent.
	Is Quantifier = "is"
	// IsNot holds when the single related row is absent or does not match. A
	// nil Where means the relation is present.
	IsNot Quantifier = "isNot"
)

// Predicate is a node of a filter tree.
type Predicate interface {
	predicate()
}

// Compare tests one scalar field.
type Compare struct {
	Field string
	Op    Op
	Value any
	// Insensitive compares text case-insensitively.
	Insensitive bool
}

// And holds when every child holds. An empty And is true.
type And []Predicate

// Or holds when any child holds. An empty Or is false.
type Or []Predicate

// Not negates its child.
type Not struct {
	Pred Predicate
}

// Related applies Where to the rows reached through Relation.
type Related struct {
	Relation   string
	Quantifier Quantifier
	Where      Predicate
}

func (Compare) predicate() {}
func (And) predicate()     {}
func (Or) predicate()      {}
func (Not) predicate()     {}
func (Related) predicate() {}

// Eq is shorthand for an equals comparison.
func Eq(field string, value any) Compare {
	return Compare{Field: field, Op: OpEquals, Value: value}
}

// In is shorthand for an in comparison.
func In(field string, values ...any) Compare {
	return Compare{Field: field, Op: OpIn, Value: values}
}

// Cmp builds a comparison with any operator.
func Cmp(field string, op Op, value any) Compare {
	return Compare{Field: field, Op: op, Value: value}
}

// MatchAll returns an And of equals comparisons over values, in field-name
// order. It is how unique-key lookups are expressed.
func MatchAll(values map[string]any) Predicate {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(And, 0, len(names))
	for _, name := range names {
		out = append(out, Eq(name, values[name]))
	}
	return out
}

// Join combines predicates with And, dropping nils. It returns nil when
// nothing is left and the single predicate when only one is.
func Join(preds ...Predicate) Predicate {
	var out And
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}
