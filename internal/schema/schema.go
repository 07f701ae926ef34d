// Package schema holds the static description of entities, fields, relations
// and constraints that every other engine component consults.
//
// A Registry is built once by Register and is read-only afterwards, so it can
// be shared by any number of goroutines. Entities live in an arena indexed by
// EntityID; relations point at their target through that index rather than by
// name.
package schema

import (
	"slices"
	"sort"

	"relengine/internal/engineerr"
)

// EntityID is the stable arena index of an entity within its registry.
type EntityID int

// DefaultPolicy describes how a field gets a value when a create omits it.
type DefaultPolicy int

const (
	// DefaultNone means the field must be supplied unless it is nullable.
	DefaultNone DefaultPolicy = iota
	// DefaultLiteral uses Field.DefaultValue.
	DefaultLiteral
	// DefaultAutoIncrement lets the store generate the value.
	DefaultAutoIncrement
	// DefaultNow uses the store's current timestamp.
	DefaultNow
	// DefaultStore defers to a store-side default the engine cannot see.
	DefaultStore
)

// Field describes one scalar column of an entity.
type Field struct {
	Name         string
	Column       string
	Kind         Kind
	Nullable     bool
	Default      DefaultPolicy
	DefaultValue any
}

// HasDefault reports whether a create may omit the field.
func (f *Field) HasDefault() bool {
	return f.Default != DefaultNone
}

// Cardinality of a relation, seen from its source entity.
type Cardinality int

const (
	OneToOne Cardinality = iota
	OneToMany
	ManyToOne
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "one-to-one"
	case OneToMany:
		return "one-to-many"
	case ManyToOne:
		return "many-to-one"
	default:
		return "unknown"
	}
}

// Relation links a source entity to a target entity. Rows are related when
// source.LocalFields[i] equals target.ForeignFields[i] for every i. Exactly one
// side holds the foreign key: the source when OwnedBySource is true, the target
// otherwise.
type Relation struct {
	Name          string
	Source        EntityID
	Target        EntityID
	Cardinality   Cardinality
	OwnedBySource bool
	LocalFields   []string
	ForeignFields []string
	// Optional is false when a source row must always have a related row.
	Optional bool
	// Inverse names the paired relation on the target, if one exists.
	Inverse string
}

// ToMany reports whether the relation resolves to a list.
func (r *Relation) ToMany() bool {
	return r.Cardinality == OneToMany
}

// Entity describes a record type.
type Entity struct {
	ID         EntityID
	Name       string
	Table      string
	Fields     []Field
	PrimaryKey []string
	Uniques    [][]string
	Relations  []Relation

	fieldIndex    map[string]int
	relationIndex map[string]int
}

// Field returns the named field.
func (e *Entity) Field(name string) (*Field, bool) {
	idx, ok := e.fieldIndex[name]
	if !ok {
		return nil, false
	}
	return &e.Fields[idx], true
}

// Relation returns the named relation.
func (e *Entity) Relation(name string) (*Relation, bool) {
	idx, ok := e.relationIndex[name]
	if !ok {
		return nil, false
	}
	return &e.Relations[idx], true
}

// FieldNames returns every field name in declaration order.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i := range e.Fields {
		names[i] = e.Fields[i].Name
	}
	return names
}

// UniqueKeys returns the primary key followed by every unique constraint.
func (e *Entity) UniqueKeys() [][]string {
	keys := make([][]string, 0, len(e.Uniques)+1)
	if len(e.PrimaryKey) > 0 {
		keys = append(keys, e.PrimaryKey)
	}
	return append(keys, e.Uniques...)
}

// IsUnique reports whether fields, in any order, form the primary key or a
// declared unique constraint.
func (e *Entity) IsUnique(fields []string) bool {
	want := sortedCopy(fields)
	for _, key := range e.UniqueKeys() {
		if slices.Equal(sortedCopy(key), want) {
			return true
		}
	}
	return false
}

// MatchUniqueKey returns the first unique key fully covered by values.
func (e *Entity) MatchUniqueKey(values map[string]any) ([]string, bool) {
	for _, key := range e.UniqueKeys() {
		covered := true
		for _, f := range key {
			if v, ok := values[f]; !ok || v == nil {
				covered = false
				break
			}
		}
		if covered {
			return key, true
		}
	}
	return nil, false
}

// Registry is the immutable set of registered entities.
type Registry struct {
	entities []*Entity
	byName   map[string]EntityID
}

// Resolve looks up an entity by name.
func (r *Registry) Resolve(name string) (*Entity, error) {
	id, ok := r.byName[name]
	if !ok {
		return nil, &engineerr.NotFoundError{Kind: "entity", Name: name}
	}
	return r.entities[id], nil
}

// Entity returns the entity at id. It panics on an id from another registry.
func (r *Registry) Entity(id EntityID) *Entity {
	return r.entities[id]
}

// Source returns the entity a relation is declared on.
func (r *Registry) Source(rel *Relation) *Entity {
	return r.entities[rel.Source]
}

// Target returns the entity a relation points at.
func (r *Registry) Target(rel *Relation) *Entity {
	return r.entities[rel.Target]
}

// Entities returns every entity in registration order.
func (r *Registry) Entities() []*Entity {
	return slices.Clone(r.entities)
}

// InverseOf returns the paired relation on the target, if declared.
func (r *Registry) InverseOf(rel *Relation) (*Relation, bool) {
	if rel.Inverse == "" {
		return nil, false
	}
	return r.Target(rel).Relation(rel.Inverse)
}

// Referencing returns every relation, on any entity, whose foreign key points
// at e. These are the relations a delete of e must account for.
func (r *Registry) Referencing(e *Entity) []*Relation {
	var out []*Relation
	for _, other := range r.entities {
		for i := range other.Relations {
			rel := &other.Relations[i]
			if rel.OwnedBySource && rel.Target == e.ID {
				out = append(out, rel)
			}
		}
	}
	return out
}

func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	sort.Strings(out)
	return out
}
