package schema

import (
	"fmt"
	"slices"
	"strings"

	"relengine/internal/engineerr"
	"relengine/internal/naming"
)

// EntityDef is the registration input for one entity.
type EntityDef struct {
	Name       string
	Table      string
	Fields     []Field
	PrimaryKey []string
	Uniques    [][]string
	Relations  []RelationDef
}

// RelationDef declares a relation. A definition that lists Fields owns the
// foreign key; one that leaves Fields empty is the inverse side of an owning
// relation on the target, named by Inverse or found by elimination.
type RelationDef struct {
	Name        string
	Target      string
	Cardinality Cardinality
	Fields      []string
	References  []string
	Inverse     string
	// Required marks the relation mandatory at creation time. An owning
	// relation with a non-nullable foreign key is always required.
	Required bool
}

type options struct {
	namer *naming.Namer
}

// Option customizes registration.
type Option func(*options)

// WithInferredInverses adds a named inverse relation for every owning relation
// that has none, using namer for the default name.
func WithInferredInverses(namer *naming.Namer) Option {
	return func(o *options) {
		if namer == nil {
			namer = naming.Default()
		}
		o.namer = namer
	}
}

type builder struct {
	reg    *Registry
	defs   []EntityDef
	issues engineerr.Issues
	// claimed tracks owning relations already paired with an inverse.
	claimed map[relKey]string
}

type relKey struct {
	entity   EntityID
	relation string
}

// Register validates defs and builds an immutable Registry. Every violation
// found is reported in one SchemaError.
func Register(defs []EntityDef, opts ...Option) (*Registry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	b := &builder{
		reg:     &Registry{byName: make(map[string]EntityID, len(defs))},
		defs:    defs,
		claimed: map[relKey]string{},
	}
	b.addEntities()
	b.addOwningRelations()
	b.addInverseRelations()
	if o.namer != nil {
		b.inferInverses(o.namer)
	}

	if !b.issues.Empty() {
		return nil, &engineerr.SchemaError{Issues: b.issues}
	}
	return b.reg, nil
}

func (b *builder) addEntities() {
	for i, def := range b.defs {
		path := def.Name
		if def.Name == "" {
			path = fmt.Sprintf("entities[%d]", i)
			b.issues.Add(path, "entity name is required")
		}
		if _, dup := b.reg.byName[def.Name]; dup {
			b.issues.Add(path, "entity is declared more than once")
			continue
		}

		e := &Entity{
			ID:            EntityID(len(b.reg.entities)),
			Name:          def.Name,
			Table:         def.Table,
			Fields:        slices.Clone(def.Fields),
			PrimaryKey:    slices.Clone(def.PrimaryKey),
			fieldIndex:    make(map[string]int, len(def.Fields)),
			relationIndex: make(map[string]int, len(def.Relations)),
		}
		if e.Table == "" {
			e.Table = def.Name
		}
		if len(e.Fields) == 0 {
			b.issues.Add(path, "entity has no fields")
		}
		for fi := range e.Fields {
			f := &e.Fields[fi]
			if f.Name == "" {
				b.issues.Add(fmt.Sprintf("%s.fields[%d]", path, fi), "field name is required")
				continue
			}
			if _, dup := e.fieldIndex[f.Name]; dup {
				b.issues.Add(path+"."+f.Name, "field is declared more than once")
				continue
			}
			if f.Column == "" {
				f.Column = f.Name
			}
			if f.Default == DefaultLiteral {
				if f.DefaultValue == nil && !f.Nullable {
					b.issues.Add(path+"."+f.Name, "literal default is null on a non-nullable field")
				} else if f.DefaultValue != nil {
					v, err := f.Coerce(f.DefaultValue)
					if err != nil {
						b.issues.Add(path+"."+f.Name, "invalid default: %v", err)
					}
					f.DefaultValue = v
				}
			}
			e.fieldIndex[f.Name] = fi
		}

		if len(e.PrimaryKey) == 0 {
			b.issues.Add(path, "entity has no primary key")
		}
		for _, name := range e.PrimaryKey {
			f, ok := e.Field(name)
			if !ok {
				b.issues.Add(path+".primaryKey", "unknown field %q", name)
				continue
			}
			if f.Nullable {
				b.issues.Add(path+"."+name, "primary key field cannot be nullable")
			}
		}

		b.addUniques(e, def.Uniques, path)

		b.reg.byName[def.Name] = e.ID
		b.reg.entities = append(b.reg.entities, e)
	}
}

func (b *builder) addUniques(e *Entity, uniques [][]string, path string) {
	seen := map[string]string{}
	if len(e.PrimaryKey) > 0 {
		seen[uniqueSignature(e.PrimaryKey)] = "primary key"
	}
	for ui, fields := range uniques {
		upath := fmt.Sprintf("%s.uniques[%d]", path, ui)
		if len(fields) == 0 {
			b.issues.Add(upath, "unique constraint has no fields")
			continue
		}
		valid := true
		for _, name := range fields {
			if _, ok := e.Field(name); !ok {
				b.issues.Add(upath, "unknown field %q", name)
				valid = false
			}
		}
		sig := uniqueSignature(fields)
		if prior, dup := seen[sig]; dup {
			b.issues.Add(upath, "unique constraint (%s) conflicts with %s", strings.Join(fields, ", "), prior)
			valid = false
		}
		if valid {
			seen[sig] = fmt.Sprintf("uniques[%d]", ui)
			e.Uniques = append(e.Uniques, slices.Clone(fields))
		}
	}
}

func uniqueSignature(fields []string) string {
	return strings.Join(sortedCopy(fields), "\x00")
}

func (b *builder) addOwningRelations() {
	for _, def := range b.defs {
		id, ok := b.reg.byName[def.Name]
		if !ok {
			continue
		}
		e := b.reg.entities[id]
		for _, rd := range def.Relations {
			if len(rd.Fields) == 0 {
				continue
			}
			path := e.Name + "." + rd.Name
			if !b.checkRelationName(e, rd.Name, path) {
				continue
			}
			if rd.Inverse != "" {
				b.issues.Add(path, "relation declares foreign key fields and an inverse; exactly one side may own the foreign key")
				continue
			}
			if rd.Cardinality == OneToMany {
				b.issues.Add(path, "a one-to-many relation cannot hold the foreign key; declare it on the target as many-to-one")
				continue
			}
			target, err := b.reg.Resolve(rd.Target)
			if err != nil {
				b.issues.Add(path, "unknown target entity %q", rd.Target)
				continue
			}

			refs := rd.References
			if len(refs) == 0 {
				refs = target.PrimaryKey
			}
			if len(refs) != len(rd.Fields) {
				b.issues.Add(path, "relation has %d foreign key field(s) but references %d", len(rd.Fields), len(refs))
				continue
			}

			valid := true
			nullable := false
			for i, name := range rd.Fields {
				local, ok := e.Field(name)
				if !ok {
					b.issues.Add(path, "unknown foreign key field %q", name)
					valid = false
					continue
				}
				remote, ok := target.Field(refs[i])
				if !ok {
					b.issues.Add(path, "unknown referenced field %s.%s", target.Name, refs[i])
					valid = false
					continue
				}
				if local.Kind != remote.Kind {
					b.issues.Add(path, "foreign key %s is %s but references %s.%s of kind %s",
						name, local.Kind, target.Name, remote.Name, remote.Kind)
					valid = false
				}
				nullable = nullable || local.Nullable
			}
			if !valid {
				continue
			}
			if !target.IsUnique(refs) {
				b.issues.Add(path, "referenced fields (%s) are not unique on %s", strings.Join(refs, ", "), target.Name)
				continue
			}
			if rd.Cardinality == OneToOne && !e.IsUnique(rd.Fields) {
				b.issues.Add(path, "one-to-one foreign key (%s) must be unique on %s", strings.Join(rd.Fields, ", "), e.Name)
				continue
			}

			b.appendRelation(e, Relation{
				Name:          rd.Name,
				Source:        e.ID,
				Target:        target.ID,
				Cardinality:   rd.Cardinality,
				OwnedBySource: true,
				LocalFields:   slices.Clone(rd.Fields),
				ForeignFields: slices.Clone(refs),
				Optional:      nullable && !rd.Required,
			})
		}
	}
}

func (b *builder) addInverseRelations() {
	for _, def := range b.defs {
		id, ok := b.reg.byName[def.Name]
		if !ok {
			continue
		}
		e := b.reg.entities[id]
		for _, rd := range def.Relations {
			if len(rd.Fields) > 0 {
				continue
			}
			path := e.Name + "." + rd.Name
			if !b.checkRelationName(e, rd.Name, path) {
				continue
			}
			if len(rd.References) > 0 {
				b.issues.Add(path, "references require foreign key fields on the same relation")
				continue
			}
			target, err := b.reg.Resolve(rd.Target)
			if err != nil {
				b.issues.Add(path, "unknown target entity %q", rd.Target)
				continue
			}

			owner := b.findOwner(e, target, rd, path)
			if owner == nil {
				continue
			}

			switch {
			case owner.Cardinality == ManyToOne && rd.Cardinality != OneToMany:
				b.issues.Add(path, "inverse of many-to-one %s.%s must be one-to-many, got %s", target.Name, owner.Name, rd.Cardinality)
				continue
			case owner.Cardinality == OneToOne && rd.Cardinality != OneToOne:
				b.issues.Add(path, "inverse of one-to-one %s.%s must be one-to-one, got %s", target.Name, owner.Name, rd.Cardinality)
				continue
			}

			b.claimed[relKey{target.ID, owner.Name}] = e.Name + "." + rd.Name
			owner.Inverse = rd.Name
			b.appendRelation(e, Relation{
				Name:          rd.Name,
				Source:        e.ID,
				Target:        target.ID,
				Cardinality:   rd.Cardinality,
				OwnedBySource: false,
				LocalFields:   slices.Clone(owner.ForeignFields),
				ForeignFields: slices.Clone(owner.LocalFields),
				Optional:      rd.Cardinality == OneToMany || !rd.Required,
				Inverse:       owner.Name,
			})
		}
	}
}

// findOwner locates the owning relation on target that rd is the inverse of.
func (b *builder) findOwner(e, target *Entity, rd RelationDef, path string) *Relation {
	if rd.Inverse != "" {
		owner, ok := target.Relation(rd.Inverse)
		if !ok {
			b.issues.Add(path, "inverse relation %s.%s does not exist", target.Name, rd.Inverse)
			return nil
		}
		if !owner.OwnedBySource || owner.Target != e.ID {
			b.issues.Add(path, "%s.%s does not hold a foreign key to %s", target.Name, rd.Inverse, e.Name)
			return nil
		}
		if prior, taken := b.claimed[relKey{target.ID, owner.Name}]; taken {
			b.issues.Add(path, "%s.%s is already the inverse of %s", target.Name, owner.Name, prior)
			return nil
		}
		return owner
	}

	var candidates []*Relation
	for i := range target.Relations {
		rel := &target.Relations[i]
		if !rel.OwnedBySource || rel.Target != e.ID {
			continue
		}
		if _, taken := b.claimed[relKey{target.ID, rel.Name}]; taken {
			continue
		}
		if target.ID == e.ID && rel.Name == rd.Name {
			continue
		}
		candidates = append(candidates, rel)
	}
	switch len(candidates) {
	case 0:
		b.issues.Add(path, "no relation on %s holds a foreign key to %s; exactly one side must own it", target.Name, e.Name)
		return nil
	case 1:
		return candidates[0]
	default:
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Name
		}
		b.issues.Add(path, "ambiguous inverse on %s (%s); set inverse explicitly", target.Name, strings.Join(names, ", "))
		return nil
	}
}

func (b *builder) inferInverses(namer *naming.Namer) {
	for _, e := range b.reg.entities {
		perTarget := map[EntityID]int{}
		for i := range e.Relations {
			if e.Relations[i].OwnedBySource {
				perTarget[e.Relations[i].Target]++
			}
		}
		for i := range e.Relations {
			owner := &e.Relations[i]
			if !owner.OwnedBySource || owner.Inverse != "" {
				continue
			}
			target := b.reg.entities[owner.Target]
			card := OneToMany
			if owner.Cardinality == OneToOne {
				card = OneToOne
			}
			name := namer.InverseRelationName(e.Name, owner.Name, card == OneToMany, perTarget[target.ID] == 1)
			if _, taken := target.Field(name); taken {
				continue
			}
			if _, taken := target.Relation(name); taken {
				continue
			}
			owner.Inverse = name
			b.appendRelation(target, Relation{
				Name:          name,
				Source:        target.ID,
				Target:        e.ID,
				Cardinality:   card,
				LocalFields:   slices.Clone(owner.ForeignFields),
				ForeignFields: slices.Clone(owner.LocalFields),
				Optional:      true,
				Inverse:       owner.Name,
			})
		}
	}
}

func (b *builder) checkRelationName(e *Entity, name, path string) bool {
	if name == "" {
		b.issues.Add(e.Name, "relation name is required")
		return false
	}
	if _, clash := e.Field(name); clash {
		b.issues.Add(path, "relation name collides with a field")
		return false
	}
	if _, dup := e.Relation(name); dup {
		b.issues.Add(path, "relation is declared more than once")
		return false
	}
	return true
}

func (b *builder) appendRelation(e *Entity, rel Relation) {
	e.relationIndex[rel.Name] = len(e.Relations)
	e.Relations = append(e.Relations, rel)
}
