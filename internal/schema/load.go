package schema

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"relengine/internal/engineerr"
	"relengine/internal/naming"
)

// Document is the YAML form of a schema definition.
type Document struct {
	InferInverses bool          `yaml:"infer_inverses"`
	Naming        naming.Config `yaml:"naming"`
	Entities      []entityDoc   `yaml:"entities"`
}

type entityDoc struct {
	Name       string        `yaml:"name"`
	Table      string        `yaml:"table"`
	PrimaryKey []string      `yaml:"primary_key"`
	Fields     []fieldDoc    `yaml:"fields"`
	Uniques    [][]string    `yaml:"uniques"`
	Relations  []relationDoc `yaml:"relations"`
}

type fieldDoc struct {
	Name         string `yaml:"name"`
	Column       string `yaml:"column"`
	Type         string `yaml:"type"`
	Nullable     bool   `yaml:"nullable"`
	Default      string `yaml:"default"`
	DefaultValue any    `yaml:"default_value"`
}

type relationDoc struct {
	Name        string   `yaml:"name"`
	Target      string   `yaml:"target"`
	Cardinality string   `yaml:"cardinality"`
	Fields      []string `yaml:"fields"`
	References  []string `yaml:"references"`
	Inverse     string   `yaml:"inverse"`
	Required    bool     `yaml:"required"`
}

// LoadFile reads a YAML schema definition from path and registers it.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file %q: %w", path, err)
	}
	return Load(bytes.NewReader(data))
}

// Load decodes a YAML schema definition and registers it. Decode problems
// and registration violations are reported together in one SchemaError.
func Load(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, &engineerr.SchemaError{Issues: engineerr.Issues{{Message: fmt.Sprintf("decode schema: %v", err)}}}
	}

	defs, issues := doc.Definitions()
	var opts []Option
	if doc.InferInverses {
		opts = append(opts, WithInferredInverses(naming.New(doc.Naming)))
	}
	reg, err := Register(defs, opts...)
	if err != nil {
		if schemaErr, ok := err.(*engineerr.SchemaError); ok {
			issues = append(issues, schemaErr.Issues...)
		}
	}
	if !issues.Empty() {
		return nil, &engineerr.SchemaError{Issues: issues}
	}
	return reg, nil
}

// Definitions converts the document into registration input.
func (d Document) Definitions() ([]EntityDef, engineerr.Issues) {
	var issues engineerr.Issues
	defs := make([]EntityDef, 0, len(d.Entities))
	for _, ed := range d.Entities {
		def := EntityDef{
			Name:       ed.Name,
			Table:      ed.Table,
			PrimaryKey: ed.PrimaryKey,
			Uniques:    ed.Uniques,
		}
		for _, fd := range ed.Fields {
			path := ed.Name + "." + fd.Name
			kind, err := ParseKind(fd.Type)
			if err != nil {
				issues.Add(path, "%v", err)
			}
			policy, err := parseDefault(fd.Default, fd.DefaultValue)
			if err != nil {
				issues.Add(path, "%v", err)
			}
			def.Fields = append(def.Fields, Field{
				Name:         fd.Name,
				Column:       fd.Column,
				Kind:         kind,
				Nullable:     fd.Nullable,
				Default:      policy,
				DefaultValue: fd.DefaultValue,
			})
		}
		for _, rd := range ed.Relations {
			card, err := parseCardinality(rd.Cardinality)
			if err != nil {
				issues.Add(ed.Name+"."+rd.Name, "%v", err)
			}
			def.Relations = append(def.Relations, RelationDef{
				Name:        rd.Name,
				Target:      rd.Target,
				Cardinality: card,
				Fields:      rd.Fields,
				References:  rd.References,
				Inverse:     rd.Inverse,
				Required:    rd.Required,
			})
		}
		defs = append(defs, def)
	}
	return defs, issues
}

func parseDefault(policy string, value any) (DefaultPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "":
		if value != nil {
			return DefaultLiteral, nil
		}
		return DefaultNone, nil
	case "literal":
		return DefaultLiteral, nil
	case "autoincrement", "auto_increment":
		return DefaultAutoIncrement, nil
	case "now", "current_timestamp":
		return DefaultNow, nil
	case "store", "database":
		return DefaultStore, nil
	default:
		return DefaultNone, fmt.Errorf("unknown default policy %q", policy)
	}
}

func parseCardinality(s string) (Cardinality, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-")) {
	case "one-to-one":
		return OneToOne, nil
	case "one-to-many":
		return OneToMany, nil
	case "many-to-one":
		return ManyToOne, nil
	default:
		return 0, fmt.Errorf("unknown cardinality %q", s)
	}
}
