package naming

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Namer applies pluralization and casing rules.
type Namer struct {
	config Config
}

// New creates a Namer with the given configuration
func New(cfg Config) *Namer {
	if cfg.PluralOverrides == nil {
		cfg.PluralOverrides = map[string]string{}
	}
	if cfg.SingularOverrides == nil {
		cfg.SingularOverrides = map[string]string{}
	}
	return &Namer{config: cfg}
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig())
}

// InverseRelationName names the non-owning side of a relation declared on
// sourceEntity. toMany selects a plural name. When the source declares more
// than one relation to the same target, the owning relation name is appended
// to keep the inverse names distinct.
// Example: (Post, author, true, true) -> "posts"; (Post, editor, true, false) -> "postsByEditor"
func (n *Namer) InverseRelationName(sourceEntity, owningRelation string, toMany, onlyRelation bool) string {
	base := LowerFirst(sourceEntity)
	if toMany {
		base = n.Pluralize(base)
	}
	if onlyRelation {
		return base
	}
	return base + "By" + UpperFirst(owningRelation)
}

// ForeignKeyFieldName names the scalar foreign key for a relation.
// Example: ("author", "id") -> "authorId"
func (n *Namer) ForeignKeyFieldName(relation, referenced string) string {
	return LowerFirst(relation) + UpperFirst(referenced)
}

// SnakeCase converts camelCase or PascalCase to snake_case.
// Example: "collegeId" -> "college_id"
func SnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LowerFirst lowercases the first rune.
func LowerFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

// UpperFirst uppercases the first rune.
func UpperFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
