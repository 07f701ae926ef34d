// Package naming derives default names for schema elements that a definition
// leaves implicit, such as the inverse side of a relation.
package naming

// Config holds naming customization options
type Config struct {
	// PluralOverrides maps singular -> custom plural
	// Example: {"person": "people", "status": "statuses"}
	PluralOverrides map[string]string `mapstructure:"plural_overrides" yaml:"plural_overrides"`

	// SingularOverrides maps plural -> custom singular
	SingularOverrides map[string]string `mapstructure:"singular_overrides" yaml:"singular_overrides"`
}

// DefaultConfig returns an empty override set.
func DefaultConfig() Config {
	return Config{
		PluralOverrides:   make(map[string]string),
		SingularOverrides: make(map[string]string),
	}
}
