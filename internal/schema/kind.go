package schema

import (
	"fmt"
	"strings"
)

// Kind is the scalar kind of a field.
type Kind int

const (
	KindInt Kind = iota
	KindText
	KindBool
	KindTimestamp
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindFloat:
		return "float"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Numeric reports whether arithmetic and sum/avg apply to the kind.
func (k Kind) Numeric() bool {
	return k == KindInt || k == KindFloat
}

// Ordered reports whether lt/gt and min/max apply to the kind.
func (k Kind) Ordered() bool {
	return k != KindBool
}

// ParseKind maps a kind name or a SQL column type to a Kind. Size
// specifiers like (10,2) or (255) are ignored, and matching is case-insensitive.
func ParseKind(name string) (Kind, error) {
	base := name
	if idx := strings.Index(base, "("); idx != -1 {
		base = base[:idx]
	}
	switch strings.ToUpper(strings.TrimSpace(base)) {
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT", "SERIAL":
		return KindInt, nil
	case "FLOAT", "DOUBLE", "REAL", "DECIMAL", "NUMERIC":
		return KindFloat, nil
	case "BOOL", "BOOLEAN":
		return KindBool, nil
	case "TEXT", "STRING", "CHAR", "VARCHAR", "TINYTEXT", "MEDIUMTEXT", "LONGTEXT", "ENUM":
		return KindText, nil
	case "TIMESTAMP", "DATETIME", "DATE", "TIME":
		return KindTimestamp, nil
	default:
		return 0, fmt.Errorf("unknown scalar kind %q", name)
	}
}
