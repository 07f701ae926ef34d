// Package sqlutil provides SQL identifier and literal helpers shared by the
// statement builders.
package sqlutil

import "strings"

// LikeEscape is the escape character emitted in every LIKE clause. It is not a
// backslash because MySQL and SQLite disagree on backslash literals.
const LikeEscape = "!"

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// with backticks and escapes any backticks within the identifier.
// Both MySQL and SQLite accept backtick-quoted identifiers.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// Qualify returns quotedOwner.`column`. The owner must already be quoted.
func Qualify(quotedOwner, column string) string {
	if quotedOwner == "" {
		return QuoteIdentifier(column)
	}
	return quotedOwner + "." + QuoteIdentifier(column)
}

var likeReplacer = strings.NewReplacer(
	LikeEscape, LikeEscape+LikeEscape,
	"%", LikeEscape+"%",
	"_", LikeEscape+"_",
)

// EscapeLike escapes LIKE wildcards in s so it matches literally.
func EscapeLike(s string) string {
	return likeReplacer.Replace(s)
}
