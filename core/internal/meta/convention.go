package meta

import (
	"github.com/gobuffalo/flect"
)

// DefaultForeignKey derives the owner-side foreign-key column from the
// relation property name: `author` -> `authorId`.
func DefaultForeignKey(prop string) string {
	return flect.Camelize(prop) + "Id"
}

// DefaultJunctionTable derives a junction-table name from the source
// table and the relation property: (`article`, `tags`) -> `article_tags`.
func DefaultJunctionTable(source, prop string) string {
	return flect.Underscore(source) + "_" + flect.Underscore(prop)
}

// DefaultJunctionColumn derives a junction foreign-key column from a
// table name: `article` -> `articleId`, `tags` -> `tagId`.
func DefaultJunctionColumn(table string) string {
	return flect.Camelize(flect.Singularize(table)) + "Id"
}
