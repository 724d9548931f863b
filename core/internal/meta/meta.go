// Package meta is a read-only view over the runtime table metadata:
// tables, columns, relations and the conventions used to fill in
// foreign-key and junction names when the metadata omits them.
package meta

import (
	"encoding/json"
)

// ColType is the logical column type carried by the metadata. It is
// deliberately narrower than any one database's type system; the dialect
// layer maps it to concrete SQL.
type ColType string

const (
	TypeInteger   ColType = "integer"
	TypeBigInt    ColType = "bigint"
	TypeUUID      ColType = "uuid"
	TypeText      ColType = "text"
	TypeVarchar   ColType = "varchar"
	TypeBoolean   ColType = "boolean"
	TypeDecimal   ColType = "decimal"
	TypeFloat     ColType = "float"
	TypeDate      ColType = "date"
	TypeDateTime  ColType = "datetime"
	TypeTimestamp ColType = "timestamp"
	TypeEnum      ColType = "enum"
	TypeJSON      ColType = "json"
)

// Numeric reports whether values of this type compare as numbers.
func (t ColType) Numeric() bool {
	switch t {
	case TypeInteger, TypeBigInt, TypeDecimal, TypeFloat:
		return true
	}
	return false
}

// Integral reports whether the type holds whole numbers only.
func (t ColType) Integral() bool {
	return t == TypeInteger || t == TypeBigInt
}

// Temporal reports whether values of this type are dates or timestamps.
func (t ColType) Temporal() bool {
	switch t {
	case TypeDate, TypeDateTime, TypeTimestamp:
		return true
	}
	return false
}

// Textual reports whether values of this type are stored as text.
func (t ColType) Textual() bool {
	switch t {
	case TypeText, TypeVarchar, TypeUUID, TypeEnum:
		return true
	}
	return false
}

// PrimaryCapable reports whether a column of this type may carry the
// primary-key flag.
func (t ColType) PrimaryCapable() bool {
	switch t {
	case TypeInteger, TypeBigInt, TypeUUID:
		return true
	}
	return false
}

// Column describes one table column.
type Column struct {
	Name        string   `json:"name"`
	Type        ColType  `json:"type"`
	Options     []string `json:"options,omitempty"` // enum members
	Primary     bool     `json:"primary,omitempty"`
	Nullable    bool     `json:"nullable,omitempty"`
	Generated   bool     `json:"generated,omitempty"`
	System      bool     `json:"system,omitempty"`
	Hidden      bool     `json:"hidden,omitempty"`
	Updatable   bool     `json:"updatable"`
	Default     any      `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
}

// UnmarshalJSON defaults Updatable to true so plain column declarations
// stay writable.
func (c *Column) UnmarshalJSON(b []byte) error {
	type column Column
	v := column{Updatable: true}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = Column(v)
	return nil
}

// RelType is the relation cardinality.
type RelType string

const (
	OneToOne   RelType = "one-to-one"
	ManyToOne  RelType = "many-to-one"
	OneToMany  RelType = "one-to-many"
	ManyToMany RelType = "many-to-many"
)

// Relation describes one relation property of a table. Which of the
// optional fields apply depends on the cardinality; Kind folds them into
// a tagged payload.
type Relation struct {
	PropertyName         string  `json:"propertyName"`
	Type                 RelType `json:"type"`
	SourceTable          string  `json:"sourceTable"`
	TargetTable          string  `json:"targetTable"`
	InversePropertyName  string  `json:"inversePropertyName,omitempty"`
	Owner                bool    `json:"owner,omitempty"`
	ForeignKeyColumn     string  `json:"foreignKeyColumn,omitempty"`
	JunctionTable        string  `json:"junctionTable,omitempty"`
	JunctionSourceColumn string  `json:"junctionSourceColumn,omitempty"`
	JunctionTargetColumn string  `json:"junctionTargetColumn,omitempty"`
	OnDelete             string  `json:"onDelete,omitempty"`
}

// Kind is the cardinality-specific payload of a relation. Exactly one of
// Owner, InverseSingle, Collection or Junction is returned by
// Relation.Kind.
type Kind interface{ relKind() }

// Owner is the side that physically stores the foreign key: many-to-one,
// or the owning side of a one-to-one.
type Owner struct{ ForeignKey string }

// InverseSingle is the non-owning side of a one-to-one; the foreign key
// lives on the target table under Via.
type InverseSingle struct{ Via string }

// Collection is a one-to-many; the owning many-to-one on the target is
// named Via.
type Collection struct{ Via string }

// Junction is a many-to-many through a junction table.
type Junction struct{ Table, SourceColumn, TargetColumn string }

func (Owner) relKind()         {}
func (InverseSingle) relKind() {}
func (Collection) relKind()    {}
func (Junction) relKind()      {}

// Kind returns the tagged payload for this relation, deriving missing
// foreign-key and junction names by convention.
func (r *Relation) Kind() Kind {
	switch r.Type {
	case ManyToOne:
		return Owner{ForeignKey: r.ForeignKey()}
	case OneToOne:
		if r.Owner {
			return Owner{ForeignKey: r.ForeignKey()}
		}
		return InverseSingle{Via: r.InversePropertyName}
	case OneToMany:
		return Collection{Via: r.InversePropertyName}
	case ManyToMany:
		return r.Junction()
	}
	return nil
}

// IsOwner reports whether this side stores the foreign key.
func (r *Relation) IsOwner() bool {
	return r.Type == ManyToOne || (r.Type == OneToOne && r.Owner)
}

// IsCollection reports whether the relation resolves to many rows.
func (r *Relation) IsCollection() bool {
	return r.Type == OneToMany || r.Type == ManyToMany
}

// Singular reports whether the relation resolves to at most one row.
func (r *Relation) Singular() bool {
	return !r.IsCollection()
}

// ForeignKey returns the owner-side foreign-key column, falling back to
// the `<property>Id` convention when the metadata does not carry one.
func (r *Relation) ForeignKey() string {
	if r.ForeignKeyColumn != "" {
		return r.ForeignKeyColumn
	}
	return DefaultForeignKey(r.PropertyName)
}

// Junction returns the junction triple for a many-to-many relation,
// deriving any parts the metadata omits.
func (r *Relation) Junction() Junction {
	j := Junction{
		Table:        r.JunctionTable,
		SourceColumn: r.JunctionSourceColumn,
		TargetColumn: r.JunctionTargetColumn,
	}
	if j.Table == "" {
		j.Table = DefaultJunctionTable(r.SourceTable, r.PropertyName)
	}
	if j.SourceColumn == "" {
		j.SourceColumn = DefaultJunctionColumn(r.SourceTable)
	}
	if j.TargetColumn == "" {
		j.TargetColumn = DefaultJunctionColumn(r.TargetTable)
	}
	return j
}

// Table describes one table: its columns in declaration order and its
// relation properties.
type Table struct {
	Name      string     `json:"name"`
	System    bool       `json:"system,omitempty"`
	Uniques   [][]string `json:"uniques,omitempty"`
	Indexes   [][]string `json:"indexes,omitempty"`
	Columns   []Column   `json:"columns"`
	Relations []Relation `json:"relations,omitempty"`
}

// Column returns the named column or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Relation returns the relation with the given property name or nil.
func (t *Table) Relation(prop string) *Relation {
	for i := range t.Relations {
		if t.Relations[i].PropertyName == prop {
			return &t.Relations[i]
		}
	}
	return nil
}

// Prop resolves a property name to a column or a relation. Both return
// values are nil when the name is unknown.
func (t *Table) Prop(name string) (*Column, *Relation) {
	if c := t.Column(name); c != nil {
		return c, nil
	}
	if r := t.Relation(name); r != nil {
		return nil, r
	}
	return nil, nil
}

// PrimaryKey returns the declared primary-key column, or falls back to
// the conventional names: `id` for SQL backends, `_id` for the document
// store. Returns nil when neither exists.
func (t *Table) PrimaryKey() *Column {
	for i := range t.Columns {
		if t.Columns[i].Primary {
			return &t.Columns[i]
		}
	}
	if c := t.Column("id"); c != nil {
		return c
	}
	return t.Column("_id")
}

// RelationForColumn returns the owner-side relation whose foreign key is
// the named column, or nil.
func (t *Table) RelationForColumn(col string) *Relation {
	for i := range t.Relations {
		r := &t.Relations[i]
		if r.IsOwner() && r.ForeignKey() == col {
			return r
		}
	}
	return nil
}
