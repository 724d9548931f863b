package meta

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrTableNotFound marks lookups for tables absent from the snapshot.
	ErrTableNotFound = errors.New("table not found")

	// ErrNoInverse marks relations whose inverse side cannot be located
	// on the target table.
	ErrNoInverse = errors.New("inverse relation not found")
)

// Schema is an immutable snapshot of the metadata graph. All lookups are
// safe for concurrent use; a new snapshot replaces the old one wholesale
// so readers never observe a partially updated graph.
type Schema struct {
	tables map[string]*Table
	names  []string
	fp     string
}

// NewSchema validates the given tables and builds a snapshot. The table
// slice is not retained; tables are indexed by name in sorted order so
// iteration is deterministic.
func NewSchema(tables []*Table) (*Schema, error) {
	s := &Schema{tables: make(map[string]*Table, len(tables))}

	for _, t := range tables {
		if t.Name == "" {
			return nil, fmt.Errorf("schema: table with empty name")
		}
		if _, dup := s.tables[t.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate table %q", t.Name)
		}
		if err := validateTable(t); err != nil {
			return nil, err
		}
		s.tables[t.Name] = t
		s.names = append(s.names, t.Name)
	}
	sort.Strings(s.names)

	for _, t := range tables {
		for i := range t.Relations {
			r := &t.Relations[i]
			if r.SourceTable == "" {
				r.SourceTable = t.Name
			}
			if _, ok := s.tables[r.TargetTable]; !ok {
				return nil, fmt.Errorf("schema: relation %s.%s targets unknown table %q",
					t.Name, r.PropertyName, r.TargetTable)
			}
		}
	}

	ordered := make([]*Table, 0, len(s.names))
	for _, name := range s.names {
		ordered = append(ordered, s.tables[name])
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return nil, fmt.Errorf("schema: fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	s.fp = hex.EncodeToString(sum[:])
	return s, nil
}

// Fingerprint is a content hash over the snapshot. Two snapshots built
// from equivalent metadata share it, so cached plans survive a reload
// that changed nothing.
func (s *Schema) Fingerprint() string {
	return s.fp
}

func validateTable(t *Table) error {
	seen := make(map[string]bool, len(t.Columns))
	primaries := 0

	for i := range t.Columns {
		c := &t.Columns[i]
		if c.Name == "" {
			return fmt.Errorf("schema: table %q has a column with empty name", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("schema: table %q has duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
		if c.Primary {
			primaries++
			if !c.Type.PrimaryCapable() {
				return fmt.Errorf("schema: table %q primary key %q has type %q; must be integer, bigint or uuid",
					t.Name, c.Name, c.Type)
			}
		}
	}
	if primaries > 1 {
		return fmt.Errorf("schema: table %q declares %d primary keys", t.Name, primaries)
	}

	props := make(map[string]bool, len(t.Relations))
	for i := range t.Relations {
		r := &t.Relations[i]
		if r.PropertyName == "" {
			return fmt.Errorf("schema: table %q has a relation with empty property name", t.Name)
		}
		if props[r.PropertyName] {
			return fmt.Errorf("schema: table %q has duplicate relation %q", t.Name, r.PropertyName)
		}
		props[r.PropertyName] = true
		switch r.Type {
		case OneToOne, ManyToOne, OneToMany, ManyToMany:
		default:
			return fmt.Errorf("schema: relation %s.%s has unknown cardinality %q",
				t.Name, r.PropertyName, r.Type)
		}
	}
	return nil
}

// Table returns the named table or an ErrTableNotFound.
func (s *Schema) Table(name string) (*Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	return t, nil
}

// Has reports whether the named table exists.
func (s *Schema) Has(name string) bool {
	_, ok := s.tables[name]
	return ok
}

// Tables returns all tables in name order.
func (s *Schema) Tables() []*Table {
	out := make([]*Table, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.tables[n])
	}
	return out
}

// Names returns the sorted table names.
func (s *Schema) Names() []string {
	return append([]string(nil), s.names...)
}

// InverseOf locates the relation on the target table that owns the
// foreign key for an inverse-side relation (one-to-many or non-owning
// one-to-one). It tries the declared inverse property first, then scans
// the target's relations for one pointing back at the source.
func (s *Schema) InverseOf(r *Relation) (*Relation, error) {
	target, err := s.Table(r.TargetTable)
	if err != nil {
		return nil, err
	}
	if r.InversePropertyName != "" {
		if inv := target.Relation(r.InversePropertyName); inv != nil && inv.IsOwner() {
			return inv, nil
		}
	}
	for i := range target.Relations {
		inv := &target.Relations[i]
		if inv.IsOwner() && inv.TargetTable == r.SourceTable &&
			inv.InversePropertyName == r.PropertyName {
			return inv, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrNoInverse, r.SourceTable, r.PropertyName)
}

// InverseForeignKey returns the foreign-key column on the target table
// that points back at the source, for one-to-many and inverse one-to-one
// relations.
func (s *Schema) InverseForeignKey(r *Relation) (string, error) {
	inv, err := s.InverseOf(r)
	if err != nil {
		return "", err
	}
	return inv.ForeignKey(), nil
}
