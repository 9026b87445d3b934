package change

import (
	"github.com/pkg/errors"
)

// Column is one column of a replicated table.
type Column struct {
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	NotNull bool    `json:"notNull,omitempty"`
	Default *string `json:"default,omitempty"`
	// Pos is the column's ordinal position within its table, from 1.
	Pos int `json:"pos"`
}

// IndexColumn is one column of an index, with its sort direction.
type IndexColumn struct {
	Name string `json:"name"`
	Desc bool   `json:"desc,omitempty"`
}

// IndexSchema describes a secondary index of a replicated table.
type IndexSchema struct {
	Name    string        `json:"name"`
	Unique  bool          `json:"unique,omitempty"`
	Columns []IndexColumn `json:"columns"`
}

// TableSchema describes a replicated table. Column order follows Pos, and
// primary key order is significant: it defines the natural row order which
// IVM sources serve.
type TableSchema struct {
	Schema     string        `json:"schema"`
	Name       string        `json:"name"`
	Columns    []Column      `json:"columns"`
	PrimaryKey []string      `json:"primaryKey"`
	Indexes    []IndexSchema `json:"indexes,omitempty"`
}

// QualifiedName returns "schema.name".
func (t *TableSchema) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Column returns the named Column, or nil.
func (t *TableSchema) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Validate checks structural invariants of the TableSchema: it has a
// primary key, key columns exist and are NOT NULL, and the reserved
// version column is present and NOT NULL.
func (t *TableSchema) Validate() error {
	if t.Name == "" {
		return errors.New("table has no name")
	} else if len(t.Columns) == 0 {
		return errors.Errorf("table %s has no columns", t.QualifiedName())
	} else if len(t.PrimaryKey) == 0 {
		return errors.Errorf("table %s has no primary key", t.QualifiedName())
	}

	for _, pk := range t.PrimaryKey {
		var col = t.Column(pk)
		if col == nil {
			return errors.Errorf("table %s: primary-key column %q doesn't exist",
				t.QualifiedName(), pk)
		} else if !col.NotNull {
			return errors.Errorf("table %s: primary-key column %q must be NOT NULL",
				t.QualifiedName(), pk)
		}
	}

	if col := t.Column(VersionColumn); col == nil {
		return errors.Errorf("table %s is missing the required %s column",
			t.QualifiedName(), VersionColumn)
	} else if !col.NotNull {
		return errors.Errorf("table %s: column %s must be NOT NULL",
			t.QualifiedName(), VersionColumn)
	}

	for _, ind := range t.Indexes {
		for _, ic := range ind.Columns {
			if t.Column(ic.Name) == nil {
				return errors.Errorf("table %s: index %q names unknown column %q",
					t.QualifiedName(), ind.Name, ic.Name)
			}
		}
	}
	return nil
}
