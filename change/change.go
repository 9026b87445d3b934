// Package change defines the typed change stream sourced from upstream
// logical replication: row data changes, schema DDL, and the transaction
// boundaries which delimit them. Changes are versioned by the LexiVersion
// watermark of their committing transaction.
package change

import (
	"github.com/pkg/errors"
	"go.rivulet.dev/core/lexiversion"
)

// Tag discriminates Change variants.
type Tag string

const (
	Begin    Tag = "begin"
	Insert   Tag = "insert"
	Update   Tag = "update"
	Delete   Tag = "delete"
	Truncate Tag = "truncate"
	Commit   Tag = "commit"
	Relation Tag = "relation"

	CreateTable  Tag = "create-table"
	DropTable    Tag = "drop-table"
	AddColumn    Tag = "add-column"
	DropColumn   Tag = "drop-column"
	UpdateColumn Tag = "update-column"
	CreateIndex  Tag = "create-index"
	DropIndex    Tag = "drop-index"
)

// Change is a tagged variant of the change stream. Exactly the fields of
// the variant named by Tag are set; Validate enforces this.
type Change struct {
	Tag Tag `json:"tag"`

	// CommitWatermark is set with Begin, and names the watermark at which
	// the transaction will commit.
	CommitWatermark lexiversion.Version `json:"commitWatermark,omitempty"`

	// Schema and Table name the relation of a data change or targeted DDL.
	Schema string `json:"schema,omitempty"`
	Table  string `json:"table,omitempty"`

	// Key is the replica-identity key of an Update or Delete. For an Update
	// it is the key prior to the change (which differs from the new key only
	// if a key column was itself updated).
	Key RowKey `json:"key,omitempty"`
	// Columns are the new column values of an Insert or Update.
	Columns map[string]any `json:"columns,omitempty"`

	// TableSpec is set with Relation and CreateTable.
	TableSpec *TableSchema `json:"tableSpec,omitempty"`
	// ColumnSpec is set with AddColumn and UpdateColumn.
	ColumnSpec *Column `json:"columnSpec,omitempty"`
	// ColumnName is the dropped column of DropColumn, or the prior name of
	// an UpdateColumn rename.
	ColumnName string `json:"columnName,omitempty"`
	// IndexSpec is set with CreateIndex.
	IndexSpec *IndexSchema `json:"indexSpec,omitempty"`
	// IndexName is the dropped index of DropIndex.
	IndexName string `json:"indexName,omitempty"`
	// Tables are the relations of a Truncate, as "schema.table".
	Tables []string `json:"tables,omitempty"`
}

// Envelope is a Change paired with the watermark of its transaction.
type Envelope struct {
	Watermark lexiversion.Version `json:"watermark"`
	Change    Change              `json:"change"`
}

// IsData returns whether the Change mutates row data.
func (c *Change) IsData() bool {
	switch c.Tag {
	case Insert, Update, Delete, Truncate:
		return true
	}
	return false
}

// IsDDL returns whether the Change mutates the replicated schema.
func (c *Change) IsDDL() bool {
	switch c.Tag {
	case CreateTable, DropTable, AddColumn, DropColumn, UpdateColumn, CreateIndex, DropIndex:
		return true
	}
	return false
}

// IsBoundary returns whether the Change delimits a transaction.
func (c *Change) IsBoundary() bool { return c.Tag == Begin || c.Tag == Commit }

// Validate returns an error if the Change is malformed for its Tag.
func (c *Change) Validate() error {
	switch c.Tag {
	case Begin:
		if err := c.CommitWatermark.Validate(); err != nil {
			return errors.WithMessage(err, "commitWatermark")
		}
	case Commit, Relation:
		if c.Tag == Relation && c.TableSpec == nil {
			return errors.New("relation change missing tableSpec")
		}
	case Insert:
		if c.Table == "" || len(c.Columns) == 0 {
			return errors.Errorf("insert of %q has no columns", c.QualifiedTable())
		}
	case Update:
		if c.Table == "" || len(c.Key) == 0 || len(c.Columns) == 0 {
			return errors.Errorf("update of %q missing key or columns", c.QualifiedTable())
		}
	case Delete:
		if c.Table == "" || len(c.Key) == 0 {
			return errors.Errorf("delete of %q missing key", c.QualifiedTable())
		}
	case Truncate:
		if len(c.Tables) == 0 {
			return errors.New("truncate names no tables")
		}
	case CreateTable:
		if c.TableSpec == nil {
			return errors.New("create-table missing tableSpec")
		}
	case DropTable:
		if c.Table == "" {
			return errors.New("drop-table missing table")
		}
	case AddColumn, UpdateColumn:
		if c.Table == "" || c.ColumnSpec == nil {
			return errors.Errorf("%s missing table or columnSpec", c.Tag)
		}
	case DropColumn:
		if c.Table == "" || c.ColumnName == "" {
			return errors.New("drop-column missing table or columnName")
		}
	case CreateIndex:
		if c.Table == "" || c.IndexSpec == nil {
			return errors.New("create-index missing table or indexSpec")
		}
	case DropIndex:
		if c.Table == "" || c.IndexName == "" {
			return errors.New("drop-index missing table or indexName")
		}
	default:
		return errors.Errorf("unknown change tag %q", c.Tag)
	}
	return nil
}

// QualifiedTable returns "schema.table" of the Change's relation.
func (c *Change) QualifiedTable() string {
	if c.Schema == "" {
		return c.Table
	}
	return c.Schema + "." + c.Table
}
