package replica

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/change"
)

// CreateTable registers and creates a replicated table. The initial bulk
// copy uses it to seed the replica; the apply path uses it for upstream
// CREATE TABLE DDL.
func (s *Store) CreateTable(spec *change.TableSchema) error {
	var txn, err = s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning DDL transaction")
	}
	defer func() { _ = txn.Rollback() }()

	if err = s.createTable(txn, spec); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Store) applyDDL(txn *sql.Tx, c *change.Change) error {
	switch c.Tag {
	case change.CreateTable:
		return s.createTable(txn, c.TableSpec)

	case change.DropTable:
		var name = c.QualifiedTable()
		if s.tables[name] == nil {
			return errors.Errorf("drop of unknown table %s", name)
		}
		if _, err := txn.Exec(fmt.Sprintf(`DROP TABLE %q`, name)); err != nil {
			return errors.Wrapf(err, "dropping table %s", name)
		}
		if _, err := txn.Exec(`DELETE FROM "_zero.tables" WHERE name = ?`, name); err != nil {
			return errors.Wrapf(err, "deregistering table %s", name)
		}
		delete(s.tables, name)
		return nil

	case change.AddColumn:
		return s.mutateTable(txn, c, func(table *change.TableSchema) error {
			if table.Column(c.ColumnSpec.Name) != nil {
				return errors.Errorf("column %q already exists", c.ColumnSpec.Name)
			}
			var ddl = fmt.Sprintf(`ALTER TABLE %q ADD COLUMN %q %s`,
				table.QualifiedName(), c.ColumnSpec.Name, sqliteType(c.ColumnSpec.Type))
			if _, err := txn.Exec(ddl); err != nil {
				return errors.Wrap(err, "adding column")
			}
			table.Columns = append(table.Columns, *c.ColumnSpec)
			return nil
		})

	case change.DropColumn:
		return s.mutateTable(txn, c, func(table *change.TableSchema) error {
			var col = table.Column(c.ColumnName)
			if col == nil {
				return errors.Errorf("column %q doesn't exist", c.ColumnName)
			} else if c.ColumnName == change.VersionColumn {
				return errors.Errorf("cannot drop reserved column %s", change.VersionColumn)
			}
			var ddl = fmt.Sprintf(`ALTER TABLE %q DROP COLUMN %q`,
				table.QualifiedName(), c.ColumnName)
			if _, err := txn.Exec(ddl); err != nil {
				return errors.Wrap(err, "dropping column")
			}
			for i := range table.Columns {
				if table.Columns[i].Name == c.ColumnName {
					table.Columns = append(table.Columns[:i], table.Columns[i+1:]...)
					break
				}
			}
			return nil
		})

	case change.UpdateColumn:
		return s.mutateTable(txn, c, func(table *change.TableSchema) error {
			var prior = c.ColumnName
			if prior == "" {
				prior = c.ColumnSpec.Name
			}
			var col = table.Column(prior)
			if col == nil {
				return errors.Errorf("column %q doesn't exist", prior)
			}
			if prior != c.ColumnSpec.Name {
				var ddl = fmt.Sprintf(`ALTER TABLE %q RENAME COLUMN %q TO %q`,
					table.QualifiedName(), prior, c.ColumnSpec.Name)
				if _, err := txn.Exec(ddl); err != nil {
					return errors.Wrap(err, "renaming column")
				}
			}
			// A type change needs no sqlite DDL (storage is dynamically
			// typed); the registry records the new declared type.
			*col = *c.ColumnSpec
			return nil
		})

	case change.CreateIndex:
		return s.mutateTable(txn, c, func(table *change.TableSchema) error {
			var b strings.Builder
			b.WriteString("CREATE ")
			if c.IndexSpec.Unique {
				b.WriteString("UNIQUE ")
			}
			fmt.Fprintf(&b, `INDEX %q ON %q (`, c.IndexSpec.Name, table.QualifiedName())
			for i, ic := range c.IndexSpec.Columns {
				if i > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "%q", ic.Name)
				if ic.Desc {
					b.WriteString(" DESC")
				}
			}
			b.WriteString(")")
			if _, err := txn.Exec(b.String()); err != nil {
				return errors.Wrap(err, "creating index")
			}
			table.Indexes = append(table.Indexes, *c.IndexSpec)
			return nil
		})

	case change.DropIndex:
		return s.mutateTable(txn, c, func(table *change.TableSchema) error {
			if _, err := txn.Exec(fmt.Sprintf(`DROP INDEX %q`, c.IndexName)); err != nil {
				return errors.Wrap(err, "dropping index")
			}
			for i := range table.Indexes {
				if table.Indexes[i].Name == c.IndexName {
					table.Indexes = append(table.Indexes[:i], table.Indexes[i+1:]...)
					break
				}
			}
			return nil
		})

	default:
		panic("not a DDL change")
	}
}

func (s *Store) createTable(txn *sql.Tx, spec *change.TableSchema) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	var name = spec.QualifiedName()
	if s.tables[name] != nil {
		return errors.Errorf("table %s already exists", name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `CREATE TABLE %q (`, name)
	for i, col := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q %s", col.Name, sqliteType(col.Type))
		if col.NotNull {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString(", PRIMARY KEY (")
	for i, pk := range spec.PrimaryKey {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", pk)
	}
	b.WriteString("))")

	if _, err := txn.Exec(b.String()); err != nil {
		return errors.Wrapf(err, "creating table %s", name)
	}

	var enc, err = json.Marshal(spec)
	if err != nil {
		return errors.Wrap(err, "encoding table schema")
	}
	if _, err = txn.Exec(
		`INSERT INTO "_zero.tables" (name, spec) VALUES (?, ?)`, name, string(enc)); err != nil {
		return errors.Wrapf(err, "registering table %s", name)
	}

	var copied = *spec
	s.tables[name] = &copied
	log.WithField("table", name).Info("created replicated table")
	return nil
}

// mutateTable runs |fn| against the registered schema of the change's
// table, then re-persists the registry entry.
func (s *Store) mutateTable(txn *sql.Tx, c *change.Change, fn func(*change.TableSchema) error) error {
	var name = c.QualifiedTable()
	var table = s.tables[name]
	if table == nil {
		return errors.Errorf("%s of unknown table %s", c.Tag, name)
	}
	if err := fn(table); err != nil {
		return errors.WithMessagef(err, "%s of %s", c.Tag, name)
	}

	var enc, err = json.Marshal(table)
	if err != nil {
		return errors.Wrap(err, "encoding table schema")
	}
	_, err = txn.Exec(`UPDATE "_zero.tables" SET spec = ? WHERE name = ?`, string(enc), name)
	return errors.Wrapf(err, "re-registering table %s", name)
}

// sqliteType maps an upstream column type to its sqlite affinity.
func sqliteType(t string) string {
	switch t {
	case "int2", "int4", "int8", "integer", "bool", "boolean":
		return "INTEGER"
	case "float4", "float8", "real", "numeric":
		return "REAL"
	default:
		return "TEXT"
	}
}
