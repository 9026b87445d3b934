// Package replica maintains the local embedded mirror of the upstream
// database. The change streamer applies each committed transaction's row
// and schema changes; view syncers read rows to hydrate query pipelines.
// Every replicated row carries the reserved _0_version column, equal to the
// commit watermark of the transaction which last wrote it.
package replica

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/lexiversion"
)

// Store is the embedded replica row store. It is written only by the
// change streamer's apply path; view syncers are read-only.
type Store struct {
	db     *sql.DB
	tables map[string]*change.TableSchema
}

const internalSchema = `
CREATE TABLE IF NOT EXISTS "_zero.tables" (
	name TEXT PRIMARY KEY,
	spec TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS "_zero.meta" (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Meta keys of the "_zero.meta" table.
const (
	metaReplicaVersion = "replicaVersion"
	metaStateVersion   = "stateVersion"
)

// Open opens (creating if needed) the replica at |path|.
func Open(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening replica %s", path)
	}
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(internalSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating replica internal schema")
	}

	var s = &Store{db: db, tables: make(map[string]*change.TableSchema)}
	if err = s.loadTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the Store.
func (s *Store) Close() error { return s.db.Close() }

// ReplicaVersion returns the identity of the initial snapshot this replica
// was built from, or "" if not yet initialized.
func (s *Store) ReplicaVersion() (lexiversion.Version, error) {
	return s.readMeta(metaReplicaVersion)
}

// SetReplicaVersion stamps the replica's snapshot identity. The initial
// bulk copy calls it exactly once.
func (s *Store) SetReplicaVersion(v lexiversion.Version) error {
	return s.writeMeta(s.db, metaReplicaVersion, string(v))
}

// StateVersion returns the watermark of the last applied transaction,
// or "" if none has been applied.
func (s *Store) StateVersion() (lexiversion.Version, error) {
	return s.readMeta(metaStateVersion)
}

// Tables returns the registered table schemas, keyed by qualified name.
func (s *Store) Tables() map[string]*change.TableSchema { return s.tables }

// Table returns the named table's schema, or nil.
func (s *Store) Table(name string) *change.TableSchema { return s.tables[name] }

// Apply transactionally applies one committed transaction: its row data
// changes, any schema DDL, and the advance of the replica state version.
// Entries must be a complete begin..commit sequence.
func (s *Store) Apply(entries []change.Envelope) error {
	if len(entries) < 2 ||
		entries[0].Change.Tag != change.Begin ||
		entries[len(entries)-1].Change.Tag != change.Commit {
		return errors.New("entries are not a complete begin..commit transaction")
	}
	var wm = entries[0].Watermark

	var txn, err = s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning replica transaction")
	}
	defer func() { _ = txn.Rollback() }()

	for _, env := range entries[1 : len(entries)-1] {
		var c = &env.Change
		switch {
		case c.IsData():
			err = s.applyData(txn, c, wm)
		case c.IsDDL():
			err = s.applyDDL(txn, c)
		case c.Tag == change.Relation:
			// Relation messages re-describe a table already registered;
			// they carry no mutation.
		default:
			err = errors.Errorf("unexpected %s change inside transaction %s", c.Tag, wm)
		}
		if err != nil {
			return errors.WithMessagef(err, "applying %s of transaction %s", c.Tag, wm)
		}
	}

	if err = s.writeMeta(txn, metaStateVersion, string(wm)); err != nil {
		return err
	}
	if err = txn.Commit(); err != nil {
		return errors.Wrapf(err, "committing replica transaction %s", wm)
	}
	replicaTxnsTotal.Inc()
	return nil
}

func (s *Store) applyData(txn *sql.Tx, c *change.Change, wm lexiversion.Version) error {
	switch c.Tag {
	case change.Insert:
		return s.insertRow(txn, c, wm)

	case change.Update:
		// Replica identity DEFAULT delivers the full new row image, so an
		// update is a delete of the prior key and an insert of the image.
		var table = s.tables[c.QualifiedTable()]
		if table == nil {
			return errors.Errorf("update of unknown table %s", c.QualifiedTable())
		}
		if err := s.deleteRow(txn, c.QualifiedTable(), c.Key); err != nil {
			return err
		}
		return s.insertRow(txn, c, wm)

	case change.Delete:
		return s.deleteRow(txn, c.QualifiedTable(), c.Key)

	case change.Truncate:
		for _, name := range c.Tables {
			if s.tables[name] == nil {
				return errors.Errorf("truncate of unknown table %s", name)
			}
			if _, err := txn.Exec(fmt.Sprintf(`DELETE FROM %q`, name)); err != nil {
				return errors.Wrapf(err, "truncating %s", name)
			}
		}
		return nil

	default:
		panic("not a data change")
	}
}

func (s *Store) insertRow(txn *sql.Tx, c *change.Change, wm lexiversion.Version) error {
	var name = c.QualifiedTable()
	var table = s.tables[name]
	if table == nil {
		return errors.Errorf("%s of unknown table %s", c.Tag, name)
	}

	var cols = make([]string, 0, len(c.Columns)+1)
	var args = make([]any, 0, len(c.Columns)+1)
	for col, v := range c.Columns {
		if col == change.VersionColumn {
			continue
		}
		if table.Column(col) == nil {
			return errors.Errorf("%s of %s names unknown column %q", c.Tag, name, col)
		}
		cols = append(cols, col)
		args = append(args, encodeSQL(v))
	}
	cols = append(cols, change.VersionColumn)
	args = append(args, string(wm))

	var b strings.Builder
	fmt.Fprintf(&b, `INSERT INTO %q (`, name)
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", col)
	}
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
	}
	b.WriteString(")")

	var _, err = txn.Exec(b.String(), args...)
	return errors.Wrapf(err, "inserting into %s", name)
}

func (s *Store) deleteRow(txn *sql.Tx, name string, key change.RowKey) error {
	var b strings.Builder
	fmt.Fprintf(&b, `DELETE FROM %q WHERE `, name)
	var args = make([]any, 0, len(key))
	for i, kv := range key {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%q = ?", kv.Column)
		args = append(args, encodeSQL(kv.Value))
	}
	var _, err = txn.Exec(b.String(), args...)
	return errors.Wrapf(err, "deleting from %s", name)
}

// Rows returns every row of |name| in primary-key order.
func (s *Store) Rows(name string) ([]change.Row, error) {
	var table = s.tables[name]
	if table == nil {
		return nil, errors.Errorf("unknown table %s", name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT * FROM %q ORDER BY `, name)
	for i, pk := range table.PrimaryKey {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", pk)
	}

	var rows, err = s.db.Query(b.String())
	if err != nil {
		return nil, errors.Wrapf(err, "reading rows of %s", name)
	}
	defer rows.Close()

	var colNames []string
	if colNames, err = rows.Columns(); err != nil {
		return nil, errors.Wrap(err, "reading row columns")
	}

	var out []change.Row
	for rows.Next() {
		var raw = make([]any, len(colNames))
		var ptrs = make([]any, len(colNames))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrapf(err, "scanning row of %s", name)
		}

		var columns = make(map[string]any, len(colNames))
		for i, col := range colNames {
			columns[col] = decodeSQL(raw[i], table.Column(col))
		}
		var key change.RowKey
		if key, err = change.KeyOf(table.PrimaryKey, columns); err != nil {
			return nil, err
		}
		out = append(out, change.Row{
			Schema:  table.Schema,
			Table:   table.Name,
			Key:     key,
			Columns: columns,
		})
	}
	return out, rows.Err()
}

func (s *Store) loadTables() error {
	var rows, err = s.db.Query(`SELECT name, spec FROM "_zero.tables"`)
	if err != nil {
		return errors.Wrap(err, "loading table registry")
	}
	defer rows.Close()

	for rows.Next() {
		var name, spec string
		if err = rows.Scan(&name, &spec); err != nil {
			return errors.Wrap(err, "scanning table registry")
		}
		var table change.TableSchema
		if err = json.Unmarshal([]byte(spec), &table); err != nil {
			return errors.Wrapf(err, "decoding schema of %s", name)
		}
		s.tables[name] = &table
	}
	if err = rows.Err(); err != nil {
		return err
	}

	log.WithField("tables", len(s.tables)).Debug("loaded replica table registry")
	return nil
}

func (s *Store) readMeta(key string) (lexiversion.Version, error) {
	var value string
	var err = s.db.QueryRow(`SELECT value FROM "_zero.meta" WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	} else if err != nil {
		return "", errors.Wrapf(err, "reading meta %s", key)
	}
	return lexiversion.Version(value), nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) writeMeta(e execer, key, value string) error {
	var _, err = e.Exec(
		`INSERT INTO "_zero.meta" (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Wrapf(err, "writing meta %s", key)
}

// encodeSQL maps a change-stream value to its sqlite binding. Lists and
// objects are stored as their JSON encodings.
func encodeSQL(v any) any {
	switch t := v.(type) {
	case nil, string, int64, float64, bool:
		return v
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		var f, _ = t.Float64()
		return f
	default:
		var b, err = json.Marshal(v)
		if err != nil {
			panic(err.Error())
		}
		return string(b)
	}
}

// decodeSQL maps a scanned sqlite value back to its change-stream form,
// guided by the declared column.
func decodeSQL(v any, col *change.Column) any {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if col == nil {
		return v
	}

	switch {
	case strings.HasSuffix(col.Type, "[]") || col.Type == "json" || col.Type == "jsonb":
		if s, ok := v.(string); ok {
			var dec = json.NewDecoder(strings.NewReader(s))
			dec.UseNumber()
			var out any
			if err := dec.Decode(&out); err == nil {
				return out
			}
		}
		return v
	case col.Type == "bool" || col.Type == "boolean":
		if i, ok := v.(int64); ok {
			return i != 0
		}
		return v
	default:
		return v
	}
}

// sortTableNames returns registered table names, sorted.
func (s *Store) sortTableNames() []string {
	var names = make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
