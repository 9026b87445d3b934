package changesource

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/change"
)

// UpstreamSession is an administrative SQL session against the upstream
// database. It validates that published tables satisfy replication policy
// before a stream is started: DEFAULT replica identity, and a NOT NULL
// version column on every published table.
type UpstreamSession struct {
	db *sql.DB
}

// OpenUpstream opens an administrative session with |dsn|.
func OpenUpstream(dsn string) (*UpstreamSession, error) {
	var connector, err = pq.NewConnector(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parsing upstream DSN")
	}
	return &UpstreamSession{db: sql.OpenDB(connector)}, nil
}

// Close closes the session.
func (u *UpstreamSession) Close() error { return u.db.Close() }

// PublishedTables returns the qualified names of tables in |publication|.
func (u *UpstreamSession) PublishedTables(publication string) ([]string, error) {
	var rows, err = u.db.Query(
		`SELECT schemaname, tablename FROM pg_publication_tables WHERE pubname = $1`,
		publication)
	if err != nil {
		return nil, errors.Wrapf(err, "listing tables of publication %s", publication)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var schema, table string
		if err = rows.Scan(&schema, &table); err != nil {
			return nil, errors.Wrap(err, "scanning publication table")
		}
		out = append(out, schema+"."+table)
	}
	return out, rows.Err()
}

// ValidateTable checks replication policy for one published table.
func (u *UpstreamSession) ValidateTable(schema, table string) error {
	var identity string
	var err = u.db.QueryRow(
		`SELECT c.relreplident FROM pg_class c
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE n.nspname = $1 AND c.relname = $2`,
		schema, table).Scan(&identity)
	if err != nil {
		return errors.Wrapf(err, "reading replica identity of %s.%s", schema, table)
	}
	// 'd' is DEFAULT: key columns only in change messages.
	if identity != "d" {
		return errors.WithMessagef(ErrFullReplicaIdentity,
			"table %s.%s (identity %q)", schema, table, identity)
	}

	var notNull bool
	err = u.db.QueryRow(
		`SELECT a.attnotnull FROM pg_attribute a
		 JOIN pg_class c ON c.oid = a.attrelid
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE n.nspname = $1 AND c.relname = $2 AND a.attname = $3`,
		schema, table, change.VersionColumn).Scan(&notNull)
	if err == sql.ErrNoRows {
		return errors.Errorf("table %s.%s is missing the required %s column",
			schema, table, change.VersionColumn)
	} else if err != nil {
		return errors.Wrapf(err, "reading %s column of %s.%s",
			change.VersionColumn, schema, table)
	} else if !notNull {
		return errors.Errorf("column %s of %s.%s must be NOT NULL",
			change.VersionColumn, schema, table)
	}
	return nil
}

// EnsureSlot creates the named logical replication slot if absent.
func (u *UpstreamSession) EnsureSlot(slot string) error {
	var exists bool
	var err = u.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`,
		slot).Scan(&exists)
	if err != nil {
		return errors.Wrapf(err, "checking replication slot %s", slot)
	} else if exists {
		return nil
	}

	_, err = u.db.Exec(fmt.Sprintf(
		`SELECT pg_create_logical_replication_slot(%s, 'pgoutput')`,
		pq.QuoteLiteral(slot)))
	if err != nil {
		return errors.Wrapf(err, "creating replication slot %s", slot)
	}
	log.WithField("slot", slot).Info("created logical replication slot")
	return nil
}

// ValidatePublication validates every table of |publication|, returning
// the first policy violation.
func (u *UpstreamSession) ValidatePublication(publication string) error {
	var tables, err = u.PublishedTables(publication)
	if err != nil {
		return err
	}
	for _, qualified := range tables {
		var schema, table = splitQualified(qualified)
		if err = u.ValidateTable(schema, table); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"publication": publication, "tables": len(tables)}).
		Info("validated upstream publication")
	return nil
}

func splitQualified(name string) (string, string) {
	for i := 0; i != len(name); i++ {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "public", name
}
