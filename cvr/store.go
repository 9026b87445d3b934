package cvr

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Store persists CVRs. Each group's record splits into a meta row
// (version, clients, queries), one row per covered replica row, and an
// ordered journal of row patches serving reconnect catch-up.
type Store struct {
	db *sql.DB
}

const cvrSchema = `
CREATE TABLE IF NOT EXISTS cvr_meta (
	group_id TEXT PRIMARY KEY,
	meta     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cvr_rows (
	group_id TEXT NOT NULL,
	row_id   TEXT NOT NULL,
	record   TEXT NOT NULL,
	PRIMARY KEY (group_id, row_id)
);
CREATE TABLE IF NOT EXISTS cvr_row_patches (
	group_id TEXT NOT NULL,
	version  TEXT NOT NULL,
	patch_id TEXT NOT NULL,
	patch    TEXT NOT NULL,
	PRIMARY KEY (group_id, version, patch_id)
);
CREATE TABLE IF NOT EXISTS cvr_schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Schema versions of the Store's own layout.
const (
	schemaVersion          = "1"
	maxSchemaVersion       = "1"
	minSafeRollbackVersion = "1"
)

// OpenStore opens (creating if needed) the CVR store at |path|.
func OpenStore(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening CVR store %s", path)
	}
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(cvrSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating CVR store schema")
	}
	for key, value := range map[string]string{
		"version":                schemaVersion,
		"maxVersion":             maxSchemaVersion,
		"minSafeRollbackVersion": minSafeRollbackVersion,
	} {
		if _, err = db.Exec(
			`INSERT INTO cvr_schema_meta (key, value) VALUES (?, ?)
			 ON CONFLICT (key) DO NOTHING`, key, value); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "initializing CVR schema meta")
		}
	}
	return &Store{db: db}, nil
}

// Close closes the Store.
func (s *Store) Close() error { return s.db.Close() }

// cvrMeta is the persisted meta document of a group.
type cvrMeta struct {
	Version Version                  `json:"version"`
	Clients map[string]*ClientRecord `json:"clients"`
	Queries map[string]*QueryRecord  `json:"queries"`
}

// Load reads the CVR of |id|, returning an empty CVR if none exists.
func (s *Store) Load(id string) (*CVR, error) {
	var c = NewCVR(id)

	var meta string
	var err = s.db.QueryRow(
		`SELECT meta FROM cvr_meta WHERE group_id = ?`, id).Scan(&meta)
	if err == sql.ErrNoRows {
		return c, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "loading CVR %s", id)
	}

	var m cvrMeta
	if err = json.Unmarshal([]byte(meta), &m); err != nil {
		return nil, errors.Wrapf(err, "decoding CVR %s meta", id)
	}
	c.Version, c.Clients, c.Queries = m.Version, m.Clients, m.Queries
	if c.Clients == nil {
		c.Clients = make(map[string]*ClientRecord)
	}
	if c.Queries == nil {
		c.Queries = make(map[string]*QueryRecord)
	}

	var rows *sql.Rows
	if rows, err = s.db.Query(
		`SELECT row_id, record FROM cvr_rows WHERE group_id = ?`, id); err != nil {
		return nil, errors.Wrapf(err, "loading CVR %s rows", id)
	}
	defer rows.Close()

	for rows.Next() {
		var rowID, record string
		if err = rows.Scan(&rowID, &record); err != nil {
			return nil, errors.Wrap(err, "scanning CVR row")
		}
		var rec RowRecord
		if err = json.Unmarshal([]byte(record), &rec); err != nil {
			return nil, errors.Wrapf(err, "decoding CVR %s row record", id)
		}
		c.Rows[rowID] = &rec
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"group": id, "version": c.Version, "rows": len(c.Rows),
	}).Debug("loaded CVR")
	return c, nil
}

// Commit atomically persists the CVR's meta document, the row records
// named by |patches|, and the patches themselves under |at| for
// reconnect catch-up. A CVR is never partially committed: a failure
// leaves the prior version fully intact.
func (s *Store) Commit(c *CVR, patches []RowPatch, at Version) error {
	var meta, err = json.Marshal(cvrMeta{
		Version: c.Version, Clients: c.Clients, Queries: c.Queries,
	})
	if err != nil {
		return errors.Wrap(err, "encoding CVR meta")
	}

	var txn *sql.Tx
	if txn, err = s.db.Begin(); err != nil {
		return errors.Wrap(err, "beginning CVR commit")
	}
	defer func() { _ = txn.Rollback() }()

	if _, err = txn.Exec(
		`INSERT INTO cvr_meta (group_id, meta) VALUES (?, ?)
		 ON CONFLICT (group_id) DO UPDATE SET meta = excluded.meta`,
		c.ID, string(meta)); err != nil {
		return errors.Wrapf(err, "writing CVR %s meta", c.ID)
	}

	for _, p := range patches {
		var rowID = RowID(p.Table, p.Key)

		if p.Op == "del" {
			if _, err = txn.Exec(
				`DELETE FROM cvr_rows WHERE group_id = ? AND row_id = ?`,
				c.ID, rowID); err != nil {
				return errors.Wrapf(err, "deleting CVR %s row", c.ID)
			}
		} else {
			var rec = c.Rows[rowID]
			if rec == nil {
				return errors.Errorf("patch of %s names an absent row record", rowID)
			}
			var enc []byte
			if enc, err = json.Marshal(rec); err != nil {
				return errors.Wrap(err, "encoding row record")
			}
			if _, err = txn.Exec(
				`INSERT INTO cvr_rows (group_id, row_id, record) VALUES (?, ?, ?)
				 ON CONFLICT (group_id, row_id) DO UPDATE SET record = excluded.record`,
				c.ID, rowID, string(enc)); err != nil {
				return errors.Wrapf(err, "writing CVR %s row", c.ID)
			}
		}

		var enc []byte
		if enc, err = json.Marshal(p); err != nil {
			return errors.Wrap(err, "encoding row patch")
		}
		if _, err = txn.Exec(
			`INSERT INTO cvr_row_patches (group_id, version, patch_id, patch)
			 VALUES (?, ?, ?, ?)`,
			c.ID, at.String(), uuid.NewString(), string(enc)); err != nil {
			return errors.Wrapf(err, "writing CVR %s patch", c.ID)
		}
	}

	if err = txn.Commit(); err != nil {
		return errors.Wrapf(err, "committing CVR %s", c.ID)
	}
	cvrCommitsTotal.Inc()
	cvrPatchesTotal.Add(float64(len(patches)))
	return nil
}

// RowPatchesSince returns the group's row patches at versions strictly
// after |after|, in version order, for reconnect catch-up.
func (s *Store) RowPatchesSince(id string, after Version) ([]RowPatch, error) {
	var rows, err = s.db.Query(
		`SELECT patch FROM cvr_row_patches
		 WHERE group_id = ? AND version > ? ORDER BY version, patch_id`,
		id, after.String())
	if err != nil {
		return nil, errors.Wrapf(err, "reading CVR %s patches", id)
	}
	defer rows.Close()

	var out []RowPatch
	for rows.Next() {
		var body string
		if err = rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scanning CVR patch")
		}
		var p RowPatch
		if err = json.Unmarshal([]byte(body), &p); err != nil {
			return nil, errors.Wrap(err, "decoding CVR patch")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
