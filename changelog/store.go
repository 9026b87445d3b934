// Package changelog persists the ordered log of committed upstream
// transactions. Entries are keyed (watermark, pos): the primary key makes
// replayed appends idempotent, which is what lets the streamer re-ACK a
// transaction it already persisted before a crash.
package changelog

import (
	"database/sql"
	"encoding/json"
	"io"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/lexiversion"
)

// ErrAlreadyCommitted is returned by Append when the transaction's
// watermark is already persisted. The caller treats it as success and
// re-sends the upstream ACK.
var ErrAlreadyCommitted = errors.New("transaction watermark is already persisted")

// Store is the append-only persistent change log.
type Store struct {
	db *sql.DB
}

const changeLogSchema = `
CREATE TABLE IF NOT EXISTS cdc_change_log (
	watermark TEXT    NOT NULL,
	pos       INTEGER NOT NULL,
	entry     TEXT    NOT NULL,
	PRIMARY KEY (watermark, pos)
);
`

// Open opens (creating if needed) the change log at |path|.
// Pass ":memory:" for an ephemeral log in tests.
func Open(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening change log %s", path)
	}
	// The log has a single writer; a second connection would only contend.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(changeLogSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating change log schema")
	}
	return &Store{db: db}, nil
}

// Close closes the Store.
func (s *Store) Close() error { return s.db.Close() }

// Append atomically persists one committed transaction's entries. All
// entries must share one watermark, and the final entry must be its commit.
// If the watermark was already persisted, Append returns
// ErrAlreadyCommitted and persists nothing.
func (s *Store) Append(entries []change.Envelope) error {
	if len(entries) == 0 {
		return errors.New("empty transaction")
	}
	var wm = entries[0].Watermark
	for i := range entries {
		if entries[i].Watermark != wm {
			return errors.Errorf("entry %d watermark %s doesn't match transaction watermark %s",
				i, entries[i].Watermark, wm)
		}
	}
	if entries[len(entries)-1].Change.Tag != change.Commit {
		return errors.Errorf("transaction %s doesn't end with a commit", wm)
	}

	var txn, err = s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning append transaction")
	}
	defer func() { _ = txn.Rollback() }()

	for pos, env := range entries {
		var body []byte
		if body, err = json.Marshal(env.Change); err != nil {
			return errors.Wrapf(err, "encoding entry %d of %s", pos, wm)
		}
		if _, err = txn.Exec(
			`INSERT INTO cdc_change_log (watermark, pos, entry) VALUES (?, ?, ?)`,
			string(wm), pos, string(body),
		); err != nil {
			if isUniqueViolation(err) {
				log.WithField("watermark", wm).Info("transaction already persisted; skipping")
				return ErrAlreadyCommitted
			}
			return errors.Wrapf(err, "appending entry %d of %s", pos, wm)
		}
	}
	if err = txn.Commit(); err != nil {
		return errors.Wrapf(err, "committing append of %s", wm)
	}
	changeLogAppendsTotal.Inc()
	changeLogEntriesTotal.Add(float64(len(entries)))
	return nil
}

// Scan returns an Iterator over entries at watermarks >= |from|, in
// (watermark, pos) order.
func (s *Store) Scan(from lexiversion.Version) (*Iterator, error) {
	var rows, err = s.db.Query(
		`SELECT watermark, entry FROM cdc_change_log WHERE watermark >= ? ORDER BY watermark, pos`,
		string(from),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "scanning change log from %s", from)
	}
	return &Iterator{rows: rows}, nil
}

// LatestWatermark returns the highest persisted watermark, or the empty
// Version if the log is empty.
func (s *Store) LatestWatermark() (lexiversion.Version, error) {
	var wm sql.NullString
	var err = s.db.QueryRow(`SELECT MAX(watermark) FROM cdc_change_log`).Scan(&wm)
	if err != nil {
		return "", errors.Wrap(err, "reading latest watermark")
	} else if !wm.Valid {
		return "", nil
	}
	return lexiversion.Version(wm.String), nil
}

// PurgeBefore removes entries at watermarks < |bound|, reclaiming log
// space once no subscriber can require them.
func (s *Store) PurgeBefore(bound lexiversion.Version) (int64, error) {
	var res, err = s.db.Exec(`DELETE FROM cdc_change_log WHERE watermark < ?`, string(bound))
	if err != nil {
		return 0, errors.Wrapf(err, "purging change log before %s", bound)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}

// Iterator is a resumable cursor over log entries.
type Iterator struct {
	rows *sql.Rows
	done bool
}

// Next returns the next entry, or io.EOF at the end of the scan.
func (it *Iterator) Next() (change.Envelope, error) {
	if it.done || !it.rows.Next() {
		it.done = true
		if err := it.rows.Err(); err != nil {
			return change.Envelope{}, errors.Wrap(err, "iterating change log")
		}
		_ = it.rows.Close()
		return change.Envelope{}, io.EOF
	}

	var wm, body string
	if err := it.rows.Scan(&wm, &body); err != nil {
		return change.Envelope{}, errors.Wrap(err, "scanning change log entry")
	}

	var env = change.Envelope{Watermark: lexiversion.Version(wm)}
	var dec = json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env.Change); err != nil {
		return change.Envelope{}, errors.Wrapf(err, "decoding change log entry at %s", wm)
	}
	return env, nil
}

// Close releases the Iterator.
func (it *Iterator) Close() {
	it.done = true
	_ = it.rows.Close()
}

func isUniqueViolation(err error) bool {
	var sqlErr, ok = err.(sqlite3.Error)
	return ok && sqlErr.Code == sqlite3.ErrConstraint &&
		sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
