// Package cvr implements the Client View Record: the durable, per
// client-group contract between the view syncer and its clients about
// which queries are desired, which rows (and columns) the group currently
// sees, and at what version. Reconciliation diffs fresh query results
// against the recorded rows and yields the row patches of a poke;
// re-running it with identical inputs yields nothing.
package cvr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/lexiversion"
	"go.rivulet.dev/core/query"
)

// LmidsQueryHash names the reserved internal query which tracks each
// client's last confirmed mutation ID.
const LmidsQueryHash = "lmids"

// Version is a CVR version: an upstream state version, plus a minor
// version counting desired-query changes not yet bound to an upstream
// version.
type Version struct {
	StateVersion lexiversion.Version `json:"stateVersion"`
	MinorVersion int                 `json:"minorVersion,omitempty"`
}

// String renders the Version as a client cookie.
func (v Version) String() string {
	if v.MinorVersion == 0 {
		return string(v.StateVersion)
	}
	return fmt.Sprintf("%s:%02d", v.StateVersion, v.MinorVersion)
}

// ParseVersion parses a client cookie.
func ParseVersion(s string) (Version, error) {
	var out Version
	if i := strings.IndexByte(s, ':'); i >= 0 {
		var minor, err = strconv.Atoi(s[i+1:])
		if err != nil {
			return out, errors.Errorf("malformed cookie %q", s)
		}
		out.MinorVersion = minor
		s = s[:i]
	}
	out.StateVersion = lexiversion.Version(s)
	if err := out.StateVersion.Validate(); err != nil {
		return out, errors.WithMessagef(err, "malformed cookie %q", s)
	}
	return out, nil
}

// Compare orders Versions.
func (v Version) Compare(o Version) int {
	if c := lexiversion.Compare(v.StateVersion, o.StateVersion); c != 0 {
		return c
	}
	return v.MinorVersion - o.MinorVersion
}

// ClientRecord is one client of the group.
type ClientRecord struct {
	DesiredQueryIDs []string `json:"desiredQueryIDs"`
	PatchVersion    Version  `json:"patchVersion"`
}

// QueryRecord is one query of the group.
type QueryRecord struct {
	AST *query.AST `json:"ast,omitempty"`
	// DesiredBy maps each desiring client to the Version of its request.
	DesiredBy map[string]Version `json:"desiredBy"`
	// PatchVersion is the Version of the query's last got/del patch.
	PatchVersion Version `json:"patchVersion"`
	// TransformationVersion is the Version at which the query's pipeline
	// was last (re)compiled.
	TransformationVersion Version `json:"transformationVersion"`
	// Got is set once results for the query have been poked.
	Got bool `json:"got,omitempty"`
	// Internal marks server-maintained queries such as "lmids".
	Internal bool `json:"internal,omitempty"`
}

// RowRecord is one row of the group's view, with per-column coverage: a
// column maps to the set of query hashes which select or condition on it.
// A RowRecord exists iff at least one column is covered by at least one
// active query.
type RowRecord struct {
	Table        string              `json:"table"`
	Key          change.RowKey       `json:"key"`
	PatchVersion Version             `json:"patchVersion"`
	Columns      map[string][]string `json:"columns"`
	RowVersion   lexiversion.Version `json:"rowVersion"`
}

// RowID names a row record: its table and canonical key encoding.
func RowID(table string, key change.RowKey) string {
	return table + "\x00" + key.String()
}

// CVR is a loaded Client View Record.
type CVR struct {
	ID      string
	Version Version
	Clients map[string]*ClientRecord
	Queries map[string]*QueryRecord
	Rows    map[string]*RowRecord
}

// NewCVR returns an empty CVR of |id|.
func NewCVR(id string) *CVR {
	return &CVR{
		ID:      id,
		Clients: make(map[string]*ClientRecord),
		Queries: make(map[string]*QueryRecord),
		Rows:    make(map[string]*RowRecord),
	}
}

// PutDesiredQueries applies a desired-queries patch on behalf of
// |clientID|, bumping the CVR minor version. Patches referencing unknown
// hashes on "del" are ignored. Query and client records are updated in
// place.
func (c *CVR) PutDesiredQueries(clientID string, patches []QueryPatch) {
	var client = c.Clients[clientID]
	if client == nil {
		client = &ClientRecord{}
		c.Clients[clientID] = client
	}

	c.Version.MinorVersion++
	var at = c.Version
	client.PatchVersion = at

	for _, p := range patches {
		switch p.Op {
		case "put":
			var q = c.Queries[p.Hash]
			if q == nil {
				q = &QueryRecord{AST: p.AST}
				c.Queries[p.Hash] = q
			}
			if q.DesiredBy == nil {
				q.DesiredBy = make(map[string]Version)
			}
			q.DesiredBy[clientID] = at
			client.DesiredQueryIDs = putString(client.DesiredQueryIDs, p.Hash)

		case "del":
			client.DesiredQueryIDs = delString(client.DesiredQueryIDs, p.Hash)
			if q := c.Queries[p.Hash]; q != nil {
				delete(q.DesiredBy, clientID)
				if len(q.DesiredBy) == 0 && !q.Internal {
					delete(c.Queries, p.Hash)
				}
			}
		}
	}
}

// QueryPatch is one desired-queries patch operation.
type QueryPatch struct {
	Op   string
	Hash string
	AST  *query.AST
}

// DesiredASTs returns the active (desired or internal) queries.
func (c *CVR) DesiredASTs() map[string]*query.AST {
	var out = make(map[string]*query.AST, len(c.Queries))
	for hash, q := range c.Queries {
		if q.AST != nil {
			out[hash] = q.AST
		}
	}
	return out
}

// ResultRow is one row currently covered by one query, as produced by a
// running pipeline.
type ResultRow struct {
	Hash       string
	Table      string
	Key        change.RowKey
	RowVersion lexiversion.Version
	// Columns of this table the query covers.
	Columns []string
}

// RowPatch is one row-level patch of a poke.
type RowPatch struct {
	Op         string // "put" or "del".
	Table      string
	Key        change.RowKey
	Columns    []string
	RowVersion lexiversion.Version
}

// ReconcileRows diffs |results| — the full current rows per query —
// against the CVR's row records, mutating the records in place and
// returning the row patches of the poke advancing to |at|.
//
// Reconciliation is idempotent: a second run with identical inputs
// returns no patches.
func (c *CVR) ReconcileRows(results []ResultRow, at Version) []RowPatch {
	// Aggregate results into the desired record set.
	type desired struct {
		table      string
		key        change.RowKey
		columns    map[string][]string
		rowVersion lexiversion.Version
	}
	var want = make(map[string]*desired)

	for _, r := range results {
		var id = RowID(r.Table, r.Key)
		var d = want[id]
		if d == nil {
			d = &desired{
				table:      r.Table,
				key:        r.Key,
				columns:    make(map[string][]string),
				rowVersion: r.RowVersion,
			}
			want[id] = d
		}
		if lexiversion.Compare(r.RowVersion, d.rowVersion) > 0 {
			d.rowVersion = r.RowVersion
		}
		for _, col := range r.Columns {
			d.columns[col] = putString(d.columns[col], r.Hash)
		}
	}

	var patches []RowPatch

	// Rows no longer covered by any query.
	for id, rec := range c.Rows {
		if want[id] == nil {
			patches = append(patches, RowPatch{Op: "del", Table: rec.Table, Key: rec.Key})
			delete(c.Rows, id)
		}
	}

	// New or changed rows.
	var ids = make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var d = want[id]
		var rec = c.Rows[id]

		if rec != nil &&
			rec.RowVersion == d.rowVersion &&
			columnsEqual(rec.Columns, d.columns) {
			continue // Unchanged.
		}
		if rec == nil {
			rec = &RowRecord{Table: d.table, Key: d.key}
			c.Rows[id] = rec
		}
		rec.Columns = d.columns
		rec.RowVersion = d.rowVersion
		rec.PatchVersion = at

		patches = append(patches, RowPatch{
			Op:         "put",
			Table:      d.table,
			Key:        d.key,
			Columns:    sortedColumns(d.columns),
			RowVersion: d.rowVersion,
		})
	}
	return patches
}

// AdvanceVersion sets the CVR's state version to |to| and clears the
// minor version now that pending desired-query changes are reflected.
func (c *CVR) AdvanceVersion(to lexiversion.Version) {
	c.Version = Version{StateVersion: to}
}

func columnsEqual(a map[string][]string, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for col, hashesA := range a {
		var hashesB, ok = b[col]
		if !ok || len(hashesA) != len(hashesB) {
			return false
		}
		for i := range hashesA {
			if hashesA[i] != hashesB[i] {
				return false
			}
		}
	}
	return true
}

func sortedColumns(m map[string][]string) []string {
	var out = make([]string, 0, len(m))
	for col := range m {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// putString inserts |s| into sorted |list| if absent.
func putString(list []string, s string) []string {
	var i = sort.SearchStrings(list, s)
	if i < len(list) && list[i] == s {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}

// delString removes |s| from sorted |list| if present.
func delString(list []string, s string) []string {
	var i = sort.SearchStrings(list, s)
	if i < len(list) && list[i] == s {
		return append(list[:i], list[i+1:]...)
	}
	return list
}
