package change

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	"go.rivulet.dev/core/lexiversion"
)

// VersionColumn is the reserved column carrying a row's LexiVersion: the
// commit watermark of the transaction which last wrote the row. It is
// required NOT NULL on every replicated table.
const VersionColumn = "_0_version"

// KeyValue is one column of a row key.
type KeyValue struct {
	Column string `json:"c"`
	Value  any    `json:"v"`
}

// RowKey is the ordered primary-key columns and values identifying a row.
// Order follows the table's declared primary key.
type RowKey []KeyValue

// String returns a canonical encoding of the RowKey, suitable as a map key.
func (k RowKey) String() string {
	var b, err = json.Marshal(k)
	if err != nil {
		panic(err.Error()) // Values are decoded JSON; cannot fail to re-encode.
	}
	return string(b)
}

// KeyOf extracts the RowKey of |columns| under primary key |pk|.
// It returns an error if any key column is absent.
func KeyOf(pk []string, columns map[string]any) (RowKey, error) {
	var key = make(RowKey, 0, len(pk))
	for _, c := range pk {
		var v, ok = columns[c]
		if !ok {
			return nil, errors.Errorf("row is missing primary-key column %q", c)
		}
		key = append(key, KeyValue{Column: c, Value: v})
	}
	return key, nil
}

// Row is a replicated row: its relation, key, full column values, and the
// LexiVersion at which it was last written.
type Row struct {
	Schema  string         `json:"schema"`
	Table   string         `json:"table"`
	Key     RowKey         `json:"key"`
	Columns map[string]any `json:"columns"`
}

// Version returns the row's LexiVersion from its reserved version column.
func (r *Row) Version() (lexiversion.Version, error) {
	var v, ok = r.Columns[VersionColumn].(string)
	if !ok {
		return "", errors.Errorf("row %s/%s%s has no %s column",
			r.Schema, r.Table, r.Key, VersionColumn)
	}
	var ver = lexiversion.Version(v)
	return ver, ver.Validate()
}

// SortedColumns returns the row's column names in sorted order.
func (r *Row) SortedColumns() []string {
	var out = make([]string, 0, len(r.Columns))
	for c := range r.Columns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
