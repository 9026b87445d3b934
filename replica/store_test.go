package replica

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/lexiversion"
)

func issuesSchema() *change.TableSchema {
	return &change.TableSchema{
		Schema: "public",
		Name:   "issues",
		Columns: []change.Column{
			{Name: "id", Type: "text", NotNull: true, Pos: 1},
			{Name: "title", Type: "text", Pos: 2},
			{Name: "big", Type: "int8", Pos: 3},
			{Name: "_0_version", Type: "text", NotNull: true, Pos: 4},
		},
		PrimaryKey: []string{"id"},
	}
}

func openFixture(t *testing.T) *Store {
	var s, err = Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateTable(issuesSchema()))
	return s
}

func txn(wm lexiversion.Version, changes ...change.Change) []change.Envelope {
	var out = []change.Envelope{
		{Watermark: wm, Change: change.Change{Tag: change.Begin, CommitWatermark: wm}},
	}
	for _, c := range changes {
		out = append(out, change.Envelope{Watermark: wm, Change: c})
	}
	return append(out, change.Envelope{Watermark: wm, Change: change.Change{Tag: change.Commit}})
}

func TestApplyInsertUpdateDelete(t *testing.T) {
	var s = openFixture(t)
	var w1, w2, w3 = lexiversion.FromInt(1), lexiversion.FromInt(2), lexiversion.FromInt(3)

	require.NoError(t, s.Apply(txn(w1,
		change.Change{Tag: change.Insert, Schema: "public", Table: "issues",
			Columns: map[string]any{"id": "1", "title": "a", "big": int64(10)}},
		change.Change{Tag: change.Insert, Schema: "public", Table: "issues",
			Columns: map[string]any{"id": "2", "title": "b", "big": int64(20)}},
	)))

	var rows, err = s.Rows("public.issues")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0].Columns["title"])
	require.Equal(t, string(w1), rows[0].Columns["_0_version"])

	// An update rewrites the row and stamps the new commit watermark.
	require.NoError(t, s.Apply(txn(w2,
		change.Change{Tag: change.Update, Schema: "public", Table: "issues",
			Key:     change.RowKey{{Column: "id", Value: "1"}},
			Columns: map[string]any{"id": "1", "title": "a2", "big": int64(11)}},
	)))
	rows, err = s.Rows("public.issues")
	require.NoError(t, err)
	require.Equal(t, "a2", rows[0].Columns["title"])
	require.Equal(t, string(w2), rows[0].Columns["_0_version"])
	require.Equal(t, string(w1), rows[1].Columns["_0_version"]) // Untouched.

	require.NoError(t, s.Apply(txn(w3,
		change.Change{Tag: change.Delete, Schema: "public", Table: "issues",
			Key: change.RowKey{{Column: "id", Value: "2"}}},
	)))
	rows, err = s.Rows("public.issues")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	var state lexiversion.Version
	state, err = s.StateVersion()
	require.NoError(t, err)
	require.Equal(t, w3, state)
}

func TestApplyKeyChangingUpdate(t *testing.T) {
	var s = openFixture(t)
	var w1, w2 = lexiversion.FromInt(1), lexiversion.FromInt(2)

	require.NoError(t, s.Apply(txn(w1,
		change.Change{Tag: change.Insert, Schema: "public", Table: "issues",
			Columns: map[string]any{"id": "1", "title": "a"}},
	)))
	require.NoError(t, s.Apply(txn(w2,
		change.Change{Tag: change.Update, Schema: "public", Table: "issues",
			Key:     change.RowKey{{Column: "id", Value: "1"}},
			Columns: map[string]any{"id": "99", "title": "a"}},
	)))

	var rows, err = s.Rows("public.issues")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "99", rows[0].Columns["id"])
}

func TestApplyTruncate(t *testing.T) {
	var s = openFixture(t)
	require.NoError(t, s.Apply(txn(lexiversion.FromInt(1),
		change.Change{Tag: change.Insert, Schema: "public", Table: "issues",
			Columns: map[string]any{"id": "1"}},
	)))
	require.NoError(t, s.Apply(txn(lexiversion.FromInt(2),
		change.Change{Tag: change.Truncate, Tables: []string{"public.issues"}},
	)))

	var rows, err = s.Rows("public.issues")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestApplyRejectsPartialTransactions(t *testing.T) {
	var s = openFixture(t)
	require.Error(t, s.Apply(nil))
	require.Error(t, s.Apply([]change.Envelope{
		{Watermark: "01", Change: change.Change{Tag: change.Insert, Table: "issues",
			Columns: map[string]any{"id": "1"}}},
	}))
}

func TestSchemaDDLRoundTrip(t *testing.T) {
	var s = openFixture(t)
	var w = lexiversion.FromInt(1)

	require.NoError(t, s.Apply(txn(w,
		change.Change{Tag: change.AddColumn, Schema: "public", Table: "issues",
			ColumnSpec: &change.Column{Name: "status", Type: "text", Pos: 5}},
	)))
	require.NotNil(t, s.Table("public.issues").Column("status"))

	require.NoError(t, s.Apply(txn(lexiversion.FromInt(2),
		change.Change{Tag: change.UpdateColumn, Schema: "public", Table: "issues",
			ColumnName: "status",
			ColumnSpec: &change.Column{Name: "state", Type: "text", Pos: 5}},
	)))
	require.Nil(t, s.Table("public.issues").Column("status"))
	require.NotNil(t, s.Table("public.issues").Column("state"))

	require.NoError(t, s.Apply(txn(lexiversion.FromInt(3),
		change.Change{Tag: change.DropColumn, Schema: "public", Table: "issues",
			ColumnName: "state"},
	)))
	require.Nil(t, s.Table("public.issues").Column("state"))

	require.NoError(t, s.Apply(txn(lexiversion.FromInt(4),
		change.Change{Tag: change.CreateIndex, Schema: "public", Table: "issues",
			IndexSpec: &change.IndexSchema{Name: "issues_title", Columns: []change.IndexColumn{{Name: "title"}}}},
	)))
	require.Len(t, s.Table("public.issues").Indexes, 1)

	require.NoError(t, s.Apply(txn(lexiversion.FromInt(5),
		change.Change{Tag: change.DropIndex, Schema: "public", Table: "issues",
			IndexName: "issues_title"},
	)))
	require.Empty(t, s.Table("public.issues").Indexes)

	// The reserved version column cannot be dropped.
	require.Error(t, s.Apply(txn(lexiversion.FromInt(6),
		change.Change{Tag: change.DropColumn, Schema: "public", Table: "issues",
			ColumnName: change.VersionColumn},
	)))
}

func TestRegistryPersistsAcrossOpen(t *testing.T) {
	var dir = t.TempDir()
	var path = dir + "/replica.db"

	var s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateTable(issuesSchema()))
	require.NoError(t, s.SetReplicaVersion(lexiversion.FromInt(9)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NotNil(t, s.Table("public.issues"))

	var rv lexiversion.Version
	rv, err = s.ReplicaVersion()
	require.NoError(t, err)
	require.Equal(t, lexiversion.FromInt(9), rv)
}
