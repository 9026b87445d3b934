package changelog

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/lexiversion"
)

func testTxn(wm lexiversion.Version, table string, id string) []change.Envelope {
	return []change.Envelope{
		{Watermark: wm, Change: change.Change{Tag: change.Begin, CommitWatermark: wm}},
		{Watermark: wm, Change: change.Change{
			Tag: change.Insert, Schema: "public", Table: table,
			Columns: map[string]any{"id": id, "_0_version": string(wm)}}},
		{Watermark: wm, Change: change.Change{Tag: change.Commit}},
	}
}

func TestAppendAndScan(t *testing.T) {
	var store, err = Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(testTxn(lexiversion.FromInt(1), "issues", "a")))
	require.NoError(t, store.Append(testTxn(lexiversion.FromInt(2), "issues", "b")))
	require.NoError(t, store.Append(testTxn(lexiversion.FromInt(3), "users", "c")))

	var latest lexiversion.Version
	latest, err = store.LatestWatermark()
	require.NoError(t, err)
	require.Equal(t, lexiversion.FromInt(3), latest)

	// A scan from the middle resumes at that watermark.
	var it *Iterator
	it, err = store.Scan(lexiversion.FromInt(2))
	require.NoError(t, err)
	defer it.Close()

	var watermarks []lexiversion.Version
	var tags []change.Tag
	for {
		var env, err = it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		watermarks = append(watermarks, env.Watermark)
		tags = append(tags, env.Change.Tag)
	}
	require.Equal(t, []lexiversion.Version{
		lexiversion.FromInt(2), lexiversion.FromInt(2), lexiversion.FromInt(2),
		lexiversion.FromInt(3), lexiversion.FromInt(3), lexiversion.FromInt(3),
	}, watermarks)
	require.Equal(t, []change.Tag{
		change.Begin, change.Insert, change.Commit,
		change.Begin, change.Insert, change.Commit,
	}, tags)
}

func TestDuplicateCommitIsRecognized(t *testing.T) {
	var store, err = Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	var txn = testTxn(lexiversion.FromInt(7), "issues", "a")
	require.NoError(t, store.Append(txn))

	// Replaying the same transaction after a crash reports
	// ErrAlreadyCommitted and persists nothing twice.
	require.Equal(t, ErrAlreadyCommitted, store.Append(txn))

	var it *Iterator
	it, err = store.Scan(lexiversion.Min)
	require.NoError(t, err)
	defer it.Close()

	var n int
	for {
		if _, err = it.Next(); err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	require.Equal(t, 3, n)
}

func TestAppendValidation(t *testing.T) {
	var store, err = Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.Error(t, store.Append(nil))

	// Entries of one transaction must share a watermark.
	var mixed = testTxn(lexiversion.FromInt(1), "issues", "a")
	mixed[1].Watermark = lexiversion.FromInt(2)
	require.Error(t, store.Append(mixed))

	// And must end with a commit.
	var open = testTxn(lexiversion.FromInt(1), "issues", "a")[:2]
	require.Error(t, store.Append(open))
}

func TestLatestWatermarkOfEmptyLog(t *testing.T) {
	var store, err = Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	var latest lexiversion.Version
	latest, err = store.LatestWatermark()
	require.NoError(t, err)
	require.Equal(t, lexiversion.Version(""), latest)
}

func TestPurgeBefore(t *testing.T) {
	var store, err = Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(testTxn(lexiversion.FromInt(1), "issues", "a")))
	require.NoError(t, store.Append(testTxn(lexiversion.FromInt(2), "issues", "b")))

	var n int64
	n, err = store.PurgeBefore(lexiversion.FromInt(2))
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	var latest lexiversion.Version
	latest, err = store.LatestWatermark()
	require.NoError(t, err)
	require.Equal(t, lexiversion.FromInt(2), latest)
}
