package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/changelog"
	"go.rivulet.dev/core/changesource"
	"go.rivulet.dev/core/cvr"
	"go.rivulet.dev/core/lexiversion"
	"go.rivulet.dev/core/query"
	"go.rivulet.dev/core/replica"
	"go.rivulet.dev/core/streamer"
	"go.rivulet.dev/core/wire"
)

// chanConn is a controllable upstream session fed through a channel.
type chanConn struct {
	frames chan changesource.Frame
	mu     sync.Mutex
	acks   int
}

func (c *chanConn) Recv(ctx context.Context) (changesource.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-ctx.Done():
		return changesource.Frame{}, ctx.Err()
	}
}

func (c *chanConn) Ack(context.Context, lexiversion.Version) error {
	c.mu.Lock()
	c.acks++
	c.mu.Unlock()
	return nil
}

func (c *chanConn) Close() error { return nil }

type chanDialer struct{ conn *chanConn }

func (d *chanDialer) Dial(context.Context, lexiversion.Version) (changesource.Conn, error) {
	return d.conn, nil
}

func usersSchema() *change.TableSchema {
	return &change.TableSchema{
		Schema: "public", Name: "users",
		Columns: []change.Column{
			{Name: "id", Type: "text", NotNull: true, Pos: 1},
			{Name: "name", Type: "text", Pos: 2},
			{Name: "_0_version", Type: "text", NotNull: true, Pos: 3},
		},
		PrimaryKey: []string{"id"},
	}
}

func issuesSchema() *change.TableSchema {
	return &change.TableSchema{
		Schema: "public", Name: "issues",
		Columns: []change.Column{
			{Name: "id", Type: "text", NotNull: true, Pos: 1},
			{Name: "title", Type: "text", Pos: 2},
			{Name: "big", Type: "int8", Pos: 3},
			{Name: "owner_id", Type: "text", Pos: 4},
			{Name: "_0_version", Type: "text", NotNull: true, Pos: 5},
		},
		PrimaryKey: []string{"id"},
	}
}

func clientsSchema() *change.TableSchema {
	return &change.TableSchema{
		Schema: "zero", Name: "clients",
		Columns: []change.Column{
			{Name: "clientGroupID", Type: "text", NotNull: true, Pos: 1},
			{Name: "clientID", Type: "text", NotNull: true, Pos: 2},
			{Name: "lastMutationID", Type: "int8", NotNull: true, Pos: 3},
			{Name: "_0_version", Type: "text", NotNull: true, Pos: 4},
		},
		PrimaryKey: []string{"clientGroupID", "clientID"},
	}
}

type fixture struct {
	conn   *chanConn
	rep    *replica.Store
	syncer *Syncer
	nextWM uint64
}

func startFixture(t *testing.T) *fixture {
	var clog, err = changelog.Open(":memory:")
	require.NoError(t, err)
	var rep *replica.Store
	rep, err = replica.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, rep.SetReplicaVersion(lexiversion.FromInt(0)))

	for _, schema := range []*change.TableSchema{usersSchema(), issuesSchema(), clientsSchema()} {
		require.NoError(t, rep.CreateTable(schema))
	}

	var f = &fixture{conn: &chanConn{frames: make(chan changesource.Frame, 256)}, rep: rep, nextWM: 1}

	// Preload: three users, five issues, and the group's client record.
	var preload = func(table *change.TableSchema, rows []map[string]any) {
		var wm = lexiversion.FromInt(f.nextWM)
		f.nextWM++
		var entries = []change.Envelope{
			{Watermark: wm, Change: change.Change{Tag: change.Begin, CommitWatermark: wm}},
		}
		for _, row := range rows {
			entries = append(entries, change.Envelope{Watermark: wm, Change: change.Change{
				Tag: change.Insert, Schema: table.Schema, Table: table.Name, Columns: row,
			}})
		}
		entries = append(entries, change.Envelope{Watermark: wm, Change: change.Change{Tag: change.Commit}})
		require.NoError(t, rep.Apply(entries))
	}
	preload(usersSchema(), []map[string]any{
		{"id": "100", "name": "alice"},
		{"id": "101", "name": "bob"},
		{"id": "102", "name": "candice"},
	})
	preload(issuesSchema(), []map[string]any{
		{"id": "1", "title": "one", "big": int64(9007), "owner_id": "100"},
		{"id": "2", "title": "two", "big": int64(2), "owner_id": "101"},
		{"id": "3", "title": "three", "big": int64(3), "owner_id": "102"},
		{"id": "4", "title": "four", "big": int64(4), "owner_id": "100"},
		{"id": "5", "title": "five", "big": int64(5), "owner_id": "101"},
	})
	preload(clientsSchema(), []map[string]any{
		{"clientGroupID": "g1", "clientID": "foo", "lastMutationID": int64(42)},
	})

	var svc = streamer.NewService(changesource.New(&chanDialer{conn: f.conn}), clog, rep, 0)
	var ctx, cancel = context.WithCancel(context.Background())
	var svcDone = make(chan error, 1)
	go func() { svcDone <- svc.Run(ctx) }()
	svc.Ready.Wait()

	var store *cvr.Store
	store, err = cvr.OpenStore(":memory:")
	require.NoError(t, err)

	f.syncer = New("g1", svc, rep, store)
	var synDone = make(chan error, 1)
	go func() { synDone <- f.syncer.Run(ctx) }()
	f.syncer.Ready.Wait()

	t.Cleanup(func() {
		f.syncer.Stop()
		cancel()
		<-svcDone
		<-synDone
		store.Close()
		rep.Close()
		clog.Close()
	})
	return f
}

// feedUpdate streams an upstream UPDATE of one issues row.
func (f *fixture) feedUpdate(key string, columns map[string]any) lexiversion.Version {
	var lsn = f.nextWM
	f.nextWM++
	f.conn.frames <- changesource.Frame{Kind: changesource.FrameBegin, LSN: lsn}
	f.conn.frames <- changesource.Frame{
		Kind: changesource.FrameRelation, ReplicaIdentity: "default",
		Relation: issuesSchema(),
	}
	f.conn.frames <- changesource.Frame{
		Kind:     changesource.FrameUpdate,
		Relation: &change.TableSchema{Schema: "public", Name: "issues"},
		Key:      change.RowKey{{Column: "id", Value: key}},
		Columns:  columns,
	}
	f.conn.frames <- changesource.Frame{Kind: changesource.FrameCommit, LSN: lsn}
	return lexiversion.FromInt(lsn)
}

func issuesQuery() *query.AST {
	return &query.AST{
		Table:  "issues",
		Select: []string{"id", "title", "big"},
		Where: &query.Condition{Kind: query.CondSimple, Op: query.OpIn,
			Field: "id", Value: []any{"1", "2", "3", "4"}},
	}
}

func usersQuery() *query.AST {
	return &query.AST{Table: "users", Select: []string{"id", "name"}}
}

// poke is one decoded pokeStart/pokePart*/pokeEnd sequence.
type poke struct {
	start wire.PokeStartBody
	parts []wire.PokePartBody
}

func (p *poke) entities() []wire.EntityPatch {
	var out []wire.EntityPatch
	for _, part := range p.parts {
		out = append(out, part.EntitiesPatch...)
	}
	return out
}

func (p *poke) entityIDs(op string) map[string]bool {
	var out = make(map[string]bool)
	for _, e := range p.entities() {
		if e.Op == op {
			out[e.EntityType+"/"+e.EntityID["id"].(string)] = true
		}
	}
	return out
}

func readPoke(t *testing.T, seq <-chan wire.Downstream) *poke {
	var out = &poke{}
	var timeout = time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-seq:
			require.True(t, ok, "downstream closed")
			switch msg.Tag() {
			case wire.TagPokeStart:
				out.start = msg.Body().(wire.PokeStartBody)
			case wire.TagPokePart:
				out.parts = append(out.parts, msg.Body().(wire.PokePartBody))
			case wire.TagPokeEnd:
				var end = msg.Body().(wire.PokeEndBody)
				require.Equal(t, out.start.PokeID, end.PokeID)
				return out
			default:
				require.Failf(t, "unexpected message", "tag %s", msg.Tag())
			}
		case <-timeout:
			require.FailNow(t, "timed out awaiting poke")
		}
	}
}

func TestInitialSync(t *testing.T) {
	var f = startFixture(t)

	var seq, err = f.syncer.InitConnection(
		SyncContext{ClientID: "foo", WSID: "ws1"},
		&wire.InitConnectionBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "put", Hash: "query-hash1", AST: issuesQuery()},
		}})
	require.NoError(t, err)

	var p = readPoke(t, seq)
	require.Equal(t, p.start.Cookie, p.start.PokeID)

	var puts = p.entityIDs("put")
	require.True(t, puts["public.issues/1"])
	require.True(t, puts["public.issues/2"])
	require.True(t, puts["public.issues/3"])
	require.True(t, puts["public.issues/4"])
	require.False(t, puts["public.issues/5"])

	// Values carry the selected columns and the row's version.
	for _, e := range p.entities() {
		require.Contains(t, e.Value, "title")
		require.Contains(t, e.Value, change.VersionColumn)
		require.NotContains(t, e.Value, "owner_id")
	}

	var part = p.parts[0]
	require.Equal(t, int64(42), part.LastMutationIDChanges["foo"])

	var gotHashes []string
	for _, g := range part.GotQueriesPatch {
		gotHashes = append(gotHashes, g.Hash)
	}
	require.Contains(t, gotHashes, "query-hash1")
	require.Contains(t, part.DesiredQueriesPatches, "foo")
}

func TestChangeDesiredQueries(t *testing.T) {
	var f = startFixture(t)
	var sctx = SyncContext{ClientID: "foo", WSID: "ws1"}

	var seq, err = f.syncer.InitConnection(sctx,
		&wire.InitConnectionBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "put", Hash: "query-hash1", AST: issuesQuery()},
		}})
	require.NoError(t, err)
	readPoke(t, seq)

	require.NoError(t, f.syncer.ChangeDesiredQueries(sctx,
		&wire.ChangeDesiredQueriesBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "del", Hash: "query-hash1"},
			{Op: "put", Hash: "query-hash2", AST: usersQuery()},
		}}))

	var p = readPoke(t, seq)
	var puts = p.entityIDs("put")
	require.True(t, puts["public.users/100"])
	require.True(t, puts["public.users/101"])
	require.True(t, puts["public.users/102"])

	var dels = p.entityIDs("del")
	require.Len(t, dels, 4) // The issues rows left coverage.

	var part = p.parts[0]
	require.Len(t, part.DesiredQueriesPatches["foo"], 2)

	var gotOps = make(map[string]string)
	for _, g := range part.GotQueriesPatch {
		gotOps[g.Hash] = g.Op
	}
	require.Equal(t, "del", gotOps["query-hash1"])
	require.Equal(t, "put", gotOps["query-hash2"])

	require.Equal(t, []string{"query-hash2"},
		f.syncer.cvr.Clients["foo"].DesiredQueryIDs)
}

func TestRowUpdatePoke(t *testing.T) {
	var f = startFixture(t)
	var seq, err = f.syncer.InitConnection(
		SyncContext{ClientID: "foo", WSID: "ws1"},
		&wire.InitConnectionBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "put", Hash: "query-hash1", AST: issuesQuery()},
		}})
	require.NoError(t, err)
	var first = readPoke(t, seq)

	var w = f.feedUpdate("1", map[string]any{
		"id": "1", "title": "X", "big": int64(9007), "owner_id": "100"})

	var p = readPoke(t, seq)
	require.Equal(t, string(w), p.start.Cookie)
	// Each poke's baseCookie chains from its predecessor's cookie.
	require.Equal(t, first.start.Cookie, p.start.BaseCookie)

	var entities = p.entities()
	require.Len(t, entities, 1)
	require.Equal(t, "put", entities[0].Op)
	require.Equal(t, "1", entities[0].EntityID["id"])
	require.Equal(t, "X", entities[0].Value["title"])
	require.Equal(t, string(w), entities[0].Value[change.VersionColumn])
}

func TestRowLeavesQuery(t *testing.T) {
	var f = startFixture(t)
	var seq, err = f.syncer.InitConnection(
		SyncContext{ClientID: "foo", WSID: "ws1"},
		&wire.InitConnectionBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "put", Hash: "query-hash1", AST: issuesQuery()},
		}})
	require.NoError(t, err)
	readPoke(t, seq)

	// The row's key moves outside the IN set.
	f.feedUpdate("1", map[string]any{
		"id": "99", "title": "one", "big": int64(9007), "owner_id": "100"})

	var p = readPoke(t, seq)
	var dels = p.entityIDs("del")
	require.True(t, dels["public.issues/1"])

	f.syncer.mu.Lock()
	defer f.syncer.mu.Unlock()
	for id := range f.syncer.cvr.Rows {
		require.NotContains(t, id, `"1"`)
	}
}

func TestDisconnectAndReconnectRepokes(t *testing.T) {
	var f = startFixture(t)
	var sctx = SyncContext{ClientID: "foo", WSID: "ws1"}

	var seq, err = f.syncer.InitConnection(sctx,
		&wire.InitConnectionBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "put", Hash: "query-hash1", AST: issuesQuery()},
		}})
	require.NoError(t, err)
	var first = readPoke(t, seq)

	// The socket drops mid-stream: the sequence ends, and the CVR holds
	// no partial state.
	var w = f.feedUpdate("1", map[string]any{
		"id": "1", "title": "X", "big": int64(9007), "owner_id": "100"})
	readPoke(t, seq) // Fully delivered to the doomed socket; now drop it.
	f.syncer.Disconnect(sctx)

	// Reconnecting from the pre-update cookie receives a full re-poke
	// ending at the current version.
	var seq2 <-chan wire.Downstream
	seq2, err = f.syncer.InitConnection(
		SyncContext{ClientID: "foo", WSID: "ws2", BaseCookie: first.start.Cookie},
		&wire.InitConnectionBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "put", Hash: "query-hash1", AST: issuesQuery()},
		}})
	require.NoError(t, err)

	var p = readPoke(t, seq2)
	require.Equal(t, first.start.Cookie, p.start.BaseCookie)

	var puts = p.entityIDs("put")
	require.True(t, puts["public.issues/1"])
	require.True(t, puts["public.issues/4"])

	for _, e := range p.entities() {
		if e.Op == "put" && e.EntityID["id"] == "1" {
			require.Equal(t, "X", e.Value["title"])
			require.Equal(t, string(w), e.Value[change.VersionColumn])
		}
	}
}

func TestSupersededConnectionIsIgnored(t *testing.T) {
	var f = startFixture(t)
	var sctx1 = SyncContext{ClientID: "foo", WSID: "ws1"}

	var seq1, err = f.syncer.InitConnection(sctx1,
		&wire.InitConnectionBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "put", Hash: "query-hash1", AST: issuesQuery()},
		}})
	require.NoError(t, err)
	readPoke(t, seq1)

	// A second connection of the same client supersedes the first.
	var seq2 <-chan wire.Downstream
	seq2, err = f.syncer.InitConnection(
		SyncContext{ClientID: "foo", WSID: "ws2"},
		&wire.InitConnectionBody{DesiredQueriesPatch: nil})
	require.NoError(t, err)
	readPoke(t, seq2)

	for range seq1 {
	} // The superseded sequence is cancelled.

	// Messages bearing the stale wsID are ignored without CVR effect.
	var before = f.syncer.cvr.Version
	require.NoError(t, f.syncer.ChangeDesiredQueries(sctx1,
		&wire.ChangeDesiredQueriesBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "del", Hash: "query-hash1"},
		}}))
	require.Equal(t, before, f.syncer.cvr.Version)
	require.Contains(t, f.syncer.cvr.Queries, "query-hash1")
}

func TestBadASTLeavesCVRUnmodified(t *testing.T) {
	var f = startFixture(t)

	var _, err = f.syncer.InitConnection(
		SyncContext{ClientID: "foo", WSID: "ws1"},
		&wire.InitConnectionBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "put", Hash: "bad", AST: &query.AST{Table: "issues",
				Select: []string{"no_such_column"}}},
		}})
	require.Error(t, err)

	f.syncer.mu.Lock()
	defer f.syncer.mu.Unlock()
	require.NotContains(t, f.syncer.cvr.Queries, "bad")
	require.Empty(t, f.syncer.cvr.Clients)
}

func TestUnrepresentableValueFailsPokeButAdvancesCVR(t *testing.T) {
	var f = startFixture(t)
	var seq, err = f.syncer.InitConnection(
		SyncContext{ClientID: "foo", WSID: "ws1"},
		&wire.InitConnectionBody{DesiredQueriesPatch: []wire.QueryPatch{
			{Op: "put", Hash: "query-hash1", AST: issuesQuery()},
		}})
	require.NoError(t, err)
	readPoke(t, seq)

	var w = f.feedUpdate("1", map[string]any{
		"id": "1", "title": "big", "big": json.Number("9007199254740993"),
		"owner_id": "100"})

	// The poke fails with a typed error, yet the CVR advances to |w|.
	for range seq {
	}
	require.Eventually(t, func() bool {
		f.syncer.mu.Lock()
		defer f.syncer.mu.Unlock()
		return f.syncer.cvr.Version.StateVersion == w
	}, 5*time.Second, time.Millisecond)
}
