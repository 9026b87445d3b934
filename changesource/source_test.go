package changesource

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/lexiversion"
)

// scriptConn serves a fixed frame script, then fails with |finalErr|.
// If |failAfterAck| is set, the failure waits for an ack to arrive first.
type scriptConn struct {
	frames       []Frame
	finalErr     error
	failAfterAck bool

	mu     sync.Mutex
	acked  chan struct{}
	ackSet sync.Once
	acks   []lexiversion.Version
}

func (c *scriptConn) Recv(ctx context.Context) (Frame, error) {
	if len(c.frames) == 0 {
		if c.finalErr != nil {
			if c.failAfterAck {
				select {
				case <-c.ackedCh():
				case <-ctx.Done():
					return Frame{}, ctx.Err()
				}
			}
			return Frame{}, c.finalErr
		}
		<-ctx.Done()
		return Frame{}, ctx.Err()
	}
	var f = c.frames[0]
	c.frames = c.frames[1:]
	return f, nil
}

func (c *scriptConn) ackedCh() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acked == nil {
		c.acked = make(chan struct{})
	}
	return c.acked
}

func (c *scriptConn) Ack(_ context.Context, wm lexiversion.Version) error {
	c.mu.Lock()
	c.acks = append(c.acks, wm)
	c.mu.Unlock()
	c.ackSet.Do(func() { close(c.ackedCh()) })
	return nil
}

func (c *scriptConn) Close() error { return nil }

// scriptDialer hands out scripted sessions in order, recording dialed-from
// watermarks.
type scriptDialer struct {
	mu    sync.Mutex
	conns []*scriptConn
	froms []lexiversion.Version
}

func (d *scriptDialer) Dial(_ context.Context, from lexiversion.Version) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.froms = append(d.froms, from)
	if len(d.conns) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	var c = d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func relationFrame() Frame {
	return Frame{Kind: FrameRelation, ReplicaIdentity: "default",
		Relation: &change.TableSchema{
			Schema: "public", Name: "issues",
			Columns: []change.Column{
				{Name: "id", Type: "text", NotNull: true, Pos: 1},
				{Name: "_0_version", Type: "text", NotNull: true, Pos: 2},
			},
			PrimaryKey: []string{"id"},
		}}
}

func txnFrames(lsn uint64, id string) []Frame {
	return []Frame{
		{Kind: FrameBegin, LSN: lsn},
		relationFrame(),
		{Kind: FrameInsert,
			Relation: &change.TableSchema{Schema: "public", Name: "issues"},
			Columns:  map[string]any{"id": id, "_0_version": "x"}},
		{Kind: FrameCommit, LSN: lsn},
	}
}

func collect(t *testing.T, st *Stream, n int) []change.Envelope {
	var out []change.Envelope
	var timeout = time.After(5 * time.Second)
	for len(out) < n {
		select {
		case env, ok := <-st.Changes():
			if !ok {
				require.FailNowf(t, "stream closed early", "err: %v", st.Err())
			}
			out = append(out, env)
		case <-timeout:
			require.FailNow(t, "timed out collecting changes")
		}
	}
	return out
}

func TestStreamDecodesTransactions(t *testing.T) {
	var conn = &scriptConn{frames: txnFrames(42, "a")}
	var dialer = &scriptDialer{conns: []*scriptConn{conn}}
	var src = New(dialer)

	var st, err = src.StartStream(context.Background(), lexiversion.Min)
	require.NoError(t, err)
	defer st.Cancel()

	var envs = collect(t, st, 4)
	require.Equal(t, change.Begin, envs[0].Change.Tag)
	require.Equal(t, lexiversion.FromInt(42), envs[0].Watermark)
	require.Equal(t, change.Relation, envs[1].Change.Tag)
	require.Equal(t, change.Insert, envs[2].Change.Tag)
	require.Equal(t, "a", envs[2].Change.Columns["id"])
	require.Equal(t, change.Commit, envs[3].Change.Tag)
	require.Equal(t, lexiversion.FromInt(42), envs[3].Watermark)
}

func TestStreamReconnectsFromLastAck(t *testing.T) {
	var first = &scriptConn{frames: txnFrames(10, "a"),
		finalErr: io.ErrUnexpectedEOF, failAfterAck: true}
	var second = &scriptConn{frames: txnFrames(11, "b")}
	var dialer = &scriptDialer{conns: []*scriptConn{first, second}}
	var src = New(dialer)

	var st, err = src.StartStream(context.Background(), lexiversion.Min)
	require.NoError(t, err)
	defer st.Cancel()

	collect(t, st, 4)
	st.Ack(lexiversion.FromInt(10))

	// The session fails after the first transaction. The re-dial resumes
	// at the acked commit's successor.
	collect(t, st, 4)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Equal(t, []lexiversion.Version{
		lexiversion.Min, lexiversion.FromInt(10).Next(),
	}, dialer.froms)
}

func TestStreamRejectsFullReplicaIdentity(t *testing.T) {
	var rel = relationFrame()
	rel.ReplicaIdentity = "full"
	var conn = &scriptConn{frames: []Frame{{Kind: FrameBegin, LSN: 1}, rel}}
	var src = New(&scriptDialer{conns: []*scriptConn{conn}})

	var st, err = src.StartStream(context.Background(), lexiversion.Min)
	require.NoError(t, err)

	for range st.Changes() {
	}
	require.Error(t, st.Err())
	require.True(t, IsTerminal(st.Err()))
}

func TestStreamRejectsCustomTypesAndUnknownFrames(t *testing.T) {
	for _, frame := range []Frame{
		{Kind: FrameType, TypeName: "mood"},
		{Kind: FrameKind(99)},
	} {
		var conn = &scriptConn{frames: []Frame{frame}}
		var src = New(&scriptDialer{conns: []*scriptConn{conn}})

		var st, err = src.StartStream(context.Background(), lexiversion.Min)
		require.NoError(t, err)
		for range st.Changes() {
		}
		require.True(t, IsTerminal(st.Err()), "frame kind %d", frame.Kind)
	}
}

func TestStreamSkipsOriginAndKeepalive(t *testing.T) {
	var frames = []Frame{
		{Kind: FrameOrigin},
		{Kind: FrameKeepalive},
	}
	frames = append(frames, txnFrames(5, "a")...)
	var conn = &scriptConn{frames: frames}
	var src = New(&scriptDialer{conns: []*scriptConn{conn}})

	var st, err = src.StartStream(context.Background(), lexiversion.Min)
	require.NoError(t, err)
	defer st.Cancel()

	var envs = collect(t, st, 4)
	require.Equal(t, change.Begin, envs[0].Change.Tag)
}

func TestStreamCancelIsIdempotent(t *testing.T) {
	var conn = &scriptConn{}
	var src = New(&scriptDialer{conns: []*scriptConn{conn}})

	var st, err = src.StartStream(context.Background(), lexiversion.Min)
	require.NoError(t, err)

	st.Cancel()
	st.Cancel()
	for range st.Changes() {
	}
	require.NoError(t, st.Err())
}
