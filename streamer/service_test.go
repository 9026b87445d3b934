package streamer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/changelog"
	"go.rivulet.dev/core/changesource"
	"go.rivulet.dev/core/lexiversion"
	"go.rivulet.dev/core/replica"
)

// chanConn is a controllable upstream session fed through a channel.
type chanConn struct {
	frames chan changesource.Frame

	mu   sync.Mutex
	acks []lexiversion.Version
}

func (c *chanConn) Recv(ctx context.Context) (changesource.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-ctx.Done():
		return changesource.Frame{}, ctx.Err()
	}
}

func (c *chanConn) Ack(_ context.Context, wm lexiversion.Version) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, wm)
	return nil
}

func (c *chanConn) Close() error { return nil }

func (c *chanConn) ackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acks)
}

type chanDialer struct{ conn *chanConn }

func (d *chanDialer) Dial(context.Context, lexiversion.Version) (changesource.Conn, error) {
	return d.conn, nil
}

type fixture struct {
	conn    *chanConn
	log     *changelog.Store
	rep     *replica.Store
	svc     *Service
	runErr  chan error
	cancel  context.CancelFunc
	replica lexiversion.Version
}

func issuesSchema() *change.TableSchema {
	return &change.TableSchema{
		Schema: "public", Name: "issues",
		Columns: []change.Column{
			{Name: "id", Type: "text", NotNull: true, Pos: 1},
			{Name: "_0_version", Type: "text", NotNull: true, Pos: 2},
		},
		PrimaryKey: []string{"id"},
	}
}

func startFixture(t *testing.T, queueBound int) *fixture {
	var log, err = changelog.Open(":memory:")
	require.NoError(t, err)
	var rep *replica.Store
	rep, err = replica.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, rep.CreateTable(issuesSchema()))

	var rv = lexiversion.FromInt(0)
	require.NoError(t, rep.SetReplicaVersion(rv))

	var conn = &chanConn{frames: make(chan changesource.Frame, 256)}
	var svc = NewService(changesource.New(&chanDialer{conn: conn}), log, rep, queueBound)

	var ctx, cancel = context.WithCancel(context.Background())
	var f = &fixture{
		conn: conn, log: log, rep: rep, svc: svc,
		runErr: make(chan error, 1), cancel: cancel, replica: rv,
	}
	go func() { f.runErr <- svc.Run(ctx) }()
	svc.Ready.Wait()

	t.Cleanup(func() {
		cancel()
		<-f.runErr
		rep.Close()
		log.Close()
	})
	return f
}

func (f *fixture) feedTxn(lsn uint64, id string) {
	f.conn.frames <- changesource.Frame{Kind: changesource.FrameBegin, LSN: lsn}
	f.conn.frames <- changesource.Frame{
		Kind: changesource.FrameRelation, ReplicaIdentity: "default",
		Relation: issuesSchema(),
	}
	f.conn.frames <- changesource.Frame{
		Kind:     changesource.FrameInsert,
		Relation: &change.TableSchema{Schema: "public", Name: "issues"},
		Columns:  map[string]any{"id": id, "_0_version": "x"},
	}
	f.conn.frames <- changesource.Frame{Kind: changesource.FrameCommit, LSN: lsn}
}

func (f *fixture) subscribe(t *testing.T, id string, wm lexiversion.Version, initial bool) *Subscription {
	var sub, err = f.svc.Subscribe(context.Background(), SubscribeRequest{
		ID: id, Watermark: wm, ReplicaVersion: f.replica, Initial: initial,
	})
	require.NoError(t, err)
	return sub
}

func nextTxn(t *testing.T, sub *Subscription) Txn {
	select {
	case txn, ok := <-sub.Txns():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return txn
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out awaiting transaction")
		return Txn{}
	}
}

func TestEverySubscriberObservesCommitOrder(t *testing.T) {
	var f = startFixture(t, 0)
	var a = f.subscribe(t, "a", "", true)
	var b = f.subscribe(t, "b", "", true)

	f.feedTxn(1, "x")
	f.feedTxn(2, "y")
	f.feedTxn(3, "z")

	for _, sub := range []*Subscription{a, b} {
		for i := uint64(1); i <= 3; i++ {
			var txn = nextTxn(t, sub)
			require.Equal(t, lexiversion.FromInt(i), txn.Watermark)
		}
	}
}

func TestLateSubscriberCatchesUpAndSplices(t *testing.T) {
	var f = startFixture(t, 0)
	var early = f.subscribe(t, "early", "", true)

	f.feedTxn(1, "x")
	f.feedTxn(2, "y")
	require.Equal(t, lexiversion.FromInt(1), nextTxn(t, early).Watermark)
	require.Equal(t, lexiversion.FromInt(2), nextTxn(t, early).Watermark)

	// The late subscriber has state through watermark 1: it receives 2
	// from the log, then 3 live, with no gap or duplicate.
	var late = f.subscribe(t, "late", lexiversion.FromInt(1), false)
	f.feedTxn(3, "z")

	require.Equal(t, lexiversion.FromInt(2), nextTxn(t, late).Watermark)
	require.Equal(t, lexiversion.FromInt(3), nextTxn(t, late).Watermark)
}

func TestDuplicateCommitIsReAckedAndNotRebroadcast(t *testing.T) {
	var f = startFixture(t, 0)
	var sub = f.subscribe(t, "a", "", true)

	f.feedTxn(5, "x")
	require.Equal(t, lexiversion.FromInt(5), nextTxn(t, sub).Watermark)

	// A replay of the same transaction is recognized by the change log
	// and re-acked without double-applying or re-broadcasting.
	f.feedTxn(5, "x")
	f.feedTxn(6, "y")
	require.Equal(t, lexiversion.FromInt(6), nextTxn(t, sub).Watermark)

	require.Eventually(t, func() bool { return f.conn.ackedCount() >= 3 },
		5*time.Second, time.Millisecond)

	var rows, err = f.rep.Rows("public.issues")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestSubscribeRejectsWrongReplicaVersion(t *testing.T) {
	var f = startFixture(t, 0)
	var _, err = f.svc.Subscribe(context.Background(), SubscribeRequest{
		ID: "a", ReplicaVersion: lexiversion.FromInt(99), Initial: true,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrWrongReplicaVersion))
}

func TestSlowSubscriberIsCancelledWithoutStallingOthers(t *testing.T) {
	var f = startFixture(t, 1)
	var slow = f.subscribe(t, "slow", "", true)
	var fast = f.subscribe(t, "fast", "", true)

	f.feedTxn(1, "a")
	require.Equal(t, lexiversion.FromInt(1), nextTxn(t, fast).Watermark)
	require.Equal(t, lexiversion.FromInt(1), nextTxn(t, slow).Watermark)

	// |slow| stops consuming. Its bound of one transaction fills, and the
	// next broadcast cancels it while |fast| continues unimpeded.
	f.feedTxn(2, "b")
	require.Equal(t, lexiversion.FromInt(2), nextTxn(t, fast).Watermark)
	f.feedTxn(3, "c")
	require.Equal(t, lexiversion.FromInt(3), nextTxn(t, fast).Watermark)

	var sawTwo = false
	for txn := range slow.Txns() {
		require.Equal(t, lexiversion.FromInt(2), txn.Watermark)
		sawTwo = true
	}
	require.True(t, sawTwo)
	require.Equal(t, ErrSubscriberOverflow, slow.Err())
}

func TestUnsubscribeReleasesSubscriber(t *testing.T) {
	var f = startFixture(t, 0)
	var sub = f.subscribe(t, "a", "", true)

	f.svc.Unsubscribe(sub)
	for range sub.Txns() {
	}
	require.NoError(t, sub.Err())

	// Later commits are not delivered to the removed subscriber.
	f.feedTxn(1, "x")
	var b = f.subscribe(t, "b", "", true)
	require.Equal(t, lexiversion.FromInt(1), nextTxn(t, b).Watermark)
}
