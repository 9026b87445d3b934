// Package conn adapts one client WebSocket to the view syncer: it
// validates inbound frames, dispatches them, and streams downstream pokes
// under a stop-and-wait protocol — each outbound message carries a
// monotonic integer ID, and the next is not sent until the client
// acknowledges it.
package conn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/syncer"
	"go.rivulet.dev/core/wire"
)

// Socket is the connection's transport: the subset of a websocket
// connection the Connection drives.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// textMessage is the websocket text opcode (gorilla/websocket.TextMessage).
const textMessage = 1

// ViewSyncer is the view-syncer surface a Connection dispatches to.
type ViewSyncer interface {
	InitConnection(sctx syncer.SyncContext, body *wire.InitConnectionBody) (<-chan wire.Downstream, error)
	ChangeDesiredQueries(sctx syncer.SyncContext, body *wire.ChangeDesiredQueriesBody) error
	Disconnect(sctx syncer.SyncContext)
	GroupID() string
}

// Mutator applies pushed client mutations. The mutation-application
// service is an external collaborator; only its contract matters here.
type Mutator interface {
	ApplyMutation(ctx context.Context, clientGroupID string, m wire.Mutation) error
}

// Params identify the client of a Connection, as extracted by the HTTP
// layer at websocket upgrade.
type Params struct {
	ClientGroupID string
	ClientID      string
	BaseCookie    string
}

// Connection serves one client socket until close or error.
type Connection struct {
	sock    Socket
	syncer  ViewSyncer
	mutator Mutator
	params  Params
	wsID    string

	nextID int64
	acks   chan int64
}

// New returns a Connection over |sock|.
func New(sock Socket, vs ViewSyncer, mutator Mutator, params Params) *Connection {
	return &Connection{
		sock:    sock,
		syncer:  vs,
		mutator: mutator,
		params:  params,
		wsID:    uuid.NewString(),
		// Stop-and-wait: at most one ack is ever in flight.
		acks: make(chan int64, 1),
	}
}

// inbound is one reader-loop event.
type inbound struct {
	msg *wire.Upstream
	err error
}

// Run serves the Connection until socket close, |ctx| cancellation, or a
// protocol error. The socket is closed on return.
func (c *Connection) Run(ctx context.Context) error {
	defer c.sock.Close()

	var sctx = syncer.SyncContext{
		ClientID:   c.params.ClientID,
		WSID:       c.wsID,
		BaseCookie: c.params.BaseCookie,
	}
	defer c.syncer.Disconnect(sctx)

	// The reader feeds decoded messages and acks until socket error.
	// Closing |reads| releases the main loop; the ack channel is drained
	// by buffer, so a blocked sender always unblocks on cancellation.
	// It starts before the greeting, whose ack it delivers.
	var reads = make(chan inbound, 16)
	var readCtx, cancelRead = context.WithCancel(ctx)
	defer cancelRead()
	go c.readLoop(readCtx, reads)

	if err := c.send(ctx, wire.Connected(c.wsID, time.Now().UnixMilli())); err != nil {
		return err
	}

	var downstream <-chan wire.Downstream

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case in, ok := <-reads:
			if !ok {
				return nil // Socket closed.
			}
			if in.err != nil {
				if werr, is := in.err.(*wire.Error); is {
					return c.fail(ctx, werr)
				}
				return in.err
			}
			var next, err = c.dispatch(ctx, sctx, in.msg, downstream)
			if err != nil {
				if werr, is := err.(*wire.Error); is {
					return c.fail(ctx, werr)
				}
				return err
			}
			if next != nil {
				downstream = next
			}

		case msg, ok := <-downstream:
			if !ok {
				// The syncer cancelled the sequence (superseded, stopped,
				// or errored); surface a clean close.
				return nil
			}
			if err := c.send(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one validated upstream message, returning a new
// downstream sequence if the message established one.
func (c *Connection) dispatch(ctx context.Context, sctx syncer.SyncContext,
	msg *wire.Upstream, current <-chan wire.Downstream) (<-chan wire.Downstream, error) {

	switch msg.Tag {
	case wire.TagPing:
		return nil, c.send(ctx, wire.Pong())

	case wire.TagPush:
		if msg.Push.ClientGroupID != c.syncer.GroupID() {
			return nil, wire.NewError(wire.InvalidPush,
				"push clientGroupID "+msg.Push.ClientGroupID+
					" does not match connection group "+c.syncer.GroupID())
		}
		for _, m := range msg.Push.Mutations {
			if err := c.mutator.ApplyMutation(ctx, msg.Push.ClientGroupID, m); err != nil {
				// A failed mutation is reported and the push continues.
				if err = c.send(ctx, wire.ErrorMessage(wire.MutationFailed, err.Error())); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil

	case wire.TagPull:
		return nil, nil // Pulls are served elsewhere.

	case wire.TagChangeDesiredQueries:
		if err := c.syncer.ChangeDesiredQueries(sctx, msg.ChangeDesiredQueries); err != nil {
			return nil, wire.NewError(wire.InvalidMessage, err.Error())
		}
		return nil, nil

	case wire.TagInitConnection:
		var seq, err = c.syncer.InitConnection(sctx, msg.InitConnection)
		if err != nil {
			if werr, is := err.(*wire.Error); is {
				return nil, werr
			}
			return nil, wire.NewError(wire.InvalidMessage, err.Error())
		}
		if ctx.Err() != nil {
			// The connection closed while initializing; release the
			// sequence rather than leak it.
			c.syncer.Disconnect(sctx)
			return nil, ctx.Err()
		}
		return seq, nil

	default:
		return nil, wire.NewError(wire.InvalidMessage, "unknown message tag "+msg.Tag)
	}
}

// fail writes a terminal error frame — without awaiting an ack, as the
// peer may already be gone — and closes.
func (c *Connection) fail(_ context.Context, werr *wire.Error) error {
	_ = c.write(wire.ErrorMessage(werr.Kind, werr.Detail))
	connectionErrorsTotal.WithLabelValues(string(werr.Kind)).Inc()
	return werr
}

// send transmits one downstream message and blocks until the client
// acknowledges its ID.
func (c *Connection) send(ctx context.Context, msg wire.Downstream) error {
	if err := c.write(msg); err != nil {
		return err
	}
	select {
	case id := <-c.acks:
		if id != c.nextID {
			return errors.Errorf("expected ack of %d, got %d", c.nextID, id)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) write(msg wire.Downstream) error {
	var body, err = msg.Encode()
	if err != nil {
		return err
	}
	c.nextID++
	var frame []byte
	if frame, err = json.Marshal(outboundFrame{ID: c.nextID, Msg: body}); err != nil {
		return errors.Wrap(err, "encoding outbound frame")
	}
	if err = c.sock.WriteMessage(textMessage, frame); err != nil {
		return errors.Wrap(err, "writing to socket")
	}
	sendsTotal.WithLabelValues(msg.Tag()).Inc()
	return nil
}

// outboundFrame wraps a downstream message with its stop-and-wait ID.
type outboundFrame struct {
	ID  int64           `json:"id"`
	Msg json.RawMessage `json:"msg"`
}

// ackFrame is the client's acknowledgement of an outbound frame.
type ackFrame struct {
	Ack *int64 `json:"ack"`
}

func (c *Connection) readLoop(ctx context.Context, reads chan<- inbound) {
	defer close(reads)

	for {
		var _, raw, err = c.sock.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithField("err", err).Debug("socket read failed")
			}
			return
		}

		// Acks are plain objects; everything else is a tagged tuple.
		var ack ackFrame
		if json.Unmarshal(raw, &ack) == nil && ack.Ack != nil {
			select {
			case c.acks <- *ack.Ack:
			case <-ctx.Done():
				return
			}
			continue
		}

		var msg, derr = wire.DecodeUpstream(raw)
		select {
		case reads <- inbound{msg: msg, err: derr}:
		case <-ctx.Done():
			return
		}
		if derr != nil {
			return
		}
	}
}
