// Package changesource adapts upstream logical replication into the typed
// change stream. A Dialer opens replication sessions; the Source drives a
// session, decodes its frames, enforces replication policy, and re-dials
// with exponential backoff on transient failure. Decoded changes are
// delivered in strict watermark order with no gaps.
package changesource

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/lexiversion"
)

// FrameKind discriminates decoded replication frames.
type FrameKind int

const (
	FrameBegin FrameKind = iota
	FrameCommit
	FrameInsert
	FrameUpdate
	FrameDelete
	FrameTruncate
	FrameRelation
	FrameOrigin
	FrameType
	FrameDDL
	FrameKeepalive
)

// Frame is one parsed logical-replication message. The wire protocol is
// the upstream's concern; a Conn delivers already-parsed frames.
type Frame struct {
	Kind FrameKind
	// LSN is the upstream log sequence number of a Begin or Commit.
	LSN uint64
	// Relation describes the table of a Relation frame or data frame.
	Relation *change.TableSchema
	// ReplicaIdentity of a Relation frame: "default", "full", "index"
	// or "nothing".
	ReplicaIdentity string
	// Key and Columns of a data frame.
	Key     change.RowKey
	Columns map[string]any
	// Tables of a Truncate frame.
	Tables []string
	// TypeName of a custom user-type frame.
	TypeName string
	// DDL of a schema-change frame.
	DDL *change.Change
}

// Conn is one live replication session.
type Conn interface {
	// Recv returns the next Frame, blocking until one arrives or |ctx|
	// is cancelled.
	Recv(ctx context.Context) (Frame, error)
	// Ack confirms that all transactions through |wm| are durably
	// persisted. Duplicate acks are harmless.
	Ack(ctx context.Context, wm lexiversion.Version) error
	Close() error
}

// Dialer opens replication sessions beginning at a watermark.
type Dialer interface {
	Dial(ctx context.Context, from lexiversion.Version) (Conn, error)
}

// Terminal errors of the replication policy. They are never retried.
var (
	ErrFullReplicaIdentity = errors.New(
		"table uses REPLICA IDENTITY FULL; only DEFAULT is supported")
	ErrUnknownFrame = errors.New("unknown replication frame tag")
)

// terminalError marks an error which must not be retried.
type terminalError struct{ cause error }

func (e terminalError) Error() string { return e.cause.Error() }
func (e terminalError) Unwrap() error { return e.cause }

// IsTerminal returns whether |err| is a non-retryable stream error.
func IsTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}

// Source turns a Dialer into a resilient, typed change stream.
type Source struct {
	dialer Dialer
	// relations tracks tables described by Relation frames of the
	// current session, keyed by qualified name.
	relations map[string]*change.TableSchema
}

// New returns a Source over |dialer|.
func New(dialer Dialer) *Source {
	return &Source{
		dialer:    dialer,
		relations: make(map[string]*change.TableSchema),
	}
}

// Stream is a running change stream. Changes are read from Changes();
// commit acknowledgements are sent through Ack. Cancel is idempotent:
// after Cancel, Changes drains and closes, and the session is released.
type Stream struct {
	changes chan change.Envelope
	acks    chan lexiversion.Version
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Changes returns the ordered change sequence. It closes on terminal
// error or Cancel; Err reports the cause.
func (s *Stream) Changes() <-chan change.Envelope { return s.changes }

// Ack reports that all transactions through |wm| are durably persisted,
// releasing them for upstream acknowledgement.
func (s *Stream) Ack(wm lexiversion.Version) {
	select {
	case s.acks <- wm:
	case <-s.done:
	}
}

// Cancel stops the Stream. It is idempotent.
func (s *Stream) Cancel() { s.cancel() }

// Err returns the terminal error, if any, after Changes has closed.
func (s *Stream) Err() error {
	<-s.done
	if s.err == context.Canceled {
		return nil
	}
	return s.err
}

// StartStream opens the change stream at |from|. The stream re-dials with
// exponential backoff (100ms initial, 10s cap, reset on a healthy frame)
// until cancelled or a terminal error surfaces. On re-dial it resumes from
// the last acknowledged commit's successor, so no committed transaction is
// lost or duplicated past a durable ack.
func (s *Source) StartStream(ctx context.Context, from lexiversion.Version) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	var st = &Stream{
		changes: make(chan change.Envelope, 256),
		acks:    make(chan lexiversion.Version, 16),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		st.err = s.run(ctx, from, st)
		close(st.done)
		close(st.changes)
		cancel()
	}()
	return st, nil
}

func (s *Source) run(ctx context.Context, from lexiversion.Version, st *Stream) error {
	var resume = from
	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // Retry until cancelled.

	for {
		var err = s.serveSession(ctx, resume, st, bo, &resume)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		} else if IsTerminal(err) {
			log.WithField("err", err).Error("change source failed terminally")
			return err
		}

		var wait = bo.NextBackOff()
		log.WithFields(log.Fields{"err": err, "backoff": wait, "resume": resume}).
			Warn("change source disconnected; retrying")
		sourceReconnectsTotal.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// serveSession drives one dialed session until error. |resume| is advanced
// as acks are observed, so the next dial re-streams only unacknowledged
// transactions.
func (s *Source) serveSession(ctx context.Context, from lexiversion.Version, st *Stream,
	bo *backoff.ExponentialBackOff, resume *lexiversion.Version) error {

	var conn, err = s.dialer.Dial(ctx, from)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Acks are forwarded concurrently with frame receipt, so a durable
	// persistence isn't held hostage to upstream frame cadence. The
	// forwarder is joined before return, which also orders its |resume|
	// updates before the next dial.
	var ackCtx, ackCancel = context.WithCancel(ctx)
	var ackDone = make(chan struct{})
	go func() {
		defer close(ackDone)
		for {
			select {
			case wm := <-st.acks:
				if err := conn.Ack(ackCtx, wm); err != nil {
					log.WithFields(log.Fields{"err": err, "watermark": wm}).
						Warn("failed to send upstream ack")
					return
				}
				*resume = wm.Next()
				sourceAcksTotal.Inc()
			case <-ackCtx.Done():
				return
			}
		}
	}()
	defer func() { ackCancel(); <-ackDone }()

	// A fresh session re-describes relations before re-sending data.
	s.relations = make(map[string]*change.TableSchema)

	var commitWM lexiversion.Version
	for {
		var frame Frame
		if frame, err = conn.Recv(ctx); err != nil {
			return err
		}
		bo.Reset() // Healthy frame.

		var out []change.Envelope
		if out, commitWM, err = s.decode(frame, commitWM); err != nil {
			return err
		}
		for _, env := range out {
			select {
			case st.changes <- env:
				sourceChangesTotal.WithLabelValues(string(env.Change.Tag)).Inc()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// decode translates |frame| into zero or more ordered changes, carrying
// the current transaction's commit watermark through |commitWM|.
func (s *Source) decode(frame Frame, commitWM lexiversion.Version) ([]change.Envelope, lexiversion.Version, error) {
	switch frame.Kind {
	case FrameKeepalive:
		return nil, commitWM, nil

	case FrameOrigin:
		// Origin frames identify the upstream node of a cascaded
		// publication; they carry nothing the stream needs.
		return nil, commitWM, nil

	case FrameType:
		return nil, commitWM, terminalError{errors.Errorf(
			"custom user type %q is not supported by replication", frame.TypeName)}

	case FrameBegin:
		commitWM = lexiversion.FromInt(frame.LSN)
		return []change.Envelope{{
			Watermark: commitWM,
			Change:    change.Change{Tag: change.Begin, CommitWatermark: commitWM},
		}}, commitWM, nil

	case FrameCommit:
		var env = change.Envelope{
			Watermark: commitWM,
			Change:    change.Change{Tag: change.Commit},
		}
		return []change.Envelope{env}, "", nil

	case FrameRelation:
		if frame.ReplicaIdentity != "" && frame.ReplicaIdentity != "default" {
			return nil, commitWM, terminalError{errors.WithMessagef(
				ErrFullReplicaIdentity, "table %s has replica identity %q",
				frame.Relation.QualifiedName(), frame.ReplicaIdentity)}
		}
		if err := frame.Relation.Validate(); err != nil {
			return nil, commitWM, terminalError{err}
		}
		s.relations[frame.Relation.QualifiedName()] = frame.Relation
		return []change.Envelope{{
			Watermark: commitWM,
			Change:    change.Change{Tag: change.Relation, TableSpec: frame.Relation},
		}}, commitWM, nil

	case FrameInsert, FrameUpdate, FrameDelete:
		if frame.Relation == nil {
			return nil, commitWM, terminalError{errors.New("data frame names no relation")}
		}
		var rel = s.relations[frame.Relation.QualifiedName()]
		if rel == nil {
			return nil, commitWM, terminalError{errors.Errorf(
				"data frame for undescribed relation %s", frame.Relation.QualifiedName())}
		}
		var c = change.Change{
			Schema:  rel.Schema,
			Table:   rel.Name,
			Key:     frame.Key,
			Columns: frame.Columns,
		}
		switch frame.Kind {
		case FrameInsert:
			c.Tag, c.Key = change.Insert, nil
		case FrameUpdate:
			c.Tag = change.Update
			if len(c.Key) == 0 {
				// An update which didn't change key columns omits the old
				// key; it is derived from the new image.
				var key, err = change.KeyOf(rel.PrimaryKey, frame.Columns)
				if err != nil {
					return nil, commitWM, terminalError{err}
				}
				c.Key = key
			}
		default:
			c.Tag, c.Columns = change.Delete, nil
		}
		return []change.Envelope{{Watermark: commitWM, Change: c}}, commitWM, nil

	case FrameTruncate:
		return []change.Envelope{{
			Watermark: commitWM,
			Change:    change.Change{Tag: change.Truncate, Tables: frame.Tables},
		}}, commitWM, nil

	case FrameDDL:
		if frame.DDL == nil {
			return nil, commitWM, terminalError{errors.New("DDL frame carries no change")}
		}
		if err := frame.DDL.Validate(); err != nil {
			return nil, commitWM, terminalError{err}
		}
		return []change.Envelope{{Watermark: commitWM, Change: *frame.DDL}}, commitWM, nil

	default:
		return nil, commitWM, terminalError{errors.WithMessagef(
			ErrUnknownFrame, "tag %d", frame.Kind)}
	}
}
