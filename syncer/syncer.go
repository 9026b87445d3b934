// Package syncer implements the view syncer: the per-client-group service
// which owns a Client View Record, runs query pipelines against the change
// streamer, diffs results at each upstream commit, and emits ordered poke
// sequences to connected clients.
package syncer

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/async"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/cvr"
	"go.rivulet.dev/core/ivm"
	"go.rivulet.dev/core/lexiversion"
	"go.rivulet.dev/core/query"
	"go.rivulet.dev/core/replica"
	"go.rivulet.dev/core/streamer"
)

// ClientsTable is the replicated internal table tracking each client's
// last confirmed mutation ID. The reserved "lmids" query runs over it.
const ClientsTable = "zero.clients"

// SyncContext identifies one client connection.
type SyncContext struct {
	ClientID   string
	WSID       string
	BaseCookie string
}

// Syncer is the view syncer of one client group.
type Syncer struct {
	groupID  string
	streamer *streamer.Service
	replica  *replica.Store
	store    *cvr.Store

	// mu is the per-CVR single-writer lock: all CVR reads and writes,
	// pipeline mutations, and poke emissions serialize through it.
	mu        sync.Mutex
	cvr       *cvr.CVR
	sources   map[string]*ivm.Source
	pipelines map[string]*query.Pipeline
	streams   map[string]*downstream // Keyed by clientID.
	lmids     map[string]int64
	stopped   bool

	sub    *streamer.Subscription
	cancel context.CancelFunc

	// Ready resolves once the CVR is loaded and the subscription is live.
	Ready async.Promise
}

// New returns the Syncer of |groupID|.
func New(groupID string, str *streamer.Service, rep *replica.Store, store *cvr.Store) *Syncer {
	return &Syncer{
		groupID:   groupID,
		streamer:  str,
		replica:   rep,
		store:     store,
		sources:   make(map[string]*ivm.Source),
		pipelines: make(map[string]*query.Pipeline),
		streams:   make(map[string]*downstream),
		lmids:     make(map[string]int64),
		Ready:     async.NewPromise(),
	}
}

// Run drives the Syncer until |ctx| cancellation or fatal error: it loads
// the CVR, compiles pipelines for every desired query plus the internal
// lmids query, subscribes to the change streamer, and processes committed
// transactions in strict version order. Deltas of one version are fully
// drained through every pipeline before the next version is admitted.
func (s *Syncer) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	s.mu.Lock()
	var c, err = s.store.Load(s.groupID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.cvr = c
	s.ensureLmidsQuery()

	if err = s.compilePipelines(); err != nil {
		s.mu.Unlock()
		return err
	}

	var state lexiversion.Version
	if state, err = s.replica.StateVersion(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.cvr.Version.StateVersion == "" {
		// A fresh CVR begins at the replica's current state: its first
		// reconcile diffs against emptiness and covers everything.
		if state == "" {
			s.cvr.Version.StateVersion = lexiversion.Min
		} else {
			s.cvr.Version.StateVersion = state
		}
	}
	var replicaVersion lexiversion.Version
	if replicaVersion, err = s.replica.ReplicaVersion(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	var sub *streamer.Subscription
	if sub, err = s.streamer.Subscribe(ctx, streamer.SubscribeRequest{
		ID:             "view-syncer/" + s.groupID,
		Watermark:      state,
		ReplicaVersion: replicaVersion,
		Initial:        state == "",
	}); err != nil {
		return err
	}
	s.sub = sub
	defer s.streamer.Unsubscribe(sub)
	s.Ready.Resolve()

	log.WithFields(log.Fields{"group": s.groupID, "state": state}).
		Info("view syncer started")

	for {
		select {
		case txn, ok := <-sub.Txns():
			if !ok {
				return errors.WithMessagef(sub.Err(), "view syncer %s subscription", s.groupID)
			}
			if err = s.processTxn(txn); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop cancels the Syncer and its downstream sequences.
func (s *Syncer) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, d := range s.streams {
		d.close(nil)
		delete(s.streams, id)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// processTxn feeds one committed transaction into every pipeline source,
// reconciles the CVR, and emits the version's poke.
func (s *Syncer) processTxn(txn streamer.Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recompile = false
	for _, env := range txn.Entries {
		var c = &env.Change
		switch {
		case c.IsDDL():
			recompile = true
		case c.IsData():
			if err := s.applyData(c, txn.Watermark); err != nil {
				return err
			}
		}
	}

	if recompile {
		// A schema change invalidates compiled pipelines and hydrated
		// sources; rebuild both at this commit boundary.
		if err := s.rebuildPipelines(); err != nil {
			return err
		}
	}

	var at = cvr.Version{StateVersion: txn.Watermark}
	return s.emitPoke(at, nil)
}

// applyData routes one data change into its table's source, if the table
// is used by any pipeline. Application is idempotent under replay: a
// change whose row version is not newer than the source's copy is
// skipped.
func (s *Syncer) applyData(c *change.Change, wm lexiversion.Version) error {
	if c.Tag == change.Truncate {
		for _, name := range c.Tables {
			if src := s.sources[name]; src != nil {
				for _, n := range src.Nodes() {
					if err := src.Push(ivm.SourceChange{Op: ivm.SourceRemove, Row: n.Row}); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	var src = s.sources[c.QualifiedTable()]
	if src == nil {
		return nil // No active query uses this table.
	}

	switch c.Tag {
	case change.Insert, change.Update:
		var row = make(ivm.Row, len(c.Columns)+1)
		for k, v := range c.Columns {
			row[k] = v
		}
		row[change.VersionColumn] = string(wm)

		// For an update, locate the prior image by its old key.
		var old ivm.Node
		var exists bool
		if c.Tag == change.Update {
			old, exists = src.Get(ivm.Node{Row: keyRow(c.Key)})
		} else {
			old, exists = src.Get(ivm.Node{Row: row})
		}

		if exists {
			if ver, _ := old.Row[change.VersionColumn].(string); ver >= string(wm) {
				return nil // Already reflected (hydration raced the stream).
			}
			return src.Push(ivm.SourceChange{Op: ivm.SourceEdit, Old: old.Row, Row: row})
		}
		return src.Push(ivm.SourceChange{Op: ivm.SourceAdd, Row: row})

	case change.Delete:
		if _, exists := src.Get(ivm.Node{Row: keyRow(c.Key)}); !exists {
			return nil
		}
		return src.Push(ivm.SourceChange{Op: ivm.SourceRemove, Row: keyRow(c.Key)})

	default:
		return nil
	}
}

func keyRow(key change.RowKey) ivm.Row {
	var row = make(ivm.Row, len(key))
	for _, kv := range key {
		row[kv.Column] = kv.Value
	}
	return row
}

// Source implements query.SourceProvider: it resolves a table name to a
// Source hydrated from the replica, creating it on first use.
func (s *Syncer) Source(table string) (*ivm.Source, error) {
	var qualified, schema, err = s.resolveTable(table)
	if err != nil {
		return nil, err
	}
	if src, ok := s.sources[qualified]; ok {
		return src, nil
	}

	var src = ivm.NewSource(schema)
	var rows []change.Row
	if rows, err = s.replica.Rows(qualified); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err = src.Push(ivm.SourceChange{Op: ivm.SourceAdd, Row: ivm.Row(r.Columns)}); err != nil {
			return nil, err
		}
	}
	s.sources[qualified] = src
	return src, nil
}

// resolveTable resolves a (possibly unqualified) AST table name against
// the replica's registry.
func (s *Syncer) resolveTable(table string) (string, *change.TableSchema, error) {
	if schema := s.replica.Table(table); schema != nil {
		return table, schema, nil
	}
	var match string
	for name := range s.replica.Tables() {
		if strings.HasSuffix(name, "."+table) {
			if match != "" {
				return "", nil, errors.Errorf("table %q is ambiguous (%s, %s)", table, match, name)
			}
			match = name
		}
	}
	if match == "" {
		return "", nil, errors.Errorf("unknown table %q", table)
	}
	return match, s.replica.Table(match), nil
}

// ensureLmidsQuery installs the reserved internal query tracking
// lastMutationIDs of this group's clients.
func (s *Syncer) ensureLmidsQuery() {
	if s.cvr.Queries[cvr.LmidsQueryHash] != nil {
		return
	}
	s.cvr.Queries[cvr.LmidsQueryHash] = &cvr.QueryRecord{
		AST: &query.AST{
			Table:  ClientsTable,
			Select: []string{"clientGroupID", "clientID", "lastMutationID"},
			Where: &query.Condition{
				Kind: query.CondSimple, Op: query.OpEq,
				Field: "clientGroupID", Value: s.groupID,
			},
		},
		DesiredBy: make(map[string]cvr.Version),
		Internal:  true,
	}
}

// compilePipelines builds (and hydrates) a pipeline for every active
// query which doesn't have one.
func (s *Syncer) compilePipelines() error {
	for hash, ast := range s.cvr.DesiredASTs() {
		if s.pipelines[hash] != nil {
			continue
		}
		var p, err = query.Compile(ast, s)
		if err != nil {
			return errors.WithMessagef(err, "compiling query %s", hash)
		}
		p.View.Hydrate()
		s.pipelines[hash] = p
		s.cvr.Queries[hash].TransformationVersion = s.cvr.Version
	}

	// Tear down pipelines with no remaining desirers.
	for hash, p := range s.pipelines {
		if s.cvr.Queries[hash] == nil {
			p.Close()
			delete(s.pipelines, hash)
		}
	}
	activePipelines.Set(float64(len(s.pipelines)))
	return nil
}

// rebuildPipelines drops all sources and pipelines and recompiles from
// the replica's (possibly changed) schema.
func (s *Syncer) rebuildPipelines() error {
	for hash, p := range s.pipelines {
		p.Close()
		delete(s.pipelines, hash)
	}
	s.sources = make(map[string]*ivm.Source)
	return s.compilePipelines()
}
