package syncer

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/cvr"
	"go.rivulet.dev/core/query"
	"go.rivulet.dev/core/wire"
)

// InitConnection attaches a client connection: it validates and applies
// the desired-queries patch, supersedes any prior connection of the same
// client, and returns a new cancellable downstream sequence whose first
// poke carries the client's complete view from its baseCookie.
//
// A patch whose AST fails compilation is rejected without mutating the
// CVR.
func (s *Syncer) InitConnection(sctx SyncContext, body *wire.InitConnectionBody) (<-chan wire.Downstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.cvr == nil {
		return nil, wire.NewError(wire.Internal, "view syncer is not running")
	}
	if err := s.validatePatches(body.DesiredQueriesPatch); err != nil {
		return nil, err
	}

	// Supersede a prior connection of this client: its sequence is
	// cancelled and later messages bearing its wsID are ignored.
	if prior := s.streams[sctx.ClientID]; prior != nil {
		prior.close(nil)
		log.WithFields(log.Fields{
			"group": s.groupID, "client": sctx.ClientID,
			"prior": prior.wsID, "wsid": sctx.WSID,
		}).Info("superseded prior client connection")
	}

	var isNewClient = s.cvr.Clients[sctx.ClientID] == nil
	s.cvr.PutDesiredQueries(sctx.ClientID, toCVRPatches(body.DesiredQueriesPatch))
	if err := s.compilePipelines(); err != nil {
		return nil, err
	}

	var d = newDownstream(sctx.ClientID, sctx.WSID, sctx.BaseCookie)
	s.streams[sctx.ClientID] = d
	connectedClients.Set(float64(len(s.streams)))

	var extras = &pokeExtras{
		fullFor: d,
		desiredPatches: map[string][]wire.QueryPatch{
			sctx.ClientID: body.DesiredQueriesPatch,
		},
	}
	if isNewClient {
		extras.clientsPatch = []wire.ClientPatch{{Op: "put", ClientID: sctx.ClientID}}
	}
	if err := s.emitPoke(s.cvr.Version, extras); err != nil {
		return nil, err
	}
	return d.Messages(), nil
}

// ChangeDesiredQueries applies a desired-queries patch from a live
// connection. Messages from a superseded wsID are ignored; a bad AST is
// rejected with the CVR unmodified.
func (s *Syncer) ChangeDesiredQueries(sctx SyncContext, body *wire.ChangeDesiredQueriesBody) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d = s.streams[sctx.ClientID]
	if d == nil || d.wsID != sctx.WSID {
		log.WithFields(log.Fields{
			"group": s.groupID, "client": sctx.ClientID, "wsid": sctx.WSID,
		}).Debug("ignoring message from superseded connection")
		return nil
	}
	if err := s.validatePatches(body.DesiredQueriesPatch); err != nil {
		return err
	}

	// Queries dropped by this patch emit got-query removals once no
	// client desires them.
	var before = make(map[string]bool, len(s.cvr.Queries))
	for hash := range s.cvr.Queries {
		before[hash] = true
	}

	s.cvr.PutDesiredQueries(sctx.ClientID, toCVRPatches(body.DesiredQueriesPatch))
	if err := s.compilePipelines(); err != nil {
		return err
	}

	var gotDel []string
	for hash := range before {
		if s.cvr.Queries[hash] == nil {
			gotDel = append(gotDel, hash)
		}
	}

	return s.emitPoke(s.cvr.Version, &pokeExtras{
		fullFor: d,
		desiredPatches: map[string][]wire.QueryPatch{
			sctx.ClientID: body.DesiredQueriesPatch,
		},
		gotDel: gotDel,
	})
}

// Disconnect detaches a client connection. Pipelines with no remaining
// desirers are torn down lazily by the next desired-queries change.
func (s *Syncer) Disconnect(sctx SyncContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d = s.streams[sctx.ClientID]
	if d == nil || d.wsID != sctx.WSID {
		return
	}
	d.close(nil)
	delete(s.streams, sctx.ClientID)
	connectedClients.Set(float64(len(s.streams)))
}

// GroupID returns the Syncer's client group ID.
func (s *Syncer) GroupID() string { return s.groupID }

// validatePatches compiles every put AST, rejecting the whole patch on
// the first failure. Probe pipelines are detached immediately.
func (s *Syncer) validatePatches(patches []wire.QueryPatch) error {
	for _, p := range patches {
		switch p.Op {
		case "put":
			if p.AST == nil {
				return errors.Errorf("put of query %s carries no AST", p.Hash)
			}
			var probe, err = query.Compile(p.AST, s)
			if err != nil {
				return errors.WithMessagef(err, "query %s", p.Hash)
			}
			probe.Close()
		case "del":
		default:
			return errors.Errorf("unknown desired-queries op %q", p.Op)
		}
	}
	return nil
}

func toCVRPatches(patches []wire.QueryPatch) []cvr.QueryPatch {
	var out = make([]cvr.QueryPatch, len(patches))
	for i, p := range patches {
		out[i] = cvr.QueryPatch{Op: p.Op, Hash: p.Hash, AST: p.AST}
	}
	return out
}
