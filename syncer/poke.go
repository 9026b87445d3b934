package syncer

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/cvr"
	"go.rivulet.dev/core/ivm"
	"go.rivulet.dev/core/lexiversion"
	"go.rivulet.dev/core/wire"
)

// pokeExtras carries the poke sections arising from connection-level
// events rather than upstream commits.
type pokeExtras struct {
	desiredPatches map[string][]wire.QueryPatch
	gotDel         []string
	clientsPatch   []wire.ClientPatch
	// fullFor additionally receives the complete current view: the
	// initial sync of a new connection, or the re-poke of a reconnect.
	fullFor *downstream
}

// resultSet is the flattened current output of all pipelines.
type resultSet struct {
	rows   []cvr.ResultRow
	values map[string]wire.EntityPatch // Merged row values by row ID.
	lmids  map[string]int64
}

// collectResults pulls fresh results from every pipeline. Rows of the
// internal lmids query feed lastMutationIDChanges rather than entity
// patches.
func (s *Syncer) collectResults() (*resultSet, error) {
	var out = &resultSet{
		values: make(map[string]wire.EntityPatch),
		lmids:  make(map[string]int64),
	}

	for hash, p := range s.pipelines {
		if hash == cvr.LmidsQueryHash {
			for _, n := range p.View.Rows() {
				var clientID, _ = n.Row["clientID"].(string)
				var lmid, err = asInt64(n.Row["lastMutationID"])
				if err != nil {
					return nil, errors.WithMessagef(err, "lastMutationID of client %s", clientID)
				}
				out.lmids[clientID] = lmid
			}
			continue
		}

		var colsByTable = p.ColumnsByTable()
		for _, r := range p.Results() {
			var schema = s.replica.Table(r.Table)
			if schema == nil {
				return nil, errors.Errorf("result row of unknown table %s", r.Table)
			}
			var key, err = change.KeyOf(schema.PrimaryKey, r.Node.Row)
			if err != nil {
				return nil, err
			}
			var version, _ = r.Node.Row[change.VersionColumn].(string)
			var cols = colsByTable[r.Table]

			out.rows = append(out.rows, cvr.ResultRow{
				Hash:       hash,
				Table:      r.Table,
				Key:        key,
				RowVersion: lexiversion.Version(version),
				Columns:    cols,
			})
			out.mergeValue(r.Table, key, r.Node, cols)
		}
	}
	return out, nil
}

// mergeValue accumulates the projected value of one covered row, merging
// column coverage across queries.
func (rs *resultSet) mergeValue(table string, key change.RowKey, n ivm.Node, cols []string) {
	var id = cvr.RowID(table, key)
	var patch, ok = rs.values[id]
	if !ok {
		var entityID = make(map[string]any, len(key))
		for _, kv := range key {
			entityID[kv.Column] = kv.Value
		}
		patch = wire.EntityPatch{
			Op:         "put",
			EntityType: table,
			EntityID:   entityID,
			Value:      make(map[string]any),
		}
	}
	for _, col := range cols {
		if v, has := n.Row[col]; has {
			patch.Value[col] = v
		}
	}
	rs.values[id] = patch
}

// emitPoke reconciles the CVR at |at| and emits one poke sequence to
// every connected downstream. A poke with nothing to say is skipped
// (the CVR still advances). A row value outside the representable wire
// range fails the poke for every connection, but the CVR still advances:
// the data is valid, just unsendable.
func (s *Syncer) emitPoke(at cvr.Version, extras *pokeExtras) error {
	var results, err = s.collectResults()
	if err != nil {
		return err
	}

	var patches = s.cvr.ReconcileRows(results.rows, at)

	// Diff lastMutationIDs.
	var lmidChanges = make(map[string]int64)
	for clientID, lmid := range results.lmids {
		if s.lmids[clientID] != lmid {
			lmidChanges[clientID] = lmid
		}
	}
	s.lmids = results.lmids

	// Got-queries transitions: queries which now have poked results.
	var gotPut []wire.QueryPatch
	for hash, p := range s.pipelines {
		var rec = s.cvr.Queries[hash]
		if rec == nil || rec.Internal || rec.Got {
			continue
		}
		rec.Got = true
		rec.PatchVersion = at
		gotPut = append(gotPut, wire.QueryPatch{Op: "put", Hash: hash, AST: p.AST})
	}

	var shared, sharedIDs = s.sharedEntities(patches, results)

	if at.StateVersion > s.cvr.Version.StateVersion {
		s.cvr.AdvanceVersion(at.StateVersion)
	}
	if err = s.store.Commit(s.cvr, patches, at); err != nil {
		return errors.WithMessagef(err, "committing CVR %s", s.groupID)
	}

	if extras == nil && len(shared) == 0 && len(lmidChanges) == 0 && len(gotPut) == 0 {
		return nil // Nothing to poke.
	}

	// Representability is checked once; a violation fails this poke for
	// every connection while the committed CVR retains the advance.
	var reprErr error
	for i := range shared {
		if err = wire.CheckEntityPatch(&shared[i]); err != nil {
			reprErr = err
			break
		}
	}

	var cookie = at.String()
	for clientID, d := range s.streams {
		if reprErr != nil {
			d.send(wire.ErrorMessage(wire.Internal, reprErr.Error()))
			d.close(wire.NewError(wire.Internal, reprErr.Error()))
			delete(s.streams, clientID)
			continue
		}
		s.pokeDownstream(d, cookie, shared, sharedIDs, lmidChanges, gotPut, results, extras)
	}
	pokesTotal.Inc()
	return nil
}

// sharedEntities renders reconcile patches as wire entity patches,
// returning the row ID of each alongside.
func (s *Syncer) sharedEntities(patches []cvr.RowPatch, results *resultSet) ([]wire.EntityPatch, []string) {
	var out = make([]wire.EntityPatch, 0, len(patches))
	var ids = make([]string, 0, len(patches))
	for _, p := range patches {
		var id = cvr.RowID(p.Table, p.Key)
		if p.Op == "del" {
			var entityID = make(map[string]any, len(p.Key))
			for _, kv := range p.Key {
				entityID[kv.Column] = kv.Value
			}
			out = append(out, wire.EntityPatch{
				Op: "del", EntityType: p.Table, EntityID: entityID,
			})
			ids = append(ids, id)
			continue
		}
		if v, ok := results.values[id]; ok {
			out = append(out, v)
			ids = append(ids, id)
		}
	}
	return out, ids
}

// pokeDownstream emits one complete pokeStart / pokePart / pokeEnd
// sequence to |d|.
func (s *Syncer) pokeDownstream(d *downstream, cookie string,
	shared []wire.EntityPatch, sharedIDs []string, lmidChanges map[string]int64,
	gotPut []wire.QueryPatch, results *resultSet, extras *pokeExtras) {

	var part = wire.PokePartBody{PokeID: cookie}

	var full = extras != nil && extras.fullFor == d
	if full {
		// The complete current view: every covered row, every got query,
		// every lastMutationID. Entity entries are idempotent, so overlap
		// with the shared diff is harmless.
		var seen = make(map[string]bool, len(shared))
		for i, p := range shared {
			part.EntitiesPatch = append(part.EntitiesPatch, p)
			seen[sharedIDs[i]] = true
		}
		for id, v := range results.values {
			if !seen[id] {
				part.EntitiesPatch = append(part.EntitiesPatch, v)
			}
		}
		part.LastMutationIDChanges = results.lmids
		part.GotQueriesPatch = s.allGotQueries()
	} else {
		part.EntitiesPatch = shared
		if len(lmidChanges) != 0 {
			part.LastMutationIDChanges = lmidChanges
		}
		part.GotQueriesPatch = gotPut
	}

	if extras != nil {
		part.DesiredQueriesPatches = extras.desiredPatches
		part.ClientsPatch = extras.clientsPatch
		for _, hash := range extras.gotDel {
			part.GotQueriesPatch = append(part.GotQueriesPatch,
				wire.QueryPatch{Op: "del", Hash: hash})
		}
	}

	if !d.send(wire.PokeStart(wire.PokeStartBody{
		PokeID:     cookie,
		BaseCookie: d.lastCookie,
		Cookie:     cookie,
	})) {
		return
	}
	if !d.send(wire.PokePart(part)) {
		return
	}
	if !d.send(wire.PokeEnd(cookie)) {
		return
	}
	d.lastCookie = cookie

	log.WithFields(log.Fields{
		"group": s.groupID, "client": d.clientID, "cookie": cookie,
		"entities": len(part.EntitiesPatch),
	}).Debug("emitted poke")
}

// allGotQueries returns got-query puts for every active, gotten query.
func (s *Syncer) allGotQueries() []wire.QueryPatch {
	var out []wire.QueryPatch
	for hash, rec := range s.cvr.Queries {
		if rec.Internal || !rec.Got {
			continue
		}
		out = append(out, wire.QueryPatch{Op: "put", Hash: hash, AST: rec.AST})
	}
	return out
}

func asInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case json.Number:
		return t.Int64()
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, errors.Errorf("value %v is not an integer", v)
	}
}
