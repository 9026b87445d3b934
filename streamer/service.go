// Package streamer multiplexes the upstream change source into many
// subscribers. It is the single serializer of upstream order: each
// committed transaction is persisted to the change log, applied to the
// replica, broadcast to live subscribers, and only then acknowledged
// upstream. Late subscribers catch up from the change log and are spliced
// into the live broadcast at a commit boundary, with no gaps or
// duplicates.
package streamer

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/async"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/changelog"
	"go.rivulet.dev/core/changesource"
	"go.rivulet.dev/core/lexiversion"
	"go.rivulet.dev/core/replica"
)

// ErrWrongReplicaVersion is returned by Subscribe when the subscriber's
// replica identity doesn't match this streamer's. It is not retryable:
// the subscriber must resync from a fresh snapshot.
var ErrWrongReplicaVersion = errors.New("subscriber replica version doesn't match")

// ErrSubscriberOverflow cancels a subscriber whose queue exceeded its
// bound. Other subscribers are unaffected.
var ErrSubscriberOverflow = errors.New("subscriber queue overflow")

// Txn is one committed transaction: a complete begin..commit entry
// sequence sharing a watermark.
type Txn struct {
	Watermark lexiversion.Version
	Entries   []change.Envelope
}

// Service is the change streamer.
type Service struct {
	source  *changesource.Source
	log     *changelog.Store
	replica *replica.Store

	// queueBound caps each subscriber's pending transaction queue.
	queueBound int

	mu   sync.Mutex
	subs map[string]*Subscription

	// Ready resolves once the upstream stream is established.
	Ready async.Promise
}

// NewService returns a Service over |source|, persisting to |log| and
// applying to |rep|. |queueBound| caps per-subscriber queues (a bound of
// zero applies the default of 4096).
func NewService(source *changesource.Source, log *changelog.Store, rep *replica.Store, queueBound int) *Service {
	if queueBound <= 0 {
		queueBound = 4096
	}
	return &Service{
		source:     source,
		log:        log,
		replica:    rep,
		queueBound: queueBound,
		subs:       make(map[string]*Subscription),
		Ready:      async.NewPromise(),
	}
}

// Run drives the streamer until |ctx| cancellation or fatal error.
// A persistence failure is fatal: no ACK is sent and Run returns.
func (s *Service) Run(ctx context.Context) error {
	var resume, err = s.resumePoint()
	if err != nil {
		return err
	}
	log.WithField("resume", resume).Info("starting change stream")

	var stream *changesource.Stream
	if stream, err = s.source.StartStream(ctx, resume); err != nil {
		return err
	}
	defer stream.Cancel()
	s.Ready.Resolve()

	var txn []change.Envelope
	for env := range stream.Changes() {
		switch env.Change.Tag {
		case change.Begin:
			if txn != nil {
				return errors.Errorf("begin of %s inside open transaction", env.Watermark)
			}
			txn = append(txn, env)

		case change.Commit:
			txn = append(txn, env)
			if err = s.commit(stream, txn); err != nil {
				return err
			}
			txn = nil

		default:
			if txn == nil {
				return errors.Errorf("%s change at %s outside a transaction",
					env.Change.Tag, env.Watermark)
			}
			txn = append(txn, env)
		}
	}
	if err = stream.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// commit persists, applies, broadcasts and acknowledges one transaction.
func (s *Service) commit(stream *changesource.Stream, entries []change.Envelope) error {
	var wm = entries[0].Watermark

	switch err := s.log.Append(entries); err {
	case nil:
		if err = s.replica.Apply(entries); err != nil {
			return errors.WithMessagef(err, "applying transaction %s", wm)
		}
		s.broadcast(Txn{Watermark: wm, Entries: entries})
		stream.Ack(wm)
		committedTxnsTotal.Inc()

	case changelog.ErrAlreadyCommitted:
		// The transaction was persisted before a crash which lost the
		// ACK. Re-apply only if the replica is behind, re-ACK, and don't
		// re-broadcast: subscribers read persisted history from the log.
		var state lexiversion.Version
		if state, err = s.replica.StateVersion(); err != nil {
			return err
		}
		if state < wm {
			if err = s.replica.Apply(entries); err != nil {
				return errors.WithMessagef(err, "re-applying transaction %s", wm)
			}
		}
		stream.Ack(wm)
		duplicateCommitsTotal.Inc()

	default:
		return errors.WithMessagef(err, "persisting transaction %s", wm)
	}
	return nil
}

func (s *Service) resumePoint() (lexiversion.Version, error) {
	var latest, err = s.log.LatestWatermark()
	if err != nil {
		return "", err
	}
	if latest == "" {
		if latest, err = s.replica.StateVersion(); err != nil {
			return "", err
		}
	}
	if latest == "" {
		return lexiversion.Min, nil
	}
	return latest.Next(), nil
}

func (s *Service) broadcast(txn Txn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if !sub.offer(txn) {
			delete(s.subs, id)
			subscriberOverflowsTotal.Inc()
		}
	}
	subscriberCount.Set(float64(len(s.subs)))
}

// SubscribeRequest identifies a subscriber and its resume point.
type SubscribeRequest struct {
	// ID names the subscriber; a second Subscribe with the same ID
	// cancels the first.
	ID string
	// Watermark is the exclusive resume point: the subscriber has state
	// through Watermark and receives transactions strictly after it.
	// With Initial set, Watermark is empty and all retained history is
	// sent.
	Watermark lexiversion.Version
	// ReplicaVersion is the snapshot identity the subscriber was built
	// from. A mismatch is rejected with ErrWrongReplicaVersion.
	ReplicaVersion lexiversion.Version
	// Initial marks a subscriber with no prior state.
	Initial bool
}

// Subscribe registers a subscriber. Catch-up transactions are read from
// the change log, then the subscription is spliced into the live
// broadcast at the first commit boundary past the catch-up horizon.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	var rv, err = s.replica.ReplicaVersion()
	if err != nil {
		return nil, err
	}
	if req.ReplicaVersion != rv {
		return nil, errors.WithMessagef(ErrWrongReplicaVersion,
			"subscriber %s at %s, streamer at %s", req.ID, req.ReplicaVersion, rv)
	}

	var from lexiversion.Version
	if req.Initial || req.Watermark == "" {
		from = lexiversion.Min
	} else {
		from = req.Watermark.Next()
	}

	var sub = newSubscription(req.ID, s.queueBound)

	// Register under the lock, fixing the catch-up horizon: live
	// transactions at or below it are served by the scan; those above it
	// buffer in the subscription until the scan completes.
	s.mu.Lock()
	var horizon lexiversion.Version
	if horizon, err = s.log.LatestWatermark(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub.horizon = horizon
	if prior, ok := s.subs[req.ID]; ok {
		prior.cancel(errors.Errorf("superseded by a new subscription of %s", req.ID))
	}
	s.subs[req.ID] = sub
	subscriberCount.Set(float64(len(s.subs)))
	s.mu.Unlock()

	go s.serveCatchUp(sub, from)
	return sub, nil
}

// Unsubscribe removes a subscriber.
func (s *Service) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	if s.subs[sub.id] == sub {
		delete(s.subs, sub.id)
	}
	subscriberCount.Set(float64(len(s.subs)))
	s.mu.Unlock()
	sub.cancel(nil)
}

// serveCatchUp scans persisted history in [from, horizon] and delivers it
// ahead of buffered live transactions.
func (s *Service) serveCatchUp(sub *Subscription, from lexiversion.Version) {
	var deliver = func(txn Txn) bool {
		if txn.Watermark > sub.horizon {
			// The scan ran ahead of the registration horizon; these
			// transactions are already buffered live. Stop early.
			return false
		}
		return sub.deliver(txn)
	}

	var err = s.scanLog(from, deliver)
	if err != nil {
		sub.cancel(err)
		return
	}
	sub.finishCatchUp()
	log.WithFields(log.Fields{"subscriber": sub.id, "from": from, "horizon": sub.horizon}).
		Debug("subscriber catch-up complete")
}

// scanLog reads complete transactions from the change log, invoking |fn|
// per transaction until the scan is exhausted or |fn| returns false.
func (s *Service) scanLog(from lexiversion.Version, fn func(Txn) bool) error {
	var it, err = s.log.Scan(from)
	if err != nil {
		return err
	}
	defer it.Close()

	var txn Txn
	for {
		var env, err = it.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		if env.Change.Tag == change.Begin {
			txn = Txn{Watermark: env.Watermark}
		}
		txn.Entries = append(txn.Entries, env)
		if env.Change.Tag == change.Commit {
			if !fn(txn) {
				return nil
			}
			txn = Txn{}
		}
	}
}
