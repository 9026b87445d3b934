// rivuletd runs the sync backend: the change streamer over upstream
// logical replication, and a websocket endpoint serving view-synced
// client groups.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/changelog"
	"go.rivulet.dev/core/changesource"
	"go.rivulet.dev/core/conn"
	"go.rivulet.dev/core/cvr"
	"go.rivulet.dev/core/replica"
	"go.rivulet.dev/core/streamer"
	"go.rivulet.dev/core/syncer"
	"go.rivulet.dev/core/task"
	"go.rivulet.dev/core/wire"
)

// Config is the rivuletd configuration, set by flags or environment.
type Config struct {
	Upstream struct {
		DSN         string `long:"dsn" env:"UPSTREAM_DSN" required:"true" description:"Upstream database connection string"`
		Relay       string `long:"relay" env:"UPSTREAM_RELAY" default:"localhost:5433" description:"Replication relay address"`
		Slot        string `long:"slot" env:"UPSTREAM_SLOT" default:"rivulet_0" description:"Logical replication slot"`
		Publication string `long:"publication" env:"UPSTREAM_PUBLICATION" default:"rivulet" description:"Upstream publication"`
	} `group:"Upstream" namespace:"upstream"`

	Replica struct {
		Path      string `long:"path" env:"REPLICA_PATH" default:"rivulet-replica.db" description:"Replica database file"`
		ChangeLog string `long:"change-log" env:"CHANGE_LOG_PATH" default:"rivulet-cdc.db" description:"Change log database file"`
		CVR       string `long:"cvr" env:"CVR_PATH" default:"rivulet-cvr.db" description:"CVR database file"`
	} `group:"Replica" namespace:"replica"`

	Service struct {
		Port       string `long:"port" env:"PORT" default:":4848" description:"Service address"`
		QueueBound int    `long:"queue-bound" env:"QUEUE_BOUND" default:"4096" description:"Per-subscriber transaction queue bound"`
	} `group:"Service" namespace:"service"`

	Tables string `long:"tables" env:"TABLES_CONFIG" description:"Optional YAML file naming published tables to validate"`

	Log struct {
		Level string `long:"level" env:"LOG_LEVEL" default:"info" description:"Logging level"`
	} `group:"Logging" namespace:"log"`
}

func main() {
	var cfg Config
	if _, err := flags.Parse(&cfg); err != nil {
		os.Exit(1)
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}

	if err := serve(&cfg); err != nil && errors.Cause(err) != context.Canceled {
		log.WithField("err", err).Fatal("rivuletd failed")
	}
}

func serve(cfg *Config) error {
	var clog, err = changelog.Open(cfg.Replica.ChangeLog)
	if err != nil {
		return err
	}
	defer clog.Close()

	var rep *replica.Store
	if rep, err = replica.Open(cfg.Replica.Path); err != nil {
		return err
	}
	defer rep.Close()

	var cvrStore *cvr.Store
	if cvrStore, err = cvr.OpenStore(cfg.Replica.CVR); err != nil {
		return err
	}
	defer cvrStore.Close()

	if err = validateUpstream(cfg); err != nil {
		return err
	}

	var dialer *replicationDialer
	if dialer, err = newReplicationDialer(cfg); err != nil {
		return err
	}
	var svc = streamer.NewService(
		changesource.New(dialer), clog, rep, cfg.Service.QueueBound)

	var ctx, cancel = signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var group = task.NewGroup(ctx)
	var syncers = newSyncerRegistry(svc, rep, cvrStore)

	group.Queue("change-streamer", svc.Run)
	group.Queue("http-server", func(ctx context.Context) error {
		return serveHTTP(ctx, cfg.Service.Port, syncers)
	})
	group.GoRun()

	log.WithField("addr", cfg.Service.Port).Info("rivuletd started")
	return group.Wait()
}

// validateUpstream checks replication policy for every published table
// and ensures the replication slot exists.
func validateUpstream(cfg *Config) error {
	var session, err = changesource.OpenUpstream(cfg.Upstream.DSN)
	if err != nil {
		return err
	}
	defer session.Close()

	if err = session.EnsureSlot(cfg.Upstream.Slot); err != nil {
		return err
	}
	if err = session.ValidatePublication(cfg.Upstream.Publication); err != nil {
		return err
	}

	// An operator-declared table set is validated explicitly: a table
	// missing from the publication should fail startup, not surface as a
	// silently absent query source.
	if cfg.Tables != "" {
		var tables *tablesConfig
		if tables, err = loadTablesConfig(cfg.Tables); err != nil {
			return err
		}
		var published map[string]bool
		var names []string
		if names, err = session.PublishedTables(cfg.Upstream.Publication); err != nil {
			return err
		}
		published = make(map[string]bool, len(names))
		for _, n := range names {
			published[n] = true
		}
		for _, t := range tables.Tables {
			if !published[t] && !published["public."+t] {
				return errors.Errorf("table %s is not in publication %s",
					t, cfg.Upstream.Publication)
			}
		}
	}
	return nil
}

// syncerRegistry lazily starts one view syncer per client group.
type syncerRegistry struct {
	streamer *streamer.Service
	replica  *replica.Store
	store    *cvr.Store

	mu      sync.Mutex
	syncers map[string]*syncer.Syncer
}

func newSyncerRegistry(svc *streamer.Service, rep *replica.Store, store *cvr.Store) *syncerRegistry {
	return &syncerRegistry{
		streamer: svc,
		replica:  rep,
		store:    store,
		syncers:  make(map[string]*syncer.Syncer),
	}
}

func (r *syncerRegistry) viewSyncer(ctx context.Context, clientGroupID string) *syncer.Syncer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.syncers[clientGroupID]; ok {
		return s
	}
	var s = syncer.New(clientGroupID, r.streamer, r.replica, r.store)
	r.syncers[clientGroupID] = s

	go func() {
		if err := s.Run(ctx); err != nil && errors.Cause(err) != context.Canceled {
			log.WithFields(log.Fields{"group": clientGroupID, "err": err}).
				Error("view syncer failed")
		}
		r.mu.Lock()
		delete(r.syncers, clientGroupID)
		r.mu.Unlock()
	}()
	s.Ready.Wait()
	return s
}

var upgrader = websocket.Upgrader{
	// Auth and origin policy are enforced by the fronting layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

func serveHTTP(ctx context.Context, addr string, syncers *syncerRegistry) error {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/sync", func(w http.ResponseWriter, req *http.Request) {
		var q = req.URL.Query()
		var params = conn.Params{
			ClientGroupID: q.Get("clientGroupID"),
			ClientID:      q.Get("clientID"),
			BaseCookie:    q.Get("baseCookie"),
		}
		if params.ClientGroupID == "" || params.ClientID == "" {
			http.Error(w, "clientGroupID and clientID are required", http.StatusBadRequest)
			return
		}

		var sock, err = upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.WithField("err", err).Warn("websocket upgrade failed")
			return
		}

		var vs = syncers.viewSyncer(ctx, params.ClientGroupID)
		var c = conn.New(sock, vs, noMutations{}, params)
		if err = c.Run(req.Context()); err != nil && errors.Cause(err) != context.Canceled {
			log.WithFields(log.Fields{"client": params.ClientID, "err": err}).
				Info("connection closed")
		}
	})

	var server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// noMutations rejects pushes: the mutation-application service runs
// out of process and is wired separately.
type noMutations struct{}

func (noMutations) ApplyMutation(context.Context, string, wire.Mutation) error {
	return errors.New("mutation service is not configured")
}
