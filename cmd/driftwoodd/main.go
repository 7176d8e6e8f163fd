// Command driftwoodd runs a driftwood peer: the libp2p transport, the
// gossip service and its wire reactor, the git upload-pack server, the
// replication worker pool, the local control socket, and the Prometheus
// debug endpoint, all sharing one node home directory (spec.md §6 "Node
// home").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"driftwood/internal/control"
	"driftwood/internal/doc"
	"driftwood/internal/gitproto"
	"driftwood/internal/gitstore"
	"driftwood/internal/gossip"
	"driftwood/internal/identity"
	"driftwood/internal/metrics"
	"driftwood/internal/reactor"
	"driftwood/internal/ridpkg"
	"driftwood/internal/store"
	"driftwood/internal/transport"
	"driftwood/internal/worker"
	"driftwood/pkg/config"
)

var log = logrus.WithField("subsystem", "driftwoodd")

func main() {
	rootCmd := &cobra.Command{Use: "driftwoodd"}
	rootCmd.PersistentFlags().String("home", "./data", "node home directory")
	rootCmd.PersistentFlags().String("env", "", "configuration overlay name (config.<env>.yaml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(idCmd())
	rootCmd.AddCommand(startCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func homeAndEnv(cmd *cobra.Command) (string, string, error) {
	home, err := cmd.Flags().GetString("home")
	if err != nil {
		return "", "", err
	}
	env, err := cmd.Flags().GetString("env")
	if err != nil {
		return "", "", err
	}
	abs, err := filepath.Abs(home)
	if err != nil {
		return "", "", fmt.Errorf("resolve home: %w", err)
	}
	return abs, env, nil
}

// initCmd creates a fresh node home: directory tree, a default config.yaml
// if one is not already present, and a long-lived keypair.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "initialize a node home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _, err := homeAndEnv(cmd)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return fmt.Errorf("create home: %w", err)
			}

			cfgPath := filepath.Join(home, "config.yaml")
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(defaultConfigYAML), 0o644); err != nil {
					return fmt.Errorf("write default config: %w", err)
				}
			}

			kp, created, err := identity.LoadOrCreateKeypair(filepath.Join(home, "identity.key"))
			if err != nil {
				return err
			}
			if err := identity.CheckFingerprint(kp, filepath.Join(home, "identity.fingerprint")); err != nil {
				return err
			}

			if _, err := gitstore.Open(home); err != nil {
				return err
			}

			if created {
				fmt.Printf("initialized node home %s\nnode id: %s\n", home, kp.NID().DID())
			} else {
				fmt.Printf("node home %s already has a keypair; node id: %s\n", home, kp.NID().DID())
			}
			return nil
		},
	}
}

// idCmd prints the node's identity without starting any services.
func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "print this node's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _, err := homeAndEnv(cmd)
			if err != nil {
				return err
			}
			kp, _, err := identity.LoadOrCreateKeypair(filepath.Join(home, "identity.key"))
			if err != nil {
				return err
			}
			fmt.Println(kp.NID().DID())
			fmt.Println(identity.Fingerprint(kp.Public))
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, env, err := homeAndEnv(cmd)
			if err != nil {
				return err
			}
			return run(home, env)
		},
	}
}

func run(home, env string) error {
	cfg, err := config.Load(home, env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	lv, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("parse logging.level: %w", err)
	}
	logrus.SetLevel(lv)

	kp, _, err := identity.LoadOrCreateKeypair(filepath.Join(home, "identity.key"))
	if err != nil {
		return err
	}
	if err := identity.CheckFingerprint(kp, filepath.Join(home, "identity.fingerprint")); err != nil {
		return fmt.Errorf("identity fingerprint check failed: %w", err)
	}
	self := kp.NID()
	log.WithField("node", self.DID()).Info("starting driftwood node")

	gs, err := gitstore.Open(home)
	if err != nil {
		return err
	}
	policyStore, err := store.OpenPolicyStore(home, cfg.Storage.JournalMode)
	if err != nil {
		return err
	}
	defer policyStore.Close()
	routingStore, err := store.OpenRoutingStore(home, cfg.Storage.JournalMode)
	if err != nil {
		return err
	}
	defer routingStore.Close()
	addressStore, err := store.OpenAddressStore(home, cfg.Storage.JournalMode)
	if err != nil {
		return err
	}
	defer addressStore.Close()
	notifyStore, err := store.OpenNotificationStore(home, cfg.Storage.JournalMode)
	if err != nil {
		return err
	}
	defer notifyStore.Close()
	cobCache, err := store.OpenCobCacheStore(home, cfg.Storage.JournalMode)
	if err != nil {
		return err
	}
	defer cobCache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := transport.New(ctx, transport.Config{
		ListenAddrs:  cfg.Network.ListenAddrs,
		DiscoveryTag: cfg.Network.DiscoveryTag,
		EnableNAT:    cfg.Network.EnableNAT,
	}, kp)
	if err != nil {
		return err
	}
	defer tp.Close()

	pool := worker.New(cfg.Replication.WorkerPoolSize)
	m := metrics.New()

	// gossipSvc and re reference each other (the service relays through
	// the reactor's open streams, the reactor posts received announcements
	// into the service); both closures below capture these variables, not
	// their values, so the forward reference resolves once re is assigned.
	var gossipSvc *gossip.Service
	var re *reactor.Reactor

	gossipSvc = gossip.New(gossip.Config{
		SelfNID:          self.String(),
		MaxInflightFetch: cfg.Replication.MaxInflightFetch,
		PoWDifficulty:    cfg.Gossip.PoWDifficulty,
		Dispatch: func(dispatchCtx context.Context, task gossip.Task) {
			// Pool.Submit runs fn synchronously in the calling goroutine
			// after acquiring a slot; the gossip service's command loop
			// must never block on it, so the submission itself happens
			// on its own goroutine.
			go func() {
				_ = pool.Submit(dispatchCtx, func(taskCtx context.Context) error {
					return dispatchFetch(taskCtx, gossipSvc, tp, gs, m, notifyStore, self, task)
				})
			}()
		},
		Relay: func(nid string, raw []byte) { re.Relay(nid, raw) },
	}, gossip.Stores{Policy: policyStore, Routing: routingStore, Address: addressStore})

	re = reactor.New(gossipSvc, tp, kp, m, cfg.Gossip.PoWDifficulty)

	go gossipSvc.Run(ctx)
	go re.PingLoop(ctx)
	go re.RunBroadcast(ctx)

	tp.SetStreamHandler(transport.ProtocolGossip, func(s network.Stream) {
		re.HandleStream(ctx, s)
	})
	tp.SetStreamHandler(transport.ProtocolGit, func(s network.Stream) {
		handleGitStream(s, gs, policyStore, self)
	})
	tp.OnConnect(func(id peer.ID) {
		if nid, err := transport.NIDFromPeerID(id); err == nil {
			_ = re.Connect(ctx, nid)
		}
	})

	if cfg.Metrics.Enabled {
		srv := m.StartServer(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = m.ShutdownServer(shutdownCtx, srv)
		}()
	}

	socketPath := cfg.Control.SocketPath
	if !filepath.IsAbs(socketPath) {
		socketPath = filepath.Join(home, socketPath)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("create control socket dir: %w", err)
	}
	ctlSrv, err := control.NewServer(socketPath, control.Deps{
		Gossip:      gossipSvc,
		Policy:      policyStore,
		Routing:     routingStore,
		Address:     addressStore,
		Transport:   tp,
		GitStore:    gs,
		Self:        self,
		StorageRoot: home,
		StartedAt:   time.Now(),
		Shutdown:    cancel,
	})
	if err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	go func() {
		if err := ctlSrv.Serve(ctx); err != nil {
			log.WithError(err).Error("control socket stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	case <-ctx.Done():
	}
	cancel()
	return nil
}

// dispatchFetch drives the gitproto client pipeline for a scheduled fetch
// task, mirroring internal/control.Deps.fetch's sequence step for step so
// that gossip-triggered and control-triggered fetches behave alike.
func dispatchFetch(ctx context.Context, svc *gossip.Service, tp *transport.Transport, gs *gitstore.Store, m *metrics.Metrics, notify *store.NotificationStore, self identity.NID, task gossip.Task) error {
	now := time.Now()
	rid, err := ridpkg.Parse(task.RID)
	if err != nil {
		svc.FetchCompleted(task.RID, task.NID, false, now)
		return err
	}
	nid, err := identity.ParseNID(task.NID)
	if err != nil {
		svc.FetchCompleted(task.RID, task.NID, false, now)
		return err
	}

	m.SetFetchesInflight(1)
	defer m.SetFetchesInflight(0)

	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	peerID, err := transport.PeerIDFromNID(nid)
	if err != nil {
		svc.FetchCompleted(task.RID, task.NID, false, now)
		return err
	}
	stream, err := tp.OpenStream(fetchCtx, peerID, transport.ProtocolGit)
	if err != nil {
		svc.FetchCompleted(task.RID, task.NID, false, now)
		m.FetchCompleted(false)
		return err
	}
	defer stream.Close()

	if err := gitproto.WriteHeader(stream, rid.String(), self.String()); err != nil {
		svc.FetchCompleted(task.RID, task.NID, false, now)
		m.FetchCompleted(false)
		return err
	}

	refs, err := gitproto.LsRefs(stream, []string{"refs/"})
	if err != nil {
		svc.FetchCompleted(task.RID, task.NID, false, now)
		m.FetchCompleted(false)
		return err
	}

	repo, err := gs.OpenOrInit(rid)
	if err != nil {
		svc.FetchCompleted(task.RID, task.NID, false, now)
		m.FetchCompleted(false)
		return err
	}
	lock := gs.Lock(rid)
	lock.Lock()
	defer lock.Unlock()

	wants, haves := gitproto.WantsHaves(refs, repo)
	if _, err := gitproto.Fetch(stream, repo, wants, haves); err != nil {
		svc.FetchCompleted(task.RID, task.NID, false, now)
		m.FetchCompleted(false)
		return err
	}

	svc.FetchCompleted(task.RID, task.NID, true, now)
	m.FetchCompleted(true)
	if notify != nil {
		_, _ = notify.Push(task.RID, "fetch-succeeded", "fetched from "+task.NID, now)
	}
	return nil
}

// handleGitStream answers one incoming upload-pack request, reading the
// header and gating it through seed policy and the repository's identity
// document before streaming any Git objects.
func handleGitStream(s network.Stream, gs *gitstore.Store, policy *store.PolicyStore, self identity.NID) {
	defer s.Close()

	remote, err := transport.NIDFromPeerID(s.Conn().RemotePeer())
	if err != nil {
		log.WithError(err).Debug("gitproto stream from peer with unrecoverable NID")
		return
	}

	srv := &gitproto.Server{
		Policy: func(rid ridpkg.RID) (bool, error) {
			p, err := policy.Seed(rid.String())
			if err != nil {
				return false, err
			}
			return p.Decision == store.SeedBlock, nil
		},
		Doc: func(rid ridpkg.RID) (*doc.Doc, error) {
			repo, err := gs.Open(rid)
			if err != nil {
				return nil, err
			}
			d, err := doc.LoadFromRepo(repo, gitstore.IdentityRef(self))
			if err != nil {
				if err == plumbing.ErrReferenceNotFound {
					return nil, nil
				}
				return nil, err
			}
			return d, nil
		},
		Open: gs.Open,
	}

	if err := srv.Serve(s, remote, func(event string, detail map[string]any) {
		log.WithField("event", event).WithField("detail", detail).Debug("gitproto progress")
	}); err != nil {
		log.WithError(err).Debug("gitproto session ended")
	}
}

const defaultConfigYAML = `network:
  listen_addrs:
    - /ip4/0.0.0.0/tcp/8776
  discovery_tag: driftwood-lan
  max_peers: 128
  enable_nat: false
gossip:
  pow_difficulty: 8
replication:
  worker_pool_size: 8
  max_inflight_fetch: 32
  max_pending_tasks: 1024
  replication_factor_min: 1
  replication_factor_max: 3
storage:
  journal_mode: WAL
  prune: false
  gc_interval: 1h
control:
  socket_path: control.sock
metrics:
  enabled: true
  addr: 127.0.0.1:9090
logging:
  level: info
`
