// Package node assembles one party from its configuration: the commitment
// feed, the ledger and its follower, the account directory, the peer gRPC
// transport and the protocol engine.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"bverify.dev/custody/config"
	"bverify.dev/custody/directory"
	"bverify.dev/custody/feed"
	"bverify.dev/custody/feed/filelog"
	"bverify.dev/custody/feed/kafkafeed"
	"bverify.dev/custody/feed/memfeed"
	"bverify.dev/custody/keys"
	"bverify.dev/custody/ledger"
	"bverify.dev/custody/protocol"
	"bverify.dev/custody/storage"
	"bverify.dev/custody/storage/casregistry"
	"bverify.dev/custody/transport"
	"bverify.dev/custody/transport/grpcpeer"

	// Checkpoint backends selectable by name.
	_ "bverify.dev/custody/storage/leveldb"
	_ "bverify.dev/custody/storage/localfs"
)

// Feed is a commitment log the node can both read and write.
type Feed interface {
	feed.Reader
	feed.Committer
}

type Option func(*Node)

// WithFeed replaces the configured feed backend.
func WithFeed(f Feed) Option { return func(n *Node) { n.feed = f } }

// WithDirectory replaces the configured account directory.
func WithDirectory(d directory.Directory) Option { return func(n *Node) { n.dir = d } }

// WithTransport replaces the gRPC peer transport. No server is started.
func WithTransport(t transport.Transport) Option { return func(n *Node) { n.tr = t } }

// WithListener serves the peer gRPC service on lis instead of cfg.Listen.
func WithListener(lis net.Listener) Option { return func(n *Node) { n.lis = lis } }

// WithSigner sets the proposal signer instead of loading it from the key store.
func WithSigner(s keys.Signer) Option { return func(n *Node) { n.signer = s } }

// WithOutcome reports every settled local proposal.
func WithOutcome(fn func(protocol.Outcome)) Option { return func(n *Node) { n.onOutcome = fn } }

type Node struct {
	cfg config.Config
	log *zap.Logger

	feed      Feed
	dir       directory.Directory
	tr        transport.Transport
	lis       net.Listener
	signer    keys.Signer
	onOutcome func(protocol.Outcome)

	Ledger      *ledger.Ledger
	Follower    *ledger.Follower
	Engine      *protocol.Engine
	Checkpoints *ledger.CheckpointStore

	server  *grpc.Server
	closers []func() error
}

// New opens every dependency named in cfg. On error, whatever was opened is
// closed again.
func New(cfg config.Config, log *zap.Logger, opts ...Option) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{cfg: cfg, log: log}
	for _, opt := range opts {
		opt(n)
	}
	built := false
	defer func() {
		if !built {
			_ = n.Close()
		}
	}()

	if n.feed == nil {
		f, closeFn, err := OpenFeed(cfg.Feed, log)
		if err != nil {
			return nil, err
		}
		n.feed = f
		n.closers = append(n.closers, closeFn)
	}
	if n.dir == nil {
		d, closeFn, err := OpenDirectory(cfg.Directory)
		if err != nil {
			return nil, err
		}
		n.dir = d
		n.closers = append(n.closers, closeFn)
	}
	if n.signer == nil && cfg.KeysDir != "" {
		ks, err := keys.OpenKeyStore(cfg.KeysDir)
		if err != nil {
			return nil, err
		}
		if n.signer, err = ks.Signer(cfg.Self); err != nil {
			return nil, fmt.Errorf("node: signer for %s: %w", cfg.Self, err)
		}
	}

	n.Ledger = ledger.New(ledger.WithLogger(log.Named("ledger")))
	store, closeFn, err := OpenCheckpoints(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, closeFn)
	n.Checkpoints = store
	if store != nil {
		snap, ok, err := store.Load()
		if err != nil {
			return nil, err
		}
		if ok {
			if err := n.Ledger.Restore(snap); err != nil {
				return nil, err
			}
			log.Info("ledger restored from checkpoint", zap.Uint64("applied", snap.Applied))
		}
	}

	if n.tr == nil {
		srv := grpcpeer.NewServer(log.Named("peer"))
		client := grpcpeer.NewClient(cfg.Self, cfg.Peers, grpcpeer.DialOptions{Timeout: cfg.Protocol.SendTimeout})
		n.closers = append(n.closers, client.Close)
		n.tr = &grpcpeer.Transport{Client: client, Server: srv}
		n.server = grpc.NewServer()
		grpcpeer.RegisterPeerServer(n.server, srv)
	}

	followerOpts := []ledger.FollowerOption{
		ledger.WithFollowerLogger(log.Named("follower")),
		ledger.WithObserver(func(a ledger.Applied) { n.Engine.Observe(a) }),
	}
	if store != nil {
		followerOpts = append(followerOpts, ledger.WithCheckpoints(store, cfg.Checkpoint.Every))
	}
	n.Follower = ledger.NewFollower(n.Ledger, n.feed, followerOpts...)

	engine, err := protocol.New(protocol.Options{
		Self:              cfg.Self,
		Counterpart:       cfg.Counterpart,
		Ledger:            n.Ledger,
		Directory:         n.dir,
		Transport:         n.tr,
		Committer:         n.feed,
		Signer:            n.signer,
		RequireSignatures: cfg.RequireSignatures,
		Ready:             n.Follower.Ready(),
		ProposalTimeout:   cfg.Protocol.ProposalTimeout,
		SendAttempts:      cfg.Protocol.SendAttempts,
		SendTimeout:       cfg.Protocol.SendTimeout,
		Backoff:           cfg.Protocol.Backoff,
		OnOutcome:         n.onOutcome,
		Logger:            log.Named("protocol"),
	})
	if err != nil {
		return nil, err
	}
	n.Engine = engine
	built = true
	return n, nil
}

// OpenFeed opens the configured commitment log.
func OpenFeed(cfg config.Feed, log *zap.Logger) (Feed, func() error, error) {
	switch cfg.Backend {
	case config.FeedMemory:
		f := memfeed.New()
		return f, f.Close, nil
	case config.FeedFile:
		f, err := filelog.Open(cfg.Path, filelog.WithLogger(log.Named("filelog")))
		if err != nil {
			return nil, nil, err
		}
		return f, func() error { return nil }, nil
	case config.FeedKafka:
		f, err := kafkafeed.New(kafkafeed.Config{
			Brokers:   cfg.Kafka.Brokers,
			Topic:     cfg.Kafka.Topic,
			Partition: cfg.Kafka.Partition,
		}, log.Named("kafka"))
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	default:
		return nil, nil, fmt.Errorf("node: unknown feed backend %q", cfg.Backend)
	}
}

// OpenDirectory opens the file or Redis directory, behind a cache when one
// is configured.
func OpenDirectory(cfg config.Directory) (directory.Directory, func() error, error) {
	var (
		d       directory.Directory
		closeFn = func() error { return nil }
	)
	switch {
	case cfg.Redis.Addr != "":
		r, err := directory.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		d, closeFn = r, r.Close
	case cfg.File != "":
		s, err := directory.LoadFile(cfg.File)
		if err != nil {
			return nil, nil, err
		}
		d = s
	default:
		return nil, nil, errors.New("node: no directory configured")
	}
	if cfg.CacheSize > 0 {
		c, err := directory.NewCached(d, cfg.CacheSize, cfg.CacheTTL)
		if err != nil {
			_ = closeFn()
			return nil, nil, err
		}
		d = c
	}
	return d, closeFn, nil
}

// OpenCheckpoints opens the checkpoint store. It returns a nil store when no
// backend is configured. Each backend keeps its blocks in its own
// subdirectory; the head file sits at the top.
func OpenCheckpoints(cfg config.Checkpoint) (*ledger.CheckpointStore, func() error, error) {
	noop := func() error { return nil }
	if len(cfg.Backends) == 0 {
		return nil, noop, nil
	}
	var (
		named   []storage.Named
		closers []func() error
	)
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	for _, name := range cfg.Backends {
		dir := filepath.Join(cfg.Dir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		cas, closeFn, err := casregistry.Open(name, dir)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		named = append(named, storage.Named{Name: name, CAS: cas})
		closers = append(closers, closeFn)
	}
	var cas storage.CAS = named[0].CAS
	if len(named) > 1 {
		cas = storage.Replicated{Backends: named}
	}
	store, err := ledger.NewCheckpointStore(cas, filepath.Join(cfg.Dir, "HEAD"))
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	return store, closeAll, nil
}

// Run follows the feed, reaps stale proposals and serves peers until ctx is
// done or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Follower.Run(ctx) })
	g.Go(func() error { return n.Engine.Run(ctx) })

	if n.server != nil && (n.lis != nil || n.cfg.Listen != "") {
		lis := n.lis
		if lis == nil {
			var err error
			if lis, err = net.Listen("tcp", n.cfg.Listen); err != nil {
				return fmt.Errorf("node: listen %s: %w", n.cfg.Listen, err)
			}
		}
		n.log.Info("serving peers", zap.String("addr", lis.Addr().String()))
		g.Go(func() error {
			if err := n.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			n.server.GracefulStop()
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Rebuild folds whatever the feed holds right now, without subscribing.
func (n *Node) Rebuild(ctx context.Context) error { return n.Follower.Rebuild(ctx) }

// Ready is closed once the ledger has caught up with the feed.
func (n *Node) Ready() <-chan struct{} { return n.Follower.Ready() }

// Feed returns the commitment log the node reads and writes.
func (n *Node) Feed() Feed { return n.feed }

func (n *Node) Close() error {
	var first error
	if n.Engine != nil {
		_ = n.Engine.Close()
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	n.closers = nil
	return first
}
