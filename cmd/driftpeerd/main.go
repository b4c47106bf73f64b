package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/oakmoss/driftpeer/internal/config"
	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/daemon"
	"github.com/oakmoss/driftpeer/internal/identity"
	"github.com/oakmoss/driftpeer/internal/monorepo"
	"github.com/oakmoss/driftpeer/internal/overlay"
	"github.com/oakmoss/driftpeer/internal/reputation"
	"github.com/oakmoss/driftpeer/internal/store"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0" -o driftpeerd ./cmd/driftpeerd
var version = "dev"

type stringSlice []string

func (s *stringSlice) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("driftpeerd", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to config file")
	listenFlag := fs.String("listen", "", "libp2p multiaddr to listen on")
	lnkHomeFlag := fs.String("lnk-home", "", "root directory for persisted state")
	identityKeyFlag := fs.String("identity-key", "", "path to the node's identity key")
	testFlag := fs.Bool("test", false, "run in test mode (shorter timeouts)")
	var bootstrapFlag, projectFlag stringSlice
	fs.Var(&bootstrapFlag, "bootstrap", "bootstrap peer, peer-id@host:port (repeatable)")
	fs.Var(&projectFlag, "project", "project urn to seed-track on startup (repeatable)")
	fs.Parse(os.Args[1:])

	if err := run(runArgs{
		configPath: *configFlag, listen: *listenFlag, lnkHome: *lnkHomeFlag,
		identityKey: *identityKeyFlag, test: *testFlag,
		bootstrap: bootstrapFlag, projects: projectFlag,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "driftpeerd: %v\n", err)
		os.Exit(1)
	}
}

type runArgs struct {
	configPath  string
	listen      string
	lnkHome     string
	identityKey string
	test        bool
	bootstrap   []string
	projects    []string
}

func run(args runArgs) error {
	cfg, err := resolveConfig(args)
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.LnkHome, 0700); err != nil {
		return fmt.Errorf("create lnk_home: %w", err)
	}
	projectsRoot := filepath.Join(cfg.LnkHome, "projects")
	if err := os.MkdirAll(projectsRoot, 0700); err != nil {
		return fmt.Errorf("create projects root: %w", err)
	}

	keyFile := cfg.IdentityKey
	if keyFile == "" {
		keyFile = filepath.Join(cfg.LnkHome, "identity.key")
	}

	st, err := store.Open(filepath.Join(cfg.LnkHome, "store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	metrics := overlay.NewMetrics(version, runtime.Version())

	var listenAddrs []string
	if cfg.Listen != "" {
		listenAddrs = []string{cfg.Listen}
	}
	bootstrapAddrs := make([]string, 0, len(cfg.Bootstrap))
	for _, b := range cfg.Bootstrap {
		_, ma, err := config.ParseBootstrapPeer(b)
		if err != nil {
			return fmt.Errorf("bootstrap %q: %w", b, err)
		}
		bootstrapAddrs = append(bootstrapAddrs, ma)
	}
	net, err := overlay.New(&overlay.Config{
		KeyFile:        keyFile,
		ListenAddrs:    listenAddrs,
		BootstrapPeers: bootstrapAddrs,
		EnableMDNS:     cfg.IsMDNSEnabled(),
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("start overlay network: %w", err)
	}

	recorder := reputation.NewConnectionRecorder(st)
	_ = recorder.Load()

	refBuilder := &monorepo.RefBuilder{Root: projectsRoot}
	cloner := &monorepo.Cloner{Root: projectsRoot, Dialer: net.Host()}
	cloneServer := &monorepo.CloneServer{Root: projectsRoot}
	cloneServer.Register(net.Host())

	wrCfg := core.DefaultWaitingRoomConfig
	rsCfg := core.DefaultRunStateConfig
	if cfg.IsTest() {
		wrCfg.Delta = 50 * time.Millisecond
		rsCfg.SyncPeriod = time.Second
	}

	peer := daemon.AssemblePeer(daemon.PeerDeps{
		Network:           net,
		Recorder:          recorder,
		Store:             st,
		Announce:          st,
		RefSource:         refBuilder,
		Cloner:            cloner,
		Metrics:           metrics,
		WaitingRoomConfig: wrCfg,
		RunStateConfig:    rsCfg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sd, done := peer.Start(ctx)

	watcher := &monorepo.Watcher{Source: refBuilder, Events: peer.Events}
	go func() {
		if err := watcher.Run(ctx); err != nil && err != context.Canceled {
			slog.Warn("monorepo watcher stopped", "error", err)
		}
	}()

	reg, err := identity.NewRegistry(st)
	if err != nil {
		return fmt.Errorf("load identity registry: %w", err)
	}
	tracker := daemon.NewProjectTracker(projectsRoot, st)

	for _, p := range cfg.Projects {
		u, err := urn.Parse(p)
		if err != nil {
			slog.Warn("skipping malformed seed project", "project", p, "error", err)
			continue
		}
		if _, err := peer.Handle().StartSearch(ctx, u, time.Now()); err != nil {
			slog.Warn("failed to seed-track project", "project", p, "error", err)
		}
	}

	srv := daemon.NewServer(daemon.Config{
		Peer:       peer,
		Browser:    &monorepo.Browser{Root: projectsRoot},
		Identity:   reg,
		Tracker:    tracker,
		SelfPeerID: net.PeerID(),
		SocketPath: filepath.Join(cfg.LnkHome, "daemon.sock"),
		CookiePath: filepath.Join(cfg.LnkHome, ".cookie"),
		Version:    version,
		Metrics:    metrics,
	})
	if err := srv.Start(); err != nil {
		cancel()
		<-done
		return fmt.Errorf("start daemon server: %w", err)
	}

	slog.Info("driftpeerd started", "peer", net.PeerID().String(), "socket", srv.SocketPath())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	srv.Stop()
	sd.Trigger()
	<-done
	return nil
}

func resolveConfig(args runArgs) (*config.PeerConfig, error) {
	override := &config.PeerConfig{
		Listen:      args.listen,
		LnkHome:     args.lnkHome,
		IdentityKey: args.identityKey,
		Bootstrap:   args.bootstrap,
		Projects:    args.projects,
	}
	if args.test {
		t := true
		override.Test = &t
	}

	path, err := config.FindConfigFile(args.configPath)
	if err != nil {
		if args.lnkHome == "" {
			return nil, err
		}
		merged := config.Merge(config.Default(), override)
		return merged, nil
	}

	base, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	config.ResolveConfigPaths(base, filepath.Dir(path))
	return config.Merge(base, override), nil
}
