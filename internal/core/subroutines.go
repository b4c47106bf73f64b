package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// Cloner launches a replication job against a chosen peer for a project,
// returning the cloned repo's project id for the Cloned transition's urn
// check. Concrete implementations live outside the
// core (the gossip/transport library and the on-disk monorepo are external
// collaborators.
type Cloner interface {
	Clone(ctx context.Context, u urn.Urn, p peer.ID) (urn.Urn, error)
}

// ProviderFinder looks up peers holding a project, backing a waiting-room
// query attempt: it asks the gossip layer to look up providers for the
// project id.
type ProviderFinder interface {
	FindProviders(ctx context.Context, u urn.Urn, limit int) ([]peer.ID, error)
}

// ProtocolSource is the subset of overlay.Network the subroutine loop
// consumes as its protocol event stream.
type ProtocolSource interface {
	Events() <-chan ProtocolEvent
}

// SubroutinesConfig tunes the loop's timers.
type SubroutinesConfig struct {
	AnnounceInterval        time.Duration
	WaitingRoomTickInterval time.Duration
	ControlDrainLimit       int           // max control requests drained during shutdown
	ShutdownGrace           time.Duration // grace window for in-flight clone jobs
	ProviderLookupLimit     int
	QueryRateLimit          rate.Limit // provider lookups dispatched per second; <= 0 uses the default
	QueryBurst              int
}

// DefaultSubroutinesConfig holds the loop's default timers: ~1s
// announce/waiting-room ticks, a 10s shutdown grace window for
// cancellation.
var DefaultSubroutinesConfig = SubroutinesConfig{
	AnnounceInterval:        time.Second,
	WaitingRoomTickInterval: time.Second,
	ControlDrainLimit:       64,
	ShutdownGrace:           10 * time.Second,
	ProviderLookupLimit:     8,
	QueryRateLimit:          5,
	QueryBurst:              5,
}

// Subroutines is the single cooperative event loop: it owns RunState and
// the WaitingRoom exclusively, multiplexing protocol events, periodic
// ticks, control requests, and shutdown.
type Subroutines struct {
	cfg SubroutinesConfig

	Network      ProtocolSource
	Providers    ProviderFinder
	Cloner       Cloner
	WaitingRoom  *WaitingRoom
	RunState     *RunState
	Announcer    *Announcer
	Control      *ControlPlane
	Events       *Broadcaster
	Clock        Clock
	Logger       *slog.Logger
	RunStateMetrics RunStateMetrics // optional

	// ListenAddrs answers reqListenAddrs control requests. The subroutine
	// loop doesn't hold the network handle itself; the gossip layer is an
	// external collaborator, and the peer facade supplies this closure at
	// construction.
	ListenAddrs func() []multiaddr.Multiaddr

	cloneJobsMu sync.Mutex
	cloneJobs   *errgroup.Group
	announceMu  sync.Mutex

	syncTimerMu sync.Mutex
	syncTimer   *time.Timer

	limiterOnce sync.Once
	limiter     *rate.Limiter
}

// RunStateMetrics is the subset of overlay.Metrics the run-state machine
// updates on each transition.
type RunStateMetrics interface {
	ObserveRunStateTransition(from, to string)
	SetConnectedPeers(transport string, n int)
}

// Run drains every input until ctx is cancelled, implementing a
// select-biased-toward-shutdown loop. It returns once
// shutdown has fully drained: the control channel up to cfg.ControlDrainLimit,
// an in-flight announcement round finished, timer work cancelled, and
// in-flight clone jobs awaited up to cfg.ShutdownGrace.
func (s *Subroutines) Run(ctx context.Context) error {
	announceTicker := time.NewTicker(s.cfgOr().AnnounceInterval)
	defer announceTicker.Stop()
	wrTicker := time.NewTicker(s.cfgOr().WaitingRoomTickInterval)
	defer wrTicker.Stop()

	events := s.Network.Events()
	controlCh := s.Control.Requests()
	syncTimeout := make(chan struct{}, 1)

	for {
		// Checked on its own, non-blocking, ahead of the main select so a
		// ready shutdown signal always wins over a simultaneously-ready
		// event/tick/control branch.
		select {
		case <-ctx.Done():
			s.drainOnShutdown(controlCh)
			s.announceMu.Lock() // let an in-flight announcement round finish
			s.announceMu.Unlock()
			return s.awaitCloneJobs()
		default:
		}

		select {
		case <-ctx.Done():
			s.drainOnShutdown(controlCh)
			s.announceMu.Lock() // let an in-flight announcement round finish
			s.announceMu.Unlock()
			return s.awaitCloneJobs()

		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleProtocolEvent(ctx, evt, syncTimeout)

		case <-announceTicker.C:
			cmds := s.RunState.Apply(EvtAnnounceTick{})
			s.runCommands(ctx, cmds, syncTimeout)

		case <-wrTicker.C:
			s.waitingRoomTick(ctx)

		case <-syncTimeout:
			s.handleProtocolEvent(ctx, EvtSyncPeriodTimeout{}, syncTimeout)

		case req := <-controlCh:
			s.handleControl(ctx, req)
		}
	}
}

func (s *Subroutines) cfgOr() SubroutinesConfig {
	cfg := s.cfg
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultSubroutinesConfig.AnnounceInterval
	}
	if cfg.WaitingRoomTickInterval <= 0 {
		cfg.WaitingRoomTickInterval = DefaultSubroutinesConfig.WaitingRoomTickInterval
	}
	if cfg.ControlDrainLimit <= 0 {
		cfg.ControlDrainLimit = DefaultSubroutinesConfig.ControlDrainLimit
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultSubroutinesConfig.ShutdownGrace
	}
	if cfg.ProviderLookupLimit <= 0 {
		cfg.ProviderLookupLimit = DefaultSubroutinesConfig.ProviderLookupLimit
	}
	if cfg.QueryRateLimit <= 0 {
		cfg.QueryRateLimit = DefaultSubroutinesConfig.QueryRateLimit
	}
	if cfg.QueryBurst <= 0 {
		cfg.QueryBurst = DefaultSubroutinesConfig.QueryBurst
	}
	return cfg
}

func (s *Subroutines) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *Subroutines) handleProtocolEvent(ctx context.Context, evt ProtocolEvent, syncTimeout chan<- struct{}) {
	before := s.RunState.CurrentStatus()
	cmds := s.RunState.Apply(evt)
	after := s.RunState.CurrentStatus()
	if before.Kind != after.Kind {
		if s.RunStateMetrics != nil {
			s.RunStateMetrics.ObserveRunStateTransition(string(before.Kind), string(after.Kind))
		}
		if s.Events != nil {
			s.Events.Publish(StatusChanged{Old: before, New: after})
		}
	}
	s.runCommands(ctx, cmds, syncTimeout)
}

func (s *Subroutines) runCommands(ctx context.Context, cmds []Command, syncTimeout chan<- struct{}) {
	for _, c := range cmds {
		switch c.(type) {
		case CmdAnnounce:
			s.runAnnounceRound(ctx)
		case CmdStartSyncTimeout:
			s.armSyncTimer(ctx, syncTimeout)
		case CmdSyncPeer:
			// Executed by the gossip layer itself; the run-state machine
			// only needs to record the transition, which Apply already did.
		}
	}
}

// armSyncTimer (re)starts the Syncing-phase timeout, feeding
// EvtSyncPeriodTimeout back onto the loop's own goroutine when it fires so
// RunState mutation stays single-writer.
func (s *Subroutines) armSyncTimer(ctx context.Context, syncTimeout chan<- struct{}) {
	s.syncTimerMu.Lock()
	defer s.syncTimerMu.Unlock()
	if s.syncTimer != nil {
		s.syncTimer.Stop()
	}
	period := s.RunState.Config().SyncPeriod
	s.syncTimer = time.AfterFunc(period, func() {
		select {
		case syncTimeout <- struct{}{}:
		case <-ctx.Done():
		default:
		}
	})
}

// runAnnounceRound runs one announcement round off the hot path. Rounds
// never overlap: a tick that arrives mid-round is dropped. Run waits for a
// round still in progress (announceMu) before returning on shutdown.
func (s *Subroutines) runAnnounceRound(ctx context.Context) {
	if s.Announcer == nil {
		return
	}
	if !s.announceMu.TryLock() {
		return
	}
	go func() {
		defer s.announceMu.Unlock()
		diff, err := s.Announcer.Round(ctx)
		if err != nil {
			return
		}
		if s.Events != nil {
			for a := range diff {
				s.Events.Publish(ProjectUpdated{Urn: a.Ref.Project()})
			}
		}
	}()
}

func (s *Subroutines) waitingRoomTick(ctx context.Context) {
	now := s.now()
	if u, ok := s.WaitingRoom.NextQuery(now); ok {
		s.WaitingRoom.Queried(u, now)
		if s.Providers != nil {
			go s.dispatchQuery(ctx, u)
		}
	}
	if u, p, ok := s.WaitingRoom.NextClone(); ok {
		if _, err := s.WaitingRoom.Cloning(u, p, now); err == nil {
			s.launchClone(ctx, u, p)
		}
	}
}

// dispatchQuery runs one provider lookup. It is gated by a token-bucket
// limiter so a waiting room with many simultaneously-eligible requests
// doesn't fire an unbounded burst of concurrent DHT lookups per tick.
func (s *Subroutines) dispatchQuery(ctx context.Context, u urn.Urn) {
	if err := s.queryLimiter().Wait(ctx); err != nil {
		return
	}
	peers, err := s.Providers.FindProviders(ctx, u, s.cfgOr().ProviderLookupLimit)
	if err != nil {
		return
	}
	now := s.now()
	for _, p := range peers {
		s.WaitingRoom.Found(u, p, now)
	}
}

func (s *Subroutines) queryLimiter() *rate.Limiter {
	s.limiterOnce.Do(func() {
		cfg := s.cfgOr()
		burst := cfg.QueryBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.QueryRateLimit, burst)
	})
	return s.limiter
}

// launchClone runs a replication job in its own goroutine, tracked by an
// errgroup so Shutdown can await every in-flight job within the grace
// window. An aborted job (ctx cancelled) is
// treated as a failure, returning the request to Found rather than leaving
// it in Cloning indefinitely.
func (s *Subroutines) launchClone(ctx context.Context, u urn.Urn, p peer.ID) {
	if s.Cloner == nil {
		return
	}
	s.cloneGroup().Go(func() error {
		repo, err := s.Cloner.Clone(ctx, u, p)
		now := s.now()
		if err != nil {
			s.WaitingRoom.CloningFailed(u, p, now, err.Error())
			return nil
		}
		if _, err := s.WaitingRoom.Cloned(u, repo, now); err != nil {
			// UrnMismatch: logged only; the peer is not dropped and keeps
			// its in-progress mark. The request stays in Cloning, which the
			// waiting-room tick neither re-queries nor times out, so only a
			// cancel moves it on.
			if s.Logger != nil {
				s.Logger.Warn("clone urn mismatch", "urn", u.String(), "peer", p.String(), "error", err)
			}
		}
		return nil
	})
}

func (s *Subroutines) cloneGroup() *errgroup.Group {
	s.cloneJobsMu.Lock()
	defer s.cloneJobsMu.Unlock()
	if s.cloneJobs == nil {
		s.cloneJobs = &errgroup.Group{}
	}
	return s.cloneJobs
}

func (s *Subroutines) handleControl(ctx context.Context, req ControlRequest) {
	switch r := req.(type) {
	case reqCurrentStatus:
		r.reply <- s.RunState.CurrentStatus()
	case reqStartSearch:
		created, existing := s.WaitingRoom.Create(r.Urn, r.Ts)
		if created {
			res, _ := s.WaitingRoom.Request(r.Urn, r.Ts)
			if res.Moved != nil {
				r.reply <- res.Moved
				return
			}
		}
		r.reply <- existing
	case reqCancelSearch:
		req, err := s.WaitingRoom.Cancel(r.Urn, r.Ts)
		r.reply <- cancelResult{Request: req, Err: err}
	case reqGetSearch:
		req, _ := s.WaitingRoom.Get(r.Urn)
		r.reply <- req
	case reqListSearches:
		r.reply <- s.WaitingRoom.List()
	case reqListenAddrs:
		var addrs []multiaddr.Multiaddr
		if s.ListenAddrs != nil {
			addrs = s.ListenAddrs()
		}
		r.reply <- addrs
	}
}

// drainOnShutdown processes up to cfg.ControlDrainLimit queued control
// requests so callers waiting on a reply don't hang forever. The loop
// drains the control MPSC up to a small bound.
func (s *Subroutines) drainOnShutdown(ch <-chan ControlRequest) {
	limit := s.cfgOr().ControlDrainLimit
	for i := 0; i < limit; i++ {
		select {
		case req := <-ch:
			s.handleControl(context.Background(), req)
		default:
			return
		}
	}
}

func (s *Subroutines) awaitCloneJobs() error {
	done := make(chan struct{})
	go func() {
		_ = s.cloneGroup().Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfgOr().ShutdownGrace):
		return nil // grace window elapsed; jobs are left to finish and self-report
	}
}
