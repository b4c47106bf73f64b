package core

import (
	"context"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// NetworkHandle is the subset of *overlay.Network the peer facade drives.
// It is declared here (rather than importing overlay directly into every
// signature) so core stays a dependency-light leaf, with the concrete
// libp2p wiring supplied at construction. overlay.Network
// emits its own connectedness event type, so the daemon wiring layer that
// constructs a Peer wraps *overlay.Network in a small adapter translating
// it to PeerConnectednessEvent before it's handed in as PeerConfig.Network.
type NetworkHandle interface {
	Events() <-chan PeerConnectednessEvent
	ListenAddrs() []multiaddr.Multiaddr
	FindProviders(ctx context.Context, u urn.Urn, limit int) ([]peer.AddrInfo, error)
	Provide(ctx context.Context, u urn.Urn) error
	Close() error
}

// PeerConnectednessEvent mirrors overlay.Network's connectedness event,
// kept as its own type here so the translation in Peer.Start is explicit
// about the boundary it's crossing.
type PeerConnectednessEvent struct {
	Peer      peer.ID
	Connected bool
}

// Shutdown triggers the peer's graceful stop; calling it more than once is
// safe and only cancels the run loop's context once.
type Shutdown struct {
	cancel context.CancelFunc
	once   sync.Once
}

// Trigger cancels the run loop's context. It does not block until the loop
// has actually exited; await the RunFuture channel returned by Start for that.
func (s *Shutdown) Trigger() {
	s.once.Do(s.cancel)
}

// PeerConfig assembles everything the subroutine loop needs: the gossip
// handle, persistence, metrics, and timer tuning.
type PeerConfig struct {
	Network     NetworkHandle
	Cloner      Cloner
	Store       Persister
	AnnounceSet AnnounceStore
	RefSource   RefSource
	Metrics     *PeerMetrics
	Logger      *slog.Logger
	Clock       Clock

	WaitingRoomConfig  WaitingRoomConfig
	RunStateConfig     RunStateConfig
	SubroutinesConfig  SubroutinesConfig
	EventBusCapacity   int
	ControlPlaneBuffer int
}

// PeerMetrics groups the narrow metrics interfaces the core package
// consumes, satisfied structurally by *overlay.Metrics.
type PeerMetrics struct {
	RunState RunStateMetrics
	Announce AnnounceMetrics
}

// Peer is the top-level façade: it wires together the waiting room,
// run-state machine, announcer, control plane, and event bus behind the
// single subroutine loop, and owns that loop's lifecycle.
type Peer struct {
	WaitingRoom *WaitingRoom
	RunState    *RunState
	Announcer   *Announcer
	Control     *ControlPlane
	Events      *Broadcaster

	network NetworkHandle
	subs    *Subroutines
	logger  *slog.Logger
}

// NewPeer wires every component: everything is constructed once, up
// front, so the subroutine loop (launched by Start) is the only thing
// that ever mutates RunState or the WaitingRoom.
func NewPeer(cfg PeerConfig) *Peer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}

	events := NewBroadcaster(orInt(cfg.EventBusCapacity, 256))
	wr := NewWaitingRoom(orWaitingRoomConfig(cfg.WaitingRoomConfig), clock, events, cfg.Store)
	rs := NewRunState(orRunStateConfig(cfg.RunStateConfig), clock)
	control := NewControlPlane(orInt(cfg.ControlPlaneBuffer, 32))

	var announcer *Announcer
	if cfg.RefSource != nil && cfg.Network != nil {
		var annMetrics AnnounceMetrics
		if cfg.Metrics != nil {
			annMetrics = cfg.Metrics.Announce
		}
		announcer = &Announcer{
			Source: cfg.RefSource,
			Announce: func(ctx context.Context, a Announcement) error {
				return cfg.Network.Provide(ctx, a.Ref)
			},
			Store:   cfg.AnnounceSet,
			Metrics: annMetrics,
			Logger:  logger,
		}
	}

	var runStateMetrics RunStateMetrics
	if cfg.Metrics != nil {
		runStateMetrics = cfg.Metrics.RunState
	}

	p := &Peer{
		WaitingRoom: wr,
		RunState:    rs,
		Announcer:   announcer,
		Control:     control,
		Events:      events,
		network:     cfg.Network,
		logger:      logger,
	}

	p.subs = &Subroutines{
		cfg:             cfg.SubroutinesConfig,
		Network:         &protocolAdapter{},
		Providers:       &providerAdapter{network: cfg.Network},
		Cloner:          cfg.Cloner,
		WaitingRoom:     wr,
		RunState:        rs,
		Announcer:       announcer,
		Control:         control,
		Events:          events,
		Clock:           clock,
		Logger:          logger,
		RunStateMetrics: runStateMetrics,
		ListenAddrs: func() []multiaddr.Multiaddr {
			if cfg.Network == nil {
				return nil
			}
			return cfg.Network.ListenAddrs()
		},
	}
	return p
}

// Start launches the subroutine loop and returns a Shutdown trigger plus a
// RunFuture channel that receives the loop's terminal error (nil on a clean
// stop) and is then closed.
func (p *Peer) Start(parent context.Context) (*Shutdown, <-chan error) {
	ctx, cancel := context.WithCancel(parent)
	sd := &Shutdown{cancel: cancel}
	done := make(chan error, 1)

	if p.subs.Network != nil {
		if adapter, ok := p.subs.Network.(*protocolAdapter); ok && p.network != nil {
			adapter.start(ctx, p.network)
		}
	}
	p.RunState.Apply(EvtListening{})

	go func() {
		err := p.subs.Run(ctx)
		if p.network != nil {
			_ = p.network.Close()
		}
		p.Events.Close()
		done <- err
		close(done)
	}()

	return sd, done
}

// Handle returns a cheaply cloneable control-plane handle for HTTP
// facades or CLI callers.
func (p *Peer) Handle() ControlHandle { return p.Control.Handle() }

// Subscribe returns a read-only view of the peer's event bus.
func (p *Peer) Subscribe() (<-chan Event, func()) { return p.Events.Subscribe() }

// protocolAdapter translates overlay.Network's connectedness stream into
// core.ProtocolEvent values, keeping the translation boundary in one place.
type protocolAdapter struct {
	out chan ProtocolEvent
}

func (a *protocolAdapter) start(ctx context.Context, network NetworkHandle) {
	a.out = make(chan ProtocolEvent, 64)
	src := network.Events()
	go func() {
		defer close(a.out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-src:
				if !ok {
					return
				}
				var translated ProtocolEvent
				if evt.Connected {
					translated = EvtConnected{Peer: evt.Peer}
				} else {
					translated = EvtDisconnecting{Peer: evt.Peer}
				}
				select {
				case a.out <- translated:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func (a *protocolAdapter) Events() <-chan ProtocolEvent { return a.out }

// providerAdapter narrows overlay.Network.FindProviders's []peer.AddrInfo
// result to the []peer.ID the waiting room tracks. PeerRequestStatus is
// keyed by peer id alone; addresses are the transport's concern, not the
// waiting room's.
type providerAdapter struct {
	network NetworkHandle
}

func (p *providerAdapter) FindProviders(ctx context.Context, u urn.Urn, limit int) ([]peer.ID, error) {
	if p.network == nil {
		return nil, nil
	}
	infos, err := p.network.FindProviders(ctx, u, limit)
	if err != nil {
		return nil, err
	}
	out := make([]peer.ID, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.ID)
	}
	return out, nil
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orWaitingRoomConfig(cfg WaitingRoomConfig) WaitingRoomConfig {
	if cfg == (WaitingRoomConfig{}) {
		return DefaultWaitingRoomConfig
	}
	return cfg
}

func orRunStateConfig(cfg RunStateConfig) RunStateConfig {
	if cfg == (RunStateConfig{}) {
		return DefaultRunStateConfig
	}
	return cfg
}
