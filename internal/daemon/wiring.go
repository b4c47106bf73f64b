package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/overlay"
	"github.com/oakmoss/driftpeer/internal/reputation"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// pingTimeout bounds the one-shot latency probe run against each newly
// connected peer before it's recorded; a peer that never answers just
// yields a zero (ignored) latency sample.
const pingTimeout = 5 * time.Second

// networkAdapter wraps *overlay.Network to satisfy core.NetworkHandle,
// translating overlay's connectedness event type to core's and mirroring
// every Connected transition into a ConnectionRecorder. core.NetworkHandle's
// doc comment assigns the event translation to this daemon wiring layer.
type networkAdapter struct {
	net        *overlay.Network
	recorder   *reputation.ConnectionRecorder
	translated chan core.PeerConnectednessEvent
}

// newNetworkAdapter starts the translation goroutine immediately; the
// returned adapter is ready to hand to core.PeerConfig.Network.
func newNetworkAdapter(net *overlay.Network, recorder *reputation.ConnectionRecorder) *networkAdapter {
	a := &networkAdapter{
		net:        net,
		recorder:   recorder,
		translated: make(chan core.PeerConnectednessEvent, 64),
	}
	go a.run()
	return a
}

func (a *networkAdapter) run() {
	defer close(a.translated)
	for evt := range a.net.Events() {
		if a.recorder != nil && evt.Connected {
			go a.recordConnection(evt.Peer)
		}
		select {
		case a.translated <- core.PeerConnectednessEvent{Peer: evt.Peer, Connected: evt.Connected}:
		default: // lossy, matching overlay.Network's own connectedness channel policy
		}
	}
}

// recordConnection classifies the path to p and measures a latency sample
// before handing both to the recorder. Run off the event loop goroutine so
// a slow or unresponsive peer can't stall delivery of later events.
func (a *networkAdapter) recordConnection(p peer.ID) {
	pathType := a.net.PathType(p)
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	rtt, err := a.net.Ping(ctx, p)
	var latencyMs float64
	if err == nil {
		latencyMs = float64(rtt) / float64(time.Millisecond)
	}
	a.recorder.RecordConnection(p, pathType, latencyMs)
}

func (a *networkAdapter) Events() <-chan core.PeerConnectednessEvent { return a.translated }

func (a *networkAdapter) ListenAddrs() []multiaddr.Multiaddr { return a.net.ListenAddrs() }

func (a *networkAdapter) FindProviders(ctx context.Context, u urn.Urn, limit int) ([]peer.AddrInfo, error) {
	return a.net.FindProviders(ctx, u, limit)
}

func (a *networkAdapter) Provide(ctx context.Context, u urn.Urn) error {
	return a.net.Provide(ctx, u)
}

func (a *networkAdapter) Close() error { return a.net.Close() }

// PeerDeps collects the pieces a driftpeer process assembles once at
// startup and hands to AssemblePeer: the overlay network, the
// announcement/query persistence, and metrics, with everything else
// (waiting room/run-state tuning) defaulted the same way core.NewPeer
// defaults a zero-value PeerConfig field.
type PeerDeps struct {
	Network   *overlay.Network
	Recorder  *reputation.ConnectionRecorder
	Store     core.Persister
	Announce  core.AnnounceStore
	RefSource core.RefSource
	Cloner    core.Cloner
	Metrics   *overlay.Metrics
	Logger    *slog.Logger

	WaitingRoomConfig core.WaitingRoomConfig
	RunStateConfig    core.RunStateConfig
}

// AssemblePeer wraps deps.Network in a networkAdapter (wiring the
// connection recorder into every Connected event) and constructs a
// core.Peer ready for Start. This is the one call site that turns
// newNetworkAdapter into a live translation goroutine.
func AssemblePeer(deps PeerDeps) *core.Peer {
	adapter := newNetworkAdapter(deps.Network, deps.Recorder)

	var peerMetrics *core.PeerMetrics
	if deps.Metrics != nil {
		peerMetrics = &core.PeerMetrics{
			RunState: deps.Metrics,
			Announce: deps.Metrics,
		}
	}

	return core.NewPeer(core.PeerConfig{
		Network:           adapter,
		Cloner:            deps.Cloner,
		Store:             deps.Store,
		AnnounceSet:       deps.Announce,
		RefSource:         deps.RefSource,
		Metrics:           peerMetrics,
		Logger:            deps.Logger,
		WaitingRoomConfig: deps.WaitingRoomConfig,
		RunStateConfig:    deps.RunStateConfig,
	})
}
