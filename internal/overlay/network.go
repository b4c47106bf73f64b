// Package overlay wires the replication engine onto a libp2p host: identity
// and transport setup, DHT-backed project discovery, mDNS LAN discovery, and
// the peer-connectedness event stream the run-state machine consumes.
package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// bootstrapDialTimeout bounds each initial dial to a configured bootstrap
// peer so a single unreachable seed can't stall startup.
const bootstrapDialTimeout = 10 * time.Second

// peerTTL is how long bootstrap-peer addresses are kept in the peerstore
// before they need to be rediscovered.
const peerTTL = peerstore.ConnectedAddrTTL

// Config configures the construction of a Network.
type Config struct {
	// KeyFile is the path to the node's persisted ed25519 identity key.
	// Created on first use if it does not exist.
	KeyFile string

	// ListenAddrs are libp2p multiaddrs to listen on. Empty means
	// listen on an ephemeral TCP port on all interfaces.
	ListenAddrs []string

	// BootstrapPeers seeds the Kademlia routing table on startup.
	BootstrapPeers []string

	// EnableMDNS turns on LAN peer discovery via mDNS.
	EnableMDNS bool

	// Metrics is optional (nil-safe throughout this package).
	Metrics *Metrics
}

// PeerConnectednessEvent mirrors libp2p's EvtPeerConnectednessChanged,
// decoupling callers from the core/event import.
type PeerConnectednessEvent struct {
	Peer      peer.ID
	Connected bool
}

// Network wraps a libp2p host, its Kademlia DHT, and optional mDNS
// discovery, and republishes peer connectedness as a plain Go channel for
// the run-state subroutine to consume.
type Network struct {
	host    host.Host
	kad     *dht.IpfsDHT
	mdns    *MDNSDiscovery
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	events chan PeerConnectednessEvent
}

// New constructs a Network: loads or creates the node identity, builds the
// libp2p host with TCP/QUIC/WebSocket transports, starts the Kademlia DHT
// in auto mode, and (if configured) mDNS LAN discovery. The returned
// Network owns a background context; call Close to tear everything down.
func New(cfg *Config) (*Network, error) {
	if cfg == nil {
		return nil, fmt.Errorf("overlay: config cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	priv, err := LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("overlay: load identity: %w", err)
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(ws.New),
	}
	if len(cfg.ListenAddrs) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	} else {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("overlay: create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("overlay: create dht: %w", err)
	}

	n := &Network{
		host:    h,
		kad:     kad,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan PeerConnectednessEvent, 64),
	}

	if err := n.bootstrap(cfg.BootstrapPeers); err != nil {
		n.Close()
		return nil, fmt.Errorf("overlay: bootstrap: %w", err)
	}

	if err := n.watchConnectedness(); err != nil {
		n.Close()
		return nil, fmt.Errorf("overlay: subscribe connectedness events: %w", err)
	}

	if cfg.EnableMDNS {
		n.mdns = NewMDNSDiscovery(h, cfg.Metrics)
		if err := n.mdns.Start(ctx); err != nil {
			n.Close()
			return nil, fmt.Errorf("overlay: start mdns: %w", err)
		}
	}

	return n, nil
}

// bootstrap connects to the configured bootstrap peers and kicks off the
// DHT's own routing-table refresh.
func (n *Network) bootstrap(addrs []string) error {
	infos, err := ParseRelayAddrs(addrs)
	if err != nil {
		return err
	}
	for _, info := range infos {
		n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerTTL)
		go func(info peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, bootstrapDialTimeout)
			defer cancel()
			_ = n.host.Connect(ctx, info)
		}(info)
	}
	return n.kad.Bootstrap(n.ctx)
}

// watchConnectedness subscribes to the host's peer-connectedness events and
// republishes them as PeerConnectednessEvent on n.events, feeding the
// run-state machine's Connected/Disconnecting transitions.
func (n *Network) watchConnectedness() error {
	sub, err := n.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return err
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-n.ctx.Done():
				return
			case raw, ok := <-sub.Out():
				if !ok {
					return
				}
				evt := raw.(event.EvtPeerConnectednessChanged)
				connected := evt.Connectedness == network.Connected
				select {
				case n.events <- PeerConnectednessEvent{Peer: evt.Peer, Connected: connected}:
				default: // lossy: a full events channel drops this new signal
				}
			}
		}
	}()
	return nil
}

// Events returns the channel of peer connectedness changes.
func (n *Network) Events() <-chan PeerConnectednessEvent {
	return n.events
}

// Host returns the underlying libp2p host.
func (n *Network) Host() host.Host {
	return n.host
}

// ListenAddrs returns the multiaddrs the host is currently listening on,
// satisfying core.NetworkHandle for the peer facade.
func (n *Network) ListenAddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// PeerID returns this node's peer ID.
func (n *Network) PeerID() peer.ID {
	return n.host.ID()
}

// Connect dials a peer directly.
func (n *Network) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return n.host.Connect(ctx, pi)
}

// Provide announces on the DHT that this node has a ref for the given
// project URN, backing the announcer's gossip step.
func (n *Network) Provide(ctx context.Context, u urn.Urn) error {
	return n.kad.Provide(ctx, u.ID, true)
}

// FindProviders looks up peers providing the given project URN, backing
// the waiting room's next-query step: ask the network for providers.
func (n *Network) FindProviders(ctx context.Context, u urn.Urn, limit int) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	for info := range n.kad.FindProvidersAsync(ctx, u.ID, limit) {
		out = append(out, info)
	}
	if len(out) == 0 {
		return nil, ErrNoProviders
	}
	return out, nil
}

// IsConnected reports whether the host currently holds an open connection
// to the given peer.
func (n *Network) IsConnected(p peer.ID) bool {
	return n.host.Network().Connectedness(p) == network.Connected
}

// PathType classifies how a peer is currently reached: "relay" if every
// open connection to it is a limited circuit-relay hop, "direct" if at
// least one connection is a real transport connection, "" if there is no
// open connection at all.
func (n *Network) PathType(p peer.ID) string {
	conns := n.host.Network().ConnsToPeer(p)
	if len(conns) == 0 {
		return ""
	}
	for _, conn := range conns {
		if !conn.Stat().Limited {
			return "direct"
		}
	}
	return "relay"
}

// Ping measures round-trip latency to an already-connected peer using
// libp2p's ping protocol, mounted on the host by default. Callers should
// bound ctx; a peer that doesn't answer blocks until it expires.
func (n *Network) Ping(ctx context.Context, p peer.ID) (time.Duration, error) {
	res := <-ping.Ping(ctx, n.host, p)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RTT, nil
}

// Close tears down mDNS, the DHT, and the libp2p host.
func (n *Network) Close() error {
	n.cancel()
	if n.mdns != nil {
		n.mdns.Close()
	}
	if n.kad != nil {
		n.kad.Close()
	}
	return n.host.Close()
}

// ParseRelayAddrs parses bootstrap/relay multiaddrs into peer.AddrInfo
// slices, deduplicating by peer ID and merging addresses for the same peer.
func ParseRelayAddrs(addrs []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	seen := make(map[peer.ID]int)

	for _, s := range addrs {
		ai, err := peer.AddrInfoFromString(s)
		if err != nil {
			return nil, fmt.Errorf("overlay: invalid bootstrap addr %s: %w", s, err)
		}
		if idx, ok := seen[ai.ID]; ok {
			infos[idx].Addrs = append(infos[idx].Addrs, ai.Addrs...)
			continue
		}
		seen[ai.ID] = len(infos)
		infos = append(infos, *ai)
	}

	return infos, nil
}
