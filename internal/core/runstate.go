package core

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// MaxSyncPeers bounds how many Connected events move a peer from Syncing
// to Online. Both MAX and the sync period are configurable; kept as a
// RunStateConfig field below.
const MaxSyncPeers = 5

// StatusKind tags RunState.Status's variant.
type StatusKind string

const (
	StatusStopped StatusKind = "stopped"
	StatusStarted StatusKind = "started"
	StatusSyncing StatusKind = "syncing"
	StatusOnline  StatusKind = "online"
	StatusOffline StatusKind = "offline"
)

// Status is the peer's lifecycle phase. When Kind is StatusSyncing, Since
// and PeerCount are populated.
type Status struct {
	Kind      StatusKind
	Since     time.Time
	PeerCount int
}

// ProjectStat summarizes a single project's replication standing. The HTTP
// facade builds one from the project's waiting-room request; RunState keeps
// whatever SetProjectStat records.
type ProjectStat struct {
	State        RequestState
	PeerCount    int
	LastActivity time.Time
}

// RunState tracks the peer's connected-peer set and lifecycle status. It
// is synchronous and does no I/O; the subroutine loop is the only writer.
type RunState struct {
	cfg   RunStateConfig
	clock Clock

	connectedPeers map[peer.ID]struct{}
	status         Status
	projectStats   map[string]ProjectStat
}

// RunStateConfig makes MAX and SyncPeriod configurable.
type RunStateConfig struct {
	MaxSyncPeers int
	SyncPeriod   time.Duration
}

// DefaultRunStateConfig holds the resolved defaults: MAX=5,
// SyncPeriod=DefaultWaitingRoomTimeout (10s).
var DefaultRunStateConfig = RunStateConfig{
	MaxSyncPeers: MaxSyncPeers,
	SyncPeriod:   DefaultWaitingRoomTimeout,
}

// NewRunState creates a RunState in StatusStopped. clock may be nil (the
// system clock is used).
func NewRunState(cfg RunStateConfig, clock Clock) *RunState {
	if cfg.MaxSyncPeers <= 0 {
		cfg.MaxSyncPeers = MaxSyncPeers
	}
	if cfg.SyncPeriod <= 0 {
		cfg.SyncPeriod = DefaultWaitingRoomTimeout
	}
	if clock == nil {
		clock = SystemClock
	}
	return &RunState{
		cfg:            cfg,
		clock:          clock,
		connectedPeers: make(map[peer.ID]struct{}),
		status:         Status{Kind: StatusStopped},
		projectStats:   make(map[string]ProjectStat),
	}
}

// ProtocolEvent is the sum type of inputs the run-state machine consumes.
type ProtocolEvent interface{ isProtocolEvent() }

type EvtListening struct{ Addr string }
type EvtConnected struct{ Peer peer.ID }
type EvtDisconnecting struct{ Peer peer.ID }
type EvtSyncPeriodTimeout struct{}
type EvtAnnounceTick struct{}

func (EvtListening) isProtocolEvent()         {}
func (EvtConnected) isProtocolEvent()         {}
func (EvtDisconnecting) isProtocolEvent()     {}
func (EvtSyncPeriodTimeout) isProtocolEvent() {}
func (EvtAnnounceTick) isProtocolEvent()      {}

// Command is the sum type of outputs the run-state machine emits for the
// subroutine loop to execute.
type Command interface{ isCommand() }

type CmdSyncPeer struct{ Peer peer.ID }
type CmdStartSyncTimeout struct{}
type CmdAnnounce struct{}

func (CmdSyncPeer) isCommand()         {}
func (CmdStartSyncTimeout) isCommand() {}
func (CmdAnnounce) isCommand()         {}

// Apply feeds evt through the run-state transition table, mutating
// RunState and returning the commands to execute. It never performs I/O.
func (rs *RunState) Apply(evt ProtocolEvent) []Command {
	switch e := evt.(type) {
	case EvtListening:
		if rs.status.Kind == StatusStopped {
			rs.status = Status{Kind: StatusStarted}
		}
		return nil

	case EvtConnected:
		rs.connectedPeers[e.Peer] = struct{}{}
		switch rs.status.Kind {
		case StatusStarted:
			rs.status = Status{Kind: StatusSyncing, Since: rs.clock.Now(), PeerCount: 1}
			return []Command{CmdSyncPeer{Peer: e.Peer}, CmdStartSyncTimeout{}}
		case StatusSyncing:
			n := rs.status.PeerCount + 1
			if n >= rs.cfg.MaxSyncPeers {
				rs.status = Status{Kind: StatusOnline}
			} else {
				rs.status = Status{Kind: StatusSyncing, Since: rs.status.Since, PeerCount: n}
			}
			return []Command{CmdSyncPeer{Peer: e.Peer}}
		default:
			// Online: a newly connected peer doesn't change status. Offline:
			// the first peer to reconnect moves the status back to Online.
			// Either way the peer is tracked in connectedPeers above.
			if rs.status.Kind == StatusOffline {
				rs.status = Status{Kind: StatusOnline}
			}
			return []Command{CmdSyncPeer{Peer: e.Peer}}
		}

	case EvtDisconnecting:
		delete(rs.connectedPeers, e.Peer)
		if len(rs.connectedPeers) == 0 {
			rs.status = Status{Kind: StatusOffline}
		}
		return nil

	case EvtSyncPeriodTimeout:
		if rs.status.Kind == StatusSyncing {
			rs.status = Status{Kind: StatusOnline}
		}
		return nil

	case EvtAnnounceTick:
		switch rs.status.Kind {
		case StatusOnline, StatusStarted, StatusSyncing:
			return []Command{CmdAnnounce{}}
		}
		return nil
	}
	return nil
}

// CurrentStatus returns a copy of the current status.
func (rs *RunState) CurrentStatus() Status { return rs.status }

// Config returns the resolved configuration, letting the subroutine loop
// read SyncPeriod for the sync-timeout timer it owns: syncing times out
// after SyncPeriod.
func (rs *RunState) Config() RunStateConfig { return rs.cfg }

// ConnectedPeers returns a snapshot of the connected-peer set.
func (rs *RunState) ConnectedPeers() []peer.ID {
	out := make([]peer.ID, 0, len(rs.connectedPeers))
	for p := range rs.connectedPeers {
		out = append(out, p)
	}
	return out
}

// SetProjectStat records the replication standing for a project. Neither
// the waiting room nor the announcer calls it, so the stats stay empty
// unless a caller records them here.
func (rs *RunState) SetProjectStat(u urn.Urn, stat ProjectStat) {
	rs.projectStats[u.String()] = stat
}

// ProjectStats returns a snapshot of every tracked project's stats.
func (rs *RunState) ProjectStats() map[string]ProjectStat {
	out := make(map[string]ProjectStat, len(rs.projectStats))
	for k, v := range rs.projectStats {
		out[k] = v
	}
	return out
}
