package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/oakmoss/driftpeer/internal/identity"
	"github.com/oakmoss/driftpeer/internal/monorepo"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// TrackedPeersStoreKey is where a ProjectTracker persists its per-project
// tracked-peer sets, following the flat key-namespace convention
// core.WaitingRoomStoreKey/core.AnnouncementsStoreKey establish.
const TrackedPeersStoreKey = "projects/tracked-peers"

// Persister is the narrow key-value contract this package needs, matching
// core.Persister's shape so store.Store satisfies it structurally.
type Persister interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// ProjectTracker answers the facade-level project bookkeeping that the
// HTTP/JSON surface needs beyond the waiting room and announcement engine:
// which projects this peer hosts locally ("contributed"), and which peers
// are explicitly tracked per project for `PUT .../track/{peer_id}` and
// `PUT .../untrack/{peer_id}`. It's a façade concern layered above core,
// the same way monorepo.Watcher sits above core.RefSource without core
// itself needing to know about it.
type ProjectTracker struct {
	browser *monorepo.Browser

	mu     sync.RWMutex
	store  Persister
	tracked map[urn.Urn]map[peer.ID]struct{}
}

// NewProjectTracker creates a tracker over root (the same directory
// monorepo.RefBuilder/Browser scan), best-effort loading any previously
// persisted tracked-peer sets. A nil store keeps everything in memory.
func NewProjectTracker(root string, store Persister) *ProjectTracker {
	t := &ProjectTracker{
		browser: &monorepo.Browser{Root: root},
		store:   store,
		tracked: make(map[urn.Urn]map[peer.ID]struct{}),
	}
	_ = t.load()
	return t
}

// Contributed lists every project this peer hosts locally, alongside any
// per-project listing failures, matching identity.ProjectFailure's shape
// so a caller can feed both into identity.Registry.RecordFailures.
func (t *ProjectTracker) Contributed(ctx context.Context) ([]urn.Urn, []identity.ProjectFailure) {
	entries, err := os.ReadDir(t.browser.Root)
	if err != nil {
		return nil, nil
	}

	var projects []urn.Urn
	var failures []identity.ProjectFailure
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return projects, failures
		default:
		}
		if !e.IsDir() {
			continue
		}
		c, err := cid.Decode(e.Name())
		if err != nil {
			continue
		}
		project := urn.Urn{ID: c}
		if _, err := t.browser.Branches(project); err != nil {
			failures = append(failures, identity.ProjectFailure{Urn: project, Reason: err.Error()})
			continue
		}
		projects = append(projects, project)
	}
	return projects, failures
}

// Peers returns the peer set explicitly tracked for project.
func (t *ProjectTracker) Peers(project urn.Urn) []peer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.tracked[project]
	out := make([]peer.ID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// Track adds p to project's tracked-peer set.
func (t *ProjectTracker) Track(project urn.Urn, p peer.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.tracked[project]
	if !ok {
		set = make(map[peer.ID]struct{})
		t.tracked[project] = set
	}
	set[p] = struct{}{}
	return t.saveLocked()
}

// Untrack removes p from project's tracked-peer set, tolerating an absent
// entry as a no-op.
func (t *ProjectTracker) Untrack(project urn.Urn, p peer.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.tracked[project]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(t.tracked, project)
		}
	}
	return t.saveLocked()
}

// wireTrackedPeers is the JSON-safe projection of the tracked map: urn.Urn
// and peer.ID both have text (un)marshalers, but a map keyed by a struct
// needs a flat intermediate the same way core.wireRequest does for
// waiting-room persistence.
type wireTrackedPeers map[string][]string

func (t *ProjectTracker) saveLocked() error {
	if t.store == nil {
		return nil
	}
	wire := make(wireTrackedPeers, len(t.tracked))
	for project, set := range t.tracked {
		peers := make([]string, 0, len(set))
		for p := range set {
			peers = append(peers, p.String())
		}
		wire[project.String()] = peers
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("daemon: marshal tracked peers: %w", err)
	}
	return t.store.Put(TrackedPeersStoreKey, raw)
}

func (t *ProjectTracker) load() error {
	if t.store == nil {
		return nil
	}
	raw, ok, err := t.store.Get(TrackedPeersStoreKey)
	if err != nil {
		return fmt.Errorf("daemon: load tracked peers: %w", err)
	}
	if !ok {
		return nil
	}
	var wire wireTrackedPeers
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("daemon: parse tracked peers: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for urnStr, peerStrs := range wire {
		project, err := urn.Parse(urnStr)
		if err != nil {
			continue
		}
		set := make(map[peer.ID]struct{}, len(peerStrs))
		for _, ps := range peerStrs {
			p, err := peer.Decode(ps)
			if err != nil {
				continue
			}
			set[p] = struct{}{}
		}
		t.tracked[project] = set
	}
	return nil
}
