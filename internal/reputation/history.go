// Package reputation keeps a sovereign, local-only journal of per-peer
// connection history: no gossip, no centralization. It's a read-only
// supplement for operators inspecting reachability, not an input the
// replication protocol itself consults.
package reputation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// StoreKey is where a ConnectionRecorder persists its journal, matching
// the flat key-namespace convention core's waiting room and announcements
// use (core.WaitingRoomStoreKey, core.AnnouncementsStoreKey).
const StoreKey = "peers/connection-history"

// ConnectionRecord holds interaction history for a single peer.
type ConnectionRecord struct {
	PeerID          string         `json:"peer_id"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
	ConnectionCount int            `json:"connection_count"`
	AvgLatencyMs    float64        `json:"avg_latency_ms"`
	PathTypes       map[string]int `json:"path_types"` // "direct":12, "relay":3
}

// Persister is the narrow key-value contract this package needs, matching
// core.Persister/core.AnnounceStore's shape so store.Store satisfies it
// structurally without this package importing store directly.
type Persister interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// ConnectionRecorder is the hook overlay's connectedness-event stream
// feeds: every Connected transition the subroutine loop observes
// (core.ProtocolEvent) can be mirrored here, independent of RunState's own
// in-memory connected-peer set, so an operator can inspect reachability
// history (which peers are reachable directly vs. via relay, how latency
// trends) without it ever influencing a replication decision. Adapted
// from a peer-history tracker's running-average latency and path-type
// tally logic, unchanged; the relay-specific introduction bookkeeping
// (RecordIntroduction, IntroducedBy/IntroMethod) is dropped since this
// repo has no pairing/invitation flow for it to describe, and the
// storage backing is swapped for the Persister contract the rest of
// this codebase's persisted state shares instead of a bare os.ReadFile
// path.
type ConnectionRecorder struct {
	mu      sync.RWMutex
	store   Persister
	records map[string]*ConnectionRecord
}

// NewConnectionRecorder creates a recorder, best-effort loading any
// previously persisted journal. A nil store keeps everything in memory.
func NewConnectionRecorder(store Persister) *ConnectionRecorder {
	r := &ConnectionRecorder{store: store, records: make(map[string]*ConnectionRecord)}
	_ = r.Load()
	return r
}

// RecordConnection updates connection count, last_seen, path type counts,
// and running average latency for a peer.
func (r *ConnectionRecorder) RecordConnection(p peer.ID, pathType string, latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[p.String()]
	if !ok {
		rec = &ConnectionRecord{
			PeerID:    p.String(),
			FirstSeen: time.Now(),
			PathTypes: make(map[string]int),
		}
		r.records[p.String()] = rec
	}

	rec.LastSeen = time.Now()
	rec.ConnectionCount++

	if pathType != "" {
		rec.PathTypes[pathType]++
	}

	// Running average: new_avg = old_avg + (value - old_avg) / count
	if latencyMs > 0 {
		rec.AvgLatencyMs += (latencyMs - rec.AvgLatencyMs) / float64(rec.ConnectionCount)
	}
}

// Get returns a copy of the record for p, or nil if unseen.
func (r *ConnectionRecorder) Get(p peer.ID) *ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[p.String()]
	if !ok {
		return nil
	}
	out := *rec
	out.PathTypes = make(map[string]int, len(rec.PathTypes))
	for k, v := range rec.PathTypes {
		out.PathTypes[k] = v
	}
	return &out
}

// Count returns the number of peers tracked.
func (r *ConnectionRecorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Load reads the journal from the backing store.
func (r *ConnectionRecorder) Load() error {
	if r.store == nil {
		return nil
	}
	raw, ok, err := r.store.Get(StoreKey)
	if err != nil {
		return fmt.Errorf("reputation: load: %w", err)
	}
	if !ok {
		return nil
	}

	var records map[string]*ConnectionRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("reputation: parse: %w", err)
	}

	r.mu.Lock()
	r.records = records
	r.mu.Unlock()
	return nil
}

// Save persists the journal through the backing store.
func (r *ConnectionRecorder) Save() error {
	if r.store == nil {
		return nil
	}
	r.mu.RLock()
	raw, err := json.Marshal(r.records)
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("reputation: marshal: %w", err)
	}
	return r.store.Put(StoreKey, raw)
}
