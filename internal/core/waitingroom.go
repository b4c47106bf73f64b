package core

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// WaitingRoomConfig bounds the scheduler's retry behavior.
type WaitingRoomConfig struct {
	Delta      time.Duration
	MaxQueries uint32
	MaxClones  uint32
}

// DefaultWaitingRoomTimeout is the default overall per-request timeout.
const DefaultWaitingRoomTimeout = 10 * time.Second

// DefaultWaitingRoomConfig holds the resolved defaults: a 1s minimum gap
// between query attempts, and enough attempts that
// DefaultWaitingRoomTimeout is exhausted at the default 1s base retry
// delay before either counter saturates.
var DefaultWaitingRoomConfig = WaitingRoomConfig{
	Delta:      time.Second,
	MaxQueries: 10,
	MaxClones:  3,
}

// WaitingRoomSink receives every WaitingRoomTransition emitted by the room,
// and is also where RequestCreated/Queried/Cloned/TimedOut events originate.
// The peer facade passes its Broadcaster here; tests can implement it
// directly.
type WaitingRoomSink interface {
	Publish(Event)
}

// Persister is the minimal key-value contract the waiting room needs from
// the store package.
type Persister interface {
	Put(key string, value []byte) error
}

// WaitingRoom maps ProjectId -> Request and schedules the next query/clone
// attempt. All mutation happens under a single mutex: besides the
// subroutine loop itself, the loop's provider-lookup and clone-job
// goroutines call Found, Cloned and CloningFailed directly.
type WaitingRoom struct {
	mu      sync.Mutex
	cfg     WaitingRoomConfig
	clock   Clock
	entries map[string]*Request // keyed by urn.Urn.String()

	sink  WaitingRoomSink
	store Persister
}

// NewWaitingRoom creates an empty WaitingRoom. sink and store may be nil
// (events/persistence become no-ops), matching the nil-safe style used
// throughout the rest of the codebase.
func NewWaitingRoom(cfg WaitingRoomConfig, clock Clock, sink WaitingRoomSink, store Persister) *WaitingRoom {
	if clock == nil {
		clock = SystemClock
	}
	return &WaitingRoom{
		cfg:     cfg,
		clock:   clock,
		entries: make(map[string]*Request),
		sink:    sink,
		store:   store,
	}
}

func (w *WaitingRoom) snapshotLocked() map[urn.Urn]*Request {
	out := make(map[urn.Urn]*Request, len(w.entries))
	for _, r := range w.entries {
		out[r.Urn] = r.Clone()
	}
	return out
}

func (w *WaitingRoom) emit(kind TransitionKind, u urn.Urn, ts time.Time, before map[urn.Urn]*Request) {
	if w.sink == nil {
		return
	}
	after := w.snapshotLocked()
	w.sink.Publish(WaitingRoomTransitionEvent{Transition: WaitingRoomTransition{
		Kind: kind, Urn: u, Timestamp: ts, Before: before, After: after,
	}})
	switch kind {
	case TransitionCreated:
		w.sink.Publish(RequestCreated{Urn: u})
	case TransitionQueried:
		w.sink.Publish(RequestQueried{Urn: u})
	case TransitionCloned:
		w.sink.Publish(RequestCloned{Urn: u})
	case TransitionTimedOut:
		w.sink.Publish(RequestTimedOut{Urn: u})
	}
}

func (w *WaitingRoom) persistLocked() {
	if w.store == nil {
		return
	}
	blob, err := MarshalWaitingRoom(w.entries)
	if err != nil {
		return
	}
	_ = w.store.Put(WaitingRoomStoreKey, blob)
}

// Create inserts a fresh Created request for urn at ts. If a request
// already exists, the map is left untouched and the existing request is
// returned.
func (w *WaitingRoom) Create(u urn.Urn, ts time.Time) (created bool, existing *Request) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := u.String()
	if r, ok := w.entries[key]; ok {
		return false, r.Clone()
	}
	before := w.snapshotLocked()
	r := NewRequest(u, ts)
	w.entries[key] = r
	w.persistLocked()
	w.emit(TransitionCreated, u, ts, before)
	return true, nil
}

// RequestResult distinguishes a freshly-moved Created->Requested request
// (Left) from a request that was already past Created (Right).
type RequestResult struct {
	Moved    *Request // non-nil when the move happened (Left)
	Existing *Request // non-nil otherwise (Right)
}

// Request idempotently advances urn from Created to Requested.
func (w *WaitingRoom) Request(u urn.Urn, ts time.Time) (RequestResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.entries[u.String()]
	if !ok {
		return RequestResult{}, false
	}
	if r.State != StateCreated {
		return RequestResult{Existing: r.Clone()}, true
	}
	before := w.snapshotLocked()
	_ = r.Request(ts)
	w.persistLocked()
	w.emit(TransitionCreated, u, ts, before)
	return RequestResult{Moved: r.Clone()}, true
}

// Queried increments the query counter for urn, transitioning to TimedOut
// if bounds are exceeded.
func (w *WaitingRoom) Queried(u urn.Urn, ts time.Time) (*Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.entries[u.String()]
	if !ok {
		return nil, false
	}
	before := w.snapshotLocked()
	if err := r.QueryAttempt(ts); err != nil {
		return r.Clone(), true
	}
	if r.ExceedsBounds(w.cfg.MaxQueries, w.cfg.MaxClones) {
		_ = r.TimedOut(ts)
		w.persistLocked()
		w.emit(TransitionTimedOut, u, ts, before)
		return r.Clone(), true
	}
	w.persistLocked()
	w.emit(TransitionQueried, u, ts, before)
	return r.Clone(), true
}

// Found adds p to urn's candidate peer set, transitioning Requested->Found
// if applicable.
func (w *WaitingRoom) Found(u urn.Urn, p peer.ID, ts time.Time) (*Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.entries[u.String()]
	if !ok {
		return nil, false
	}
	before := w.snapshotLocked()
	if err := r.Found(p, ts); err != nil {
		return r.Clone(), true
	}
	w.persistLocked()
	w.emit(TransitionFound, u, ts, before)
	return r.Clone(), true
}

// Cloning marks p InProgress for urn, transitioning Found->Cloning.
func (w *WaitingRoom) Cloning(u urn.Urn, p peer.ID, ts time.Time) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.entries[u.String()]
	if !ok {
		return nil, ErrIllegalTransition
	}
	before := w.snapshotLocked()
	if err := r.Cloning(p, ts); err != nil {
		return nil, err
	}
	w.persistLocked()
	w.emit(TransitionCloning, u, ts, before)
	return r.Clone(), nil
}

// Cloned transitions urn's request to Cloned.
func (w *WaitingRoom) Cloned(u urn.Urn, repo urn.Urn, ts time.Time) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.entries[u.String()]
	if !ok {
		return nil, ErrIllegalTransition
	}
	before := w.snapshotLocked()
	if err := r.Cloned(repo, ts); err != nil {
		return nil, err
	}
	w.persistLocked()
	w.emit(TransitionCloned, u, ts, before)
	return r.Clone(), nil
}

// CloningFailed returns urn's request to Found with p marked Failed(err).
func (w *WaitingRoom) CloningFailed(u urn.Urn, p peer.ID, ts time.Time, reason string) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.entries[u.String()]
	if !ok {
		return nil, ErrIllegalTransition
	}
	before := w.snapshotLocked()
	if err := r.Failed(p, ts, reason); err != nil {
		return nil, err
	}
	w.persistLocked()
	w.emit(TransitionCloningFailed, u, ts, before)
	return r.Clone(), nil
}

// Cancel transitions urn's request to Cancelled.
func (w *WaitingRoom) Cancel(u urn.Urn, ts time.Time) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.entries[u.String()]
	if !ok {
		return nil, ErrIllegalTransition
	}
	before := w.snapshotLocked()
	if err := r.Cancel(ts); err != nil {
		return nil, err
	}
	w.persistLocked()
	w.emit(TransitionCancelled, u, ts, before)
	return r.Clone(), nil
}

// Remove evicts urn's entry entirely.
func (w *WaitingRoom) Remove(u urn.Urn) (*Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.entries[u.String()]
	if !ok {
		return nil, false
	}
	delete(w.entries, u.String())
	w.persistLocked()
	return r, true
}

// Get returns a copy of urn's request, if any.
func (w *WaitingRoom) Get(u urn.Urn) (*Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.entries[u.String()]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns a snapshot of every request currently tracked, ordered by
// urn byte order for deterministic output.
func (w *WaitingRoom) List() []*Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Request, 0, len(w.entries))
	for _, r := range w.entries {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Urn.Less(out[j].Urn) })
	return out
}

// NextQuery returns a request eligible for another query attempt: state in
// {Requested, Found}, last timestamp older than cfg.Delta, and query
// attempts below the configured maximum. Ties break on oldest timestamp
// first, then urn byte order.
func (w *WaitingRoom) NextQuery(now time.Time) (urn.Urn, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var best *Request
	for _, r := range w.entries {
		if r.State != StateRequested && r.State != StateFound {
			continue
		}
		if r.Attempts.Queries >= w.cfg.MaxQueries {
			continue
		}
		if now.Sub(r.Timestamp) < w.cfg.Delta {
			continue
		}
		if best == nil || r.Timestamp.Before(best.Timestamp) ||
			(r.Timestamp.Equal(best.Timestamp) && r.Urn.Less(best.Urn)) {
			best = r
		}
	}
	if best == nil {
		return urn.Urn{}, false
	}
	return best.Urn, true
}

// NextClone returns a (ProjectId, PeerId) pair for a request in StateFound
// with at least one PeerAvailable peer. Ties break by most available peers
// first, then oldest timestamp.
func (w *WaitingRoom) NextClone() (urn.Urn, peer.ID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var best *Request
	var bestPeer peer.ID
	var bestAvailable int

	for _, r := range w.entries {
		if r.State != StateFound {
			continue
		}
		available := 0
		var candidate peer.ID
		haveCandidate := false
		for p, status := range r.Peers {
			if status.Kind == PeerAvailable {
				available++
				if !haveCandidate {
					candidate = p
					haveCandidate = true
				}
			}
		}
		if !haveCandidate {
			continue
		}
		if best == nil || available > bestAvailable ||
			(available == bestAvailable && r.Timestamp.Before(best.Timestamp)) {
			best = r
			bestPeer = candidate
			bestAvailable = available
		}
	}
	if best == nil {
		return urn.Urn{}, "", false
	}
	return best.Urn, bestPeer, true
}

// Len returns the number of tracked requests.
func (w *WaitingRoom) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
