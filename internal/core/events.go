package core

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// TransitionKind enumerates the semantic waiting-room change a
// WaitingRoomTransition event carries.
type TransitionKind string

const (
	TransitionCreated       TransitionKind = "created"
	TransitionQueried       TransitionKind = "queried"
	TransitionFound         TransitionKind = "found"
	TransitionCloning       TransitionKind = "cloning"
	TransitionCloningFailed TransitionKind = "cloningFailed"
	TransitionCloned        TransitionKind = "cloned"
	TransitionCancelled     TransitionKind = "cancelled"
	TransitionTimedOut      TransitionKind = "timedOut"
)

// WaitingRoomTransition carries a before/after snapshot of the whole
// waiting room around a single mutation, so a subscriber can reason about
// what moved without rescanning.
type WaitingRoomTransition struct {
	Kind      TransitionKind
	Urn       urn.Urn
	Timestamp time.Time
	Before    map[urn.Urn]*Request
	After     map[urn.Urn]*Request
}

// Event is the sum type broadcast on the peer's event bus, backing the
// daemon's notification stream.
type Event interface {
	isEvent()
}

type RequestCreated struct{ Urn urn.Urn }
type RequestQueried struct{ Urn urn.Urn }
type RequestCloned struct {
	Peer peer.ID
	Urn  urn.Urn
}
type RequestTimedOut struct{ Urn urn.Urn }
type WaitingRoomTransitionEvent struct{ Transition WaitingRoomTransition }
type StatusChanged struct {
	Old Status
	New Status
}
type ProjectUpdated struct{ Urn urn.Urn }

func (RequestCreated) isEvent()             {}
func (RequestQueried) isEvent()             {}
func (RequestCloned) isEvent()              {}
func (RequestTimedOut) isEvent()            {}
func (WaitingRoomTransitionEvent) isEvent() {}
func (StatusChanged) isEvent()              {}
func (ProjectUpdated) isEvent()             {}

// Broadcaster is a many-producer, many-consumer, lossy-on-overflow event
// bus. Producers never block; a slow
// subscriber's channel fills and further sends to it are dropped, matching
// the "slow subscribers lose events, never block the producer" invariant.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	capacity    int
}

// NewBroadcaster creates a Broadcaster whose subscriber channels have the
// given capacity.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = 64
	}
	return &Broadcaster{subscribers: make(map[int]chan Event), capacity: capacity}
}

// Subscribe registers a new receiver. Call the returned cancel function to
// unsubscribe and release the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.capacity)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
}

// Publish fans evt out to every subscriber. Order is preserved per
// consumer; a full subscriber channel drops evt for that consumer only.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// lossy: slow subscriber observed a "lagged" gap
		}
	}
}

// Close closes every subscriber channel. Used during Shutdown.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
