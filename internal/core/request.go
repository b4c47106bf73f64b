// Package core implements the networked replication engine: the request
// state machine, the waiting room, the announcement engine, the run-state
// machine, the subroutine event loop, the peer facade, the control plane,
// and the monorepo watcher.
package core

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/oakmoss/driftpeer/internal/errkit"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// RequestState tags the variant a Request currently holds. The DAG is
// Created -> Requested -> Found -> Cloning -> Cloned, with Cancelled and
// TimedOut reachable as orthogonal terminal sinks from any non-terminal
// state.
type RequestState string

const (
	StateCreated   RequestState = "created"
	StateRequested RequestState = "requested"
	StateFound     RequestState = "found"
	StateCloning   RequestState = "cloning"
	StateCloned    RequestState = "cloned"
	StateCancelled RequestState = "cancelled"
	StateTimedOut  RequestState = "timedOut"
)

// Terminal reports whether s has no outgoing transitions.
func (s RequestState) Terminal() bool {
	return s == StateCloned || s == StateCancelled || s == StateTimedOut
}

var (
	// ErrIllegalTransition is returned when a transition method is called
	// on a Request whose current state does not permit it.
	ErrIllegalTransition = errors.New("core: illegal request state transition")

	// ErrUnknownPeer is returned by transitions that reference a peer not
	// present in the request's peer set.
	ErrUnknownPeer = errors.New("core: unknown peer for request")
)

// PeerStatusKind is the tri-state health of a peer's participation in a
// single request.
type PeerStatusKind int

const (
	PeerAvailable PeerStatusKind = iota
	PeerInProgress
	PeerFailed
)

func (k PeerStatusKind) String() string {
	switch k {
	case PeerAvailable:
		return "available"
	case PeerInProgress:
		return "inProgress"
	case PeerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders k as its String() form, so the HTTP facade's JSON
// serializes peer status as a readable tag instead of a bare int.
func (k PeerStatusKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// PeerRequestStatus records a single peer's standing within a request.
type PeerRequestStatus struct {
	Kind   PeerStatusKind
	Reason string // only set when Kind == PeerFailed
}

// Attempts counts query and clone attempts made for a request. Both fields
// are monotonically non-decreasing.
type Attempts struct {
	Queries uint32
	Clones  uint32
}

// Request is a single attempt to acquire a project from the network.
// It is a tagged sum type collapsed into one Go struct: the
// Peers map is only meaningful in StateFound and StateCloning, matching the
// source's per-state payloads without requiring a discriminated union.
type Request struct {
	Urn       urn.Urn
	State     RequestState
	Attempts  Attempts
	Timestamp time.Time
	Peers     map[peer.ID]PeerRequestStatus

	// FailureReason carries the last clone failure for diagnostic display;
	// it isn't part of the state machine, only a convenience for the HTTP
	// facade.
	FailureReason string
}

// NewRequest creates a fresh Request in StateCreated.
func NewRequest(u urn.Urn, ts time.Time) *Request {
	return &Request{Urn: u, State: StateCreated, Timestamp: ts}
}

// Clone returns a deep copy, used whenever a Request escapes the waiting
// room (control-plane responses, broadcast events) so callers can't mutate
// state the subroutine loop still owns.
func (r *Request) Clone() *Request {
	cp := *r
	if r.Peers != nil {
		cp.Peers = make(map[peer.ID]PeerRequestStatus, len(r.Peers))
		for k, v := range r.Peers {
			cp.Peers[k] = v
		}
	}
	return &cp
}

// Request transitions Created -> Requested.
func (r *Request) Request(ts time.Time) error {
	if r.State != StateCreated {
		return fmt.Errorf("%w: request() from %s", ErrIllegalTransition, r.State)
	}
	r.State = StateRequested
	r.Timestamp = ts
	return nil
}

// QueryAttempt increments the query counter without changing state.
// Legal from StateRequested or StateFound.
func (r *Request) QueryAttempt(ts time.Time) error {
	if r.State != StateRequested && r.State != StateFound {
		return fmt.Errorf("%w: query_attempt() from %s", ErrIllegalTransition, r.State)
	}
	r.Attempts.Queries = saturatingInc(r.Attempts.Queries)
	r.Timestamp = ts
	return nil
}

// Found transitions Requested -> Found, or (if already Found) adds another
// candidate peer without changing state. peer starts as PeerAvailable.
func (r *Request) Found(p peer.ID, ts time.Time) error {
	switch r.State {
	case StateRequested:
		r.State = StateFound
		r.Peers = map[peer.ID]PeerRequestStatus{p: {Kind: PeerAvailable}}
	case StateFound:
		if r.Peers == nil {
			r.Peers = make(map[peer.ID]PeerRequestStatus)
		}
		if _, exists := r.Peers[p]; !exists {
			r.Peers[p] = PeerRequestStatus{Kind: PeerAvailable}
		}
	default:
		return fmt.Errorf("%w: found() from %s", ErrIllegalTransition, r.State)
	}
	r.Timestamp = ts
	return nil
}

// Cloning transitions Found -> Cloning, marking p as PeerInProgress.
func (r *Request) Cloning(p peer.ID, ts time.Time) error {
	if r.State != StateFound {
		return fmt.Errorf("%w: cloning() from %s", ErrIllegalTransition, r.State)
	}
	if _, ok := r.Peers[p]; !ok {
		return ErrUnknownPeer
	}
	r.State = StateCloning
	r.Peers[p] = PeerRequestStatus{Kind: PeerInProgress}
	r.Timestamp = ts
	return nil
}

// Cloned transitions Cloning -> Cloned. repo must equal the request's
// project id (path-stripped); a mismatch returns *errkit.UrnMismatch and
// leaves the request untouched.
func (r *Request) Cloned(repo urn.Urn, ts time.Time) error {
	if r.State != StateCloning {
		return fmt.Errorf("%w: cloned() from %s", ErrIllegalTransition, r.State)
	}
	if !repo.Project().Equal(r.Urn.Project()) {
		return &errkit.UrnMismatch{Expected: r.Urn.Project().String(), Actual: repo.Project().String()}
	}
	r.State = StateCloned
	r.Timestamp = ts
	return nil
}

// Failed transitions Cloning -> Found, marking p as PeerFailed(reason).
func (r *Request) Failed(p peer.ID, ts time.Time, reason string) error {
	if r.State != StateCloning {
		return fmt.Errorf("%w: failed() from %s", ErrIllegalTransition, r.State)
	}
	r.State = StateFound
	r.Peers[p] = PeerRequestStatus{Kind: PeerFailed, Reason: reason}
	r.FailureReason = reason
	r.Timestamp = ts
	return nil
}

// TimedOut transitions Requested/Found/Cloning -> TimedOut.
func (r *Request) TimedOut(ts time.Time) error {
	switch r.State {
	case StateRequested, StateFound, StateCloning:
		r.State = StateTimedOut
		r.Timestamp = ts
		return nil
	default:
		return fmt.Errorf("%w: timed_out() from %s", ErrIllegalTransition, r.State)
	}
}

// Cancel transitions any non-terminal state to Cancelled. Cancel on an
// already-Cancelled request is the identity operation; Cancel on any other
// terminal state is illegal.
func (r *Request) Cancel(ts time.Time) error {
	if r.State == StateCancelled {
		return nil
	}
	if r.State.Terminal() {
		return fmt.Errorf("%w: cancel() from %s", ErrIllegalTransition, r.State)
	}
	r.State = StateCancelled
	r.Timestamp = ts
	return nil
}

// ExceedsBounds reports whether the request's attempt counters exceed the
// configured maxima; time-out itself is evaluated externally.
func (r *Request) ExceedsBounds(maxQueries, maxClones uint32) bool {
	return r.Attempts.Queries > maxQueries || r.Attempts.Clones > maxClones
}

// RetryDelay computes the exponential backoff for the next query/clone
// attempt: 2^(queries+clones) milliseconds plus base, saturating on u32
// overflow.
func (r *Request) RetryDelay(base time.Duration) time.Duration {
	total := r.Attempts.Queries + r.Attempts.Clones
	if total > 31 { // 2^32 overflows a uint32 shift; saturate well before that
		return base + time.Duration(math.MaxInt32)*time.Millisecond
	}
	return base + (time.Duration(1)<<uint(total))*time.Millisecond
}

func saturatingInc(v uint32) uint32 {
	if v == math.MaxUint32 {
		return v
	}
	return v + 1
}
