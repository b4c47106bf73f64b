package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Publish(e Event) { s.events = append(s.events, e) }

func TestWaitingRoomIdempotentCreate(t *testing.T) {
	u := testUrn(t)
	wr := NewWaitingRoom(DefaultWaitingRoomConfig, nil, nil, nil)

	created, existing := wr.Create(u, time.Unix(0, 0))
	require.True(t, created)
	require.Nil(t, existing)

	created2, existing2 := wr.Create(u, time.Unix(99, 0))
	require.False(t, created2)
	require.NotNil(t, existing2)
	require.Equal(t, StateCreated, existing2.State)
	require.Equal(t, 1, wr.Len())
}

// TestAskAndClone exercises the find-then-clone path end to end.
func TestAskAndClone(t *testing.T) {
	u := testUrn(t)
	p := testPeer(t)
	sink := &recordingSink{}
	wr := NewWaitingRoom(DefaultWaitingRoomConfig, nil, sink, nil)

	created, existing := wr.Create(u, time.Unix(0, 0))
	require.True(t, created)
	require.Nil(t, existing)

	res, ok := wr.Request(u, time.Unix(1, 0))
	require.True(t, ok)
	require.NotNil(t, res.Moved)
	require.Equal(t, StateRequested, res.Moved.State)

	found, ok := wr.Found(u, p, time.Unix(2, 0))
	require.True(t, ok)
	require.Equal(t, StateFound, found.State)

	cloning, err := wr.Cloning(u, p, time.Unix(3, 0))
	require.NoError(t, err)
	require.Equal(t, StateCloning, cloning.State)

	cloned, err := wr.Cloned(u, u, time.Unix(4, 0))
	require.NoError(t, err)
	require.Equal(t, StateCloned, cloned.State)

	// events were emitted in program order
	require.NotEmpty(t, sink.events)
	var kinds []TransitionKind
	for _, e := range sink.events {
		if tr, ok := e.(WaitingRoomTransitionEvent); ok {
			kinds = append(kinds, tr.Transition.Kind)
		}
	}
	require.Equal(t, []TransitionKind{
		TransitionCreated, TransitionCreated, TransitionFound, TransitionCloning, TransitionCloned,
	}, kinds)
}

// TestCloneFailRetry exercises a failed clone falling back to retry.
func TestCloneFailRetry(t *testing.T) {
	u := testUrn(t)
	p := testPeer(t)
	cfg := WaitingRoomConfig{Delta: time.Second, MaxQueries: 10, MaxClones: 3}
	wr := NewWaitingRoom(cfg, nil, nil, nil)

	wr.Create(u, time.Unix(0, 0))
	wr.Request(u, time.Unix(0, 0))
	wr.Found(u, p, time.Unix(0, 0))
	_, err := wr.Cloning(u, p, time.Unix(10, 0))
	require.NoError(t, err)

	_, err = wr.CloningFailed(u, p, time.Unix(11, 0), "io")
	require.NoError(t, err)

	req, ok := wr.Get(u)
	require.True(t, ok)
	require.Equal(t, StateFound, req.State)
	require.Equal(t, PeerFailed, req.Peers[p].Kind)

	// no Available peer remains: next_clone returns nothing
	_, _, ok = wr.NextClone()
	require.False(t, ok)

	// next_query fires once delta has elapsed since the last transition
	_, ok = wr.NextQuery(time.Unix(12, 0))
	require.True(t, ok)
}

// TestTimeoutOnQueries exercises a request timing out after repeated queries.
func TestTimeoutOnQueries(t *testing.T) {
	u := testUrn(t)
	cfg := WaitingRoomConfig{Delta: 0, MaxQueries: 3, MaxClones: 3}
	sink := &recordingSink{}
	wr := NewWaitingRoom(cfg, nil, sink, nil)

	wr.Create(u, time.Unix(0, 0))
	wr.Request(u, time.Unix(0, 0))

	for i := 0; i < 3; i++ {
		req, ok := wr.Queried(u, time.Unix(int64(i+1), 0))
		require.True(t, ok)
		require.NotEqual(t, StateTimedOut, req.State)
	}

	req, ok := wr.Queried(u, time.Unix(10, 0))
	require.True(t, ok)
	require.Equal(t, StateTimedOut, req.State)
	require.Equal(t, uint32(4), req.Attempts.Queries)
}

func TestNextQueryRespectsDelta(t *testing.T) {
	u := testUrn(t)
	cfg := WaitingRoomConfig{Delta: 5 * time.Second, MaxQueries: 10, MaxClones: 3}
	wr := NewWaitingRoom(cfg, nil, nil, nil)
	wr.Create(u, time.Unix(0, 0))
	wr.Request(u, time.Unix(0, 0))

	_, ok := wr.NextQuery(time.Unix(2, 0))
	require.False(t, ok, "delta has not elapsed yet")

	_, ok = wr.NextQuery(time.Unix(6, 0))
	require.True(t, ok)
}

func TestNextCloneReturnsFoundRequestWithAvailablePeer(t *testing.T) {
	uA := testUrn(t)
	pA1 := testPeer(t)
	wr := NewWaitingRoom(DefaultWaitingRoomConfig, nil, nil, nil)

	wr.Create(uA, time.Unix(0, 0))
	wr.Request(uA, time.Unix(0, 0))
	wr.Found(uA, pA1, time.Unix(0, 0))

	urn, _, ok := wr.NextClone()
	require.True(t, ok)
	require.True(t, urn.Equal(uA))
}

func TestRemoveEvicts(t *testing.T) {
	u := testUrn(t)
	wr := NewWaitingRoom(DefaultWaitingRoomConfig, nil, nil, nil)
	wr.Create(u, time.Unix(0, 0))
	_, ok := wr.Remove(u)
	require.True(t, ok)
	require.Equal(t, 0, wr.Len())
}

func TestWaitingRoomPersistRoundTrip(t *testing.T) {
	u := testUrn(t)
	p := testPeer(t)
	wr := NewWaitingRoom(DefaultWaitingRoomConfig, nil, nil, nil)
	wr.Create(u, time.Unix(0, 0))
	wr.Request(u, time.Unix(1, 0))
	wr.Found(u, p, time.Unix(2, 0))

	blob, err := MarshalWaitingRoom(wr.entries)
	require.NoError(t, err)

	restored := NewWaitingRoom(DefaultWaitingRoomConfig, nil, nil, nil)
	require.NoError(t, restored.LoadFrom(blob))

	req, ok := restored.Get(u)
	require.True(t, ok)
	require.Equal(t, StateFound, req.State)
	require.Equal(t, PeerAvailable, req.Peers[p].Kind)
}
