package core

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/oakmoss/driftpeer/internal/urn"
)

type fakeProtocolSource struct {
	ch chan ProtocolEvent
}

func newFakeProtocolSource() *fakeProtocolSource {
	return &fakeProtocolSource{ch: make(chan ProtocolEvent, 16)}
}

func (f *fakeProtocolSource) Events() <-chan ProtocolEvent { return f.ch }

type fakeProviders struct {
	peers []peer.ID
}

func (f *fakeProviders) FindProviders(ctx context.Context, u urn.Urn, limit int) ([]peer.ID, error) {
	return f.peers, nil
}

type fakeCloner struct {
	result urn.Urn
	err    error
	calls  chan struct{}
}

func (f *fakeCloner) Clone(ctx context.Context, u urn.Urn, p peer.ID) (urn.Urn, error) {
	if f.calls != nil {
		f.calls <- struct{}{}
	}
	if f.err != nil {
		return urn.Urn{}, f.err
	}
	return f.result, nil
}

func newTestSubroutines(t *testing.T, network ProtocolSource, providers ProviderFinder, cloner Cloner) (*Subroutines, *WaitingRoom, *RunState, *ControlPlane, *Broadcaster) {
	t.Helper()
	events := NewBroadcaster(32)
	wr := NewWaitingRoom(DefaultWaitingRoomConfig, nil, events, nil)
	rs := NewRunState(DefaultRunStateConfig, nil)
	cp := NewControlPlane(8)

	subs := &Subroutines{
		cfg: SubroutinesConfig{
			AnnounceInterval:        time.Hour, // disabled for these tests
			WaitingRoomTickInterval: 5 * time.Millisecond,
		},
		Network:     network,
		Providers:   providers,
		Cloner:      cloner,
		WaitingRoom: wr,
		RunState:    rs,
		Control:     cp,
		Events:      events,
	}
	return subs, wr, rs, cp, events
}

func TestSubroutinesQueryFoundAndClone(t *testing.T) {
	net := newFakeProtocolSource()
	u := testUrn(t)
	p := testPeer(t)

	cloned := u // same project id, no path, satisfies the urn-match check
	calls := make(chan struct{}, 4)
	cloner := &fakeCloner{result: cloned, calls: calls}
	providers := &fakeProviders{peers: []peer.ID{p}}

	subs, wr, _, _, events := newTestSubroutines(t, net, providers, cloner)

	sub, unsubscribe := events.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- subs.Run(ctx) }()

	_, _ = wr.Create(u, time.Now())
	_, _ = wr.Request(u, time.Now())

	select {
	case <-calls:
	case <-time.After(3 * time.Second):
		t.Fatal("clone was never dispatched")
	}

	require.Eventually(t, func() bool {
		r, ok := wr.Get(u)
		return ok && r.State == StateCloned
	}, 3*time.Second, 10*time.Millisecond)

	var sawCloned bool
drain:
	for {
		select {
		case evt := <-sub:
			if _, ok := evt.(RequestCloned); ok {
				sawCloned = true
			}
		default:
			break drain
		}
	}
	require.True(t, sawCloned)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not shut down")
	}
}

func TestSubroutinesControlPlaneStartSearch(t *testing.T) {
	net := newFakeProtocolSource()
	subs, _, _, cp, _ := newTestSubroutines(t, net, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- subs.Run(ctx) }()

	h := cp.Handle()
	u := testUrn(t)
	req, err := h.StartSearch(context.Background(), u, time.Now())
	require.NoError(t, err)
	require.Equal(t, u, req.Urn)
	require.Equal(t, StateRequested, req.State)

	// idempotent: a second StartSearch returns the same (now-Requested) entry
	req2, err := h.StartSearch(context.Background(), u, time.Now())
	require.NoError(t, err)
	require.Equal(t, StateRequested, req2.State)

	cancel()
	<-done
}

func TestSubroutinesShutdownAwaitsCloneJobWithinGrace(t *testing.T) {
	net := newFakeProtocolSource()
	release := make(chan struct{})
	cloner := &fakeCloner{}
	u := testUrn(t)
	cloner.result = u

	slow := slowCloner{inner: cloner, release: release}
	subs, wr, _, _, _ := newTestSubroutines(t, net, &fakeProviders{peers: []peer.ID{testPeer(t)}}, slow)
	subs.cfg.ShutdownGrace = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- subs.Run(ctx) }()

	_, _ = wr.Create(u, time.Now())
	_, _ = wr.Request(u, time.Now())

	require.Eventually(t, func() bool {
		r, ok := wr.Get(u)
		return ok && r.State == StateCloning
	}, 3*time.Second, 5*time.Millisecond)

	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}

type slowCloner struct {
	inner   Cloner
	release chan struct{}
}

func (s slowCloner) Clone(ctx context.Context, u urn.Urn, p peer.ID) (urn.Urn, error) {
	<-s.release
	return s.inner.Clone(ctx, u, p)
}
