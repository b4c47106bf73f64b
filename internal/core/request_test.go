package core

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/oakmoss/driftpeer/internal/errkit"
	"github.com/oakmoss/driftpeer/internal/urn"
)

func testUrn(t *testing.T) urn.Urn {
	t.Helper()
	u, err := urn.New([]byte("project-" + t.Name()))
	require.NoError(t, err)
	return u
}

func testPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	require.NoError(t, err)
	p, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return p
}

func TestRequestHappyPath(t *testing.T) {
	u := testUrn(t)
	p := testPeer(t)
	r := NewRequest(u, time.Unix(0, 0))
	require.Equal(t, StateCreated, r.State)

	require.NoError(t, r.Request(time.Unix(1, 0)))
	require.Equal(t, StateRequested, r.State)

	require.NoError(t, r.Found(p, time.Unix(2, 0)))
	require.Equal(t, StateFound, r.State)
	require.Equal(t, PeerAvailable, r.Peers[p].Kind)

	require.NoError(t, r.Cloning(p, time.Unix(3, 0)))
	require.Equal(t, StateCloning, r.State)
	require.Equal(t, PeerInProgress, r.Peers[p].Kind)

	require.NoError(t, r.Cloned(u, time.Unix(4, 0)))
	require.Equal(t, StateCloned, r.State)
}

func TestRequestClonedUrnMismatch(t *testing.T) {
	u := testUrn(t)
	other, err := urn.New([]byte("a different project"))
	require.NoError(t, err)
	p := testPeer(t)

	r := NewRequest(u, time.Unix(0, 0))
	require.NoError(t, r.Request(time.Unix(1, 0)))
	require.NoError(t, r.Found(p, time.Unix(2, 0)))
	require.NoError(t, r.Cloning(p, time.Unix(3, 0)))

	err = r.Cloned(other, time.Unix(4, 0))
	require.Error(t, err)
	var mismatch *errkit.UrnMismatch
	require.ErrorAs(t, err, &mismatch)
	// request is left unchanged on mismatch
	require.Equal(t, StateCloning, r.State)
}

func TestRequestCloneFailReturnsToFound(t *testing.T) {
	u := testUrn(t)
	p := testPeer(t)
	r := NewRequest(u, time.Unix(0, 0))
	require.NoError(t, r.Request(time.Unix(1, 0)))
	require.NoError(t, r.Found(p, time.Unix(2, 0)))
	require.NoError(t, r.Cloning(p, time.Unix(3, 0)))

	require.NoError(t, r.Failed(p, time.Unix(4, 0), "io"))
	require.Equal(t, StateFound, r.State)
	require.Equal(t, PeerFailed, r.Peers[p].Kind)
	require.Equal(t, "io", r.Peers[p].Reason)
}

func TestCancelAbsorbs(t *testing.T) {
	u := testUrn(t)
	r := NewRequest(u, time.Unix(0, 0))
	require.NoError(t, r.Cancel(time.Unix(1, 0)))
	require.Equal(t, StateCancelled, r.State)

	// cancel on Cancelled is identity
	require.NoError(t, r.Cancel(time.Unix(2, 0)))
	require.Equal(t, StateCancelled, r.State)
}

func TestTerminalStickiness(t *testing.T) {
	u := testUrn(t)
	p := testPeer(t)
	r := NewRequest(u, time.Unix(0, 0))
	require.NoError(t, r.Request(time.Unix(1, 0)))
	require.NoError(t, r.Found(p, time.Unix(2, 0)))
	require.NoError(t, r.Cloning(p, time.Unix(3, 0)))
	require.NoError(t, r.Cloned(u, time.Unix(4, 0)))

	require.Error(t, r.Request(time.Unix(5, 0)))
	require.Error(t, r.Cancel(time.Unix(5, 0)))
	require.Error(t, r.TimedOut(time.Unix(5, 0)))
}

func TestAttemptsMonotonic(t *testing.T) {
	u := testUrn(t)
	r := NewRequest(u, time.Unix(0, 0))
	require.NoError(t, r.Request(time.Unix(1, 0)))

	var last uint32
	for i := 0; i < 5; i++ {
		require.NoError(t, r.QueryAttempt(time.Unix(int64(i+2), 0)))
		require.GreaterOrEqual(t, r.Attempts.Queries, last)
		last = r.Attempts.Queries
	}
}

func TestRetryDelaySaturates(t *testing.T) {
	u := testUrn(t)
	r := NewRequest(u, time.Unix(0, 0))
	r.Attempts.Queries = 40
	d := r.RetryDelay(time.Second)
	require.Greater(t, d, time.Duration(0))
}

func TestExceedsBounds(t *testing.T) {
	u := testUrn(t)
	r := NewRequest(u, time.Unix(0, 0))
	r.Attempts.Queries = 4
	require.True(t, r.ExceedsBounds(3, 3))
	require.False(t, r.ExceedsBounds(5, 5))
}
