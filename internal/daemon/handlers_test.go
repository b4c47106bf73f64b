package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/identity"
	"github.com/oakmoss/driftpeer/internal/monorepo"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// seedRepo mirrors monorepo's own test helper: a bare-bones git repo with a
// single commit on "main", built with go-git directly so these tests never
// shell out to a system git binary.
func seedRepo(t *testing.T, root string, project urn.Urn, file, contents string) {
	t.Helper()
	dir := filepath.Join(root, project.ID.String())
	require.NoError(t, os.MkdirAll(dir, 0o755))

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(contents), 0o644))
	_, err = wt.Add(file)
	require.NoError(t, err)

	sig := &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(0, 0)}
	_, err = wt.Commit("initial", &git.CommitOptions{Author: sig})
	require.NoError(t, err)
}

func testProject(t *testing.T) urn.Urn {
	t.Helper()
	u, err := urn.New([]byte("daemon-handler-test-" + t.Name()))
	require.NoError(t, err)
	return u
}

// testHarness wires a Server over a freshly Started core.Peer, a
// monorepo.Browser rooted at a temp dir, and in-memory identity/tracker
// state, for exercising registerRoutes end to end via httptest.
type testHarness struct {
	mux     http.Handler
	root    string
	p       *core.Peer
	control core.ControlHandle
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	root := t.TempDir()

	p := core.NewPeer(core.PeerConfig{})
	_, done := p.Start(context.Background())
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("peer did not shut down")
		}
	})

	reg, err := identity.NewRegistry(nil)
	require.NoError(t, err)

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	require.NoError(t, err)
	selfID, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)

	srv := NewServer(Config{
		Peer:       p,
		Browser:    &monorepo.Browser{Root: root},
		Identity:   reg,
		Tracker:    NewProjectTracker(root, nil),
		SelfPeerID: selfID,
	})

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	return &testHarness{mux: mux, root: root, p: p, control: p.Handle()}
}

func newBody(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func TestHandleGetProject_NotFound(t *testing.T) {
	h := newHarness(t)
	project := testProject(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/projects/"+project.String(), nil)
	h.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "PROJECT_NOT_FOUND", env.Variant)
}

func TestHandleGetProject_Found(t *testing.T) {
	h := newHarness(t)
	project := testProject(t)
	seedRepo(t, h.root, project, "README.md", "hello")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/projects/"+project.String(), nil)
	h.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "main", got.Metadata.DefaultBranch)
}

func TestHandleProjectsContributed(t *testing.T) {
	h := newHarness(t)
	project := testProject(t)
	seedRepo(t, h.root, project, "README.md", "hello")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/projects/contributed", nil)
	h.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.True(t, got[0].Urn.Equal(project))
}

func TestHandleStartAndCancelRequest(t *testing.T) {
	h := newHarness(t)
	project := testProject(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/v1/projects/requests/"+project.String(), nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got core.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, core.StateRequested, got.State)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("DELETE", "/v1/projects/requests/"+project.String(), nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/projects/requests", nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []*core.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, core.StateCancelled, list[0].State)
}

func TestHandleTrackAndUntrackPeer(t *testing.T) {
	h := newHarness(t)
	project := testProject(t)

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	require.NoError(t, err)
	peerID, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/v1/projects/"+project.String()+"/track/"+peerID.String(), nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/projects/"+project.String()+"/peers", nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var peers []PeerSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	require.Len(t, peers, 1)
	require.Equal(t, peerID.String(), peers[0].ID)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("PUT", "/v1/projects/"+project.String()+"/untrack/"+peerID.String(), nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/projects/"+project.String()+"/peers", nil)
	h.mux.ServeHTTP(rec, req)
	var empty []PeerSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	require.Empty(t, empty)
}

func TestHandleSourceBranchesCommitTreeBlob(t *testing.T) {
	h := newHarness(t)
	project := testProject(t)
	seedRepo(t, h.root, project, "README.md", "hello world")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/source/branches/"+project.String(), nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var branches []Branch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &branches))
	require.Len(t, branches, 1)
	require.Equal(t, "main", branches[0].Name)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/source/commit/"+project.String()+"/"+branches[0].Head.String(), nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var commit Commit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &commit))
	require.Equal(t, "initial", commit.Message)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/source/tree/"+project.String(), nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var tree Tree
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	require.Len(t, tree.Entries, 1)
	require.Equal(t, "README.md", tree.Entries[0].Name)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/source/blob/"+project.String()+"?path=README.md", nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var blob Blob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blob))
	require.Equal(t, "hello world", string(blob.Content))
}

func TestHandleSourceCommits(t *testing.T) {
	h := newHarness(t)
	project := testProject(t)
	seedRepo(t, h.root, project, "a.txt", "v1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/source/commits/"+project.String(), nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var commits []Commit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &commits))
	require.Len(t, commits, 1)
}

func TestHandleIdentityCreateReplaceAndResolve(t *testing.T) {
	h := newHarness(t)

	body, err := json.Marshal(IdentityRequest{Handle: "alice"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/identities", newBody(body))
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created Identity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "alice", created.Handle)

	// A second POST is rejected: identity already exists.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/identities", newBody(body))
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	// PUT replaces it.
	replaceBody, err := json.Marshal(IdentityRequest{Handle: "alice2"})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("PUT", "/v1/identities", newBody(replaceBody))
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var replaced Identity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replaced))
	require.Equal(t, "alice2", replaced.Handle)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/identities/remote/"+replaced.Urn.String(), nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var person Person
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &person))
	require.Equal(t, "alice2", person.Handle)
}

func TestHandleGetRemoteIdentity_Unknown(t *testing.T) {
	h := newHarness(t)
	project := testProject(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/identities/remote/"+project.String(), nil)
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
