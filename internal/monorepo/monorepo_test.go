package monorepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// seedRepo creates a bare-bones git repository under root/<project dir name>
// with a single commit on "main", using go-git directly so these tests never
// shell out to a system git binary.
func seedRepo(t *testing.T, root string, project urn.Urn, file, contents string) *git.Repository {
	t.Helper()
	dir := filepath.Join(root, dirNameForProject(project))
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

	return repo
}

func testProject(t *testing.T) urn.Urn {
	t.Helper()
	u, err := urn.New([]byte("monorepo-project-" + t.Name()))
	require.NoError(t, err)
	return u
}

func TestRefBuilderBuildListsBranchAnnouncements(t *testing.T) {
	root := t.TempDir()
	project := testProject(t)
	seedRepo(t, root, project, "README.md", "hello")

	b := &RefBuilder{Root: root}
	set, err := b.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, set, 1)

	for a := range set {
		require.True(t, a.Ref.Project().Equal(project))
	}
}

func TestRefBuilderBuildSkipsNonRepoDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-cid"), 0o755))

	b := &RefBuilder{Root: root}
	set, err := b.Build(context.Background())
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestRefBuilderBuildMissingRootIsNotAnError(t *testing.T) {
	b := &RefBuilder{Root: filepath.Join(t.TempDir(), "does-not-exist")}
	set, err := b.Build(context.Background())
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestBrowserBranchesAndCommitAndBlob(t *testing.T) {
	root := t.TempDir()
	project := testProject(t)
	seedRepo(t, root, project, "README.md", "hello world")

	b := &Browser{Root: root}

	branches, err := b.Branches(project)
	require.NoError(t, err)
	require.NotEmpty(t, branches)
	ref := branches[0]

	commit, err := b.Commit(project, ref)
	require.NoError(t, err)
	require.Equal(t, "initial", commit.Message)
	require.Equal(t, "tester", commit.Author)
	require.Empty(t, commit.Parents)

	entries, err := b.Tree(project, ref, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "README.md", entries[0].Name)
	require.False(t, entries[0].IsDir)

	blob, err := b.Blob(project, ref, "README.md")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(blob))
}

func TestBrowserUnknownRefReturnsErrRefNotFound(t *testing.T) {
	root := t.TempDir()
	project := testProject(t)
	seedRepo(t, root, project, "a.txt", "x")

	b := &Browser{Root: root}
	_, err := b.Commit(project, "does-not-exist")
	require.Error(t, err)
	var notFound *ErrRefNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestWatcherPublishesProjectUpdatedOnChange(t *testing.T) {
	root := t.TempDir()
	project := testProject(t)
	seedRepo(t, root, project, "README.md", "v1")

	source := &RefBuilder{Root: root}
	events := core.NewBroadcaster(8)
	sub, unsubscribe := events.Subscribe()
	defer unsubscribe()

	w := &Watcher{Source: source, Events: events, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case evt := <-sub:
		updated, ok := evt.(core.ProjectUpdated)
		require.True(t, ok)
		require.True(t, updated.Urn.Equal(project))
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never published a ProjectUpdated event")
	}

	cancel()
	<-done
}

func TestWatcherTickIsIdempotentWithoutChange(t *testing.T) {
	events := core.NewBroadcaster(8)
	project := testProject(t)
	set := core.NewAnnouncementSet()
	set[core.Announcement{Ref: project.WithPath("main")}] = struct{}{}

	w := &Watcher{Events: events, prev: set}
	sub, unsubscribe := events.Subscribe()
	defer unsubscribe()

	w.tick(set)

	select {
	case <-sub:
		t.Fatal("no event should be published when the ref set is unchanged")
	case <-time.After(50 * time.Millisecond):
	}
}
