package monorepo

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// TreeEntry is one child of a directory listing returned by Browser.Tree.
type TreeEntry struct {
	Name  string
	IsDir bool
	Oid   urn.Oid
}

// CommitInfo is the subset of a commit's metadata the source routes render.
type CommitInfo struct {
	Oid     urn.Oid
	Author  string
	Message string
	When    time.Time
	Parents []urn.Oid
}

// ErrRefNotFound is returned by Browser methods when the requested branch
// doesn't exist in the project's repository.
type ErrRefNotFound struct {
	Project urn.Urn
	Ref     string
}

func (e *ErrRefNotFound) Error() string {
	return fmt.Sprintf("monorepo: ref %q not found for project %s", e.Ref, e.Project.String())
}

// ErrPathNotFound is returned when a blob/tree path doesn't exist at ref.
type ErrPathNotFound struct {
	Project urn.Urn
	Ref     string
	Path    string
}

func (e *ErrPathNotFound) Error() string {
	return fmt.Sprintf("monorepo: path %q not found at %s@%s", e.Path, e.Project.String(), e.Ref)
}

// Browser serves the read-only blob/tree/commit/branch inspection that
// backs the HTTP layer's `GET /v1/source/*` routes (out of the core
// protocol's scope but contracted alongside it). Grounded on go-git's plumbing
// API the same way the `inful-docbuilder` clone stage uses go-git for
// repository access, adapted here for read access instead of cloning.
type Browser struct {
	Root string
}

func (b *Browser) open(project urn.Urn) (*git.Repository, error) {
	return git.PlainOpen(filepath.Join(b.Root, dirNameForProject(project)))
}

// Branches lists every local branch name for project.
func (b *Browser) Branches(project urn.Urn) ([]string, error) {
	repo, err := b.open(project)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (b *Browser) resolveCommit(repo *git.Repository, project urn.Urn, ref string) (*object.Commit, error) {
	branchRef := plumbing.NewBranchReferenceName(ref)
	hash, err := repo.ResolveRevision(plumbing.Revision(branchRef))
	if err != nil {
		hash, err = repo.ResolveRevision(plumbing.Revision(ref))
		if err != nil {
			return nil, &ErrRefNotFound{Project: project, Ref: ref}
		}
	}
	return repo.CommitObject(*hash)
}

// Commit resolves ref (a branch name or revision) and returns its metadata.
func (b *Browser) Commit(project urn.Urn, ref string) (*CommitInfo, error) {
	repo, err := b.open(project)
	if err != nil {
		return nil, err
	}
	commit, err := b.resolveCommit(repo, project, ref)
	if err != nil {
		return nil, err
	}
	oid, err := urn.ParseOid(commit.Hash.String())
	if err != nil {
		return nil, err
	}
	var parents []urn.Oid
	for _, p := range commit.ParentHashes {
		poid, err := urn.ParseOid(p.String())
		if err != nil {
			continue
		}
		parents = append(parents, poid)
	}
	return &CommitInfo{
		Oid:     oid,
		Author:  commit.Author.Name,
		Message: commit.Message,
		When:    commit.Author.When,
		Parents: parents,
	}, nil
}

// Tree lists the children of path at ref. path == "" means the repository
// root.
func (b *Browser) Tree(project urn.Urn, ref, path string) ([]TreeEntry, error) {
	repo, err := b.open(project)
	if err != nil {
		return nil, err
	}
	commit, err := b.resolveCommit(repo, project, ref)
	if err != nil {
		return nil, err
	}
	root, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	tree := root
	if path != "" {
		tree, err = root.Tree(path)
		if err != nil {
			return nil, &ErrPathNotFound{Project: project, Ref: ref, Path: path}
		}
	}
	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		oid, err := urn.ParseOid(e.Hash.String())
		if err != nil {
			continue
		}
		entries = append(entries, TreeEntry{
			Name:  e.Name,
			IsDir: e.Mode.IsFile() == false,
			Oid:   oid,
		})
	}
	return entries, nil
}

// Commits walks the ancestry of ref, newest first, capped at 256 entries to
// bound a single request's work against a project with a long history.
func (b *Browser) Commits(project urn.Urn, ref string) ([]CommitInfo, error) {
	const limit = 256

	repo, err := b.open(project)
	if err != nil {
		return nil, err
	}
	head, err := b.resolveCommit(repo, project, ref)
	if err != nil {
		return nil, err
	}
	iter := object.NewCommitPreorderIter(head, nil, nil)
	defer iter.Close()

	var out []CommitInfo
	err = iter.ForEach(func(commit *object.Commit) error {
		if len(out) >= limit {
			return storer.ErrStop
		}
		oid, err := urn.ParseOid(commit.Hash.String())
		if err != nil {
			return nil
		}
		var parents []urn.Oid
		for _, p := range commit.ParentHashes {
			poid, err := urn.ParseOid(p.String())
			if err != nil {
				continue
			}
			parents = append(parents, poid)
		}
		out = append(out, CommitInfo{
			Oid:     oid,
			Author:  commit.Author.Name,
			Message: commit.Message,
			When:    commit.Author.When,
			Parents: parents,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Blob returns the raw contents of the file at path under ref.
func (b *Browser) Blob(project urn.Urn, ref, path string) ([]byte, error) {
	repo, err := b.open(project)
	if err != nil {
		return nil, err
	}
	commit, err := b.resolveCommit(repo, project, ref)
	if err != nil {
		return nil, err
	}
	file, err := commit.File(path)
	if err != nil {
		return nil, &ErrPathNotFound{Project: project, Ref: ref, Path: path}
	}
	r, err := file.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
