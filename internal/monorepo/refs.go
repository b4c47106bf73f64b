// Package monorepo implements the local on-disk project store: one git
// repository per locally-known project, scanned for its ref set (the
// announcer's "has" source and the watcher both run the same computation)
// and browsable over a small read-only API backing the `GET /v1/source/*`
// routes.
package monorepo

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/ipfs/go-cid"

	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// RefBuilder enumerates every project under Root and its current branch
// refs, implementing core.RefSource so the announcement engine and the
// monorepo watcher run the identical computation. Root holds one
// subdirectory per project, named by the project's CID text form.
type RefBuilder struct {
	Root   string
	Logger *slog.Logger
}

// Build satisfies core.RefSource. A directory that isn't a valid project id
// or isn't (yet) a git repository contributes nothing and isn't an error:
// a project whose identity or configuration isn't initialized yet simply
// contributes no announcements.
func (b *RefBuilder) Build(ctx context.Context) (core.AnnouncementSet, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(b.Root)
	if os.IsNotExist(err) {
		return core.NewAnnouncementSet(), nil
	}
	if err != nil {
		return nil, err
	}

	out := core.NewAnnouncementSet()
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !e.IsDir() {
			continue
		}
		project, ok := projectFromDirName(e.Name())
		if !ok {
			continue
		}
		repo, err := git.PlainOpen(filepath.Join(b.Root, e.Name()))
		if err != nil {
			continue
		}
		anns, err := refAnnouncements(repo, project)
		if err != nil {
			logger.Warn("monorepo: list refs failed", "project", project.String(), "error", err)
			continue
		}
		for a := range anns {
			out[a] = struct{}{}
		}
	}
	return out, nil
}

func refAnnouncements(repo *git.Repository, project urn.Urn) (core.AnnouncementSet, error) {
	iter, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	out := core.NewAnnouncementSet()
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		oid, convErr := oidFromHash(ref.Hash())
		if convErr != nil {
			return nil
		}
		out[core.Announcement{
			Ref: project.WithPath(ref.Name().Short()),
			Oid: oid,
		}] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func oidFromHash(h plumbing.Hash) (urn.Oid, error) {
	return urn.ParseOid(h.String())
}

// projectFromDirName reconstructs the project Urn a RefBuilder/Browser
// directory name stands for.
func projectFromDirName(name string) (urn.Urn, bool) {
	c, err := cid.Decode(name)
	if err != nil {
		return urn.Urn{}, false
	}
	return urn.Urn{ID: c}, true
}

// dirNameForProject is the inverse of projectFromDirName.
func dirNameForProject(project urn.Urn) string {
	return project.ID.String()
}
