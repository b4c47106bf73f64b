package monorepo

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// CloneProtocolID is the libp2p stream protocol a Cloner speaks: the
// requester sends a project urn, the responder answers with that
// project's ref set followed by every object those refs reach.
const CloneProtocolID protocol.ID = "/driftpeer/clone/1.0.0"

// maxObjectSize bounds a single transferred object, guarding against a
// misbehaving peer claiming an implausible length prefix.
const maxObjectSize = 512 << 20

// StreamDialer is the subset of a libp2p host a Cloner needs to open an
// outbound stream, kept narrow the same way core.NetworkHandle narrows
// *overlay.Network for the core package.
type StreamDialer interface {
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)
}

// Cloner replicates a project from a remote peer by asking it to walk its
// own ref set and stream back every object those refs reach, then
// rebuilding the ref set locally. Satisfies core.Cloner.
type Cloner struct {
	Root   string
	Dialer StreamDialer
	Logger *slog.Logger
}

// Clone dials p, requests u's refs and objects, and materializes them as
// a fresh repository under Root/dirNameForProject(u.Project()).
func (c *Cloner) Clone(ctx context.Context, u urn.Urn, p peer.ID) (urn.Urn, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s, err := c.Dialer.NewStream(ctx, p, CloneProtocolID)
	if err != nil {
		return urn.Urn{}, fmt.Errorf("monorepo: dial clone stream: %w", err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	project := u.Project()
	if _, err := fmt.Fprintf(s, "%s\n", project.String()); err != nil {
		return urn.Urn{}, fmt.Errorf("monorepo: send clone request: %w", err)
	}

	r := bufio.NewReader(s)

	refs, err := readRefLines(r)
	if err != nil {
		return urn.Urn{}, fmt.Errorf("monorepo: read ref list: %w", err)
	}
	if len(refs) == 0 {
		return urn.Urn{}, fmt.Errorf("monorepo: peer %s has no refs for %s", p, project.String())
	}

	dir := filepath.Join(c.Root, dirNameForProject(project))
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		repo, err = git.PlainOpen(dir)
	}
	if err != nil {
		return urn.Urn{}, fmt.Errorf("monorepo: open destination repo: %w", err)
	}

	n, err := receiveObjects(r, repo)
	if err != nil {
		return urn.Urn{}, fmt.Errorf("monorepo: receive objects: %w", err)
	}
	logger.Debug("monorepo: clone received objects", "project", project.String(), "peer", p.String(), "count", n)

	for name, hash := range refs {
		refName := plumbing.NewBranchReferenceName(name)
		if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
			return urn.Urn{}, fmt.Errorf("monorepo: set ref %s: %w", name, err)
		}
	}

	return project, nil
}

func readRefLines(r *bufio.Reader) (map[string]plumbing.Hash, error) {
	refs := make(map[string]plumbing.Hash)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\n" {
			return refs, nil
		}
		var name, hex string
		if _, err := fmt.Sscanf(line, "%s %s", &name, &hex); err != nil {
			return nil, fmt.Errorf("malformed ref line %q: %w", line, err)
		}
		refs[name] = plumbing.NewHash(hex)
	}
}

func receiveObjects(r *bufio.Reader, repo *git.Repository) (int, error) {
	count := 0
	for {
		kind, err := r.ReadByte()
		if err != nil {
			return count, err
		}
		if kind == 0 {
			return count, nil
		}

		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return count, err
		}
		if length > maxObjectSize {
			return count, fmt.Errorf("object too large: %d bytes", length)
		}

		obj := repo.Storer.NewEncodedObject()
		obj.SetType(plumbing.ObjectType(kind))
		obj.SetSize(int64(length))

		w, err := obj.Writer()
		if err != nil {
			return count, err
		}
		if _, err := io.CopyN(w, r, int64(length)); err != nil {
			w.Close()
			return count, err
		}
		if err := w.Close(); err != nil {
			return count, err
		}
		if _, err := repo.Storer.SetEncodedObject(obj); err != nil {
			return count, err
		}
		count++
	}
}

// CloneServer answers CloneProtocolID requests for every project under
// Root, the server-side half of Cloner.
type CloneServer struct {
	Root   string
	Logger *slog.Logger
}

// Register installs the clone stream handler on h.
func (cs *CloneServer) Register(h host.Host) {
	h.SetStreamHandler(CloneProtocolID, cs.handle)
}

func (cs *CloneServer) handle(s network.Stream) {
	defer s.Close()
	logger := cs.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := bufio.NewReader(s)
	line, err := r.ReadString('\n')
	if err != nil {
		logger.Warn("monorepo: clone server read request failed", "error", err)
		return
	}
	project, err := urn.Parse(trimNewline(line))
	if err != nil {
		logger.Warn("monorepo: clone server bad request", "error", err)
		return
	}

	repo, err := git.PlainOpen(filepath.Join(cs.Root, dirNameForProject(project)))
	if err != nil {
		s.Write([]byte("\n")) // empty ref list signals "nothing here"
		return
	}

	iter, err := repo.Branches()
	if err != nil {
		s.Write([]byte("\n"))
		return
	}
	var tips []plumbing.Hash
	refLines := make([]string, 0, 8)
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		tips = append(tips, ref.Hash())
		refLines = append(refLines, fmt.Sprintf("%s %s\n", ref.Name().Short(), ref.Hash().String()))
		return nil
	})
	for _, line := range refLines {
		if _, err := io.WriteString(s, line); err != nil {
			return
		}
	}
	if _, err := io.WriteString(s, "\n"); err != nil {
		return
	}

	seen := make(map[plumbing.Hash]struct{})
	for _, tip := range tips {
		if err := sendReachable(s, repo, tip, seen); err != nil {
			logger.Warn("monorepo: clone server send failed", "project", project.String(), "error", err)
			return
		}
	}
	s.Write([]byte{0})
}

// sendReachable walks every commit reachable from tip, and for each commit
// its tree and blobs, sending each object exactly once.
func sendReachable(w io.Writer, repo *git.Repository, tip plumbing.Hash, seen map[plumbing.Hash]struct{}) error {
	commit, err := repo.CommitObject(tip)
	if err != nil {
		return err
	}
	citer := object.NewCommitPreorderIter(commit, nil, nil)
	defer citer.Close()
	return citer.ForEach(func(c *object.Commit) error {
		if err := sendObject(w, repo, c.Hash, seen); err != nil {
			return err
		}
		tree, err := c.Tree()
		if err != nil {
			return err
		}
		return sendTree(w, repo, tree, seen)
	})
}

func sendTree(w io.Writer, repo *git.Repository, tree *object.Tree, seen map[plumbing.Hash]struct{}) error {
	if err := sendObject(w, repo, tree.Hash, seen); err != nil {
		return err
	}
	for _, entry := range tree.Entries {
		if _, ok := seen[entry.Hash]; ok {
			continue
		}
		if entry.Mode.IsFile() {
			if err := sendObject(w, repo, entry.Hash, seen); err != nil {
				return err
			}
			continue
		}
		subtree, err := repo.TreeObject(entry.Hash)
		if err != nil {
			continue
		}
		if err := sendTree(w, repo, subtree, seen); err != nil {
			return err
		}
	}
	return nil
}

func sendObject(w io.Writer, repo *git.Repository, hash plumbing.Hash, seen map[plumbing.Hash]struct{}) error {
	if _, ok := seen[hash]; ok {
		return nil
	}
	seen[hash] = struct{}{}

	obj, err := repo.Storer.EncodedObject(plumbing.AnyObject, hash)
	if err != nil {
		return err
	}
	rc, err := obj.Reader()
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := w.Write([]byte{byte(obj.Type())}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(obj.Size())); err != nil {
		return err
	}
	_, err = io.Copy(w, rc)
	return err
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}
