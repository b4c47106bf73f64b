package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/errkit"
	"github.com/oakmoss/driftpeer/internal/identity"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// maxRequestBodySize limits the size of JSON request bodies to prevent
// unbounded memory consumption from oversized or malicious payloads.
const maxRequestBodySize = 1 << 20 // 1 MB

// registerRoutes sets up the daemon's HTTP/JSON surface on mux, using the
// pattern-based routing syntax the module's go directive enables.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/projects/contributed", s.handleProjectsContributed)
	mux.HandleFunc("GET /v1/projects/tracked", s.handleProjectsTracked)
	mux.HandleFunc("GET /v1/projects/requests", s.handleListRequests)
	mux.HandleFunc("PUT /v1/projects/requests/{urn}", s.handleStartRequest)
	mux.HandleFunc("DELETE /v1/projects/requests/{urn}", s.handleCancelRequest)
	mux.HandleFunc("GET /v1/projects/{urn}/peers", s.handleProjectPeers)
	mux.HandleFunc("PUT /v1/projects/{urn}/track/{peer_id}", s.handleTrackPeer)
	mux.HandleFunc("PUT /v1/projects/{urn}/untrack/{peer_id}", s.handleUntrackPeer)
	mux.HandleFunc("GET /v1/projects/{urn}", s.handleGetProject)

	mux.HandleFunc("GET /v1/source/blob/{urn}", s.handleSourceBlob)
	mux.HandleFunc("GET /v1/source/branches/{urn}", s.handleSourceBranches)
	mux.HandleFunc("GET /v1/source/commit/{urn}/{oid}", s.handleSourceCommit)
	mux.HandleFunc("GET /v1/source/commits/{urn}", s.handleSourceCommits)
	mux.HandleFunc("GET /v1/source/tree/{urn}", s.handleSourceTree)

	mux.HandleFunc("GET /v1/notifications", s.handleNotifications)

	mux.HandleFunc("POST /v1/identities", s.handleCreateIdentity)
	mux.HandleFunc("PUT /v1/identities", s.handleReplaceIdentity)
	mux.HandleFunc("GET /v1/identities/remote/{urn}", s.handleGetRemoteIdentity)

	mux.Handle("GET /metrics", s.metricsHandler())
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return s.metrics.Handler()
}

// --- response helpers ---

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondErrorKind renders err as the daemon's error envelope, coalescing
// anything that isn't one of the package's typed errors into
// INTERNAL_SERVER_ERROR with the error chain in "details", never the bare
// message or a stack.
func respondErrorKind(w http.ResponseWriter, err error) {
	env := ErrorEnvelope{Variant: string(errkit.KindInternal), Message: "internal error", Details: err.Error()}
	status := errkit.Status(errkit.KindInternal)

	switch e := err.(type) {
	case *errkit.Error:
		env = ErrorEnvelope{Variant: string(e.Kind), Message: e.Message, Details: e.Details}
		status = errkit.Status(e.Kind)
	case *errkit.UrnMismatch:
		env = ErrorEnvelope{Variant: string(errkit.KindUrnMismatch), Message: e.Error()}
		status = errkit.Status(errkit.KindUrnMismatch)
	case *errkit.UrlMismatch:
		env = ErrorEnvelope{Variant: string(errkit.KindUrlMismatch), Message: e.Error()}
		status = errkit.Status(errkit.KindUrlMismatch)
	}

	respondJSON(w, status, env)
}

func parseURNParam(r *http.Request) (urn.Urn, error) {
	raw := r.PathValue("urn")
	u, err := urn.Parse(raw)
	if err != nil {
		return urn.Urn{}, errkit.InvalidQuery(fmt.Sprintf("invalid urn %q", raw))
	}
	return u, nil
}

func parsePeerIDParam(r *http.Request) (peer.ID, error) {
	raw := r.PathValue("peer_id")
	p, err := peer.Decode(raw)
	if err != nil {
		return "", errkit.InvalidQuery(fmt.Sprintf("invalid peer id %q", raw))
	}
	return p, nil
}

// --- projects ---

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}

	branches, err := s.browser.Branches(project)
	if err != nil {
		respondErrorKind(w, errkit.ProjectNotFound(project.String()))
		return
	}

	p := Project{Urn: project, Metadata: ProjectMetadata{DefaultBranch: defaultBranch(branches)}}
	if req, err := s.control.GetSearch(r.Context(), project); err == nil && req != nil {
		stat := core.ProjectStat{State: req.State, PeerCount: len(req.Peers), LastActivity: req.Timestamp}
		p.Stats = &stat
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleProjectsContributed(w http.ResponseWriter, r *http.Request) {
	projects, failures := s.tracker.Contributed(r.Context())
	if s.identity != nil {
		s.identity.RecordFailures(failures)
	}
	respondJSON(w, http.StatusOK, s.projectList(projects))
}

func (s *Server) handleProjectsTracked(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.control.ListSearches(r.Context())
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	var projects []urn.Urn
	for _, req := range reqs {
		if req.State == core.StateCloned {
			projects = append(projects, req.Urn.Project())
		}
	}
	respondJSON(w, http.StatusOK, s.projectList(projects))
}

func (s *Server) projectList(projects []urn.Urn) []Project {
	out := make([]Project, 0, len(projects))
	for _, u := range projects {
		branches, _ := s.browser.Branches(u)
		out = append(out, Project{Urn: u, Metadata: ProjectMetadata{DefaultBranch: defaultBranch(branches)}})
	}
	return out
}

func defaultBranch(branches []string) string {
	for _, name := range branches {
		if name == "main" || name == "master" {
			return name
		}
	}
	if len(branches) > 0 {
		return branches[0]
	}
	return ""
}

func (s *Server) handleProjectPeers(w http.ResponseWriter, r *http.Request) {
	project, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}

	seen := make(map[peer.ID]struct{})
	var out []PeerSummary
	for _, p := range s.tracker.Peers(project) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, PeerSummary{ID: p.String()})
	}
	if req, err := s.control.GetSearch(r.Context(), project); err == nil && req != nil {
		for p := range req.Peers {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, PeerSummary{ID: p.String()})
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTrackPeer(w http.ResponseWriter, r *http.Request) {
	project, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	p, err := parsePeerIDParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	if err := s.tracker.Track(project, p); err != nil {
		respondErrorKind(w, err)
		return
	}
	respondJSON(w, http.StatusOK, true)
}

func (s *Server) handleUntrackPeer(w http.ResponseWriter, r *http.Request) {
	project, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	p, err := parsePeerIDParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	if err := s.tracker.Untrack(project, p); err != nil {
		respondErrorKind(w, err)
		return
	}
	respondJSON(w, http.StatusOK, true)
}

// --- requests (waiting room, via the control plane) ---

func (s *Server) handleStartRequest(w http.ResponseWriter, r *http.Request) {
	u, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	req, err := s.control.StartSearch(r.Context(), u, time.Now())
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	u, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	if _, err := s.control.CancelSearch(r.Context(), u, time.Now()); err != nil {
		respondErrorKind(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.control.ListSearches(r.Context())
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reqs)
}

// --- source browsing ---

func (s *Server) handleSourceBlob(w http.ResponseWriter, r *http.Request) {
	project, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		respondErrorKind(w, errkit.InvalidQuery("path is required"))
		return
	}
	ref := s.resolveRevision(project, r.URL.Query().Get("revision"))

	content, err := s.browser.Blob(project, ref, path)
	if err != nil {
		respondErrorKind(w, errkit.BlobNotFound(path))
		return
	}
	respondJSON(w, http.StatusOK, Blob{Path: path, Content: content})
}

func (s *Server) handleSourceBranches(w http.ResponseWriter, r *http.Request) {
	project, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	names, err := s.browser.Branches(project)
	if err != nil {
		respondErrorKind(w, errkit.ProjectNotFound(project.String()))
		return
	}
	out := make([]Branch, 0, len(names))
	for _, name := range names {
		info, err := s.browser.Commit(project, name)
		if err != nil {
			continue
		}
		out = append(out, Branch{Name: name, Head: info.Oid})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSourceCommit(w http.ResponseWriter, r *http.Request) {
	project, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	oid := r.PathValue("oid")
	info, err := s.browser.Commit(project, oid)
	if err != nil {
		respondErrorKind(w, errkit.New(errkit.KindNotFound, "commit not found"))
		return
	}
	respondJSON(w, http.StatusOK, commitFromInfo(info))
}

func (s *Server) handleSourceCommits(w http.ResponseWriter, r *http.Request) {
	project, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	ref := s.resolveRevision(project, r.URL.Query().Get("revision"))
	infos, err := s.browser.Commits(project, ref)
	if err != nil {
		respondErrorKind(w, errkit.New(errkit.KindMissingDefaultBranch, "no commits on "+ref))
		return
	}
	out := make([]Commit, 0, len(infos))
	for _, info := range infos {
		out = append(out, commitFromInfo(&info))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSourceTree(w http.ResponseWriter, r *http.Request) {
	project, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	prefix := r.URL.Query().Get("prefix")
	ref := s.resolveRevision(project, r.URL.Query().Get("revision"))

	entries, err := s.browser.Tree(project, ref, prefix)
	if err != nil {
		respondErrorKind(w, errkit.New(errkit.KindNotFound, "tree not found"))
		return
	}
	respondJSON(w, http.StatusOK, Tree{Prefix: prefix, Entries: treeEntriesFrom(entries)})
}

// resolveRevision defaults an empty revision query param to the project's
// default branch; peerId is accepted in the query shape but unused since
// the browser only serves locally-held repositories.
func (s *Server) resolveRevision(project urn.Urn, revision string) string {
	if revision != "" {
		return revision
	}
	branches, err := s.browser.Branches(project)
	if err != nil {
		return revision
	}
	return defaultBranch(branches)
}

// --- notifications (SSE) ---

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondErrorKind(w, errkit.New(errkit.KindInternal, "streaming unsupported"))
		return
	}

	sub, cancel := s.peer.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			frame, ok := marshalSSE(evt)
			if !ok {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// --- identities ---

func decodeIdentityRequest(r *http.Request) (IdentityRequest, error) {
	var req IdentityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		return IdentityRequest{}, errkit.InvalidQuery("invalid request body")
	}
	if req.Handle == "" {
		return IdentityRequest{}, errkit.InvalidQuery("handle is required")
	}
	return req, nil
}

func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	req, err := decodeIdentityRequest(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	doc := identity.Document{Handle: req.Handle, PeerID: s.selfPeerID, Ethereum: req.Ethereum}
	if err := s.identity.Create(doc); err != nil {
		respondErrorKind(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, identityFrom(identityURN(doc), doc))
}

func (s *Server) handleReplaceIdentity(w http.ResponseWriter, r *http.Request) {
	req, err := decodeIdentityRequest(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	doc := identity.Document{Handle: req.Handle, PeerID: s.selfPeerID, Ethereum: req.Ethereum}
	if err := s.identity.Replace(doc); err != nil {
		respondErrorKind(w, err)
		return
	}
	respondJSON(w, http.StatusOK, identityFrom(identityURN(doc), doc))
}

// handleGetRemoteIdentity only resolves the locally active identity: no
// identity-gossip protocol exists in this system, so a remote peer's
// identity document is never available to look up. A urn matching the
// local identity's own derived urn still resolves, covering the common
// case of a peer querying its own identity by urn.
func (s *Server) handleGetRemoteIdentity(w http.ResponseWriter, r *http.Request) {
	want, err := parseURNParam(r)
	if err != nil {
		respondErrorKind(w, err)
		return
	}
	doc := s.identity.Current()
	if doc == nil || !identityURN(*doc).Equal(want) {
		respondErrorKind(w, errkit.New(errkit.KindNotFound, "identity not found"))
		return
	}
	respondJSON(w, http.StatusOK, Person{Urn: want, Handle: doc.Handle, PeerID: doc.PeerID.String()})
}

func identityURN(doc identity.Document) urn.Urn {
	raw, _ := json.Marshal(doc)
	u, _ := urn.New(raw)
	return u
}
