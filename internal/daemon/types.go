package daemon

import (
	"encoding/json"
	"time"

	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/identity"
	"github.com/oakmoss/driftpeer/internal/monorepo"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// Project is returned by GET /v1/projects/{urn}, /contributed, and
// /tracked.
type Project struct {
	Urn      urn.Urn           `json:"urn"`
	Metadata ProjectMetadata   `json:"metadata"`
	Stats    *core.ProjectStat `json:"stats,omitempty"`
}

// ProjectMetadata is the facade's minimal description of a project; the
// replication engine itself only knows a project by its URN and ref set, so
// this is filled in from what's locally browsable.
type ProjectMetadata struct {
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

// PeerSummary is the wire shape for a single tracked/known peer, returned
// by GET /v1/projects/{urn}/peers.
type PeerSummary struct {
	ID string `json:"id"`
}

// Branch is returned by GET /v1/source/branches/{urn}.
type Branch struct {
	Name string  `json:"name"`
	Head urn.Oid `json:"head"`
}

// Commit is returned by GET /v1/source/commit/{urn}/{oid} and as an entry
// of GET /v1/source/commits/{urn}.
type Commit struct {
	Oid     urn.Oid   `json:"oid"`
	Author  string    `json:"author"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
	Parents []urn.Oid `json:"parents,omitempty"`
}

func commitFromInfo(info *monorepo.CommitInfo) Commit {
	return Commit{
		Oid:     info.Oid,
		Author:  info.Author,
		Message: info.Message,
		When:    info.When,
		Parents: info.Parents,
	}
}

// Blob is returned by GET /v1/source/blob/{urn}.
type Blob struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// Tree is returned by GET /v1/source/tree/{urn}.
type Tree struct {
	Prefix  string      `json:"prefix"`
	Entries []TreeEntry `json:"entries"`
}

// TreeEntry is a single child within a Tree listing.
type TreeEntry struct {
	Name  string  `json:"name"`
	IsDir bool    `json:"isDir"`
	Oid   urn.Oid `json:"oid"`
}

func treeEntriesFrom(entries []monorepo.TreeEntry) []TreeEntry {
	out := make([]TreeEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, TreeEntry{Name: e.Name, IsDir: e.IsDir, Oid: e.Oid})
	}
	return out
}

// IdentityRequest is the body of POST/PUT /v1/identities.
type IdentityRequest struct {
	Handle   string  `json:"handle"`
	Ethereum *string `json:"ethereum,omitempty"`
}

// Identity is the response shape for POST/PUT /v1/identities, wrapping
// identity.Document with its derived URN.
type Identity struct {
	Urn      urn.Urn `json:"urn"`
	Handle   string  `json:"handle"`
	PeerID   string  `json:"peerId"`
	Ethereum *string `json:"ethereum,omitempty"`
}

func identityFrom(u urn.Urn, doc identity.Document) Identity {
	return Identity{Urn: u, Handle: doc.Handle, PeerID: doc.PeerID.String(), Ethereum: doc.Ethereum}
}

// Person is the response shape for GET /v1/identities/remote/{urn}.
type Person struct {
	Urn    urn.Urn `json:"urn"`
	Handle string  `json:"handle"`
	PeerID string  `json:"peerId"`
}

// ErrorEnvelope is the daemon's error response shape:
// {"variant": SCREAMING_SNAKE, "message": string}.
type ErrorEnvelope struct {
	Variant string `json:"variant"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// notificationWire is the SSE payload shape for a single core.Event.
// Encoded directly rather than through a discriminated-union marshaler
// since the variants don't share a field set.
type notificationWire map[string]any

// encodeNotification renders evt as the JSON object for its corresponding
// Notification variant, or nil for event kinds the HTTP surface doesn't
// forward (e.g. ProjectUpdated).
func encodeNotification(evt core.Event) notificationWire {
	switch e := evt.(type) {
	case core.RequestCreated:
		return notificationWire{"type": "requestCreated", "urn": e.Urn.String()}
	case core.RequestQueried:
		return notificationWire{"type": "requestQueried", "urn": e.Urn.String()}
	case core.RequestCloned:
		return notificationWire{"type": "requestCloned", "peer": e.Peer.String(), "urn": e.Urn.String()}
	case core.RequestTimedOut:
		return notificationWire{"type": "requestTimedOut", "urn": e.Urn.String()}
	case core.StatusChanged:
		return notificationWire{"type": "statusChanged", "old": statusWire(e.Old), "new": statusWire(e.New)}
	case core.WaitingRoomTransitionEvent:
		return notificationWire{
			"type":        "waitingRoomTransition",
			"event":       e.Transition.Kind,
			"stateBefore": requestMapWire(e.Transition.Before),
			"stateAfter":  requestMapWire(e.Transition.After),
			"timestamp":   e.Transition.Timestamp.UnixMilli(),
		}
	default:
		return nil
	}
}

func statusWire(s core.Status) map[string]any {
	return map[string]any{"kind": s.Kind, "since": s.Since, "peerCount": s.PeerCount}
}

func requestMapWire(m map[urn.Urn]*core.Request) map[string]*core.Request {
	out := make(map[string]*core.Request, len(m))
	for u, r := range m {
		out[u.String()] = r
	}
	return out
}

// marshalSSE renders a notification as a single `data: ...\n\n` frame.
func marshalSSE(evt core.Event) ([]byte, bool) {
	wire := encodeNotification(evt)
	if wire == nil {
		return nil, false
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, false
	}
	out := append([]byte("data: "), payload...)
	out = append(out, '\n', '\n')
	return out, true
}
