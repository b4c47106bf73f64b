package core

import (
	"encoding/json"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// Store key names.
const (
	WaitingRoomStoreKey   = "waiting-room/state"
	AnnouncementsStoreKey = "announcements/latest"
	SessionStoreKey       = "session/current"
)

// wireRequest is the JSON-safe projection of a Request: peer.ID and
// RequestState both marshal fine on their own, but the map key type
// (peer.ID) needs to go through its text form explicitly for determinism
// across library versions.
type wireRequest struct {
	Urn           string                       `json:"urn"`
	State         RequestState                 `json:"state"`
	Attempts      Attempts                     `json:"attempts"`
	Timestamp     time.Time                    `json:"timestamp"`
	Peers         map[string]PeerRequestStatus `json:"peers,omitempty"`
	FailureReason string                       `json:"failureReason,omitempty"`
}

// MarshalWaitingRoom serializes the waiting room's entries to a single
// JSON blob, written under WaitingRoomStoreKey after every mutation.
func MarshalWaitingRoom(entries map[string]*Request) ([]byte, error) {
	wire := make(map[string]wireRequest, len(entries))
	for k, r := range entries {
		w := wireRequest{
			Urn:           r.Urn.String(),
			State:         r.State,
			Attempts:      r.Attempts,
			Timestamp:     r.Timestamp,
			FailureReason: r.FailureReason,
		}
		if r.Peers != nil {
			w.Peers = make(map[string]PeerRequestStatus, len(r.Peers))
			for p, status := range r.Peers {
				w.Peers[p.String()] = status
			}
		}
		wire[k] = w
	}
	return json.Marshal(wire)
}

// UnmarshalWaitingRoom is the inverse of MarshalWaitingRoom, used on
// daemon startup to restore outstanding requests; on startup the daemon
// loads the blob or starts empty.
func UnmarshalWaitingRoom(blob []byte) (map[string]*Request, error) {
	var wire map[string]wireRequest
	if err := json.Unmarshal(blob, &wire); err != nil {
		return nil, err
	}
	entries := make(map[string]*Request, len(wire))
	for k, w := range wire {
		u, err := urn.Parse(w.Urn)
		if err != nil {
			continue
		}
		r := &Request{
			Urn:           u,
			State:         w.State,
			Attempts:      w.Attempts,
			Timestamp:     w.Timestamp,
			FailureReason: w.FailureReason,
		}
		if w.Peers != nil {
			r.Peers = make(map[peer.ID]PeerRequestStatus, len(w.Peers))
			for ps, status := range w.Peers {
				p, err := peer.Decode(ps)
				if err != nil {
					continue
				}
				r.Peers[p] = status
			}
		}
		entries[k] = r
	}
	return entries, nil
}

// LoadFrom replaces a WaitingRoom's entries with those decoded from blob
// (as written by MarshalWaitingRoom), returning the decode error and
// leaving the entries untouched if blob is malformed.
func (w *WaitingRoom) LoadFrom(blob []byte) error {
	entries, err := UnmarshalWaitingRoom(blob)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = entries
	return nil
}
