package identity

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/oakmoss/driftpeer/internal/errkit"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// SessionStoreKey matches store.SessionStoreKey; duplicated as a plain
// constant here so this package doesn't need to import store just for a
// key name (the same pattern core/persist.go uses for its own keys).
const SessionStoreKey = "session/current"

// Document is the identity a peer presents to others: a human-readable
// handle, the libp2p peer id it signs announcements with, and an optional
// linked Ethereum address. The daemon's HTTP surface references
// `POST /v1/identities`, `PUT /v1/identities` and `GET
// /v1/identities/remote/{urn}` without describing the document shape
// itself; this is the minimal shape those routes operate on.
type Document struct {
	Handle   string  `json:"handle"`
	PeerID   peer.ID `json:"peer_id"`
	Ethereum *string `json:"ethereum,omitempty"`
}

// SessionStore is the narrow key-value contract this package needs from
// the store package, kept local (rather than importing store.Store
// directly) the same way core's Persister/AnnounceStore interfaces are
// declared inside core.
type SessionStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// ProjectFailure records one project that could not be listed, surfacing
// partial failure instead of aborting the whole listing.
type ProjectFailure struct {
	Urn    urn.Urn `json:"urn"`
	Reason string  `json:"reason"`
}

// Registry holds the active identity document plus the project listing
// failures accumulated on the last contributed/tracked scan, persisted
// through SessionStore under SessionStoreKey.
type Registry struct {
	mu       sync.RWMutex
	store    SessionStore
	current  *Document
	failures []ProjectFailure
}

// NewRegistry creates a Registry over store, loading any previously saved
// session document. A nil store is permitted (in-memory only, useful for
// tests); the document is simply never persisted.
func NewRegistry(store SessionStore) (*Registry, error) {
	r := &Registry{store: store}
	if store == nil {
		return r, nil
	}
	raw, ok, err := store.Get(SessionStoreKey)
	if err != nil {
		return nil, fmt.Errorf("identity: load session: %w", err)
	}
	if !ok {
		return r, nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("identity: parse session: %w", err)
	}
	r.current = &doc
	return r, nil
}

// Current returns the active identity document, or nil if none is set.
func (r *Registry) Current() *Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil
	}
	doc := *r.current
	return &doc
}

// Create sets the active identity document, returning
// errkit.IdentityExists if one is already set.
// Update (PUT) callers should go through Replace instead.
func (r *Registry) Create(doc Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return errkit.IdentityExists()
	}
	r.current = &doc
	return r.persistLocked()
}

// Replace unconditionally sets the active identity document (PUT
// semantics): creates it if absent, overwrites it otherwise.
func (r *Registry) Replace(doc Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = &doc
	return r.persistLocked()
}

func (r *Registry) persistLocked() error {
	if r.store == nil {
		return nil
	}
	raw, err := json.Marshal(r.current)
	if err != nil {
		return fmt.Errorf("identity: marshal session: %w", err)
	}
	return r.store.Put(SessionStoreKey, raw)
}

// RecordFailures replaces the set of project listing failures from the
// most recent contributed/tracked scan.
func (r *Registry) RecordFailures(failures []ProjectFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = failures
}

// Failures returns the project listing failures recorded by the most
// recent scan.
func (r *Registry) Failures() []ProjectFailure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProjectFailure, len(r.failures))
	copy(out, r.failures)
	return out
}
