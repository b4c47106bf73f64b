package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// Announcement is a (project-ref, commit) assertion the gossip layer
// broadcasts: "I have this commit at this ref".
type Announcement struct {
	Ref urn.Urn
	Oid urn.Oid
}

// AnnouncementSet is a set of Announcements, keyed by their wire identity.
type AnnouncementSet map[Announcement]struct{}

// NewAnnouncementSet builds a set from a slice.
func NewAnnouncementSet(items ...Announcement) AnnouncementSet {
	s := make(AnnouncementSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Diff returns new \ old: Diff(s, s) is empty, and Diff(a, a∪b) == b
// for disjoint a, b.
func Diff(old, new AnnouncementSet) AnnouncementSet {
	out := make(AnnouncementSet)
	for a := range new {
		if _, ok := old[a]; !ok {
			out[a] = struct{}{}
		}
	}
	return out
}

// RefSource enumerates the local identities and their signed refs that
// feed both the announcement engine and the monorepo watcher; both run
// the same computation.
type RefSource interface {
	// Build enumerates every locally-known project and the project's
	// signed refs (ref path -> oid). A project whose
	// identity/configuration isn't initialized yet contributes nothing
	// and is not an error; any other storage error
	// aborts the whole call.
	Build(ctx context.Context) (AnnouncementSet, error)
}

// AnnounceFunc is the gossip layer's announce primitive: "I have `rev` at
// `urn`". It carries no origin peer; every announcement is made on this
// peer's own behalf.
type AnnounceFunc func(ctx context.Context, a Announcement) error

// AnnounceStore is the subset of the key-value store the announcement
// engine needs.
type AnnounceStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// Announcer runs the periodic diff-and-gossip round. It is stateless
// between rounds; all state lives in the store and is loaded fresh each
// round.
type Announcer struct {
	Source   RefSource
	Announce AnnounceFunc
	Store    AnnounceStore
	Metrics  AnnounceMetrics
	Logger   *slog.Logger
}

// AnnounceMetrics is the subset of overlay.Metrics the announcer updates.
// Keeping it as an interface here keeps core from importing overlay;
// *overlay.Metrics satisfies it structurally.
type AnnounceMetrics interface {
	ObserveAnnounceRound(result string, duration time.Duration)
	AddAnnounceUpdates(n int)
}

// wireAnnouncement is the JSON-safe projection of an Announcement.
type wireAnnouncement struct {
	Ref string `json:"ref"`
	Oid string `json:"oid"`
}

// MarshalAnnouncements serializes a set for storage under
// AnnouncementsStoreKey.
func MarshalAnnouncements(set AnnouncementSet) ([]byte, error) {
	wire := make([]wireAnnouncement, 0, len(set))
	for a := range set {
		wire = append(wire, wireAnnouncement{Ref: a.Ref.String(), Oid: a.Oid.String()})
	}
	return json.Marshal(wire)
}

// UnmarshalAnnouncements is the inverse of MarshalAnnouncements. A missing
// or empty blob yields an empty set, never an error.
func UnmarshalAnnouncements(blob []byte) (AnnouncementSet, error) {
	if len(blob) == 0 {
		return make(AnnouncementSet), nil
	}
	var wire []wireAnnouncement
	if err := json.Unmarshal(blob, &wire); err != nil {
		return nil, err
	}
	set := make(AnnouncementSet, len(wire))
	for _, w := range wire {
		ref, err := urn.Parse(w.Ref)
		if err != nil {
			continue
		}
		oid, err := urn.ParseOid(w.Oid)
		if err != nil {
			continue
		}
		set[Announcement{Ref: ref, Oid: oid}] = struct{}{}
	}
	return set, nil
}

// Load fetches the previously saved set from the store; a missing key
// yields an empty set.
func (a *Announcer) Load() (AnnouncementSet, error) {
	blob, ok, err := a.Store.Get(AnnouncementsStoreKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return make(AnnouncementSet), nil
	}
	return UnmarshalAnnouncements(blob)
}

// Save persists set under AnnouncementsStoreKey.
func (a *Announcer) Save(set AnnouncementSet) error {
	blob, err := MarshalAnnouncements(set)
	if err != nil {
		return err
	}
	return a.Store.Put(AnnouncementsStoreKey, blob)
}

// Round runs one build/load/diff/announce/save cycle and returns the diff
// that was (attempted to be) gossiped. Failure to announce a single
// element is logged and does not abort the round; the cache is only
// rewritten after the announce calls return, so a crash mid-round
// re-announces rather than losing events.
func (a *Announcer) Round(ctx context.Context) (AnnouncementSet, error) {
	start := time.Now()
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	newSet, err := a.Source.Build(ctx)
	if err != nil {
		a.observe("build_failed", start)
		return nil, err
	}

	oldSet, err := a.Load()
	if err != nil {
		a.observe("load_failed", start)
		return nil, err
	}

	diff := Diff(oldSet, newSet)
	if len(diff) == 0 {
		a.observe("empty", start)
		return diff, nil
	}

	for ann := range diff {
		if err := a.Announce(ctx, ann); err != nil {
			logger.Warn("announce failed", "ref", ann.Ref.String(), "oid", ann.Oid.String(), "error", err)
		}
	}

	if err := a.Save(newSet); err != nil {
		a.observe("save_failed", start)
		return diff, err
	}

	a.observe("ok", start)
	if a.Metrics != nil {
		a.Metrics.AddAnnounceUpdates(len(diff))
	}
	return diff, nil
}

func (a *Announcer) observe(result string, start time.Time) {
	if a.Metrics != nil {
		a.Metrics.ObserveAnnounceRound(result, time.Since(start))
	}
}
