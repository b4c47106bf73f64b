package monorepo

import (
	"context"
	"log/slog"
	"time"

	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// DefaultWatchInterval is the default polling cadence: roughly once a second.
const DefaultWatchInterval = time.Second

// Watcher rebuilds the local ref set on a tick and publishes one
// ProjectUpdated event per project whose ref set changed since the last
// round. It runs independently of the subroutine loop's own announce
// round: this watcher publishes ProjectUpdated on the event Broadcaster,
// the Announcer drives DHT provider records, and both read the same
// RefSource. The daemon's SSE route does not forward ProjectUpdated.
type Watcher struct {
	Source   core.RefSource
	Events   *core.Broadcaster
	Interval time.Duration
	Logger   *slog.Logger

	prev core.AnnouncementSet
}

// Run ticks until ctx is cancelled. Safe to call once per Watcher value.
func (w *Watcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if w.prev == nil {
		w.prev = core.NewAnnouncementSet()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			next, err := w.Source.Build(ctx)
			if err != nil {
				logger.Warn("monorepo: watcher build failed", "error", err)
				continue
			}
			w.tick(next)
		}
	}
}

// tick computes the symmetric diff against the previous round (both
// additions and removals count as changed, not just growth), coalesces the
// affected announcements down to one ProjectUpdated event per distinct
// project, and adopts next as the new baseline.
func (w *Watcher) tick(next core.AnnouncementSet) {
	added := core.Diff(w.prev, next)
	removed := core.Diff(next, w.prev)

	changed := make(map[urn.Urn]struct{})
	for a := range added {
		changed[a.Ref.Project()] = struct{}{}
	}
	for a := range removed {
		changed[a.Ref.Project()] = struct{}{}
	}

	for project := range changed {
		w.Events.Publish(core.ProjectUpdated{Urn: project})
	}

	w.prev = next
}
