package overlay

import (
	"log/slog"
)

// AuditLogger writes structured audit events for events an operator would
// want a durable trail of: waiting-room transitions, announce rounds,
// run-state changes, and daemon API access. All methods are nil-safe:
// calling any method on a nil *AuditLogger is a no-op, so callers can skip
// nil checks at every call site.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an AuditLogger that writes to the given handler.
// All audit events are written under the "audit" group for easy filtering.
func NewAuditLogger(handler slog.Handler) *AuditLogger {
	return &AuditLogger{
		logger: slog.New(handler).WithGroup("audit"),
	}
}

// WaitingRoomTransition logs a request moving from one state to another.
func (a *AuditLogger) WaitingRoomTransition(urn, from, to string) {
	if a == nil {
		return
	}
	a.logger.Info("waiting_room_transition",
		"urn", urn,
		"from", from,
		"to", to,
	)
}

// AnnounceRound logs the outcome of a single announcement round.
func (a *AuditLogger) AnnounceRound(updates int, err error) {
	if a == nil {
		return
	}
	if err != nil {
		a.logger.Warn("announce_round_failed", "error", err)
		return
	}
	a.logger.Info("announce_round", "updates", updates)
}

// RunStateTransition logs a peer run-state change.
func (a *AuditLogger) RunStateTransition(from, to string) {
	if a == nil {
		return
	}
	a.logger.Info("run_state_transition",
		"from", from,
		"to", to,
	)
}

// DaemonAPIAccess logs an API request to the daemon.
func (a *AuditLogger) DaemonAPIAccess(method, path string, status int) {
	if a == nil {
		return
	}
	a.logger.Info("daemon_api_access",
		"method", method,
		"path", path,
		"status", status,
	)
}
