// Package session persists per-request orchestration state. Sessions
// are caller-scoped: every read and delete is keyed by caller id, and
// a session belonging to another caller is indistinguishable from one
// that does not exist.
package session

import (
	"context"

	"crossquery.app/conductor/internal/model"
)

type Store interface {
	// Create inserts a new session.
	Create(ctx context.Context, s *model.Session) error

	// Get returns a caller's session. NotFound for a missing session or
	// one owned by a different caller.
	Get(ctx context.Context, callerID, sessionID string) (*model.Session, error)

	// List returns the caller's sessions, newest first.
	List(ctx context.Context, callerID string, limit, offset int) ([]model.SessionSummary, error)

	// Update replaces status, trace and final result.
	Update(ctx context.Context, s *model.Session) error

	// Delete removes a caller's session. NotFound under the same rules
	// as Get.
	Delete(ctx context.Context, callerID, sessionID string) error

	// DeleteExpired removes up to limit sessions past their expiry and
	// reports how many went.
	DeleteExpired(ctx context.Context, limit int) (int, error)
}
