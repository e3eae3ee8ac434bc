// Package relstore is the durable task-record adapter (RS): a Postgres
// table guarded by conditional UPDATEs so concurrent/duplicate deliveries
// can only ever apply their effect once, the same idiom the teacher's
// image-worker used against its uploads table.
package relstore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/altify/altify/internal/domain/task"
)

// ErrNotFound is returned when a task id has no corresponding row.
var ErrNotFound = errors.New("relstore: task not found")

// ErrNoMatch is returned by UpdateIfStatusIn when the row exists but its
// current status is not one of the caller's allowed set — the guard that
// makes at-least-once delivery produce exactly-once effects.
var ErrNoMatch = errors.New("relstore: no row matched the status guard")

// Patch describes a conditional field update. Nil fields are left
// untouched; callers set only what their transition changes.
type Patch struct {
	Status        *task.Status
	Alt1          *string
	Alt2          *string
	SelectedIndex *int
	FinalAlt      *string
	LastError     *string
	IncrAttempts  bool
}

// Store is the RS contract every component (ingress, worker, DLQ consumer,
// reconciler) depends on.
type Store interface {
	// Insert creates a new PENDING row. Called as the middle step of the
	// ingress staging protocol, after the blob is staged and before the
	// message is published.
	Insert(ctx context.Context, t *task.Task) error

	// Get returns the row for id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*task.Task, error)

	// UpdateIfStatusIn applies patch to id only if its current status is
	// one of allowed. Returns ErrNoMatch if the row's status has already
	// moved on (e.g. a duplicate delivery racing a prior successful one).
	UpdateIfStatusIn(ctx context.Context, id uuid.UUID, allowed []task.Status, patch Patch) error

	// StalePending returns PENDING rows whose updated_at is older than the
	// reconciler's republish threshold — rows that were accepted at
	// ingress but whose publish confirm was lost before the process died.
	StalePending(ctx context.Context, olderThan int64, limit int) ([]*task.Task, error)

	// OrphanedTerminal returns DONE/FAILED rows older than the GC window,
	// for the reconciler's housekeeping sweep.
	OrphanedTerminal(ctx context.Context, olderThan int64, limit int) ([]*task.Task, error)

	// Delete removes a row. Used by the reconciler's GC pass and by the
	// ingress compensation stack when a later staging step fails.
	Delete(ctx context.Context, id uuid.UUID) error

	Close() error
}
