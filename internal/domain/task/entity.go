// Package task defines the Task record (RS row), its lifecycle, and the
// message envelope dispatched through the broker.
package task

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Status is the task lifecycle state. See state machine in spec.md §4.2.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// Task mirrors the `tasks` table described in SPEC_FULL.md §3.
type Task struct {
	ID             uuid.UUID      `db:"id"`
	ImageKey       string         `db:"image_key"`
	ContextText    string         `db:"context_text"`
	Status         Status         `db:"status"`
	Alt1           sql.NullString `db:"alt1"`
	Alt2           sql.NullString `db:"alt2"`
	SelectedIndex  sql.NullInt32  `db:"selected_index"`
	FinalAlt       sql.NullString `db:"final_alt"`
	Attempts       int            `db:"attempts"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	LastError      sql.NullString `db:"last_error"`
	// DeadLetterReason maps the table's dead_letter_reason column; no code
	// path writes it (death reasons are recorded in LastError).
	DeadLetterReason sql.NullString `db:"dead_letter_reason"`
}

// IsTerminal reports whether the task can no longer change state through
// the normal worker/DLQ path.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusDone || t.Status == StatusFailed
}

// Message is the JSON payload published to the main queue and carried
// through the wait queues during DLQ re-drive. Field names are the wire
// format fixed by spec.md §6 and must not change.
type Message struct {
	ID       string `json:"id"`
	ImageKey string `json:"image_key"`
	Context  string `json:"context"`
}

// NewID allocates a task identifier.
func NewID() uuid.UUID {
	return uuid.New()
}
