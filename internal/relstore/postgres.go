package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/altify/altify/internal/domain/task"
)

// Postgres implements Store over the `tasks` table created by
// internal/migrate.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an already-connected pool.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Insert(ctx context.Context, t *task.Task) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tasks (id, image_key, context_text, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, t.ID, t.ImageKey, t.ContextText, t.Status, t.Attempts)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	var t task.Task
	err := p.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// UpdateIfStatusIn builds the conditional UPDATE .. WHERE status IN (...)
// guard spec.md §4.2 requires so a duplicate delivery arriving after the
// row already moved past `allowed` becomes a no-op rather than a second
// side effect.
func (p *Postgres) UpdateIfStatusIn(ctx context.Context, id uuid.UUID, allowed []task.Status, patch Patch) error {
	if len(allowed) == 0 {
		return fmt.Errorf("update task %s: allowed status set must not be empty", id)
	}

	statuses := make([]string, len(allowed))
	for i, s := range allowed {
		statuses[i] = string(s)
	}

	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id, pq.Array(statuses)}
	next := 3

	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, next))
		args = append(args, val)
		next++
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Alt1 != nil {
		add("alt1", *patch.Alt1)
	}
	if patch.Alt2 != nil {
		add("alt2", *patch.Alt2)
	}
	if patch.SelectedIndex != nil {
		add("selected_index", *patch.SelectedIndex)
	}
	if patch.FinalAlt != nil {
		add("final_alt", *patch.FinalAlt)
	}
	if patch.LastError != nil {
		add("last_error", *patch.LastError)
	}
	if patch.IncrAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}

	query := fmt.Sprintf(`
		UPDATE tasks SET %s
		WHERE id = $1 AND status = ANY($2)
	`, strings.Join(sets, ", "))

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return ErrNoMatch
	}
	return nil
}

func (p *Postgres) StalePending(ctx context.Context, olderThanSeconds int64, limit int) ([]*task.Task, error) {
	var rows []*task.Task
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM tasks
		WHERE status = 'PENDING' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select stale pending: %w", err)
	}
	return rows, nil
}

func (p *Postgres) OrphanedTerminal(ctx context.Context, olderThanSeconds int64, limit int) ([]*task.Task, error) {
	var rows []*task.Task
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM tasks
		WHERE status IN ('DONE', 'FAILED') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select orphaned terminal: %w", err)
	}
	return rows, nil
}

func (p *Postgres) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
