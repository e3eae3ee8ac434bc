package relstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altify/altify/internal/domain/task"
)

// Fake is an in-memory Store used by worker, ingress and DLQ consumer
// tests, mirroring the conditional-UPDATE semantics of Postgres exactly
// enough to exercise the dedup guard without a database.
type Fake struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*task.Task
}

// NewFake returns an empty in-memory store.
func NewFake() *Fake {
	return &Fake{rows: make(map[uuid.UUID]*task.Task)}
}

func (f *Fake) Insert(ctx context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	f.rows[t.ID] = &cp
	return nil
}

func (f *Fake) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *Fake) UpdateIfStatusIn(ctx context.Context, id uuid.UUID, allowed []task.Status, patch Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.rows[id]
	if !ok {
		return ErrNotFound
	}

	matched := false
	for _, s := range allowed {
		if t.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return ErrNoMatch
	}

	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Alt1 != nil {
		t.Alt1.String, t.Alt1.Valid = *patch.Alt1, true
	}
	if patch.Alt2 != nil {
		t.Alt2.String, t.Alt2.Valid = *patch.Alt2, true
	}
	if patch.SelectedIndex != nil {
		t.SelectedIndex.Int32, t.SelectedIndex.Valid = int32(*patch.SelectedIndex), true
	}
	if patch.FinalAlt != nil {
		t.FinalAlt.String, t.FinalAlt.Valid = *patch.FinalAlt, true
	}
	if patch.LastError != nil {
		t.LastError.String, t.LastError.Valid = *patch.LastError, true
	}
	if patch.IncrAttempts {
		t.Attempts++
	}
	t.UpdatedAt = time.Now()

	return nil
}

func (f *Fake) StalePending(ctx context.Context, olderThanSeconds int64, limit int) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	var out []*task.Task
	for _, t := range f.rows {
		if t.Status == task.StatusPending && t.UpdatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *Fake) OrphanedTerminal(ctx context.Context, olderThanSeconds int64, limit int) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	var out []*task.Task
	for _, t := range f.rows {
		if t.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *Fake) Delete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *Fake) Close() error { return nil }

// Len reports the number of rows currently held, for test assertions.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// Backdate pushes a row's updated_at into the past, for exercising
// reconciler sweeps without sleeping in tests.
func (f *Fake) Backdate(id uuid.UUID, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.rows[id]; ok {
		t.UpdatedAt = time.Now().Add(-age)
	}
}
