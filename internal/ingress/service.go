// Package ingress implements the Ingress API from spec.md §4.1: the atomic
// staging protocol that hands an uploaded image to BS/RS/BK, thin task CRUD
// (GetTask, Approve, Finalize), and the reconciler that repairs crashes
// between staging steps. Grounded on the teacher's upload.Service.Upload,
// which follows the same "store object, register record, best-effort undo
// on failure" shape for a single dependency pair; here the chain is three
// deep (BS, RS, BK) so the undo is an explicit compensation stack.
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/altify/altify/internal/blobstore"
	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/domain/task"
	"github.com/altify/altify/internal/domain/taskerr"
	"github.com/altify/altify/internal/pkg/imaging"
	"github.com/altify/altify/internal/relstore"
)

// MaxContextLength caps the context string accepted at ingress.
const MaxContextLength = 16384

var (
	// ErrBadInput covers validation failures: bad image, empty context.
	ErrBadInput = errors.New("ingress: bad input")
	// ErrPreconditionFailed is returned by Approve when the task isn't DONE.
	ErrPreconditionFailed = errors.New("ingress: precondition failed")
	// ErrTaskNotFound is relstore.ErrNotFound itself, re-exported for
	// callers that only import this package.
	ErrTaskNotFound = relstore.ErrNotFound
)

// Item is one (image, context) pair submitted to Upload/BulkUpload.
type Item struct {
	Image       []byte
	ContentType string
	Context     string
}

// Service implements the staging protocol and task CRUD over BS/RS/BK.
type Service struct {
	bs blobstore.Store
	rs relstore.Store
	bk broker.Broker
}

// New builds a Service.
func New(bs blobstore.Store, rs relstore.Store, bk broker.Broker) *Service {
	return &Service{bs: bs, rs: rs, bk: bk}
}

func validateItem(it Item) error {
	ctx := strings.TrimSpace(it.Context)
	if ctx == "" {
		return fmt.Errorf("%w: context must not be empty", ErrBadInput)
	}
	if len(ctx) > MaxContextLength {
		return fmt.Errorf("%w: context exceeds %d bytes", ErrBadInput, MaxContextLength)
	}
	if !imaging.AllowedContentType(it.ContentType) {
		return fmt.Errorf("%w: unsupported content type %q", ErrBadInput, it.ContentType)
	}
	if _, err := imaging.Validate(it.Image, it.ContentType); err != nil {
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return nil
}

// compensation is one step's undo action, pushed as each staging step
// succeeds and unwound in reverse order on a later failure.
type compensation func(ctx context.Context)

// Upload stages a single item through BS → RS → BK per spec.md §4.1 and
// returns the allocated task id.
func (s *Service) Upload(ctx context.Context, it Item) (uuid.UUID, error) {
	if err := validateItem(it); err != nil {
		return uuid.Nil, err
	}
	return s.stage(ctx, it)
}

// stage runs the five-step staging protocol for one item, rolling back
// via a compensation stack if any step fails.
func (s *Service) stage(ctx context.Context, it Item) (uuid.UUID, error) {
	id := task.NewID()
	imageKey := blobstore.TaskImageKey(id.String())

	var stack []compensation
	rollback := func() {
		for i := len(stack) - 1; i >= 0; i-- {
			stack[i](ctx)
		}
	}

	// Step 2: write bytes to BS under image_key, put-if-absent.
	if err := s.bs.Put(ctx, imageKey, bytes.NewReader(it.Image), it.ContentType); err != nil {
		return uuid.Nil, taskerr.Wrap(taskerr.CodeUnavailable, "stage blob", err)
	}
	stack = append(stack, func(ctx context.Context) {
		if err := s.bs.Delete(ctx, imageKey); err != nil {
			log.Error().Err(err).Str("component", "ingress").Str("image_key", imageKey).Msg("rollback: failed to delete staged blob")
		}
	})

	// Step 3: insert RS row with status=PENDING.
	row := &task.Task{
		ID:          id,
		ImageKey:    imageKey,
		ContextText: strings.TrimSpace(it.Context),
		Status:      task.StatusPending,
	}
	if err := s.rs.Insert(ctx, row); err != nil {
		rollback()
		return uuid.Nil, taskerr.Wrap(taskerr.CodeUnavailable, "stage row", err)
	}
	stack = append(stack, func(ctx context.Context) {
		if err := s.rs.Delete(ctx, id); err != nil {
			log.Error().Err(err).Str("component", "ingress").Str("task_id", id.String()).Msg("rollback: failed to delete staged row")
		}
	})

	// Step 4: publish one message to BK with publisher confirms.
	msg := task.Message{ID: id.String(), ImageKey: imageKey, Context: row.ContextText}
	body, err := json.Marshal(msg)
	if err != nil {
		rollback()
		return uuid.Nil, fmt.Errorf("marshal message: %w", err)
	}
	if err := s.bk.Publish(ctx, broker.QueueMain, body, true, 0); err != nil {
		rollback()
		return uuid.Nil, taskerr.Wrap(taskerr.CodeUnavailable, "stage publish", err)
	}

	// Step 5: return id. A failure past this point is impossible in this
	// ordering — the publish confirm is the last fallible step.
	return id, nil
}

// BulkUpload processes items sequentially; a failed item does not undo
// prior successes. The caller gets a per-item outcome report.
func (s *Service) BulkUpload(ctx context.Context, items []Item) task.BulkUploadResponse {
	results := make([]task.BulkItemResult, len(items))
	for i, it := range items {
		id, err := s.Upload(ctx, it)
		if err != nil {
			msg := err.Error()
			results[i] = task.BulkItemResult{Index: i, Error: &msg}
			continue
		}
		idStr := id.String()
		status := string(task.StatusPending)
		results[i] = task.BulkItemResult{Index: i, ID: &idStr, Status: &status}
	}
	return task.BulkUploadResponse{Tasks: results}
}

// GetTask returns the task row for id.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	row, err := s.rs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, relstore.ErrNotFound) {
			return nil, err
		}
		return nil, taskerr.Wrap(taskerr.CodeUnavailable, "get task", err)
	}
	return row, nil
}

// Approve finalizes a task's alt text. Requires the task's current status
// to be DONE (P7 in spec.md §9); otherwise ErrPreconditionFailed and no
// mutation occurs.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, selectedIndex int, finalAlt string) error {
	if selectedIndex != 1 && selectedIndex != 2 {
		return fmt.Errorf("%w: selected_index must be 1 or 2", ErrBadInput)
	}
	finalAlt = strings.TrimSpace(finalAlt)
	if finalAlt == "" {
		return fmt.Errorf("%w: final_alt must not be empty", ErrBadInput)
	}

	done := task.StatusDone
	err := s.rs.UpdateIfStatusIn(ctx, id, []task.Status{task.StatusDone}, relstore.Patch{
		Status:        &done,
		SelectedIndex: &selectedIndex,
		FinalAlt:      &finalAlt,
	})
	if errors.Is(err, relstore.ErrNoMatch) {
		return ErrPreconditionFailed
	}
	if err != nil {
		return taskerr.Wrap(taskerr.CodeUnavailable, "approve task", err)
	}
	return nil
}

// Finalize applies a batch of approvals, reporting per-item success.
func (s *Service) Finalize(ctx context.Context, items []task.FinalizeItem) []task.FinalizeResult {
	results := make([]task.FinalizeResult, len(items))
	for i, it := range items {
		id, err := uuid.Parse(it.TaskID)
		if err != nil {
			msg := "invalid task_id"
			results[i] = task.FinalizeResult{TaskID: it.TaskID, OK: false, Error: &msg}
			continue
		}
		if err := s.Approve(ctx, id, it.SelectedAltIndex, it.FinalAlt); err != nil {
			msg := err.Error()
			results[i] = task.FinalizeResult{TaskID: it.TaskID, OK: false, Error: &msg}
			continue
		}
		results[i] = task.FinalizeResult{TaskID: it.TaskID, OK: true}
	}
	return results
}

// GetImage streams the staged original image bytes for id back out of BS,
// used by operators/tools that need to re-inspect the source image.
func (s *Service) GetImage(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	rc, err := s.bs.Get(ctx, blobstore.TaskImageKey(id.String()))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, err
		}
		return nil, taskerr.Wrap(taskerr.CodeUnavailable, "get image", err)
	}
	return rc, nil
}
