// Package worker implements the single-slot message loop described in
// spec.md §4.2: one inference slot per process, pulling from the broker
// at prefetch=1 and driving each task through its RS-guarded state
// transitions.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/altify/altify/internal/blobstore"
	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/domain/task"
	"github.com/altify/altify/internal/inference"
	"github.com/altify/altify/internal/metrics"
	"github.com/altify/altify/internal/relstore"
)

// Config tunes the per-message deadline and retry policy the worker
// itself is aware of (the DLQ consumer owns the cross-delivery policy).
type Config struct {
	// InferTimeout bounds one Inferencer.Generate call; exceeding it is
	// classified transient (OOM/Timeout bucket) per spec.md §5.
	InferTimeout time.Duration
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{InferTimeout: 60 * time.Second}
}

// Worker drives one inference slot against the main queue.
type Worker struct {
	bs  blobstore.Store
	rs  relstore.Store
	bk  broker.Broker
	inf inference.Inferencer
	cfg Config
}

// New builds a Worker over its four adapter dependencies.
func New(bs blobstore.Store, rs relstore.Store, bk broker.Broker, inf inference.Inferencer, cfg Config) *Worker {
	return &Worker{bs: bs, rs: rs, bk: bk, inf: inf, cfg: cfg}
}

// Run consumes the main queue with prefetch=1, matching "one active
// inference at a time" in spec.md §5, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bk.Consume(ctx, broker.QueueMain, 1, w.handle)
}

func (w *Worker) handle(ctx context.Context, d broker.Delivery) broker.Outcome {
	// A delivery, once taken, runs to completion: cancelling ctx stops the
	// consume loop from taking the next message, but the blob fetch, RS
	// writes and inference of this one are not cut short by it.
	ctx = context.WithoutCancel(ctx)

	var msg task.Message
	if err := json.Unmarshal([]byte(d.Body), &msg); err != nil {
		log.Error().Err(err).Str("component", "worker").Msg("malformed message, dropping")
		metrics.TaskOutcomesTotal.WithLabelValues("malformed_drop").Inc()
		return broker.Ack
	}

	id, err := uuid.Parse(msg.ID)
	if err != nil {
		log.Error().Err(err).Str("task_id", msg.ID).Msg("malformed task id, dropping")
		metrics.TaskOutcomesTotal.WithLabelValues("malformed_drop").Inc()
		return broker.Ack
	}

	log := log.With().Str("component", "worker").Str("task_id", id.String()).Logger()

	// Step 3: the RS guard. Zero rows affected means this task is already
	// terminal (DONE or FAILED) from a prior (possibly concurrent) delivery —
	// ack and drop without touching state. This is the dedup mechanism
	// spec.md §4.2 step 3 and §8 P2 describe.
	processing := task.StatusProcessing
	err = w.rs.UpdateIfStatusIn(ctx, id,
		[]task.Status{task.StatusPending, task.StatusProcessing},
		relstore.Patch{Status: &processing, IncrAttempts: true},
	)
	if errors.Is(err, relstore.ErrNoMatch) {
		log.Info().Msg("task already terminal, dropping duplicate delivery")
		metrics.TaskOutcomesTotal.WithLabelValues("duplicate_skip").Inc()
		return broker.Ack
	}
	if err != nil {
		log.Error().Err(err).Msg("rs guard failed, nacking for redrive")
		return broker.NackDLQ
	}

	outcome := w.process(ctx, id, msg)
	switch outcome {
	case broker.Ack:
		metrics.TaskOutcomesTotal.WithLabelValues("terminal").Inc()
	case broker.NackDLQ:
		metrics.TaskOutcomesTotal.WithLabelValues("transient_redrive").Inc()
	}
	return outcome
}

func (w *Worker) process(ctx context.Context, id uuid.UUID, msg task.Message) broker.Outcome {
	log := log.With().Str("component", "worker").Str("task_id", id.String()).Logger()

	rc, err := w.bs.Get(ctx, msg.ImageKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		log.Error().Str("image_key", msg.ImageKey).Msg("blob missing, terminal data error")
		w.markFailed(ctx, id, "image not found in blob storage")
		return broker.Ack
	}
	if err != nil {
		log.Error().Err(err).Msg("blob fetch failed, transient")
		return broker.NackDLQ
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		log.Error().Err(err).Msg("blob read failed, transient")
		return broker.NackDLQ
	}

	normalized, err := normalizeForInference(data)
	if err != nil {
		log.Error().Err(err).Msg("image decode failed, terminal")
		w.markFailed(ctx, id, fmt.Sprintf("decode error: %v", err))
		return broker.Ack
	}

	// Deliberately not derived from ctx: a graceful-shutdown cancellation
	// of ctx must never abort an in-flight Generate call. The timeout is
	// the only thing allowed to cut inference short.
	inferCtx, cancel := context.WithTimeout(context.Background(), w.cfg.InferTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	candidates, err := w.inf.Generate(inferCtx, normalized, msg.Context, 2)
	timer.ObserveDuration(metrics.InferenceDuration)

	if err != nil {
		if inferCtx.Err() != nil {
			log.Warn().Msg("inference timed out, transient")
			return broker.NackDLQ
		}
		if inference.ClassifyOf(err) == inference.FailureDeterministic {
			log.Error().Err(err).Msg("deterministic inference failure, terminal")
			w.markFailed(ctx, id, err.Error())
			return broker.Ack
		}
		log.Warn().Err(err).Msg("transient inference failure")
		return broker.NackDLQ
	}

	if len(candidates) != 2 || candidates[0] == "" || candidates[1] == "" {
		log.Error().Strs("candidates", candidates).Msg("inferencer returned malformed output, terminal")
		w.markFailed(ctx, id, "inferencer did not return two non-empty candidates")
		return broker.Ack
	}

	done := task.StatusDone
	err = w.rs.UpdateIfStatusIn(ctx, id,
		[]task.Status{task.StatusProcessing},
		relstore.Patch{Status: &done, Alt1: &candidates[0], Alt2: &candidates[1]},
	)
	if errors.Is(err, relstore.ErrNoMatch) {
		// Another worker's duplicate delivery already finished this task.
		log.Info().Msg("lost the race to write DONE, dropping")
		return broker.Ack
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to write DONE, transient")
		return broker.NackDLQ
	}

	log.Info().Msg("task completed")
	return broker.Ack
}

func (w *Worker) markFailed(ctx context.Context, id uuid.UUID, reason string) {
	failed := task.StatusFailed
	err := w.rs.UpdateIfStatusIn(ctx, id,
		[]task.Status{task.StatusPending, task.StatusProcessing},
		relstore.Patch{Status: &failed, LastError: &reason},
	)
	if err != nil && !errors.Is(err, relstore.ErrNoMatch) {
		log.Error().Err(err).Str("task_id", id.String()).Msg("failed to persist FAILED status")
	}
}
