package ingress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/domain/task"
	"github.com/altify/altify/internal/metrics"
)

// republishRateLimit caps how fast the reconciler re-publishes stale rows,
// so a large backlog after an outage doesn't slam the broker with a burst
// of publisher-confirmed writes all at once.
const republishRateLimit = 50 // messages/sec

// ReconcilerConfig tunes the two sweeps spec.md §4.1/§7 describe.
type ReconcilerConfig struct {
	PollInterval time.Duration // how often both sweeps run
	ReconcileAge time.Duration // T_reconcile, default 30s
	GCAge        time.Duration // T_gc, default 24h
	BatchSize    int
}

// DefaultReconcilerConfig returns spec.md's stated defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		PollInterval: 15 * time.Second,
		ReconcileAge: 30 * time.Second,
		GCAge:        24 * time.Hour,
		BatchSize:    100,
	}
}

// Reconciler repairs the crash window between RS insert and BK publish
// (republish) and sweeps orphaned terminal rows (GC), per spec.md §4.1's
// "crash between step 3 and step 4" paragraph and §7's failure table.
type Reconciler struct {
	svc     *Service
	cfg     ReconcilerConfig
	limiter *rate.Limiter
}

// NewReconciler builds a Reconciler over svc's BS/RS/BK.
func NewReconciler(svc *Service, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(republishRateLimit), republishRateLimit),
	}
}

// Run ticks every cfg.PollInterval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.republishStale(ctx)
			r.gcOrphaned(ctx)
		}
	}
}

// republishStale re-publishes BK messages for PENDING rows whose
// updated_at is older than ReconcileAge. Workers are protected from
// duplicate effects by the status guard in relstore.UpdateIfStatusIn.
func (r *Reconciler) republishStale(ctx context.Context) {
	rows, err := r.svc.rs.StalePending(ctx, int64(r.cfg.ReconcileAge.Seconds()), r.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Str("component", "reconciler").Msg("stale-pending scan failed")
		return
	}

	for _, row := range rows {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		msg := task.Message{ID: row.ID.String(), ImageKey: row.ImageKey, Context: row.ContextText}
		body, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Str("component", "reconciler").Str("task_id", row.ID.String()).Msg("failed to marshal message for republish")
			continue
		}
		if err := r.svc.bk.Publish(ctx, broker.QueueMain, body, true, 0); err != nil {
			log.Error().Err(err).Str("component", "reconciler").Str("task_id", row.ID.String()).Msg("republish failed, will retry next sweep")
			continue
		}
		log.Info().Str("component", "reconciler").Str("task_id", row.ID.String()).Msg("republished stale pending task")
		metrics.ReconcilerRepublishedTotal.Inc()
	}
}

// gcOrphaned deletes DONE/FAILED rows older than GCAge whose backing BS
// object is already gone — an RS row left dangling by a crash between a
// blob delete and its paired row delete (or any other path that removed
// the blob without removing the row). A terminal row whose blob still
// exists is a legitimately completed/approved task, not an orphan, and is
// never touched here: GET /tasks/{id} must keep returning a settled
// task's alt1/alt2/final_alt indefinitely. See spec.md §7's "ingress
// rollback is best-effort" paragraph.
func (r *Reconciler) gcOrphaned(ctx context.Context) {
	rows, err := r.svc.rs.OrphanedTerminal(ctx, int64(r.cfg.GCAge.Seconds()), r.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Str("component", "reconciler").Msg("orphaned-terminal scan failed")
		return
	}

	for _, row := range rows {
		exists, err := r.svc.bs.Exists(ctx, row.ImageKey)
		if err != nil {
			log.Error().Err(err).Str("component", "reconciler").Str("task_id", row.ID.String()).Msg("exists check failed, skipping gc this sweep")
			continue
		}
		if exists {
			// Blob still present: this is a settled task, not an orphan.
			continue
		}
		if err := r.svc.rs.Delete(ctx, row.ID); err != nil {
			log.Error().Err(err).Str("component", "reconciler").Str("task_id", row.ID.String()).Msg("failed to delete orphaned row")
			continue
		}
		log.Info().Str("component", "reconciler").Str("task_id", row.ID.String()).Msg("garbage collected orphaned terminal row")
		metrics.ReconcilerGCedTotal.Inc()
	}
}
