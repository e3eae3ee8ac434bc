// Package autoscaler implements the queue-depth-driven control loop from
// spec.md §4.4: poll the main queue, compute a desired replica count, and
// apply it through an opaque Orchestrator capability, immediate on
// scale-up and cooldown-gated on scale-down.
package autoscaler

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/metrics"
)

// Orchestrator applies a replica count. It is deliberately opaque — spec.md
// §4.4 calls it "opaque to this design" — so it can be backed by a log
// line, a Redis key an external supervisor watches, or eventually a real
// scheduler API.
type Orchestrator interface {
	Scale(ctx context.Context, service string, n int) error
	Current(ctx context.Context, service string) (int, error)
}

// Config holds the tunables spec.md §6 lists as env vars.
type Config struct {
	Service         string
	PollInterval    time.Duration // T_poll, default 10s
	Cooldown        time.Duration // T_cool, default 120s
	MinWorkers      int
	MaxWorkers      int
	TargetPerWorker int // default 4
}

// DefaultConfig returns spec.md's stated defaults with the given bounds.
func DefaultConfig(minWorkers, maxWorkers int) Config {
	return Config{
		Service:         "altify-worker",
		PollInterval:    10 * time.Second,
		Cooldown:        120 * time.Second,
		MinWorkers:      minWorkers,
		MaxWorkers:      maxWorkers,
		TargetPerWorker: 4,
	}
}

// Autoscaler is the control loop. lowSince tracks when the main queue last
// became empty (no ready messages) while a scale-down was pending. It is
// held in process memory only, so a restart starts the cooldown window
// over; no Orchestrator persists it.
type Autoscaler struct {
	bk   broker.Broker
	orch Orchestrator
	cfg  Config

	lowSince time.Time
}

// New builds an Autoscaler.
func New(bk broker.Broker, orch Orchestrator, cfg Config) *Autoscaler {
	return &Autoscaler{bk: bk, orch: orch, cfg: cfg}
}

// Run ticks every cfg.PollInterval until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) {
	depth, err := a.bk.QueueDepth(ctx, broker.QueueMain)
	if err != nil {
		log.Error().Err(err).Str("component", "autoscaler").Msg("queue depth query failed")
		return
	}

	current, err := a.orch.Current(ctx, a.cfg.Service)
	if err != nil {
		log.Error().Err(err).Str("component", "autoscaler").Msg("orchestrator unreachable, reporting only")
		return
	}

	desired := Desired(depth.Ready, a.cfg.TargetPerWorker, a.cfg.MinWorkers, a.cfg.MaxWorkers)

	metrics.AutoscalerDesiredReplicas.Set(float64(desired))
	metrics.AutoscalerCurrentReplicas.Set(float64(current))

	now := time.Now()
	// Unacked isn't populated by every Broker (the AMQP adapter can't get
	// it without the management API), so busy is judged on Ready alone:
	// messages still queued, not yet picked up by a worker.
	busy := depth.Ready > 0

	switch {
	case desired > current:
		a.lowSince = time.Time{}
		metrics.AutoscalerCooldownRemaining.Set(0)
		a.apply(ctx, current, desired)

	case desired < current:
		if busy {
			a.lowSince = time.Time{}
		} else if a.lowSince.IsZero() {
			a.lowSince = now
		}

		elapsed := now.Sub(a.lowSince)
		remaining := a.cfg.Cooldown - elapsed
		if remaining < 0 {
			remaining = 0
		}
		metrics.AutoscalerCooldownRemaining.Set(remaining.Seconds())

		if !a.lowSince.IsZero() && elapsed >= a.cfg.Cooldown {
			a.apply(ctx, current, desired)
			a.lowSince = time.Time{}
		}

	default:
		a.lowSince = time.Time{}
		metrics.AutoscalerCooldownRemaining.Set(0)
	}
}

func (a *Autoscaler) apply(ctx context.Context, current, desired int) {
	if err := a.orch.Scale(ctx, a.cfg.Service, desired); err != nil {
		log.Error().Err(err).Str("component", "autoscaler").Int("desired", desired).Msg("scale request failed")
		return
	}
	log.Info().Str("component", "autoscaler").Int("from", current).Int("to", desired).Msg("scaled")
}

// Desired computes clamp(ceil(ready/targetPerWorker), min, max), the
// formula in spec.md §4.4 step 2.
func Desired(ready, targetPerWorker, min, max int) int {
	if targetPerWorker <= 0 {
		targetPerWorker = 1
	}
	n := int(math.Ceil(float64(ready) / float64(targetPerWorker)))
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}
