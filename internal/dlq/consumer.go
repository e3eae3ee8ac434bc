// Package dlq implements the dead-letter redrive policy described in
// spec.md §4.3: bounded backoff retry for transient failures, terminal
// FAILED for everything else.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/domain/task"
	"github.com/altify/altify/internal/metrics"
	"github.com/altify/altify/internal/relstore"
)

// Config tunes the redrive policy. Defaults match spec.md §4.3/§9.
type Config struct {
	MaxAttempts int           // default 3
	BaseBackoff time.Duration // default 1s, doubled per attempt
	MaxBackoff  time.Duration // default 5m
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

// Consumer drives the DLQ redrive loop over a Broker and Store.
type Consumer struct {
	bk  broker.Broker
	rs  relstore.Store
	cfg Config
}

// New builds a Consumer.
func New(bk broker.Broker, rs relstore.Store, cfg Config) *Consumer {
	return &Consumer{bk: bk, rs: rs, cfg: cfg}
}

// Run consumes tasks.dlq until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.bk.Consume(ctx, broker.QueueDLQ, 1, c.handle)
}

func (c *Consumer) handle(ctx context.Context, d broker.Delivery) broker.Outcome {
	var msg task.Message
	if err := json.Unmarshal([]byte(d.Body), &msg); err != nil {
		log.Error().Err(err).Str("component", "dlq").Msg("malformed message, dropping")
		return broker.Ack
	}

	id, err := uuid.Parse(msg.ID)
	if err != nil {
		log.Error().Err(err).Str("component", "dlq").Str("task_id", msg.ID).Msg("malformed task id, dropping")
		return broker.Ack
	}

	logger := log.With().Str("component", "dlq").Str("task_id", id.String()).Logger()

	// x-death is authoritative per spec.md §4.3 step 1: the broker, not
	// the RS row, has the ground truth for how many times this exact
	// message has been dead-lettered.
	attempts := d.Deaths
	if attempts == 0 {
		attempts = 1
	}

	if attempts < c.cfg.MaxAttempts {
		return c.retry(ctx, logger, id, msg, attempts)
	}
	return c.giveUp(ctx, logger, id, d.DeathReasons)
}

func (c *Consumer) retry(ctx context.Context, logger zerolog.Logger, id uuid.UUID, msg task.Message, attempts int) broker.Outcome {
	pending := task.StatusPending
	err := c.rs.UpdateIfStatusIn(ctx, id,
		[]task.Status{task.StatusProcessing, task.StatusPending},
		relstore.Patch{Status: &pending},
	)
	if err != nil && !errors.Is(err, relstore.ErrNoMatch) {
		logger.Error().Err(err).Msg("failed to reset status to PENDING, will redeliver dlq message")
		return broker.NackRequeue
	}

	delay := backoffFor(c.cfg.BaseBackoff, c.cfg.MaxBackoff, attempts)

	body, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to re-marshal message for redrive")
		return broker.NackDLQ
	}

	if err := c.bk.Publish(ctx, broker.QueueMain, body, true, int(delay.Milliseconds())); err != nil {
		logger.Error().Err(err).Msg("failed to republish for redrive")
		return broker.NackRequeue
	}

	logger.Info().Int("attempts", attempts).Dur("delay", delay).Msg("redriving after backoff")
	metrics.DLQRedrivesTotal.WithLabelValues("retried").Inc()
	return broker.Ack
}

func (c *Consumer) giveUp(ctx context.Context, logger zerolog.Logger, id uuid.UUID, reasons []string) broker.Outcome {
	reason := "exceeded max_attempts"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	failed := task.StatusFailed
	err := c.rs.UpdateIfStatusIn(ctx, id,
		[]task.Status{task.StatusProcessing, task.StatusPending},
		relstore.Patch{Status: &failed, LastError: &reason},
	)
	if err != nil && !errors.Is(err, relstore.ErrNoMatch) {
		logger.Error().Err(err).Msg("failed to mark FAILED after exhausting retries")
		return broker.NackRequeue
	}

	logger.Warn().Str("reason", reason).Msg("task exhausted retry budget, marked FAILED")
	metrics.DLQRedrivesTotal.WithLabelValues("failed").Inc()
	return broker.Ack
}

// backoffFor computes base * 2^(attempts-1), capped at maxBackoff, per
// spec.md §4.3's exponential-backoff formula.
func backoffFor(base, maxBackoff time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
