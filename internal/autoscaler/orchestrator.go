package autoscaler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// LogOrchestrator only logs the scaling intent; it tracks "current" purely
// in-process. Used when no real orchestration API is wired — the
// reference deployment's opaque Orchestrator stand-in.
type LogOrchestrator struct {
	mu      sync.Mutex
	current int
}

// NewLogOrchestrator seeds the in-process replica count.
func NewLogOrchestrator(initial int) *LogOrchestrator {
	return &LogOrchestrator{current: initial}
}

func (o *LogOrchestrator) Scale(ctx context.Context, service string, n int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	log.Info().Str("component", "orchestrator").Str("service", service).Int("replicas", n).Msg("would resize (log-only orchestrator)")
	o.current = n
	return nil
}

func (o *LogOrchestrator) Current(ctx context.Context, service string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current, nil
}

// RedisOrchestrator writes the desired replica count to a Redis key for an
// external process-supervisor to observe and enact, and reads the count
// that supervisor last confirmed back from a companion key — keeping the
// scaling capability genuinely external while giving the reference
// implementation something runnable end to end.
type RedisOrchestrator struct {
	rdb        *redis.Client
	keyPrefix  string
	fallback   int
	confirmTTL time.Duration
}

// NewRedisOrchestrator builds a RedisOrchestrator. fallback is returned by
// Current when no supervisor has confirmed a replica count yet.
func NewRedisOrchestrator(rdb *redis.Client, keyPrefix string, fallback int) *RedisOrchestrator {
	if keyPrefix == "" {
		keyPrefix = "altify:autoscaler"
	}
	return &RedisOrchestrator{rdb: rdb, keyPrefix: keyPrefix, fallback: fallback, confirmTTL: 5 * time.Minute}
}

func (o *RedisOrchestrator) desiredKey(service string) string {
	return fmt.Sprintf("%s:%s:desired", o.keyPrefix, service)
}

func (o *RedisOrchestrator) confirmedKey(service string) string {
	return fmt.Sprintf("%s:%s:confirmed", o.keyPrefix, service)
}

func (o *RedisOrchestrator) Scale(ctx context.Context, service string, n int) error {
	if err := o.rdb.Set(ctx, o.desiredKey(service), n, 0).Err(); err != nil {
		return fmt.Errorf("write desired replicas: %w", err)
	}
	return nil
}

func (o *RedisOrchestrator) Current(ctx context.Context, service string) (int, error) {
	val, err := o.rdb.Get(ctx, o.confirmedKey(service)).Result()
	if err == redis.Nil {
		return o.fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read confirmed replicas: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse confirmed replicas %q: %w", val, err)
	}
	return n, nil
}

// ConfirmReplicas lets the external supervisor report back the replica
// count it actually applied, with a TTL so a dead supervisor's stale
// confirmation doesn't pin Current forever.
func (o *RedisOrchestrator) ConfirmReplicas(ctx context.Context, service string, n int) error {
	return o.rdb.Set(ctx, o.confirmedKey(service), n, o.confirmTTL).Err()
}
