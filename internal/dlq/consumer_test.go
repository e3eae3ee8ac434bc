package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/domain/task"
	"github.com/altify/altify/internal/relstore"
)

func TestBackoffForDoublesPerAttemptAndCaps(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, max}, // 16s would exceed the 10s cap
	}
	for _, c := range cases {
		got := backoffFor(base, max, c.attempts)
		if got != c.want {
			t.Errorf("backoffFor(attempts=%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}

func TestConsumerRetriesBelowMaxAttempts(t *testing.T) {
	rs := relstore.NewFake()
	bk := broker.NewMemory()
	id := task.NewID()
	rs.Insert(context.Background(), &task.Task{ID: id, Status: task.StatusProcessing, ImageKey: "tasks/" + id.String()})

	c := New(bk, rs, Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Second})

	msg := task.Message{ID: id.String(), ImageKey: "tasks/" + id.String(), Context: "x"}
	body, _ := json.Marshal(msg)

	outcome := c.handle(context.Background(), broker.Delivery{Body: string(body), Deaths: 1})
	if outcome != broker.Ack {
		t.Fatalf("outcome = %v, want Ack", outcome)
	}

	got, _ := rs.Get(context.Background(), id)
	if got.Status != task.StatusPending {
		t.Fatalf("status = %v, want PENDING after redrive reset", got.Status)
	}

	// The retry should have republished to the main queue (possibly via a
	// delayed wait queue internally, but Memory delivers immediately once
	// the delay elapses).
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		depth, _ := bk.QueueDepth(context.Background(), broker.QueueMain)
		if depth.Ready == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message was never republished to tasks.main")
}

func TestConsumerFailsTaskAtMaxAttempts(t *testing.T) {
	rs := relstore.NewFake()
	bk := broker.NewMemory()
	id := task.NewID()
	rs.Insert(context.Background(), &task.Task{ID: id, Status: task.StatusProcessing})

	c := New(bk, rs, Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Second})

	msg := task.Message{ID: id.String(), ImageKey: "tasks/" + id.String(), Context: "x"}
	body, _ := json.Marshal(msg)

	outcome := c.handle(context.Background(), broker.Delivery{
		Body:         string(body),
		Deaths:       3,
		DeathReasons: []string{"oom@tasks.main", "timeout@tasks.main"},
	})
	if outcome != broker.Ack {
		t.Fatalf("outcome = %v, want Ack", outcome)
	}

	got, _ := rs.Get(context.Background(), id)
	if got.Status != task.StatusFailed || !got.LastError.Valid {
		t.Fatalf("unexpected row: %+v", got)
	}
}
