package broker

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPublishConsumeAck(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	go m.Consume(ctx, QueueMain, 1, func(ctx context.Context, d Delivery) Outcome {
		got <- d.Body
		cancel()
		return Ack
	})

	if err := m.Publish(context.Background(), QueueMain, []byte("hello"), false, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case body := <-got:
		if body != "hello" {
			t.Fatalf("got body %q, want hello", body)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryNackDLQRoutesToDeadLetterQueue(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Consume(ctx, QueueMain, 1, func(ctx context.Context, d Delivery) Outcome {
		return NackDLQ
	})

	if err := m.Publish(context.Background(), QueueMain, []byte("poison"), false, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		depth, _ := m.QueueDepth(context.Background(), QueueDLQ)
		if depth.Ready == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message never reached dlq")
}

func TestMemoryNackRequeueRedelivers(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := 0
	done := make(chan struct{})
	go m.Consume(ctx, QueueMain, 1, func(ctx context.Context, d Delivery) Outcome {
		attempts++
		if attempts < 2 {
			return NackRequeue
		}
		close(done)
		return Ack
	})

	if err := m.Publish(context.Background(), QueueMain, []byte("retry-me"), false, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
		if attempts != 2 {
			t.Fatalf("attempts = %d, want 2", attempts)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
}

func TestMemoryPublishDeadCarriesDeathHistory(t *testing.T) {
	m := NewMemory()
	m.PublishDead(QueueDLQ, []byte("zombie"), 3, []string{"rejected@tasks.main"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Delivery, 1)
	go m.Consume(ctx, QueueDLQ, 1, func(ctx context.Context, d Delivery) Outcome {
		got <- d
		cancel()
		return Ack
	})

	select {
	case d := <-got:
		if d.Deaths != 3 || len(d.DeathReasons) != 1 {
			t.Fatalf("unexpected delivery: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}
