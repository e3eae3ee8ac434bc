package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Broker used by component and handler tests. It
// keeps one FIFO per queue name and honors delay by sleeping in a goroutine
// before enqueuing onto the target queue, so tests can exercise the wait
// queue / backoff path without a running RabbitMQ.
type Memory struct {
	mu      sync.Mutex
	queues  map[string][]memMsg
	waiters map[string]chan struct{}
	closed  bool
}

type memMsg struct {
	body   []byte
	deaths int
	reason []string
}

// NewMemory returns an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[string][]memMsg),
		waiters: make(map[string]chan struct{}),
	}
}

func (m *Memory) notify(queue string) {
	if ch, ok := m.waiters[queue]; ok {
		close(ch)
		delete(m.waiters, queue)
	}
}

func (m *Memory) waitChan(queue string) chan struct{} {
	if ch, ok := m.waiters[queue]; ok {
		return ch
	}
	ch := make(chan struct{})
	m.waiters[queue] = ch
	return ch
}

func (m *Memory) Publish(ctx context.Context, queue string, body []byte, confirm bool, delayMs int) error {
	publish := func() {
		m.mu.Lock()
		m.queues[queue] = append(m.queues[queue], memMsg{body: append([]byte(nil), body...)})
		m.notify(queue)
		m.mu.Unlock()
	}

	if delayMs <= 0 {
		publish()
		return nil
	}

	go func() {
		select {
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
			publish()
		case <-ctx.Done():
		}
	}()
	return nil
}

// PublishDead injects a message carrying a pre-existing death history,
// letting DLQ-consumer tests set up "this message has already failed N
// times" without round-tripping through real delay timers.
func (m *Memory) PublishDead(queue string, body []byte, deaths int, reasons []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queue] = append(m.queues[queue], memMsg{
		body:   append([]byte(nil), body...),
		deaths: deaths,
		reason: append([]string(nil), reasons...),
	})
	m.notify(queue)
}

func (m *Memory) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil
		}
		msgs := m.queues[queue]
		if len(msgs) == 0 {
			wait := m.waitChan(queue)
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
				continue
			}
		}
		msg := msgs[0]
		m.queues[queue] = msgs[1:]
		m.mu.Unlock()

		outcome := handler(ctx, Delivery{
			Body:         string(msg.body),
			Deaths:       msg.deaths,
			DeathReasons: msg.reason,
		})

		switch outcome {
		case Ack:
		case NackRequeue:
			m.mu.Lock()
			m.queues[queue] = append([]memMsg{msg}, m.queues[queue]...)
			m.notify(queue)
			m.mu.Unlock()
		case NackDLQ:
			msg.deaths++
			m.mu.Lock()
			m.queues[QueueDLQ] = append(m.queues[QueueDLQ], msg)
			m.notify(QueueDLQ)
			m.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (m *Memory) QueueDepth(ctx context.Context, queue string) (Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Depth{Ready: len(m.queues[queue])}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, ch := range m.waiters {
		close(ch)
	}
	m.waiters = make(map[string]chan struct{})
	return nil
}
