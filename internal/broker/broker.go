// Package broker defines the durable work-queue contract (BK in the design
// doc): a FIFO main queue paired with a dead-letter queue, publisher
// confirms, per-consumer prefetch, and a queue-depth observability API.
package broker

import (
	"context"
	"strconv"
)

// Outcome is what a Handler decides to do with one delivery.
type Outcome int

const (
	// Ack removes the message from the queue; processing succeeded or the
	// message was recognized as a safe-to-drop duplicate.
	Ack Outcome = iota
	// NackRequeue returns the message to the front of its queue for
	// immediate redelivery. The DLQ consumer returns it when it cannot
	// reset the row, republish the message, or record FAILED.
	NackRequeue
	// NackDLQ dead-letters the message: the broker's DLX routes it to the
	// paired dead-letter queue after this and prior attempts, subject to
	// the queue's max-length/delivery-count policy.
	NackDLQ
)

// Delivery is one message handed to a consumer, along with the metadata
// the DLQ consumer needs to make a redrive decision.
type Delivery struct {
	Body string
	// Deaths is the x-death delivery count as tracked by the broker's
	// DLX. Zero for a message that has never been dead-lettered.
	Deaths int
	// DeathReasons holds one "reason@queue" string per x-death entry, in
	// the order the header lists them.
	DeathReasons []string
}

// Handler processes one delivery and reports the outcome.
type Handler func(ctx context.Context, d Delivery) Outcome

// Depth reports a queue's ready (not yet delivered) and unacked
// (delivered, awaiting ack/nack) message counts.
type Depth struct {
	Ready   int
	Unacked int
}

// Broker is the adapter contract every component (ingress, worker, DLQ
// consumer) depends on instead of a concrete driver.
type Broker interface {
	// Publish sends body to queue. When confirm is true the call blocks
	// until the broker has durably accepted the message (publisher
	// confirms). delay, when non-zero, routes the message through a
	// per-delay wait queue that dead-letters back to queue after delay
	// elapses — the mechanism the DLQ consumer uses for backoff redrive.
	Publish(ctx context.Context, queue string, body []byte, confirm bool, delay int) error

	// Consume starts delivering messages from queue to handler with the
	// given prefetch (in-flight unacked cap for this consumer) until ctx
	// is cancelled. It blocks until the consumer stops.
	Consume(ctx context.Context, queue string, prefetch int, handler Handler) error

	// QueueDepth returns the current (ready, unacked) counts for queue.
	QueueDepth(ctx context.Context, queue string) (Depth, error)

	// Close releases broker resources (connections, channels).
	Close() error
}

// Queue names fixed by spec.md §6.
const (
	QueueMain = "tasks.main"
	QueueDLQ  = "tasks.dlq"
)

// WaitQueue names the per-delay backoff queue used by DLQ redrive.
func WaitQueue(delayMs int) string {
	return "tasks.wait." + strconv.Itoa(delayMs)
}
