package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/altify/altify/internal/blobstore"
	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/domain/task"
	"github.com/altify/altify/internal/inference"
	"github.com/altify/altify/internal/relstore"
)

// fakeInferencer lets each test script an exact sequence of outcomes.
type fakeInferencer struct {
	calls   int
	results [][]string
	errs    []error
}

func (f *fakeInferencer) Generate(ctx context.Context, image []byte, contextText string, k int) ([]string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return []string{"A", "B"}, nil
}

func seedTask(t *testing.T, rs relstore.Store, bs blobstore.Store, id string, imageBytes []byte) task.Message {
	t.Helper()
	uid := mustParseUUID(t, id)
	key := blobstore.TaskImageKey(id)
	if len(imageBytes) > 0 {
		if err := bs.Put(context.Background(), key, bytesReader(imageBytes), "image/png"); err != nil {
			t.Fatalf("seed blob: %v", err)
		}
	}
	if err := rs.Insert(context.Background(), &task.Task{ID: uid, ImageKey: key, ContextText: "cat on mat", Status: task.StatusPending}); err != nil {
		t.Fatalf("seed rs: %v", err)
	}
	return task.Message{ID: id, ImageKey: key, Context: "cat on mat"}
}

func TestWorkerHappyPath(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	inf := &fakeInferencer{results: [][]string{{"A cat on a mat.", "A feline resting."}}}
	w := New(bs, rs, nil, inf, DefaultConfig())

	id := "11111111-1111-1111-1111-111111111111"
	msg := seedTask(t, rs, bs, id, validPNG())
	body, _ := json.Marshal(msg)

	outcome := w.handle(context.Background(), broker.Delivery{Body: string(body)})
	if outcome != broker.Ack {
		t.Fatalf("outcome = %v, want Ack", outcome)
	}

	got, err := rs.Get(context.Background(), mustParseUUID(t, id))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusDone || !got.Alt1.Valid || !got.Alt2.Valid {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.Alt1.String == got.Alt2.String {
		t.Fatal("candidates must be distinct")
	}
}

func TestWorkerDuplicateDeliveryDropsSecondAttempt(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	inf := &fakeInferencer{}
	w := New(bs, rs, nil, inf, DefaultConfig())

	id := "22222222-2222-2222-2222-222222222222"
	msg := seedTask(t, rs, bs, id, validPNG())
	body, _ := json.Marshal(msg)

	first := w.handle(context.Background(), broker.Delivery{Body: string(body)})
	second := w.handle(context.Background(), broker.Delivery{Body: string(body)})

	if first != broker.Ack || second != broker.Ack {
		t.Fatalf("both deliveries should ack: first=%v second=%v", first, second)
	}
	if inf.calls != 1 {
		t.Fatalf("inferencer called %d times, want exactly 1", inf.calls)
	}
}

func TestWorkerTerminalDecodeErrorMarksFailed(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	inf := &fakeInferencer{errs: []error{&inference.Error{Kind: inference.FailureDeterministic, Err: errors.New("decode error")}}}
	w := New(bs, rs, nil, inf, DefaultConfig())

	id := "33333333-3333-3333-3333-333333333333"
	msg := seedTask(t, rs, bs, id, validPNG())
	body, _ := json.Marshal(msg)

	outcome := w.handle(context.Background(), broker.Delivery{Body: string(body)})
	if outcome != broker.Ack {
		t.Fatalf("outcome = %v, want Ack", outcome)
	}

	got, _ := rs.Get(context.Background(), mustParseUUID(t, id))
	if got.Status != task.StatusFailed || !got.LastError.Valid {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestWorkerTransientFailureNacksToDLQWithoutMutatingStatus(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	inf := &fakeInferencer{errs: []error{&inference.Error{Kind: inference.FailureTransient, Err: errors.New("cuda oom")}}}
	w := New(bs, rs, nil, inf, DefaultConfig())

	id := "44444444-4444-4444-4444-444444444444"
	msg := seedTask(t, rs, bs, id, validPNG())
	body, _ := json.Marshal(msg)

	outcome := w.handle(context.Background(), broker.Delivery{Body: string(body)})
	if outcome != broker.NackDLQ {
		t.Fatalf("outcome = %v, want NackDLQ", outcome)
	}

	got, _ := rs.Get(context.Background(), mustParseUUID(t, id))
	if got.Status != task.StatusProcessing {
		t.Fatalf("status = %v, want PROCESSING (unmutated)", got.Status)
	}
}

func TestWorkerMissingBlobMarksFailed(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	inf := &fakeInferencer{}
	w := New(bs, rs, nil, inf, DefaultConfig())

	id := "55555555-5555-5555-5555-555555555555"
	msg := seedTask(t, rs, bs, id, nil) // no blob staged
	body, _ := json.Marshal(msg)

	outcome := w.handle(context.Background(), broker.Delivery{Body: string(body)})
	if outcome != broker.Ack {
		t.Fatalf("outcome = %v, want Ack", outcome)
	}

	got, _ := rs.Get(context.Background(), mustParseUUID(t, id))
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %v, want FAILED", got.Status)
	}
}

func TestWorkerMalformedMessageAcksAndDrops(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	w := New(bs, rs, nil, &fakeInferencer{}, DefaultConfig())

	outcome := w.handle(context.Background(), broker.Delivery{Body: "{not json"})
	if outcome != broker.Ack {
		t.Fatalf("outcome = %v, want Ack for malformed message", outcome)
	}
}

func TestWorkerHonorsInferenceTimeout(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	cfg := Config{InferTimeout: 10 * time.Millisecond}
	slow := &slowInferencer{delay: 50 * time.Millisecond}
	w := New(bs, rs, nil, slow, cfg)

	id := "66666666-6666-6666-6666-666666666666"
	msg := seedTask(t, rs, bs, id, validPNG())
	body, _ := json.Marshal(msg)

	outcome := w.handle(context.Background(), broker.Delivery{Body: string(body)})
	if outcome != broker.NackDLQ {
		t.Fatalf("outcome = %v, want NackDLQ on timeout", outcome)
	}
}

type slowInferencer struct{ delay time.Duration }

func (s *slowInferencer) Generate(ctx context.Context, image []byte, contextText string, k int) ([]string, error) {
	select {
	case <-time.After(s.delay):
		return []string{"A", "B"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
