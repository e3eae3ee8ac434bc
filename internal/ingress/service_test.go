package ingress

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/google/uuid"

	"github.com/altify/altify/internal/blobstore"
	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/domain/task"
	"github.com/altify/altify/internal/relstore"
)

func validPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestService() (*Service, blobstore.Store, relstore.Store, broker.Broker) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	bk := broker.NewMemory()
	return New(bs, rs, bk), bs, rs, bk
}

func TestUploadStagesBlobRowAndMessage(t *testing.T) {
	svc, bs, rs, bk := newTestService()
	it := Item{Image: validPNG(t), ContentType: "image/png", Context: "a cat on a mat"}

	id, err := svc.Upload(context.Background(), it)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	key := blobstore.TaskImageKey(id.String())
	if ok, _ := bs.Exists(context.Background(), key); !ok {
		t.Fatal("blob was not staged")
	}

	row, err := rs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if row.Status != task.StatusPending {
		t.Fatalf("status = %v, want PENDING", row.Status)
	}

	depth, _ := bk.QueueDepth(context.Background(), broker.QueueMain)
	if depth.Ready != 1 {
		t.Fatalf("queue depth = %d, want 1 message published", depth.Ready)
	}
}

func TestUploadRejectsEmptyContext(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.Upload(context.Background(), Item{Image: validPNG(t), ContentType: "image/png", Context: "  "})
	if err == nil {
		t.Fatal("expected error for empty context")
	}
}

func TestUploadRejectsUnsupportedContentType(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.Upload(context.Background(), Item{Image: validPNG(t), ContentType: "image/webp", Context: "x"})
	if err == nil {
		t.Fatal("expected error for unsupported content type")
	}
}

func TestBulkUploadRetainsPriorSuccessesOnItemFailure(t *testing.T) {
	svc, _, rs, _ := newTestService()
	items := []Item{
		{Image: validPNG(t), ContentType: "image/png", Context: "first"},
		{Image: validPNG(t), ContentType: "image/png", Context: ""}, // invalid: empty context
		{Image: validPNG(t), ContentType: "image/png", Context: "third"},
	}

	result := svc.BulkUpload(context.Background(), items)
	if len(result.Tasks) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(result.Tasks))
	}
	if result.Tasks[0].ID == nil || result.Tasks[0].Error != nil {
		t.Fatalf("item 0 should have succeeded: %+v", result.Tasks[0])
	}
	if result.Tasks[1].Error == nil {
		t.Fatalf("item 1 should have failed validation: %+v", result.Tasks[1])
	}
	if result.Tasks[2].ID == nil || result.Tasks[2].Error != nil {
		t.Fatalf("item 2 should have succeeded despite item 1 failing: %+v", result.Tasks[2])
	}

	firstID, err := uuid.Parse(*result.Tasks[0].ID)
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}
	if _, err := rs.Get(context.Background(), firstID); err != nil {
		t.Fatalf("first succeeded item's row should exist: %v", err)
	}
}

func TestUploadRollsBackBlobAndRowOnPublishFailure(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	bk := &failingPublishBroker{Broker: broker.NewMemory()}
	svc := New(bs, rs, bk)

	_, err := svc.Upload(context.Background(), Item{Image: validPNG(t), ContentType: "image/png", Context: "x"})
	if err == nil {
		t.Fatal("expected publish failure to propagate")
	}

	if n := bs.Len(); n != 0 {
		t.Fatalf("blobstore has %d objects after rollback, want 0", n)
	}
	if n := rs.Len(); n != 0 {
		t.Fatalf("relstore has %d rows after rollback, want 0", n)
	}
}

func TestApproveRequiresDoneStatus(t *testing.T) {
	svc, _, rs, _ := newTestService()
	id := task.NewID()
	rs.Insert(context.Background(), &task.Task{ID: id, Status: task.StatusProcessing})

	err := svc.Approve(context.Background(), id, 1, "a friendly dog")
	if err != ErrPreconditionFailed {
		t.Fatalf("err = %v, want ErrPreconditionFailed", err)
	}

	row, _ := rs.Get(context.Background(), id)
	if row.FinalAlt.Valid {
		t.Fatal("row must not be mutated when precondition fails")
	}
}

func TestApproveSucceedsFromDone(t *testing.T) {
	svc, _, rs, _ := newTestService()
	id := task.NewID()
	rs.Insert(context.Background(), &task.Task{ID: id, Status: task.StatusDone})

	if err := svc.Approve(context.Background(), id, 2, "a red bicycle"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	row, _ := rs.Get(context.Background(), id)
	if !row.FinalAlt.Valid || row.FinalAlt.String != "a red bicycle" {
		t.Fatalf("final_alt not persisted: %+v", row)
	}
	if !row.SelectedIndex.Valid || row.SelectedIndex.Int32 != 2 {
		t.Fatalf("selected_index not persisted: %+v", row)
	}
}

func TestFinalizeReportsPerItemOutcome(t *testing.T) {
	svc, _, rs, _ := newTestService()
	doneID := task.NewID()
	rs.Insert(context.Background(), &task.Task{ID: doneID, Status: task.StatusDone})

	results := svc.Finalize(context.Background(), []task.FinalizeItem{
		{TaskID: doneID.String(), SelectedAltIndex: 1, FinalAlt: "ok"},
		{TaskID: task.NewID().String(), SelectedAltIndex: 1, FinalAlt: "missing"},
	})

	if !results[0].OK {
		t.Fatalf("first item should succeed: %+v", results[0])
	}
	if results[1].OK {
		t.Fatalf("second item should fail (not found): %+v", results[1])
	}
}

// failingPublishBroker always fails Publish, to exercise the staging
// protocol's rollback path.
type failingPublishBroker struct {
	broker.Broker
}

func (f *failingPublishBroker) Publish(ctx context.Context, queue string, body []byte, confirm bool, delay int) error {
	return errPublishFailed
}

var errPublishFailed = errors.New("simulated publish failure")
