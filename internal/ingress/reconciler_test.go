package ingress

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/altify/altify/internal/blobstore"
	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/domain/task"
	"github.com/altify/altify/internal/relstore"
)

func TestReconcilerRepublishesStalePendingRows(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	bk := broker.NewMemory()
	svc := New(bs, rs, bk)

	id := task.NewID()
	row := &task.Task{ID: id, ImageKey: blobstore.TaskImageKey(id.String()), ContextText: "x", Status: task.StatusPending}
	rs.Insert(context.Background(), row)
	rs.Backdate(id, 40*time.Second) // older than the 30s ReconcileAge below

	r := NewReconciler(svc, ReconcilerConfig{ReconcileAge: 30 * time.Second, GCAge: 24 * time.Hour, BatchSize: 10})
	r.republishStale(context.Background())

	depth, _ := bk.QueueDepth(context.Background(), broker.QueueMain)
	if depth.Ready != 1 {
		t.Fatalf("queue depth = %d, want 1 republished message", depth.Ready)
	}
}

func TestReconcilerLeavesFreshPendingRowsAlone(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	bk := broker.NewMemory()
	svc := New(bs, rs, bk)

	id := task.NewID()
	rs.Insert(context.Background(), &task.Task{ID: id, Status: task.StatusPending})

	r := NewReconciler(svc, ReconcilerConfig{ReconcileAge: 30 * time.Second, GCAge: 24 * time.Hour, BatchSize: 10})
	r.republishStale(context.Background())

	depth, _ := bk.QueueDepth(context.Background(), broker.QueueMain)
	if depth.Ready != 0 {
		t.Fatalf("queue depth = %d, want 0: a freshly inserted row should not be republished yet", depth.Ready)
	}
}

func TestReconcilerGCsOrphanedTerminalRows(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	bk := broker.NewMemory()
	svc := New(bs, rs, bk)

	// No blob was ever staged under this image key, so the row is a true
	// orphan: a terminal row with nothing backing it.
	id := task.NewID()
	rs.Insert(context.Background(), &task.Task{ID: id, ImageKey: blobstore.TaskImageKey(id.String()), Status: task.StatusDone})
	rs.Backdate(id, 25*time.Hour)

	r := NewReconciler(svc, ReconcilerConfig{ReconcileAge: 30 * time.Second, GCAge: 24 * time.Hour, BatchSize: 10})
	r.gcOrphaned(context.Background())

	if rs.Len() != 0 {
		t.Fatalf("relstore has %d rows, want 0 after gc", rs.Len())
	}
}

func TestReconcilerLeavesSettledTasksWithExistingBlobsAlone(t *testing.T) {
	bs := blobstore.NewFake()
	rs := relstore.NewFake()
	bk := broker.NewMemory()
	svc := New(bs, rs, bk)

	// A legitimately completed task: its blob is still present, even
	// though the row is well past GCAge. This must never be collected —
	// GET /tasks/{id} has to keep returning its alt1/alt2/final_alt.
	id := task.NewID()
	imageKey := blobstore.TaskImageKey(id.String())
	if err := bs.Put(context.Background(), imageKey, strings.NewReader("fake image bytes"), "image/png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rs.Insert(context.Background(), &task.Task{ID: id, ImageKey: imageKey, Status: task.StatusDone})
	rs.Backdate(id, 25*time.Hour)

	r := NewReconciler(svc, ReconcilerConfig{ReconcileAge: 30 * time.Second, GCAge: 24 * time.Hour, BatchSize: 10})
	r.gcOrphaned(context.Background())

	if rs.Len() != 1 {
		t.Fatalf("relstore has %d rows, want 1: a settled task with an existing blob must survive gc", rs.Len())
	}
	exists, err := bs.Exists(context.Background(), imageKey)
	if err != nil || !exists {
		t.Fatalf("blob for settled task should still exist, exists=%v err=%v", exists, err)
	}
}
