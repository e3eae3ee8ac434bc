package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFakePutIfAbsent(t *testing.T) {
	store := NewFake()
	ctx := context.Background()

	if err := store.Put(ctx, "tasks/1", strings.NewReader("a"), "image/png"); err != nil {
		t.Fatalf("first put: %v", err)
	}

	err := store.Put(ctx, "tasks/1", strings.NewReader("b"), "image/png")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	rc, err := store.Get(ctx, "tasks/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "a" {
		t.Fatalf("expected original content preserved, got %q", data)
	}
}

func TestFakeGetNotFound(t *testing.T) {
	store := NewFake()
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFakeDeleteThenMissing(t *testing.T) {
	store := NewFake()
	ctx := context.Background()
	_ = store.Put(ctx, "k", strings.NewReader("x"), "text/plain")

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	ok, err := store.Exists(ctx, "k")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatal("expected key to be gone after delete")
	}
}
