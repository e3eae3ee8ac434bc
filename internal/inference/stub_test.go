package inference

import (
	"context"
	"testing"
)

func TestStubGeneratesDistinctCandidates(t *testing.T) {
	s := NewStub()
	out, err := s.Generate(context.Background(), []byte("fake-jpeg-bytes"), "a birthday party", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0] == out[1] {
		t.Fatalf("candidates must differ, got %q twice", out[0])
	}
}

func TestStubRejectsEmptyImage(t *testing.T) {
	s := NewStub()
	_, err := s.Generate(context.Background(), nil, "", 2)
	if ClassifyOf(err) != FailureDeterministic {
		t.Fatalf("empty image should classify as deterministic, got %v", err)
	}
}

func TestStubCandidatesVaryAcrossCalls(t *testing.T) {
	s := NewStub()
	first, _ := s.Generate(context.Background(), []byte("img"), "", 2)
	second, _ := s.Generate(context.Background(), []byte("img"), "", 2)
	if first[0] == second[0] && first[1] == second[1] {
		t.Fatalf("successive calls produced identical candidate sets: %v vs %v", first, second)
	}
}
