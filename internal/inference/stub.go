package inference

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Stub is a deterministic Inferencer standing in for the real model
// endpoint. It never actually looks at image bytes; it derives k distinct
// candidate strings from an internal call counter so repeated calls (and
// therefore repeated tasks) don't collapse onto identical text, which
// would violate the two-distinct-candidates invariant trivially rather
// than by accident.
type Stub struct {
	calls int64
}

// NewStub returns a ready-to-use stub.
func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) Generate(ctx context.Context, image []byte, contextText string, k int) ([]string, error) {
	if len(image) == 0 {
		return nil, &Error{Kind: FailureDeterministic, Err: fmt.Errorf("empty image payload")}
	}
	if k <= 0 {
		return nil, &Error{Kind: FailureDeterministic, Err: fmt.Errorf("k must be positive, got %d", k)}
	}

	call := atomic.AddInt64(&s.calls, 1)

	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = s.candidate(call, i, contextText)
	}
	return out, nil
}

func (s *Stub) candidate(call int64, slot int, contextText string) string {
	base := stubPhrases[int(call+int64(slot))%len(stubPhrases)]
	if contextText != "" {
		return fmt.Sprintf("%s, %s", base, contextText)
	}
	return base
}

var stubPhrases = []string{
	"a photo of a subject against a plain background",
	"an image showing the main subject in natural light",
	"a close-up view of the subject",
	"a wide shot capturing the full scene",
	"a candid photo of the subject in motion",
	"a studio-lit portrait of the subject",
}
