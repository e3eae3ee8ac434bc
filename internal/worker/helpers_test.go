package worker

import (
	"bytes"
	"image"
	"image/png"
	"io"
	"testing"

	"github.com/google/uuid"
)

func mustParseUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("parse uuid %q: %v", s, err)
	}
	return id
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func validPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
