package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func TestValidateAcceptsSmallPNG(t *testing.T) {
	data := encodePNG(t, 10, 10)
	bounds, err := Validate(data, "image/png")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if bounds.Width != 10 || bounds.Height != 10 {
		t.Fatalf("bounds = %+v, want 10x10", bounds)
	}
}

func TestValidateRejectsUnknownContentType(t *testing.T) {
	data := encodePNG(t, 10, 10)
	if _, err := Validate(data, "application/pdf"); err == nil {
		t.Fatal("expected error for disallowed content type")
	}
}

func TestValidateRejectsOversizedDimensions(t *testing.T) {
	data := encodePNG(t, MaxDimension+1, 10)
	if _, err := Validate(data, "image/png"); err == nil {
		t.Fatal("expected error for oversized dimensions")
	}
}
