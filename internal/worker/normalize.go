package worker

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// maxInferenceSide bounds the longest edge handed to the Inferencer. Very
// large originals are downsampled first the same way the teacher's
// image-worker capped originals before storing them — here the resize
// only feeds the model call, the original bytes in blob storage are left
// untouched.
const maxInferenceSide = 1536

// normalizeForInference decodes data and, if either side exceeds
// maxInferenceSide, re-encodes a Lanczos-resampled JPEG copy sized to fit.
// Images already within bounds are passed through unchanged.
func normalizeForInference(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode for normalization: %w", err)
	}

	b := img.Bounds()
	if b.Dx() <= maxInferenceSide && b.Dy() <= maxInferenceSide {
		return data, nil
	}

	resized := imaging.Fit(img, maxInferenceSide, maxInferenceSide, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode normalized image: %w", err)
	}
	return buf.Bytes(), nil
}
