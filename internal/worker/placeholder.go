package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"

	"github.com/schrodinger-ai/imagegen-scheduler/internal/state"
)

// Placeholder returns a Generator that renders a flat-color PNG derived
// from the prompt. It stands in for a real provider client in local
// runs and tests; production deployments wire their own Generator.
func Placeholder() Generator {
	return GeneratorFunc(func(_ context.Context, prompt string, _ state.APIKeyRecord) ([]byte, error) {
		var sum uint32
		for _, r := range prompt {
			sum = sum*31 + uint32(r)
		}
		c := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}
		img := image.NewRGBA(image.Rect(0, 0, 64, 64))
		for y := 0; y < 64; y++ {
			for x := 0; x < 64; x++ {
				img.SetRGBA(x, y, c)
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
}
