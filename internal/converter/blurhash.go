package converter

import (
	"fmt"

	"bitwise74/attachments/internal/attachment"

	"github.com/buckket/go-blurhash"
	"github.com/disintegration/imaging"
)

// Encoding cost grows with the pixel count, the hash doesn't need more
const blurhashSampleSize = 64

// Blurhash computes a placeholder string for an image input.
func Blurhash(in *attachment.Input, opts BlurhashOptions) (string, error) {
	if opts.X <= 0 {
		opts.X = 4
	}
	if opts.Y <= 0 {
		opts.Y = 3
	}

	img, err := decodeImage(in)
	if err != nil {
		return "", err
	}
	img = imaging.Fit(img, blurhashSampleSize, blurhashSampleSize, imaging.Box)

	hash, err := blurhash.Encode(opts.X, opts.Y, img)
	if err != nil {
		return "", fmt.Errorf("failed to compute blurhash, %w", err)
	}
	return hash, nil
}
