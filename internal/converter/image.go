package converter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"bitwise74/attachments/internal/attachment"

	"github.com/disintegration/imaging"
)

// Image resizes and re-encodes images. It is also the last step of every
// other converter.
type Image struct{}

func NewImage() *Image {
	return &Image{}
}

func (c *Image) Convert(ctx context.Context, in *attachment.Input, opts Options) (*attachment.Input, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := decodeImage(in)
	if err != nil {
		return nil, err
	}

	img = resize(img, opts)

	format, err := outputFormat(opts.Format)
	if err != nil {
		return nil, err
	}

	var encodeOpts []imaging.EncodeOption
	if opts.Quality > 0 {
		encodeOpts = append(encodeOpts, imaging.JPEGQuality(opts.Quality))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, encodeOpts...); err != nil {
		return nil, fmt.Errorf("failed to encode image, %w", err)
	}

	return &attachment.Input{Bytes: buf.Bytes()}, nil
}

func decodeImage(in *attachment.Input) (image.Image, error) {
	r, err := in.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image, %w", err)
	}
	return img, nil
}

func resize(img image.Image, opts Options) image.Image {
	w, h := opts.Width, opts.Height
	if w <= 0 && h <= 0 {
		return img
	}

	// a single dimension keeps the aspect ratio whatever the fit
	if w <= 0 || h <= 0 {
		return imaging.Resize(img, w, h, imaging.Lanczos)
	}

	switch strings.ToLower(opts.Fit) {
	case "contain", "inside":
		return imaging.Fit(img, w, h, imaging.Lanczos)
	case "fill":
		return imaging.Resize(img, w, h, imaging.Lanczos)
	default:
		return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	}
}

func outputFormat(name string) (imaging.Format, error) {
	if name == "" {
		return imaging.JPEG, nil
	}
	f, err := imaging.FormatFromExtension(name)
	if err != nil {
		return 0, fmt.Errorf("unsupported output format %q, %w", name, err)
	}
	return f, nil
}
