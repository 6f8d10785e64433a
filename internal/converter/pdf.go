package converter

import (
	"context"
	"os"
	"strings"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/pkg/util"
)

// PDF rasterizes the first page with pdftoppm.
type PDF struct {
	pdftoppm string
	image    *Image
}

func NewPDF(pdftoppmPath string) (*PDF, error) {
	bin, err := lookBinary(pdftoppmPath, "pdftoppm")
	if err != nil {
		return nil, err
	}
	return &PDF{pdftoppm: bin, image: NewImage()}, nil
}

func (c *PDF) Convert(ctx context.Context, in *attachment.Input, opts Options) (*attachment.Input, error) {
	src, cleanup, err := localPath(in, "pdf")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// pdftoppm appends the extension itself
	prefix := strings.TrimSuffix(util.TempPath("png"), ".png")
	page := prefix + ".png"
	defer os.Remove(page)

	_, err = run(ctx, opts.Timeout, c.pdftoppm, "-png", "-f", "1", "-l", "1", "-singlefile", src, prefix)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(page); err != nil {
		return nil, nil
	}

	return c.image.Convert(ctx, &attachment.Input{Path: page}, opts)
}
