package converter

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/pkg/util"
)

// Document converts office documents to PDF with LibreOffice and then
// rasterizes the first page.
type Document struct {
	soffice string
	pdf     *PDF
}

func NewDocument(libreofficePath string, pdf *PDF) (*Document, error) {
	bin, err := lookBinary(libreofficePath, "soffice")
	if err != nil {
		return nil, err
	}
	return &Document{soffice: bin, pdf: pdf}, nil
}

func (c *Document) Convert(ctx context.Context, in *attachment.Input, opts Options) (*attachment.Input, error) {
	src, cleanup, err := localPath(in, "")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	outDir := util.TempPath("")
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, err
	}
	defer os.RemoveAll(outDir)

	_, err = run(ctx, opts.Timeout, c.soffice, "--headless", "--convert-to", "pdf", "--outdir", outDir, src)
	if err != nil {
		return nil, err
	}

	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	pdf := filepath.Join(outDir, stem+".pdf")
	if _, err := os.Stat(pdf); err != nil {
		return nil, nil
	}

	return c.pdf.Convert(ctx, &attachment.Input{Path: pdf}, opts)
}
