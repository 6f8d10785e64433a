package converter

import (
	"context"
	"strings"

	"bitwise74/attachments/internal/attachment"

	"go.uber.org/zap"
)

// Autodetect sniffs the input and dispatches to the converter for its media
// type. Types without a converter produce no output.
type Autodetect struct {
	Image    Converter
	Video    Converter
	PDF      Converter
	Document Converter
}

var documentTypes = []string{
	"application/msword",
	"application/vnd.ms-",
	"application/vnd.openxmlformats-officedocument.",
	"application/vnd.oasis.opendocument.",
	"application/rtf",
	"text/rtf",
}

func (c *Autodetect) Convert(ctx context.Context, in *attachment.Input, opts Options) (*attachment.Input, error) {
	info, err := attachment.Probe(in, "")
	if err != nil {
		return nil, err
	}

	next := c.pick(info.MimeType)
	if next == nil {
		zap.L().Debug("No converter for media type", zap.String("mime_type", info.MimeType))
		return nil, nil
	}
	return next.Convert(ctx, in, opts)
}

func (c *Autodetect) pick(mimeType string) Converter {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return c.Image
	case strings.HasPrefix(mimeType, "video/"):
		return c.Video
	case mimeType == "application/pdf":
		return c.PDF
	}
	for _, prefix := range documentTypes {
		if strings.HasPrefix(mimeType, prefix) {
			return c.Document
		}
	}
	return nil
}
