package converter

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/pkg/util"

	"go.uber.org/zap"
)

// Video grabs a single frame with ffmpeg and hands it to the image converter.
type Video struct {
	ffmpeg  string
	ffprobe string
	image   *Image
}

func NewVideo(ffmpegPath, ffprobePath string) (*Video, error) {
	ffmpeg, err := lookBinary(ffmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobe, err := lookBinary(ffprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}
	return &Video{ffmpeg: ffmpeg, ffprobe: ffprobe, image: NewImage()}, nil
}

func (c *Video) Convert(ctx context.Context, in *attachment.Input, opts Options) (*attachment.Input, error) {
	src, cleanup, err := localPath(in, "")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	seek := opts.Seek
	if seek > 0 {
		duration, err := c.Duration(ctx, src, opts)
		if err != nil {
			return nil, err
		}
		// past the end ffmpeg writes nothing
		if seek >= duration {
			seek = duration / 2
		}
	}

	frame := util.TempPath("png")
	defer os.Remove(frame)

	_, err = run(ctx, opts.Timeout, c.ffmpeg,
		"-loglevel", "error",
		"-ss", util.FloatToTimestamp(seek),
		"-i", src,
		"-frames:v", "1",
		"-y", frame,
	)
	if err != nil {
		return nil, err
	}

	if stat, err := os.Stat(frame); err != nil || stat.Size() == 0 {
		zap.L().Debug("ffmpeg produced no frame", zap.String("input", src))
		return nil, nil
	}

	return c.image.Convert(ctx, &attachment.Input{Path: frame}, opts)
}

// Duration returns the length of a video in seconds.
func (c *Video) Duration(ctx context.Context, p string, opts Options) (float64, error) {
	out, err := run(ctx, opts.Timeout, c.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		"-i", p,
	)
	if err != nil {
		return 0, err
	}

	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("malformed duration, %w", err)
	}
	return d, nil
}
