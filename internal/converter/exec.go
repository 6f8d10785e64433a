package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/pkg/util"

	"go.uber.org/zap"
)

const defaultTimeout = time.Minute

// lookBinary resolves a binary on PATH, falling back to name when path is
// empty.
func lookBinary(path, name string) (string, error) {
	if path == "" {
		path = name
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMissingBinary, path)
	}
	return resolved, nil
}

// run executes bin with a timeout. The process is killed when the timeout
// hits and ErrTimeout is returned.
func run(ctx context.Context, timeout time.Duration, bin string, args ...string) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)

	var stdOut, stdErr bytes.Buffer
	cmd.Stdout = &stdOut
	cmd.Stderr = &stdErr

	zap.L().Debug("Running converter command", zap.String("cmd", cmd.String()))

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, filepath.Base(bin), timeout)
		}
		return nil, fmt.Errorf("%s failed, %w (%s)", filepath.Base(bin), err, stdErr.String())
	}

	return stdOut.Bytes(), nil
}

// localPath makes sure in is backed by a file, since external tools only
// read from disk. The returned cleanup removes any file created here.
func localPath(in *attachment.Input, ext string) (string, func(), error) {
	if in == nil {
		return "", func() {}, attachment.ErrNoInput
	}
	if in.Path != "" {
		return in.Path, func() {}, nil
	}

	p := util.TempPath(ext)
	if err := os.WriteFile(p, in.Bytes, 0o600); err != nil {
		return "", func() {}, fmt.Errorf("failed to write temp input, %w", err)
	}
	return p, func() { os.Remove(p) }, nil
}
