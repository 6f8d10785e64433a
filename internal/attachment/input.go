package attachment

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const nameCharset = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Input references the source bytes of a file that hasn't been written yet.
// Exactly one of Path or Bytes is set.
type Input struct {
	Path  string
	Bytes []byte

	// Temp marks Path as a temporary file owned by whoever holds the input
	Temp bool
}

// Open returns a reader over the input's content.
func (in *Input) Open() (io.ReadCloser, error) {
	if in == nil {
		return nil, ErrNoInput
	}
	if in.Path != "" {
		return os.Open(in.Path)
	}
	return io.NopCloser(bytes.NewReader(in.Bytes)), nil
}

// ReadAll loads the whole input into memory.
func (in *Input) ReadAll() ([]byte, error) {
	if in == nil {
		return nil, ErrNoInput
	}
	if in.Path != "" {
		return os.ReadFile(in.Path)
	}
	return in.Bytes, nil
}

// Cleanup removes the backing temp file, if any.
func (in *Input) Cleanup() {
	if in != nil && in.Temp && in.Path != "" {
		os.Remove(in.Path)
	}
}

// FileInfo is what content sniffing resolves for an input.
type FileInfo struct {
	Size     int64
	Extname  string
	MimeType string
}

// Probe resolves size, extension and mime type of an input. Magic bytes win
// over the file name; the name's extension is only used when the content
// can't be identified.
func Probe(in *Input, name string) (FileInfo, error) {
	var info FileInfo
	if in == nil {
		return info, ErrNoInput
	}

	var mtype *mimetype.MIME
	if in.Path != "" {
		stat, err := os.Stat(in.Path)
		if err != nil {
			return info, fmt.Errorf("failed to stat input, %w", err)
		}
		info.Size = stat.Size()

		mtype, err = mimetype.DetectFile(in.Path)
		if err != nil {
			return info, fmt.Errorf("failed to detect mime type, %w", err)
		}
	} else {
		info.Size = int64(len(in.Bytes))
		mtype = mimetype.Detect(in.Bytes)
	}

	info.MimeType, _, _ = strings.Cut(mtype.String(), ";")
	info.Extname = strings.TrimPrefix(mtype.Extension(), ".")

	if isGeneric(info.MimeType) {
		if ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), "."); ext != "" {
			info.Extname = ext
			if byExt := mime.TypeByExtension("." + ext); byExt != "" {
				info.MimeType, _, _ = strings.Cut(byExt, ";")
			}
		}
	}

	return info, nil
}

func isGeneric(m string) bool {
	return m == "application/octet-stream" || m == "text/plain"
}

// NewName generates a unique storage name with the given extension.
func NewName(extname string) string {
	id, err := gonanoid.Generate(nameCharset, 21)
	if err != nil {
		// crypto/rand failing is not recoverable
		panic(err)
	}
	if extname == "" {
		return id
	}
	return id + "." + extname
}

// SanitizeName makes a user supplied file name safe to use as a storage name.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		case r == ' ':
			return '_'
		}
		return -1
	}, name)
	if name == "" || name == "." || name == ".." {
		return ""
	}
	return name
}
