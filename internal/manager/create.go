package manager

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"bitwise74/attachments/internal/attachment"
)

// CreateFromBytes builds an attachment from raw bytes. name is only used for
// display and as a fallback when the content can't be identified.
func (m *Manager) CreateFromBytes(data []byte, name string) (*attachment.Attachment, error) {
	if data == nil {
		return nil, attachment.ErrInvalidInput
	}
	return m.build(&attachment.Input{Bytes: data}, name)
}

// CreateFromBase64 accepts plain base64 as well as data URIs.
func (m *Manager) CreateFromBase64(s, name string) (*attachment.Attachment, error) {
	data, err := decodeBase64(s)
	if err != nil {
		return nil, err
	}
	return m.build(&attachment.Input{Bytes: data}, name)
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		_, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, attachment.ErrInvalidInput
		}
		s = payload
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if data, err := enc.DecodeString(s); err == nil && len(data) > 0 {
			return data, nil
		}
	}
	return nil, attachment.ErrInvalidInput
}

func (m *Manager) CreateFromPath(p, name string) (*attachment.Attachment, error) {
	if name == "" {
		name = filepath.Base(p)
	}
	return m.build(&attachment.Input{Path: p}, name)
}

// CreateFromURL downloads rawURL to a temp file.
func (m *Manager) CreateFromURL(ctx context.Context, rawURL, name string) (*attachment.Attachment, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid url %q", attachment.ErrInvalidInput, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	res, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s, %w", rawURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch %s, unexpected status %d", rawURL, res.StatusCode)
	}

	if name == "" {
		name = path.Base(u.Path)
	}
	return m.CreateFromStream(res.Body, name)
}

// CreateFromStream copies r to a temp file owned by the attachment.
func (m *Manager) CreateFromStream(r io.Reader, name string) (*attachment.Attachment, error) {
	in, err := spool(r, strings.TrimPrefix(path.Ext(name), "."))
	if err != nil {
		return nil, err
	}

	a, err := m.build(in, name)
	if err != nil {
		in.Cleanup()
		return nil, err
	}
	return a, nil
}

func (m *Manager) CreateFromUpload(fh *multipart.FileHeader) (*attachment.Attachment, error) {
	if fh == nil {
		return nil, attachment.ErrInvalidInput
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload, %w", err)
	}
	defer f.Close()

	return m.CreateFromStream(f, fh.Filename)
}

// CreateFromFiles builds one attachment per input. Strings are treated as a
// URL, a data URI, an existing path or base64, in that order.
func (m *Manager) CreateFromFiles(ctx context.Context, inputs []any) ([]*attachment.Attachment, error) {
	list := make([]*attachment.Attachment, 0, len(inputs))
	cleanup := func() {
		for _, a := range list {
			a.Input.Cleanup()
		}
	}

	for i, input := range inputs {
		a, err := m.createFromAny(ctx, input)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("file %d, %w", i, err)
		}
		list = append(list, a)
	}
	return list, nil
}

func (m *Manager) createFromAny(ctx context.Context, input any) (*attachment.Attachment, error) {
	switch v := input.(type) {
	case []byte:
		return m.CreateFromBytes(v, "")
	case *multipart.FileHeader:
		return m.CreateFromUpload(v)
	case io.Reader:
		return m.CreateFromStream(v, "")
	case string:
		switch {
		case strings.HasPrefix(v, "http://"), strings.HasPrefix(v, "https://"):
			return m.CreateFromURL(ctx, v, "")
		case strings.HasPrefix(v, "data:"):
			return m.CreateFromBase64(v, "")
		}
		if stat, err := os.Stat(v); err == nil && !stat.IsDir() {
			return m.CreateFromPath(v, "")
		}
		return m.CreateFromBase64(v, "")
	}
	return nil, fmt.Errorf("%w: unsupported type %T", attachment.ErrInvalidInput, input)
}

// CreateFromDbResponse rebuilds an attachment from a stored value, either raw
// JSON or an already decoded object. A nil value means no attachment.
func (m *Manager) CreateFromDbResponse(v any) (*attachment.Attachment, error) {
	data, err := rawJSON(v)
	if err != nil || data == nil {
		return nil, err
	}
	return attachment.Decode(data)
}

func (m *Manager) CreateFromDbResponseList(v any) ([]*attachment.Attachment, error) {
	data, err := rawJSON(v)
	if err != nil || data == nil {
		return nil, err
	}
	return attachment.DecodeList(data)
}

func rawJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	case json.RawMessage:
		return t, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stored attachment, %w", err)
	}
	return data, nil
}

func (m *Manager) build(in *attachment.Input, name string) (*attachment.Attachment, error) {
	info, err := attachment.Probe(in, name)
	if err != nil {
		return nil, err
	}
	if info.Size == 0 {
		return nil, attachment.ErrEmptyFile
	}

	if name == "" || name == "." || name == "/" {
		name = "file"
		if info.Extname != "" {
			name += "." + info.Extname
		}
	}

	return &attachment.Attachment{
		Name:         attachment.NewName(info.Extname),
		OriginalName: name,
		Size:         info.Size,
		Extname:      info.Extname,
		MimeType:     info.MimeType,
		Options:      m.ResolveOptions(attachment.Options{}),
		Input:        in,
	}, nil
}
