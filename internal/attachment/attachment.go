// Package attachment defines the value objects stored in attachment columns:
// the original file and the variants derived from it.
package attachment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Meta holds kind specific metadata such as dimensions or duration.
type Meta map[string]any

// Variant is a file derived from an attachment by a converter.
type Variant struct {
	Key      string
	Folder   string
	Name     string
	Extname  string
	Size     int64
	MimeType string
	Meta     Meta
	Blurhash string

	URL   string
	Input *Input
}

func (v *Variant) Path() string {
	return path.Join(v.Folder, v.Name)
}

// Attachment is one stored file plus its variants.
type Attachment struct {
	Name         string
	OriginalName string
	Size         int64
	Extname      string
	MimeType     string
	Meta         Meta
	Folder       string
	Variants     []*Variant

	// Everything below is transient and never stored
	Options Options
	URL     string
	KeyID   string
	Input   *Input

	// Set while the file sits at a temporary location waiting for deletion
	PendingPath string
}

func (a *Attachment) Path() string {
	return path.Join(a.Folder, a.Name)
}

// Location is where the file currently lives on its disk.
func (a *Attachment) Location() string {
	if a.PendingPath != "" {
		return a.PendingPath
	}
	return a.Path()
}

// IsPending reports whether the attachment still has bytes to write.
func (a *Attachment) IsPending() bool {
	return a.Input != nil
}

// Variant returns the variant stored under key, or nil.
func (a *Attachment) Variant(key string) *Variant {
	for _, v := range a.Variants {
		if v.Key == key {
			return v
		}
	}
	return nil
}

// CreateVariant builds a variant from a converter output and puts it in the
// variant list, replacing any previous variant with the same key. The variant
// inherits the parent's placement.
func (a *Attachment) CreateVariant(key string, in *Input) (*Variant, error) {
	info, err := Probe(in, "")
	if err != nil {
		return nil, err
	}
	if info.Size == 0 {
		return nil, ErrEmptyFile
	}

	v := &Variant{
		Key:      key,
		Folder:   a.variantFolder(),
		Name:     NewName(info.Extname),
		Extname:  info.Extname,
		Size:     info.Size,
		MimeType: info.MimeType,
		Input:    in,
	}

	for i, existing := range a.Variants {
		if existing.Key == key {
			a.Variants[i] = v
			return v, nil
		}
	}
	a.Variants = append(a.Variants, v)
	return v, nil
}

// RemoveVariants takes the variants whose key is in keys out of the list and
// returns them. A nil keys slice removes every variant.
func (a *Attachment) RemoveVariants(keys []string) []*Variant {
	var removed, kept []*Variant
	for _, v := range a.Variants {
		if keys == nil || contains(keys, v.Key) {
			removed = append(removed, v)
		} else {
			kept = append(kept, v)
		}
	}
	a.Variants = kept
	return removed
}

func (a *Attachment) variantFolder() string {
	stem := strings.TrimSuffix(a.Name, path.Ext(a.Name))
	return path.Join(a.Folder, stem)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type object struct {
	Name         string          `json:"name"`
	Extname      string          `json:"extname"`
	Size         int64           `json:"size"`
	MimeType     string          `json:"mimeType"`
	Meta         Meta            `json:"meta,omitempty"`
	Path         string          `json:"path"`
	OriginalName string          `json:"originalName"`
	Variants     []variantObject `json:"variants"`
}

type variantObject struct {
	Key      string `json:"key"`
	Folder   string `json:"folder"`
	Name     string `json:"name"`
	Extname  string `json:"extname"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Meta     Meta   `json:"meta,omitempty"`
	Blurhash string `json:"blurhash,omitempty"`
}

func (a *Attachment) toObject() object {
	o := object{
		Name:         a.Name,
		Extname:      a.Extname,
		Size:         a.Size,
		MimeType:     a.MimeType,
		Meta:         a.Meta,
		Path:         a.Path(),
		OriginalName: a.OriginalName,
		Variants:     make([]variantObject, 0, len(a.Variants)),
	}
	for _, v := range a.Variants {
		o.Variants = append(o.Variants, variantObject{
			Key:      v.Key,
			Folder:   v.Folder,
			Name:     v.Name,
			Extname:  v.Extname,
			Size:     v.Size,
			MimeType: v.MimeType,
			Meta:     v.Meta,
			Blurhash: v.Blurhash,
		})
	}
	return o
}

// ToObject returns the stored representation as a generic map.
func (a *Attachment) ToObject() map[string]any {
	b, _ := json.Marshal(a.toObject())
	var m map[string]any
	json.Unmarshal(b, &m)
	return m
}

// MarshalJSON encodes the stored representation. Transient fields are left out.
func (a *Attachment) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.toObject())
}

func (a *Attachment) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	if decoded == nil {
		*a = Attachment{}
		return nil
	}
	*a = *decoded
	return nil
}

var requiredAttributes = []string{"name", "size", "extname", "mimeType"}

// Decode rebuilds an attachment from its stored JSON. A JSON null decodes to
// a nil attachment.
func Decode(data []byte) (*Attachment, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode stored attachment, %w", err)
	}
	for _, attr := range requiredAttributes {
		if v, ok := raw[attr]; !ok || bytes.Equal(v, []byte("null")) {
			return nil, &MissingAttributeError{Attribute: attr}
		}
	}

	var o object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to decode stored attachment, %w", err)
	}

	a := &Attachment{
		Name:         o.Name,
		OriginalName: o.OriginalName,
		Size:         o.Size,
		Extname:      o.Extname,
		MimeType:     o.MimeType,
		Meta:         o.Meta,
	}
	if o.Path != "" {
		if dir := path.Dir(o.Path); dir != "." {
			a.Folder = dir
		}
	}
	for _, v := range o.Variants {
		a.Variants = append(a.Variants, &Variant{
			Key:      v.Key,
			Folder:   v.Folder,
			Name:     v.Name,
			Extname:  v.Extname,
			Size:     v.Size,
			MimeType: v.MimeType,
			Meta:     v.Meta,
			Blurhash: v.Blurhash,
		})
	}
	return a, nil
}

// DecodeList rebuilds a multi valued column. Both a JSON array and a single
// object are accepted.
func DecodeList(data []byte) ([]*Attachment, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] != '[' {
		a, err := Decode(data)
		if err != nil || a == nil {
			return nil, err
		}
		return []*Attachment{a}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to decode stored attachments, %w", err)
	}
	list := make([]*Attachment, 0, len(items))
	for _, item := range items {
		a, err := Decode(item)
		if err != nil {
			return nil, err
		}
		if a != nil {
			list = append(list, a)
		}
	}
	return list, nil
}

// Presentation is the API facing form: the stored shape plus URLs and the
// access key.
type Presentation struct {
	object
	URL      string                `json:"url,omitempty"`
	KeyID    string                `json:"keyId,omitempty"`
	Variants []VariantPresentation `json:"variants"`
}

type VariantPresentation struct {
	variantObject
	URL string `json:"url,omitempty"`
}

func (a *Attachment) ToJSON() Presentation {
	o := a.toObject()
	p := Presentation{
		object:   o,
		URL:      a.URL,
		KeyID:    a.KeyID,
		Variants: make([]VariantPresentation, 0, len(o.Variants)),
	}
	for i, v := range o.Variants {
		p.Variants = append(p.Variants, VariantPresentation{variantObject: v, URL: a.Variants[i].URL})
	}
	return p
}
