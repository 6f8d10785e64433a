package record

import (
	"bitwise74/attachments/internal/attachment"
)

type trackable interface {
	AttachmentState() *State
}

// Tracked is embedded in rows with attachment columns. It remembers the
// values loaded from the database so saves can tell what changed.
//
//	type User struct {
//		ID     uint
//		Avatar *attachment.Attachment `gorm:"serializer:json;type:text"`
//		record.Tracked `gorm:"-" json:"-"`
//	}
type Tracked struct {
	state *State
}

func (t *Tracked) AttachmentState() *State {
	if t.state == nil {
		t.state = &State{}
	}
	return t.state
}

// State holds the stored values of a row's attachment columns.
type State struct {
	loaded    bool
	originals map[string][]*attachment.Attachment
}

func (s *State) Loaded() bool {
	return s.loaded
}

func (s *State) reset() {
	s.loaded = false
	s.originals = nil
}

func (s *State) original(column string) []*attachment.Attachment {
	return s.originals[column]
}

func (s *State) snapshot(column string, list []*attachment.Attachment) {
	if s.originals == nil {
		s.originals = make(map[string][]*attachment.Attachment)
	}
	s.originals[column] = append([]*attachment.Attachment(nil), list...)
	s.loaded = true
}

// same reports whether a and b are the same stored file. Pending values are
// only ever equal to themselves.
func same(a, b *attachment.Attachment) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.IsPending() || b.IsPending() {
		return false
	}
	return a.Path() == b.Path()
}

func containsSame(list []*attachment.Attachment, a *attachment.Attachment) bool {
	for _, v := range list {
		if same(v, a) {
			return true
		}
	}
	return false
}
