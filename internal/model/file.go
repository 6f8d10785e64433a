package model

import (
	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/internal/record"
)

// File is an upload owned by a user. Its variants come from the global
// attachments.variants setting.
type File struct {
	ID      uint `gorm:"primaryKey;autoIncrement;index" json:"id"`
	UserID  uint `gorm:"index" json:"-"`
	Private bool `json:"private"`

	Upload *attachment.Attachment `gorm:"serializer:json;type:text;not null" json:"upload"`

	// Unix millisecond timestamps
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
	ExpiresAt *int64 `json:"expires_at,omitzero"`

	record.Tracked `gorm:"-" json:"-"`
}
