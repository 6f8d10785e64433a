// Package model defines database models
package model

import (
	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/internal/record"
)

type User struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Username string `gorm:"unique;not null" json:"username"`

	Avatar  *attachment.Attachment   `gorm:"serializer:json;type:text" json:"avatar"`
	Gallery []*attachment.Attachment `gorm:"serializer:json;type:text" json:"gallery"`

	Files []File `gorm:"foreignKey:UserID" json:"-"`

	// Unix millisecond timestamp
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at"`

	record.Tracked `gorm:"-" json:"-"`
}
