package model

import (
	"fmt"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/internal/record"
)

type registerer interface {
	Register(row any, columns ...record.Column) error
}

// All lists the models to migrate.
func All() []any {
	return []any{&User{}, &File{}}
}

// Register declares the attachment columns of every model.
func Register(r registerer) error {
	err := r.Register(&User{},
		record.Single("Avatar", attachment.Options{
			Folder:   "avatars/:username",
			Variants: []string{"thumbnail"},
		}),
		record.Multiple("Gallery", attachment.Options{
			Folder: "users/:username/gallery",
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register user attachments, %w", err)
	}

	err = r.Register(&File{},
		record.Single("Upload", attachment.Options{
			Folder: "files/:user_id",
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register file attachments, %w", err)
	}
	return nil
}
