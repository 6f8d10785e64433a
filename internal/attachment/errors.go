package attachment

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("input is neither a valid buffer nor base64")
	ErrNoInput      = errors.New("attachment has no input to write")
	ErrEmptyFile    = errors.New("file is empty")
)

// MissingAttributeError is returned when a stored attachment lacks one of
// the attributes required to rebuild it.
type MissingAttributeError struct {
	Attribute string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("missing attribute %q in stored attachment", e.Attribute)
}
