package model

import (
	"testing"

	"bitwise74/attachments/internal/record"

	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	require.NoError(t, Register(record.NewRegistry(nil)))
}
