package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	table, f, err := parseTarget("users.avatar:thumbnail, medium")
	require.NoError(t, err)
	assert.Equal(t, "users", table)
	assert.Equal(t, []string{"avatar"}, f.Attributes)
	assert.Equal(t, []string{"thumbnail", "medium"}, f.Variants)

	_, f, err = parseTarget("files.upload")
	require.NoError(t, err)
	assert.Nil(t, f.Variants)

	for _, bad := range []string{"users", ".avatar", "users.", "users.avatar:"} {
		_, _, err := parseTarget(bad)
		assert.Error(t, err, bad)
	}
}
