package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Model     string `json:"model"`
	ID        int    `json:"id"`
	Attribute string `json:"attribute"`
	Index     int    `json:"index"`
}

func TestEncrypterRoundTrip(t *testing.T) {
	e, err := NewEncrypter("a-very-secret-application-key")
	require.NoError(t, err)

	in := payload{Model: "users", ID: 42, Attribute: "gallery", Index: 1}
	token, err := e.Encrypt(in)
	require.NoError(t, err)
	assert.NotContains(t, token, "gallery")

	var out payload
	require.NoError(t, e.Decrypt(token, &out))
	assert.Equal(t, in, out)
}

func TestEncrypterNonceIsRandom(t *testing.T) {
	e, err := NewEncrypter("a-very-secret-application-key")
	require.NoError(t, err)

	a, err := e.Encrypt(payload{ID: 1})
	require.NoError(t, err)
	b, err := e.Encrypt(payload{ID: 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncrypterRejectsTampering(t *testing.T) {
	e, err := NewEncrypter("a-very-secret-application-key")
	require.NoError(t, err)
	other, err := NewEncrypter("another-secret-application-key")
	require.NoError(t, err)

	token, err := e.Encrypt(payload{ID: 7})
	require.NoError(t, err)

	var out payload
	assert.ErrorIs(t, other.Decrypt(token, &out), ErrInvalidKey)

	tampered := []byte(token)
	tampered[len(tampered)/2] ^= 'A' ^ 'B'
	assert.ErrorIs(t, e.Decrypt(string(tampered), &out), ErrInvalidKey)

	assert.ErrorIs(t, e.Decrypt("!!", &out), ErrInvalidKey)
	assert.ErrorIs(t, e.Decrypt("", &out), ErrInvalidKey)
}

func TestNewEncrypterRequiresKey(t *testing.T) {
	_, err := NewEncrypter("short")
	assert.Error(t, err)
}
