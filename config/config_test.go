package config

import (
	"testing"

	v "github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBase(t *testing.T) {
	t.Helper()
	v.Reset()
	t.Cleanup(v.Reset)

	v.Set("app.log_level", "info")
	v.Set("app.env", "development")
	v.Set("app.key", "0123456789abcdef0123")
	v.Set("database.driver", "sqlite")
	v.Set("database.dsn", "test.db")
	v.Set("storage.disk", "local")
	v.Set("storage.local.root", "storage")
	v.Set("storage.signed_url_ttl", "15m")
	v.Set("queue.concurrency", 2)
	v.Set("converters.timeout", "30s")
	v.Set("converters.variants.thumbnail.converter", "image")
}

func TestValidateAcceptsBaseConfig(t *testing.T) {
	validBase(t)
	require.NoError(t, validate())
	assert.Equal(t, []string{"thumbnail"}, VariantKeys())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(){
		"log level":       func() { v.Set("app.log_level", "loud") },
		"short key":       func() { v.Set("app.key", "short") },
		"driver":          func() { v.Set("database.driver", "mysql") },
		"disk":            func() { v.Set("storage.disk", "ftp") },
		"bucket":          func() { v.Set("storage.disk", "s3") },
		"concurrency":     func() { v.Set("queue.concurrency", 0) },
		"converter":       func() { v.Set("converters.variants.thumbnail.converter", "magic") },
		"quality":         func() { v.Set("converters.variants.thumbnail.quality", 101) },
		"unknown variant": func() { v.Set("attachments.variants", []string{"poster"}) },
		"half s3 creds": func() {
			v.Set("storage.disk", "s3")
			v.Set("storage.s3.bucket", "b")
			v.Set("storage.s3.access_key", "k")
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			validBase(t)
			mutate()
			assert.ErrorIs(t, validate(), ErrInvalidConfig)
		})
	}
}
