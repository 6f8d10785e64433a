// Package config contains code to set the default values and read
// config files to be used throughout the whole application
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	v "github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

var (
	_ = pflag.StringArray("regenerate", nil, "Regenerates variants of table.column[:variant,...] and exits")
	_ = pflag.String("metrics-addr", ":9090", "Address the metrics endpoint listens on")
	_ = pflag.Bool("migrate", true, "Runs database migrations on startup")

	validLogLevels     = []string{"debug", "info", "warn", "error", "fatal"}
	validEnvs          = []string{"development", "production"}
	validDrivers       = []string{"sqlite", "postgres"}
	validDisks         = []string{"local", "s3"}
	validConverters    = []string{"image", "video", "pdf", "document", "autodetect"}
	validFits          = []string{"", "cover", "contain", "inside", "fill"}
	defaultVariantKeys = []string{"thumbnail"}
)

func genSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Setup prepares everything config-related so that the app can
// start working. Function will return an error if something
// is critically wrong and the application can't run because of
// that.
func Setup() error {
	pflag.Parse()
	v.BindPFlags(pflag.CommandLine)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	//
	// ENVS
	//
	v.BindEnv("app.log_level", "app_log_level")
	v.BindEnv("app.env", "app_env")
	v.BindEnv("app.key", "app_key")

	v.BindEnv("database.driver", "database_driver")
	v.BindEnv("database.dsn", "database_dsn")

	v.BindEnv("storage.disk", "storage_disk")
	v.BindEnv("storage.signed_url_ttl", "storage_signed_url_ttl")
	v.BindEnv("storage.retry.max_elapsed", "storage_retry_max_elapsed")
	v.BindEnv("storage.local.root", "storage_local_root")
	v.BindEnv("storage.local.base_url", "storage_local_base_url")

	v.BindEnv("storage.s3.region", "storage_s3_region")
	v.BindEnv("storage.s3.bucket", "storage_s3_bucket")
	v.BindEnv("storage.s3.access_key", "storage_s3_access_key")
	v.BindEnv("storage.s3.secret_access_key", "storage_s3_secret_access_key")
	v.BindEnv("storage.s3.endpoint", "storage_s3_endpoint")
	v.BindEnv("storage.s3.public_base", "storage_s3_public_base")

	v.BindEnv("queue.concurrency", "queue_concurrency")

	v.BindEnv("converters.timeout", "converters_timeout")
	v.BindEnv("converters.ffmpeg_path", "ffmpeg_path")
	v.BindEnv("converters.ffprobe_path", "ffprobe_path")
	v.BindEnv("converters.pdftoppm_path", "pdftoppm_path")
	v.BindEnv("converters.libreoffice_path", "libreoffice_path")

	//
	// Defaults
	//
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.env", "development")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "database.db")

	v.SetDefault("storage.disk", "local")
	v.SetDefault("storage.signed_url_ttl", "15m")
	v.SetDefault("storage.retry.max_elapsed", "3s")
	v.SetDefault("storage.local.root", "storage")
	v.SetDefault("storage.local.base_url", "http://localhost:8080/files")

	v.SetDefault("attachments.folder", "uploads")
	v.SetDefault("attachments.rename", true)
	v.SetDefault("attachments.meta", true)
	v.SetDefault("attachments.precompute_url", false)

	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("metrics.namespace", "attachments")

	v.SetDefault("converters.timeout", "1m")
	v.SetDefault("converters.ffmpeg_path", "ffmpeg")
	v.SetDefault("converters.ffprobe_path", "ffprobe")
	v.SetDefault("converters.pdftoppm_path", "pdftoppm")
	v.SetDefault("converters.libreoffice_path", "soffice")
	v.SetDefault("converters.variants.thumbnail.converter", "image")
	v.SetDefault("converters.variants.thumbnail.width", 300)
	v.SetDefault("converters.variants.thumbnail.height", 300)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(v.ConfigFileNotFoundError); ok {
			return errors.New("config.toml file is missing")
		}

		return fmt.Errorf("failed to read config file, %w", err)
	}

	if v.GetString("app.key") == "" {
		fmt.Println("WARNING: You haven't set an app key, so it has been generated for you. Please set it as an environment variable or in the config.toml file.\nYour random app key:\n\n" + genSecret() + "\n\nPaste it into your config.toml file.")
		os.Exit(0)
	}

	return validate()
}

func validate() error {
	if !slices.Contains(validLogLevels, v.GetString("app.log_level")) {
		return invalid("invalid log level provided")
	}

	if !slices.Contains(validEnvs, v.GetString("app.env")) {
		return invalid("app.env must be one of %v", validEnvs)
	}

	if len(v.GetString("app.key")) < 16 {
		return invalid("app.key must be at least 16 characters long")
	}

	if !slices.Contains(validDrivers, v.GetString("database.driver")) {
		return invalid("invalid database driver provided")
	}

	if v.GetString("database.dsn") == "" {
		return invalid("database.dsn can't be empty")
	}

	switch v.GetString("storage.disk") {
	case "s3":
		if v.GetString("storage.s3.bucket") == "" {
			return invalid("bucket can't be empty")
		}
		if (v.GetString("storage.s3.access_key") == "") != (v.GetString("storage.s3.secret_access_key") == "") {
			return invalid("storage.s3.access_key and storage.s3.secret_access_key must be set together")
		}
	case "local":
		if v.GetString("storage.local.root") == "" {
			return invalid("storage.local.root can't be empty")
		}
	default:
		return invalid("invalid storage disk provided, expected one of %v", validDisks)
	}

	if v.GetDuration("storage.signed_url_ttl") <= 0 {
		return invalid("storage.signed_url_ttl must be bigger than 0")
	}

	if v.GetInt("queue.concurrency") <= 0 {
		return invalid("queue.concurrency must be bigger than 0")
	}

	if v.GetDuration("converters.timeout") <= 0 {
		return invalid("converters.timeout must be bigger than 0")
	}

	for _, key := range VariantKeys() {
		prefix := "converters.variants." + key + "."

		if c := v.GetString(prefix + "converter"); !slices.Contains(validConverters, c) {
			return invalid("variant %s: unknown converter %q", key, c)
		}
		if !slices.Contains(validFits, v.GetString(prefix+"fit")) {
			return invalid("variant %s: invalid fit", key)
		}
		if q := v.GetInt(prefix + "quality"); q < 0 || q > 100 {
			return invalid("variant %s: quality must be between 0 and 100", key)
		}
	}

	known := VariantKeys()
	for _, key := range v.GetStringSlice("attachments.variants") {
		if !slices.Contains(known, key) {
			return invalid("attachments.variants: %q has no converter configured", key)
		}
	}

	return nil
}

// VariantKeys returns the configured converter keys, sorted.
func VariantKeys() []string {
	m := v.GetStringMap("converters.variants")
	if len(m) == 0 {
		return slices.Clone(defaultVariantKeys)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, strings.ToLower(k))
	}
	slices.Sort(keys)
	return keys
}
