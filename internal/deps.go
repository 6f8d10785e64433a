package internal

import (
	"context"
	"fmt"
	"time"

	"bitwise74/attachments/config"
	"bitwise74/attachments/db"
	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/internal/converter"
	"bitwise74/attachments/internal/events"
	"bitwise74/attachments/internal/manager"
	"bitwise74/attachments/internal/model"
	"bitwise74/attachments/internal/queue"
	"bitwise74/attachments/internal/record"
	"bitwise74/attachments/internal/storage"
	"bitwise74/attachments/internal/variant"
	"bitwise74/attachments/pkg/security"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	v "github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

const (
	gray  = "\x1b[90m"
	reset = "\x1b[0m"
)

type Deps struct {
	DB        *gorm.DB
	Manager   *manager.Manager
	Queue     *queue.Queue
	Events    *events.Bus
	Encrypter *security.Encrypter
	Variants  *variant.Service
	Records   *record.Service
}

// New builds every component from the loaded config. config.Setup must have
// run before.
func New(ctx context.Context) (*Deps, error) {
	makeLogger()

	d := &Deps{}

	database, err := db.New()
	if err != nil {
		return nil, err
	}
	d.DB = database

	ns := v.GetString("metrics.namespace")

	disk, err := newDisk(ctx, ns)
	if err != nil {
		return nil, err
	}

	qo, err := queue.NewPrometheusObserver(ns+"_queue", prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	d.Queue = queue.New(v.GetInt("queue.concurrency"), queue.WithObserver(qo))

	converters, err := newConverters()
	if err != nil {
		return nil, err
	}

	d.Manager, err = manager.New(manager.Config{
		Disks:        map[string]storage.Disk{v.GetString("storage.disk"): disk},
		Options:      globalOptions(),
		Converters:   converters,
		Queue:        d.Queue,
		SignedURLTTL: v.GetDuration("storage.signed_url_ttl"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment manager, %w", err)
	}

	d.Encrypter, err = security.NewEncrypter(v.GetString("app.key"))
	if err != nil {
		return nil, err
	}

	d.Events = events.NewBus()
	d.Events.Subscribe(logVariantEvent)

	d.Variants = variant.NewService(database, d.Manager, variant.WithEmitter(d.Events))
	d.Records = record.NewService(database, d.Manager,
		record.WithEncrypter(d.Encrypter),
		record.WithVariants(d.Variants),
	)

	if err := model.Register(d.Records); err != nil {
		return nil, err
	}
	if err := database.Use(d.Records); err != nil {
		return nil, fmt.Errorf("failed to install attachments plugin, %w", err)
	}

	if v.GetBool("migrate") {
		if err := db.Migrate(database); err != nil {
			return nil, err
		}
	}

	zap.L().Debug("Dependencies ready",
		zap.String("disk", v.GetString("storage.disk")),
		zap.Strings("converters", converters.Keys()),
	)
	return d, nil
}

// Close waits for queued variant work, then closes the database.
func (d *Deps) Close(ctx context.Context) error {
	if err := d.Queue.Close(ctx); err != nil {
		zap.L().Warn("Queue did not drain before shutdown", zap.Error(err))
	}

	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newDisk(ctx context.Context, ns string) (storage.Disk, error) {
	var (
		disk storage.Disk
		err  error
	)

	switch v.GetString("storage.disk") {
	case "s3":
		disk, err = storage.NewS3Disk(ctx, storage.S3Config{
			Region:          v.GetString("storage.s3.region"),
			Bucket:          v.GetString("storage.s3.bucket"),
			AccessKey:       v.GetString("storage.s3.access_key"),
			SecretAccessKey: v.GetString("storage.s3.secret_access_key"),
			Endpoint:        v.GetString("storage.s3.endpoint"),
			PublicBase:      v.GetString("storage.s3.public_base"),
		})
	default:
		disk, err = storage.NewLocalDisk(storage.LocalConfig{
			Root:       v.GetString("storage.local.root"),
			BaseURL:    v.GetString("storage.local.base_url"),
			SigningKey: v.GetString("app.key"),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s disk, %w", v.GetString("storage.disk"), err)
	}

	maxElapsed := v.GetDuration("storage.retry.max_elapsed")
	disk = storage.NewRetryingDisk(disk, func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxElapsedTime = maxElapsed
		return b
	})

	obs, err := storage.NewPrometheusObserver(ns+"_storage", prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	return storage.NewObservedDisk(disk, obs), nil
}

func globalOptions() attachment.Options {
	o := attachment.Options{
		Folder:        v.GetString("attachments.folder"),
		Rename:        attachment.Bool(v.GetBool("attachments.rename")),
		Meta:          attachment.Bool(v.GetBool("attachments.meta")),
		PreComputeURL: attachment.Bool(v.GetBool("attachments.precompute_url")),
	}
	if v.IsSet("attachments.variants") {
		o.Variants = v.GetStringSlice("attachments.variants")
	}
	return o
}

// newConverters registers one converter per configured variant key. Video,
// PDF and document converters need external binaries and are only looked up
// when a variant uses them.
func newConverters() (*converter.Registry, error) {
	reg := converter.NewRegistry()
	image := converter.NewImage()
	timeout := v.GetDuration("converters.timeout")

	var (
		video *converter.Video
		pdf   *converter.PDF
		doc   *converter.Document
	)

	getVideo := func() (*converter.Video, error) {
		var err error
		if video == nil {
			video, err = converter.NewVideo(v.GetString("converters.ffmpeg_path"), v.GetString("converters.ffprobe_path"))
		}
		return video, err
	}
	getPDF := func() (*converter.PDF, error) {
		var err error
		if pdf == nil {
			pdf, err = converter.NewPDF(v.GetString("converters.pdftoppm_path"))
		}
		return pdf, err
	}
	getDocument := func() (*converter.Document, error) {
		p, err := getPDF()
		if err != nil {
			return nil, err
		}
		if doc == nil {
			doc, err = converter.NewDocument(v.GetString("converters.libreoffice_path"), p)
		}
		return doc, err
	}

	for _, key := range config.VariantKeys() {
		p := "converters.variants." + key + "."

		var (
			c   converter.Converter
			err error
		)

		switch kind := v.GetString(p + "converter"); kind {
		case "image":
			c = image
		case "video":
			c, err = getVideo()
		case "pdf":
			c, err = getPDF()
		case "document":
			c, err = getDocument()
		case "autodetect":
			// missing tools only narrow what autodetect handles
			auto := &converter.Autodetect{Image: image}
			if vc, err := getVideo(); err == nil {
				auto.Video = vc
			}
			if pc, err := getPDF(); err == nil {
				auto.PDF = pc
			}
			if dc, err := getDocument(); err == nil {
				auto.Document = dc
			}
			c = auto
		default:
			err = fmt.Errorf("unknown converter %q", kind)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to set up %s variant, %w", key, err)
		}

		opts := converter.Options{
			Width:   v.GetInt(p + "width"),
			Height:  v.GetInt(p + "height"),
			Fit:     v.GetString(p + "fit"),
			Format:  v.GetString(p + "format"),
			Quality: v.GetInt(p + "quality"),
			Seek:    v.GetFloat64(p + "seek"),
			Timeout: timeout,
		}
		if v.GetBool(p + "blurhash") {
			opts.Blurhash = &converter.BlurhashOptions{
				X: v.GetInt(p + "blurhash_x"),
				Y: v.GetInt(p + "blurhash_y"),
			}
		}

		if err := reg.Register(key, c, opts); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func logVariantEvent(_ context.Context, t events.EventType, p events.VariantPayload) {
	fields := []zap.Field{
		zap.String("table", p.TableName),
		zap.String("attribute", p.AttributeName),
		zap.Any("primary", p.Primary.Value),
		zap.Strings("variants", p.Variants),
	}

	switch t {
	case events.VariantFailed:
		zap.L().Error("Variant generation failed", append(fields, zap.String("error", p.Error))...)
	case events.VariantCompleted:
		zap.L().Info("Variants generated", fields...)
	default:
		zap.L().Debug("Variant generation started", fields...)
	}
}

func makeLogger() {
	cfg := zap.NewDevelopmentConfig()
	if v.GetString("app.env") == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString(gray + t.Format("15:04:05.000") + reset)
		}
		cfg.EncoderConfig.EncodeCaller = func(ec zapcore.EntryCaller, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString(gray + ec.TrimmedPath() + reset)
		}
	}

	if lvl, err := zapcore.ParseLevel(v.GetString("app.log_level")); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	cfg.DisableStacktrace = true

	log, _ := cfg.Build()
	zap.ReplaceGlobals(log)
}
