package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for disk operations.
type Observer interface {
	Record(op string, duration time.Duration, err error)
}

type PrometheusObserver struct {
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "attachments_storage"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of disk operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of failed disk operations.",
		}, []string{"operation"}),
	}

	var err error
	if o.duration, err = register(reg, o.duration); err != nil {
		return nil, err
	}
	if o.errors, err = register(reg, o.errors); err != nil {
		return nil, err
	}
	return o, nil
}

// register returns the collector already registered under the same name, if
// any, so a second observer reports to the same series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("failed to register storage metric, %w", err)
}

func (o *PrometheusObserver) Record(op string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues(op).Observe(duration.Seconds())
	// a missing file is an expected outcome of cleanup
	if err != nil && !errors.Is(err, ErrNotFound) {
		o.errors.WithLabelValues(op).Inc()
	}
}

// ObservedDisk reports every operation of the wrapped disk to an Observer.
type ObservedDisk struct {
	Disk
	observer Observer
}

func NewObservedDisk(delegate Disk, o Observer) *ObservedDisk {
	return &ObservedDisk{Disk: delegate, observer: o}
}

func (d *ObservedDisk) observe(op string, start time.Time, err error) {
	d.observer.Record(op, time.Since(start), err)
}

func (d *ObservedDisk) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (err error) {
	defer func(start time.Time) { d.observe("put", start, err) }(time.Now())
	return d.Disk.Put(ctx, key, r, opts)
}

func (d *ObservedDisk) Get(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { d.observe("get", start, err) }(time.Now())
	return d.Disk.Get(ctx, key)
}

func (d *ObservedDisk) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { d.observe("delete", start, err) }(time.Now())
	return d.Disk.Delete(ctx, key)
}

func (d *ObservedDisk) Move(ctx context.Context, src, dst string) (err error) {
	defer func(start time.Time) { d.observe("move", start, err) }(time.Now())
	return d.Disk.Move(ctx, src, dst)
}

var _ Disk = (*ObservedDisk)(nil)
