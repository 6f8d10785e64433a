package queue

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives queue depth changes and task failures.
type Observer interface {
	Pending(n int)
	InFlight(n int)
	Failed(task string)
}

type nopObserver struct{}

func (nopObserver) Pending(int) {}
func (nopObserver) InFlight(int) {}
func (nopObserver) Failed(string) {}

type PrometheusObserver struct {
	pending  prometheus.Gauge
	inFlight prometheus.Gauge
	failed   prometheus.Counter
}

func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "attachments_queue"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Tasks waiting for a free worker.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Tasks currently running.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_tasks_total",
			Help:      "Tasks that returned an error or panicked.",
		}),
	}

	var err error
	if o.pending, err = register(reg, o.pending); err != nil {
		return nil, err
	}
	if o.inFlight, err = register(reg, o.inFlight); err != nil {
		return nil, err
	}
	if o.failed, err = register(reg, o.failed); err != nil {
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
	return c, fmt.Errorf("failed to register queue metric, %w", err)
}

func (o *PrometheusObserver) Pending(n int) { o.pending.Set(float64(n)) }
func (o *PrometheusObserver) InFlight(n int) { o.inFlight.Set(float64(n)) }
func (o *PrometheusObserver) Failed(_ string) { o.failed.Inc() }
