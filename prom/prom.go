package prom

import (
	"context"

	"github.com/minor-industries/gaswatch/broker"
	"github.com/minor-industries/gaswatch/schema"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gaswatch"

type Metrics struct {
	Ticks         *prometheus.CounterVec
	Pruned        prometheus.Counter
	Published     prometheus.Counter
	Concentration *prometheus.GaugeVec
	Subscribers   prometheus.GaugeFunc
	Dropped       prometheus.CounterFunc
}

// NewMetrics registers all collectors on reg. subscribers and dropped are sampled at scrape time.
func NewMetrics(
	reg prometheus.Registerer,
	subscribers func() int,
	dropped func() int,
) (*Metrics, error) {
	m := &Metrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Generation cycles by result.",
		}, []string{"result"}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_pruned_total",
			Help:      "Readings deleted by the retention policy.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_published_total",
			Help:      "Readings committed and handed to the broker.",
		}),
		Concentration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concentration",
			Help:      "Latest generated concentration per checkpoint and gas.",
		}, []string{"checkpoint", "gas"}),
	}

	m.Subscribers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Currently subscribed stream consumers.",
	}, func() float64 { return float64(subscribers()) })
	m.Dropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broker_dropped_total",
		Help:      "Batches dropped because a subscriber buffer was full.",
	}, func() float64 { return float64(dropped()) })

	collectors := []prometheus.Collector{
		m.Ticks,
		m.Pruned,
		m.Published,
		m.Concentration,
		m.Subscribers,
		m.Dropped,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register prometheus metric")
		}
	}

	// pre-create both results so rate() works from the first scrape
	m.Ticks.WithLabelValues("ok")
	m.Ticks.WithLabelValues("error")

	return m, nil
}

// PublishPrometheusMetrics tracks the latest value of every sensor until ctx is done or the broker stops.
func PublishPrometheusMetrics(ctx context.Context, br *broker.Broker, m *Metrics) {
	msgCh := br.Subscribe()
	defer br.Unsubscribe(msgCh)

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-msgCh:
			if !ok {
				return
			}
			batch, ok := message.(schema.Batch)
			if !ok {
				continue
			}
			for _, r := range batch.Readings {
				m.Concentration.WithLabelValues(r.CheckpointName, string(r.GasType)).Set(r.Value)
			}
		}
	}
}
