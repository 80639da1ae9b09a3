package gaswatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minor-industries/gaswatch/broker"
	"github.com/minor-industries/gaswatch/config"
	"github.com/minor-industries/gaswatch/generator"
	"github.com/minor-industries/gaswatch/prom"
	"github.com/minor-industries/gaswatch/schema"
	"github.com/minor-industries/gaswatch/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

const (
	LastMinute       = time.Minute
	LastThirtyMinute = 30 * time.Minute
)

type Options struct {
	Checkpoints   []config.Checkpoint
	NoiseFraction float64
	Seed          int64
	Interval      time.Duration
	Retention     time.Duration

	// Registry receives the monitor's collectors and backs /metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
	Logger   *slog.Logger
	Now      func() time.Time
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Checkpoints:   cfg.Checkpoints,
		NoiseFraction: cfg.NoiseFraction,
		Seed:          cfg.Seed,
		Interval:      cfg.Interval,
		Retention:     cfg.Retention,
	}
}

type Monitor struct {
	store    storage.StorageBackend
	gen      *generator.Generator
	broker   *broker.Broker
	metrics  *prom.Metrics
	registry *prometheus.Registry
	cron     *cron.Cron
	server   *gin.Engine
	log      *slog.Logger

	interval     time.Duration
	retention    time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	tickLock sync.Mutex
	last     time.Time

	subscribers int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New does not own store; the caller closes it after Close.
func New(store storage.StorageBackend, opts Options) (*Monitor, error) {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 3 * time.Hour
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	br := broker.NewBroker(0)
	ctx, cancel := context.WithCancel(context.Background())

	m := &Monitor{
		store:        store,
		gen:          generator.New(opts.Checkpoints, opts.NoiseFraction, opts.Seed),
		broker:       br,
		registry:     opts.Registry,
		server:       gin.New(),
		log:          opts.Logger.With("component", "monitor"),
		interval:     opts.Interval,
		retention:    opts.Retention,
		writeTimeout: 5 * time.Second,
		now:          opts.Now,
		ctx:          ctx,
		cancel:       cancel,
	}

	metrics, err := prom.NewMetrics(opts.Registry, m.Subscribers, br.DropCount)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "new metrics")
	}
	m.metrics = metrics

	if err := m.setupScheduler(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "setup scheduler")
	}

	if err := m.setupServer(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "setup server")
	}

	go br.Start()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		prom.PublishPrometheusMetrics(ctx, br, metrics)
	}()

	return m, nil
}

func (m *Monitor) GetEngine() *gin.Engine {
	return m.server
}

func (m *Monitor) Broker() *broker.Broker {
	return m.broker
}

// Subscribers counts stream subscribers only, not internal broker consumers.
func (m *Monitor) Subscribers() int {
	return int(atomic.LoadInt64(&m.subscribers))
}

// Go runs f in a goroutine that Close waits for.
func (m *Monitor) Go(f func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f(m.ctx)
	}()
}

// Tick runs one generate, prune, persist and publish cycle.
// Nothing is published unless the batch was committed.
func (m *Monitor) Tick(ctx context.Context) (schema.Batch, error) {
	m.tickLock.Lock()
	defer m.tickLock.Unlock()

	now := m.now()
	if now.Before(m.last) {
		now = m.last
	}

	batch := m.gen.Generate(now)
	cutoff := batch.Timestamp.Add(-m.retention)

	deleted, err := m.store.Commit(ctx, cutoff, batch.Readings)
	if err != nil {
		m.metrics.Ticks.WithLabelValues("error").Inc()
		return schema.Batch{}, errors.Wrap(err, "commit batch")
	}

	m.last = batch.Timestamp
	m.metrics.Ticks.WithLabelValues("ok").Inc()
	m.metrics.Pruned.Add(float64(deleted))
	m.metrics.Published.Add(float64(len(batch.Readings)))

	m.broker.Publish(batch)

	return batch, nil
}

// ReadSince returns every stored reading no older than window. An empty store gives an empty, non-nil slice.
func (m *Monitor) ReadSince(ctx context.Context, window time.Duration) ([]schema.Reading, error) {
	rows, err := m.store.LoadSince(ctx, m.now().Add(-window))
	if err != nil {
		return nil, errors.Wrap(err, "load since")
	}
	if rows == nil {
		rows = []schema.Reading{}
	}
	return rows, nil
}

// Subscribe calls callback for each published reading, in generation order,
// until ctx is done, callback fails, or the monitor is closed (nil error).
func (m *Monitor) Subscribe(
	ctx context.Context,
	callback func(r schema.Reading) error,
) error {
	msgCh := m.broker.Subscribe()
	atomic.AddInt64(&m.subscribers, 1)
	defer atomic.AddInt64(&m.subscribers, -1)
	defer m.broker.Unsubscribe(msgCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			batch, ok := msg.(schema.Batch)
			if !ok {
				continue
			}
			for _, r := range batch.Readings {
				if err := callback(r); err != nil {
					return errors.Wrap(err, "callback")
				}
			}
		}
	}
}

// Close stops the scheduler and every background goroutine. The store is left open.
func (m *Monitor) Close() {
	<-m.cron.Stop().Done()
	m.cancel()
	m.broker.Stop()
	m.wg.Wait()
}
