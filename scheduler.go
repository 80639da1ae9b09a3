package gaswatch

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

type cronLogger struct {
	log *slog.Logger
}

// Info is demoted to debug; cron reports every wake-up.
func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}

func (m *Monitor) setupScheduler() error {
	// cron.Every rounds down to whole seconds
	if m.interval < time.Second {
		return errors.New("interval must be at least one second")
	}

	logger := cronLogger{log: m.log.With("component", "scheduler")}

	m.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		),
	)

	m.cron.Schedule(cron.Every(m.interval), cron.FuncJob(m.scheduledTick))
	return nil
}

func (m *Monitor) scheduledTick() {
	if m.ctx.Err() != nil {
		return
	}
	batch, err := m.Tick(m.ctx)
	if err != nil {
		// the next tick retries independently
		m.log.Error("tick failed", "err", err)
		return
	}
	m.log.Debug("tick", "readings", len(batch.Readings), "timestamp", batch.Timestamp)
}

// Start begins scheduled ticks. It may be called again after Stop.
func (m *Monitor) Start() {
	m.log.Info("scheduler started", "interval", m.interval, "retention", m.retention)
	m.cron.Start()
}

// Stop halts scheduled ticks and waits for a running tick to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info("scheduler stopped")
}
