package gaswatch

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minor-industries/gaswatch/config"
	"github.com/minor-industries/gaswatch/database"
	"github.com/minor-industries/gaswatch/database/inmem"
	"github.com/minor-industries/gaswatch/schema"
	"github.com/minor-industries/gaswatch/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type clock struct {
	lock sync.Mutex
	t    time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.t = c.t.Add(d)
}

type failingStore struct {
	storage.StorageBackend
	lock sync.Mutex
	fail bool
}

func (f *failingStore) setFail(fail bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.fail = fail
}

func (f *failingStore) failing() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.fail
}

func (f *failingStore) Commit(ctx context.Context, cutoff time.Time, batch []schema.Reading) (int64, error) {
	if f.failing() {
		return 0, errors.New("storage unavailable")
	}
	return f.StorageBackend.Commit(ctx, cutoff, batch)
}

func (f *failingStore) LoadSince(ctx context.Context, start time.Time) ([]schema.Reading, error) {
	if f.failing() {
		return nil, errors.New("storage unavailable")
	}
	return f.StorageBackend.LoadSince(ctx, start)
}

func twoCheckpoints() []config.Checkpoint {
	return []config.Checkpoint{
		{ID: "a", Name: "Inlet", Means: map[schema.GasType]float64{schema.CO2: 0.10}},
		{ID: "b", Name: "Outlet", Means: map[schema.GasType]float64{schema.CO2: 0.20}},
	}
}

func newMonitor(t *testing.T, store storage.StorageBackend, clk *clock, checkpoints []config.Checkpoint) *Monitor {
	m, err := New(store, Options{
		Checkpoints: checkpoints,
		Interval:    time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestTickZeroNoise(t *testing.T) {
	clk := newClock()
	m := newMonitor(t, inmem.NewBackend(), clk, twoCheckpoints())
	ctx := context.Background()

	batch, err := m.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Readings, 2)

	rows, err := m.ReadSince(ctx, LastThirtyMinute)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 0.10, rows[0].Value)
	require.Equal(t, 0.20, rows[1].Value)
	require.Equal(t, "Inlet", rows[0].CheckpointName)
	require.Equal(t, rows[0].Timestamp, rows[1].Timestamp)

	require.Equal(t, 1.0, testutil.ToFloat64(m.metrics.Ticks.WithLabelValues("ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.metrics.Published))
}

func TestTickPrunesOldReadings(t *testing.T) {
	clk := newClock()
	store := inmem.NewBackend()
	m := newMonitor(t, store, clk, twoCheckpoints())
	ctx := context.Background()

	_, err := m.Tick(ctx)
	require.NoError(t, err)

	clk.Advance(3*time.Hour + time.Second)
	_, err = m.Tick(ctx)
	require.NoError(t, err)

	require.Equal(t, 2, store.Len())

	cutoff := clk.Now().Add(-3 * time.Hour)
	rows, err := store.LoadSince(ctx, time.UnixMilli(0))
	require.NoError(t, err)
	for _, r := range rows {
		require.False(t, r.Timestamp.Before(cutoff))
	}
	require.Equal(t, 2.0, testutil.ToFloat64(m.metrics.Pruned))
}

func TestPruneCutoffFollowsBatchTimestamp(t *testing.T) {
	backends := map[string]func(t *testing.T) storage.StorageBackend{
		"inmem": func(t *testing.T) storage.StorageBackend {
			return inmem.NewBackend()
		},
		"sqlite": func(t *testing.T) storage.StorageBackend {
			b, err := database.Get(filepath.Join(t.TempDir(), "gas.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}

	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			store := newBackend(t)
			m := newMonitor(t, store, clk, twoCheckpoints())
			ctx := context.Background()

			first, err := m.Tick(ctx)
			require.NoError(t, err)

			// the wall clock sits half a millisecond past the stored timestamp
			clk.Advance(3*time.Hour + 500*time.Microsecond)
			_, err = m.Tick(ctx)
			require.NoError(t, err)

			rows, err := store.LoadSince(ctx, first.Timestamp)
			require.NoError(t, err)
			require.Len(t, rows, 4)

			clk.Advance(time.Millisecond)
			third, err := m.Tick(ctx)
			require.NoError(t, err)

			rows, err = store.LoadSince(ctx, time.UnixMilli(0))
			require.NoError(t, err)
			require.Len(t, rows, 4)
			cutoff := third.Timestamp.Add(-3 * time.Hour)
			for _, r := range rows {
				require.False(t, r.Timestamp.Before(cutoff))
			}
		})
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	clk := newClock()
	m := newMonitor(t, inmem.NewBackend(), clk, twoCheckpoints())
	ctx := context.Background()

	first, err := m.Tick(ctx)
	require.NoError(t, err)

	clk.Advance(-time.Minute)
	second, err := m.Tick(ctx)
	require.NoError(t, err)

	require.False(t, second.Timestamp.Before(first.Timestamp))
}

func TestWindowsAndIdempotence(t *testing.T) {
	clk := newClock()
	m := newMonitor(t, inmem.NewBackend(), clk, config.DefaultCheckpoints())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := m.Tick(ctx)
		require.NoError(t, err)
		clk.Advance(10 * time.Second)
	}

	minute, err := m.ReadSince(ctx, LastMinute)
	require.NoError(t, err)
	halfHour, err := m.ReadSince(ctx, LastThirtyMinute)
	require.NoError(t, err)

	// ticks at now-10s ... now-60s
	require.Len(t, minute, 6*9)
	require.Len(t, halfHour, 20*9)
	for _, r := range minute {
		require.Contains(t, halfHour, r)
	}

	again, err := m.ReadSince(ctx, LastThirtyMinute)
	require.NoError(t, err)
	require.Equal(t, halfHour, again)
}

func TestReadSinceEmpty(t *testing.T) {
	m := newMonitor(t, inmem.NewBackend(), newClock(), twoCheckpoints())
	rows, err := m.ReadSince(context.Background(), LastMinute)
	require.NoError(t, err)
	require.NotNil(t, rows)
	require.Empty(t, rows)
}

func TestFailedCommitIsNotPublished(t *testing.T) {
	store := &failingStore{StorageBackend: inmem.NewBackend()}
	m := newMonitor(t, store, newClock(), twoCheckpoints())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan schema.Reading, 16)
	go func() {
		_ = m.Subscribe(ctx, func(r schema.Reading) error {
			received <- r
			return nil
		})
	}()
	require.Eventually(t, func() bool { return m.Subscribers() == 1 }, time.Second, time.Millisecond)

	store.setFail(true)
	_, err := m.Tick(ctx)
	require.Error(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(m.metrics.Ticks.WithLabelValues("error")))

	// the next tick recovers on its own
	store.setFail(false)
	batch, err := m.Tick(ctx)
	require.NoError(t, err)

	for _, expected := range batch.Readings {
		select {
		case r := <-received:
			require.Equal(t, expected, r)
		case <-time.After(time.Second):
			require.FailNow(t, "timed out")
		}
	}

	select {
	case r := <-received:
		require.FailNow(t, "unexpected reading", "%v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberDisconnect(t *testing.T) {
	m := newMonitor(t, inmem.NewBackend(), newClock(), twoCheckpoints())
	ctx := context.Background()

	firstCtx, cancelFirst := context.WithCancel(ctx)
	first := make(chan schema.Reading, 16)
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.Subscribe(firstCtx, func(r schema.Reading) error {
			first <- r
			return nil
		})
	}()

	second := make(chan schema.Reading, 16)
	go func() {
		_ = m.Subscribe(ctx, func(r schema.Reading) error {
			second <- r
			return nil
		})
	}()

	require.Eventually(t, func() bool { return m.Subscribers() == 2 }, time.Second, time.Millisecond)

	_, err := m.Tick(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		<-first
		<-second
	}

	cancelFirst()
	require.ErrorIs(t, <-firstDone, context.Canceled)
	require.Eventually(t, func() bool { return m.Subscribers() == 1 }, time.Second, time.Millisecond)

	_, err = m.Tick(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-second:
		case <-time.After(time.Second):
			require.FailNow(t, "second subscriber missed batch 2")
		}
	}
	require.Empty(t, first)
}

func TestCallbackErrorEndsSubscription(t *testing.T) {
	m := newMonitor(t, inmem.NewBackend(), newClock(), twoCheckpoints())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- m.Subscribe(ctx, func(r schema.Reading) error {
			return errors.New("connection dropped")
		})
	}()
	require.Eventually(t, func() bool { return m.Subscribers() == 1 }, time.Second, time.Millisecond)

	_, err := m.Tick(ctx)
	require.NoError(t, err)

	require.Error(t, <-done)
	require.Eventually(t, func() bool { return m.Subscribers() == 0 }, time.Second, time.Millisecond)

	// ticks keep working with no subscribers
	_, err = m.Tick(ctx)
	require.NoError(t, err)
}

func TestScheduledTicks(t *testing.T) {
	store := inmem.NewBackend()
	m, err := New(store, Options{
		Checkpoints: twoCheckpoints(),
		Interval:    time.Second,
	})
	require.NoError(t, err)
	defer m.Close()

	m.Start()
	require.Eventually(t, func() bool { return store.Len() >= 2 }, 3*time.Second, 10*time.Millisecond)
	m.Stop()

	n := store.Len()
	time.Sleep(1500 * time.Millisecond)
	require.Equal(t, n, store.Len())

	// restartable
	m.Start()
	require.Eventually(t, func() bool { return store.Len() > n }, 3*time.Second, 10*time.Millisecond)
	m.Stop()
}

func TestSubInterval(t *testing.T) {
	_, err := New(inmem.NewBackend(), Options{
		Interval: 100 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	m, err := New(inmem.NewBackend(), Options{Checkpoints: twoCheckpoints()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- m.Subscribe(context.Background(), func(r schema.Reading) error { return nil })
	}()
	require.Eventually(t, func() bool { return m.Subscribers() == 1 }, time.Second, time.Millisecond)

	m.Close()
	require.NoError(t, <-done)
}
