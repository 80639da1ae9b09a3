// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/minor-industries/gaswatch/schema"
	"github.com/minor-industries/gaswatch/storage"
	"github.com/stretchr/testify/require"
)

func batch(ts time.Time, values ...float64) []schema.Reading {
	ts = ts.UTC().Truncate(time.Millisecond)
	result := make([]schema.Reading, len(values))
	for i, v := range values {
		result[i] = schema.Reading{
			SensorID:       i + 1,
			CheckpointName: "Scrubber Input",
			GasType:        schema.AllGases[i%len(schema.AllGases)],
			Value:          v,
			Timestamp:      ts,
		}
	}
	return result
}

func Run(t *testing.T, newBackend func(t *testing.T) storage.StorageBackend) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("empty", func(t *testing.T) {
		b := newBackend(t)
		rows, err := b.LoadSince(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		require.NotNil(t, rows)
		require.Empty(t, rows)
	})

	t.Run("append and load", func(t *testing.T) {
		b := newBackend(t)
		in := batch(now, 0.1, 0.2, 0.3)
		require.NoError(t, b.Append(ctx, in))

		rows, err := b.LoadSince(ctx, now)
		require.NoError(t, err)
		require.Equal(t, in, rows)
	})

	t.Run("append empty batch", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Append(ctx, nil))
		_, err := b.Commit(ctx, now, nil)
		require.NoError(t, err)
	})

	t.Run("prune", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Append(ctx, batch(now.Add(-4*time.Hour), 1, 2)))
		require.NoError(t, b.Append(ctx, batch(now.Add(-time.Hour), 3)))

		cutoff := now.Add(-3 * time.Hour)
		deleted, err := b.Prune(ctx, cutoff)
		require.NoError(t, err)
		require.EqualValues(t, 2, deleted)

		rows, err := b.LoadSince(ctx, time.UnixMilli(0))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		for _, r := range rows {
			require.False(t, r.Timestamp.Before(cutoff))
		}
	})

	t.Run("prune at now empties old data", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Append(ctx, batch(now.Add(-4*time.Hour), 0.5)))

		_, err := b.Prune(ctx, now)
		require.NoError(t, err)

		rows, err := b.LoadSince(ctx, now.Add(-30*time.Minute))
		require.NoError(t, err)
		require.Empty(t, rows)

		rows, err = b.LoadSince(ctx, time.UnixMilli(0))
		require.NoError(t, err)
		require.Empty(t, rows)
	})

	t.Run("commit prunes then appends", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Append(ctx, batch(now.Add(-4*time.Hour), 1, 2, 3)))

		fresh := batch(now, 4, 5)
		deleted, err := b.Commit(ctx, now.Add(-3*time.Hour), fresh)
		require.NoError(t, err)
		require.EqualValues(t, 3, deleted)

		rows, err := b.LoadSince(ctx, time.UnixMilli(0))
		require.NoError(t, err)
		require.Equal(t, fresh, rows)
	})

	t.Run("windows", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Append(ctx, batch(now.Add(-20*time.Minute), 1)))
		require.NoError(t, b.Append(ctx, batch(now.Add(-40*time.Second), 2)))
		require.NoError(t, b.Append(ctx, batch(now, 3)))

		minute, err := b.LoadSince(ctx, now.Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, minute, 2)

		halfHour, err := b.LoadSince(ctx, now.Add(-30*time.Minute))
		require.NoError(t, err)
		require.Len(t, halfHour, 3)

		for _, r := range minute {
			require.Contains(t, halfHour, r)
		}

		again, err := b.LoadSince(ctx, now.Add(-30*time.Minute))
		require.NoError(t, err)
		require.Equal(t, halfHour, again)
	})

	t.Run("boundary is inclusive", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Append(ctx, batch(now, 1)))

		rows, err := b.LoadSince(ctx, now)
		require.NoError(t, err)
		require.Len(t, rows, 1)

		deleted, err := b.Prune(ctx, now)
		require.NoError(t, err)
		require.EqualValues(t, 0, deleted)
	})

	t.Run("sub-millisecond bounds", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Append(ctx, batch(now, 1)))

		after := now.Add(500 * time.Microsecond)
		before := now.Add(-500 * time.Microsecond)

		rows, err := b.LoadSince(ctx, after)
		require.NoError(t, err)
		require.Empty(t, rows)

		rows, err = b.LoadSince(ctx, before)
		require.NoError(t, err)
		require.Len(t, rows, 1)

		deleted, err := b.Prune(ctx, before)
		require.NoError(t, err)
		require.EqualValues(t, 0, deleted)

		deleted, err = b.Prune(ctx, after)
		require.NoError(t, err)
		require.EqualValues(t, 1, deleted)

		rows, err = b.LoadSince(ctx, time.UnixMilli(0))
		require.NoError(t, err)
		require.Empty(t, rows)
	})
}
