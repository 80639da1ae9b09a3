package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/minor-industries/gaswatch/schema"
)

// Backend keeps readings ordered by timestamp so pruning only touches the front.
type Backend struct {
	lock   sync.RWMutex
	values *deque.Deque[schema.Reading]
}

func NewBackend() *Backend {
	return &Backend{
		values: deque.New[schema.Reading](0, 64),
	}
}

func (b *Backend) Append(_ context.Context, batch []schema.Reading) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.append(batch)
	return nil
}

func (b *Backend) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.prune(cutoff), nil
}

func (b *Backend) Commit(_ context.Context, cutoff time.Time, batch []schema.Reading) (int64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	deleted := b.prune(cutoff)
	b.append(batch)
	return deleted, nil
}

func (b *Backend) LoadSince(_ context.Context, start time.Time) ([]schema.Reading, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	result := []schema.Reading{}
	for i := 0; i < b.values.Len(); i++ {
		v := b.values.At(i)
		if v.Timestamp.Before(start) {
			continue
		}
		result = append(result, v)
	}
	return result, nil
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) Len() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.values.Len()
}

func (b *Backend) append(batch []schema.Reading) {
	for _, r := range batch {
		r.Timestamp = r.Timestamp.UTC()

		// walk back past anything newer (or same timestamp with a larger sensor id)
		pos := b.values.Len()
		for pos > 0 && less(r, b.values.At(pos-1)) {
			pos--
		}

		if pos == b.values.Len() {
			b.values.PushBack(r)
		} else {
			b.values.Insert(pos, r)
		}
	}
}

func (b *Backend) prune(cutoff time.Time) int64 {
	var deleted int64
	for b.values.Len() > 0 && b.values.Front().Timestamp.Before(cutoff) {
		b.values.PopFront()
		deleted++
	}
	return deleted
}

func less(a, b schema.Reading) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.SensorID < b.SensorID
	}
	return a.Timestamp.Before(b.Timestamp)
}
