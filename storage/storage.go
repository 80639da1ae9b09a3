package storage

import (
	"context"
	"time"

	"github.com/minor-industries/gaswatch/schema"
)

type StorageBackend interface {
	Append(ctx context.Context, batch []schema.Reading) error

	// Prune deletes all readings with a timestamp before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Commit prunes and then appends within a single transaction.
	Commit(ctx context.Context, cutoff time.Time, batch []schema.Reading) (int64, error)

	LoadSince(ctx context.Context, start time.Time) ([]schema.Reading, error)

	Close() error
}
