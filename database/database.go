package database

import (
	"context"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/minor-industries/gaswatch/schema"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

type Backend struct {
	db *gorm.DB
}

func Get(filename string) (*Backend, error) {
	dsn := filename + "?" + pragmas
	if strings.Contains(filename, "?") {
		dsn = filename + "&" + pragmas
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}

	if err := db.AutoMigrate(&Sample{}); err != nil {
		return nil, errors.Wrap(err, "migrate readings")
	}

	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql db")
	}
	return sqlDB.Close()
}

func (b *Backend) Append(ctx context.Context, batch []schema.Reading) error {
	return insert(b.db.WithContext(ctx), batch)
}

func (b *Backend) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return prune(b.db.WithContext(ctx), cutoff)
}

func (b *Backend) Commit(ctx context.Context, cutoff time.Time, batch []schema.Reading) (int64, error) {
	var deleted int64
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		deleted, err = prune(tx, cutoff)
		if err != nil {
			return err
		}
		return insert(tx, batch)
	})
	if err != nil {
		return 0, errors.Wrap(err, "transaction")
	}
	return deleted, nil
}

func (b *Backend) LoadSince(ctx context.Context, start time.Time) ([]schema.Reading, error) {
	var rows []Sample

	tx := b.db.WithContext(ctx).
		Where("timestamp >= ?", ceilMilli(start)).
		Order("timestamp asc, sensor_id asc").
		Find(&rows)
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "find")
	}

	result := make([]schema.Reading, len(rows))
	for idx, row := range rows {
		result[idx] = row.toReading()
	}

	return result, nil
}

func insert(tx *gorm.DB, batch []schema.Reading) error {
	if len(batch) == 0 {
		return nil
	}

	rows := make([]Sample, len(batch))
	for i, r := range batch {
		rows[i] = fromReading(r)
	}

	if res := tx.Create(&rows); res.Error != nil {
		return errors.Wrap(res.Error, "create")
	}
	return nil
}

func prune(tx *gorm.DB, cutoff time.Time) (int64, error) {
	res := tx.Where("timestamp < ?", ceilMilli(cutoff)).Delete(&Sample{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "delete")
	}
	return res.RowsAffected, nil
}

// ceilMilli rounds t up to a whole millisecond. Stored timestamps are whole
// milliseconds, so ts >= t holds exactly when ms(ts) >= ceilMilli(t).
func ceilMilli(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}
