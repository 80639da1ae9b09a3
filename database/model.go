package database

import (
	"time"

	"github.com/minor-industries/gaswatch/schema"
)

type Sample struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement"`
	SensorID       int     `gorm:"index;not null"`
	CheckpointName string  `gorm:"not null"`
	GasType        string  `gorm:"not null"`
	Value          float64 `gorm:"not null"`
	Timestamp      int64   `gorm:"index;not null"` // unix milliseconds
}

func (Sample) TableName() string {
	return "readings"
}

func fromReading(r schema.Reading) Sample {
	return Sample{
		SensorID:       r.SensorID,
		CheckpointName: r.CheckpointName,
		GasType:        string(r.GasType),
		Value:          r.Value,
		Timestamp:      r.Timestamp.UnixMilli(),
	}
}

func (s Sample) toReading() schema.Reading {
	return schema.Reading{
		SensorID:       s.SensorID,
		CheckpointName: s.CheckpointName,
		GasType:        schema.GasType(s.GasType),
		Value:          s.Value,
		Timestamp:      time.UnixMilli(s.Timestamp).UTC(),
	}
}
