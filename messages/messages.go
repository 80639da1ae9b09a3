package messages

import (
	"time"

	"github.com/minor-industries/gaswatch/schema"
)

const Version = 1

// Reading is the wire shape for both the stream and the query endpoints.
type Reading struct {
	V          int     `json:"v"`
	SensorID   int     `json:"sensor_id"`
	Checkpoint string  `json:"checkpoint"`
	Gas        string  `json:"gas"`
	Value      float64 `json:"value"`
	Timestamp  string  `json:"timestamp"`
}

type Error struct {
	Error    string    `json:"error"`
	Readings []Reading `json:"readings"`
}

func FromReading(r schema.Reading) Reading {
	return Reading{
		V:          Version,
		SensorID:   r.SensorID,
		Checkpoint: r.CheckpointName,
		Gas:        string(r.GasType),
		Value:      r.Value,
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// FromReadings never returns nil so that an empty result encodes as [].
func FromReadings(rs []schema.Reading) []Reading {
	result := make([]Reading, len(rs))
	for i, r := range rs {
		result[i] = FromReading(r)
	}
	return result
}
