package schema

import "time"

type GasType string

const (
	CO2 GasType = "co2"
	SO2 GasType = "so2"
	HF  GasType = "hf"
)

// AllGases is the enumeration order used when assigning sensor ids.
var AllGases = []GasType{CO2, SO2, HF}

func (g GasType) Valid() bool {
	switch g {
	case CO2, SO2, HF:
		return true
	}
	return false
}

type Reading struct {
	SensorID       int
	CheckpointName string
	GasType        GasType
	Value          float64
	Timestamp      time.Time
}

// Batch is the set of readings produced by one tick. All readings share a timestamp.
type Batch struct {
	Timestamp time.Time
	Readings  []Reading
}

func (b Batch) Name() string {
	return "batch"
}
