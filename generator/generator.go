package generator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/minor-industries/gaswatch/config"
	"github.com/minor-industries/gaswatch/schema"
)

type sensor struct {
	id         int
	checkpoint string
	gas        schema.GasType
	mean       float64
}

type Generator struct {
	lock      sync.Mutex
	rnd       *rand.Rand
	noiseFrac float64
	sensors   []sensor
}

// New enumerates the (checkpoint, gas) pairs once so sensor ids stay stable across ticks.
func New(checkpoints []config.Checkpoint, noiseFrac float64, seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	g := &Generator{
		rnd:       rand.New(rand.NewSource(seed)),
		noiseFrac: noiseFrac,
	}

	id := 1
	for _, cp := range checkpoints {
		for _, gas := range schema.AllGases {
			mean, ok := cp.Means[gas]
			if !ok {
				continue
			}
			g.sensors = append(g.sensors, sensor{
				id:         id,
				checkpoint: cp.DisplayName(),
				gas:        gas,
				mean:       mean,
			})
			id++
		}
	}

	return g
}

func (g *Generator) Size() int {
	return len(g.sensors)
}

func (g *Generator) Generate(now time.Time) schema.Batch {
	g.lock.Lock()
	defer g.lock.Unlock()

	ts := now.UTC().Truncate(time.Millisecond)
	batch := schema.Batch{
		Timestamp: ts,
		Readings:  make([]schema.Reading, 0, len(g.sensors)),
	}

	for _, s := range g.sensors {
		batch.Readings = append(batch.Readings, schema.Reading{
			SensorID:       s.id,
			CheckpointName: s.checkpoint,
			GasType:        s.gas,
			Value:          g.sample(s.mean),
			Timestamp:      ts,
		})
	}

	return batch
}

func (g *Generator) sample(mean float64) float64 {
	sigma := math.Abs(mean) * g.noiseFrac
	if sigma == 0 {
		return math.Max(mean, 0)
	}
	return math.Max(mean+sigma*g.rnd.NormFloat64(), 0)
}
