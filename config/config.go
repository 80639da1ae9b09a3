package config

import (
	"fmt"
	"os"
	"time"

	"github.com/chrispappas/golang-generics-set/set"
	"github.com/minor-industries/gaswatch/schema"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Checkpoint struct {
	ID    string                     `yaml:"id"`
	Name  string                     `yaml:"name"`
	Means map[schema.GasType]float64 `yaml:"means"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Config struct {
	Listen        string        `yaml:"listen"`
	Database      string        `yaml:"database"`
	Interval      time.Duration `yaml:"interval"`
	Retention     time.Duration `yaml:"retention"`
	NoiseFraction float64       `yaml:"noise_fraction"`
	Seed          int64         `yaml:"seed"`
	Release       bool          `yaml:"release"`
	Checkpoints   []Checkpoint  `yaml:"checkpoints"`
	Kafka         Kafka         `yaml:"kafka"`
}

func DefaultCheckpoints() []Checkpoint {
	return []Checkpoint{
		{
			ID:   "checkpoint_1",
			Name: "Gas Capture Mechanism Input",
			Means: map[schema.GasType]float64{
				schema.CO2: 0.12,
				schema.SO2: 0.005,
				schema.HF:  0.0002,
			},
		},
		{
			ID:   "checkpoint_2",
			Name: "Scrubber Input",
			Means: map[schema.GasType]float64{
				schema.CO2: 0.11,
				schema.SO2: 0.0035,
				schema.HF:  0.00015,
			},
		},
		{
			ID:   "checkpoint_3",
			Name: "Final Emission",
			Means: map[schema.GasType]float64{
				schema.CO2: 0.08,
				schema.SO2: 0.00007,
				schema.HF:  0.000005,
			},
		},
	}
}

func Default() *Config {
	return &Config{
		Listen:        "0.0.0.0:8080",
		Database:      "gas.db",
		Interval:      3 * time.Second,
		Retention:     3 * time.Hour,
		NoiseFraction: 0.1,
		Checkpoints:   DefaultCheckpoints(),
		Kafka: Kafka{
			Topic: "gas-readings",
		},
	}
}

// Load reads a YAML file on top of the defaults. Fields absent from the file keep their default value.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := Default()
	cfg.Checkpoints = nil
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if cfg.Checkpoints == nil {
		cfg.Checkpoints = DefaultCheckpoints()
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("interval must be at least 1s, got %s", c.Interval)
	}
	if c.Retention <= 0 {
		return errors.New("retention must be positive")
	}
	if c.NoiseFraction < 0 {
		return errors.New("noise_fraction must not be negative")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka topic required when brokers are set")
	}

	ids := set.FromSlice([]string{})
	for _, cp := range c.Checkpoints {
		if cp.ID == "" {
			return errors.New("checkpoint id required")
		}
		if ids.Has(cp.ID) {
			return fmt.Errorf("duplicate checkpoint id: %s", cp.ID)
		}
		ids.Add(cp.ID)

		for gas, mean := range cp.Means {
			if !gas.Valid() {
				return fmt.Errorf("checkpoint %s: unknown gas: %s", cp.ID, gas)
			}
			if mean < 0 {
				return fmt.Errorf("checkpoint %s: negative mean for %s", cp.ID, gas)
			}
		}
	}

	return nil
}

// DisplayName falls back to the id when no name is configured.
func (cp Checkpoint) DisplayName() string {
	if cp.Name == "" {
		return cp.ID
	}
	return cp.Name
}
