// Package scenario loads the YAML description of a synchronization run:
// stepping rate, sensor suite, hero vehicle, and per-tick timeout.
package scenario

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lockstep-sim/lockstep/sim/sensor"
)

// Duration wraps time.Duration so scenario files can say "15ms" or "1s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SensorSpec describes one sensor to attach.
type SensorSpec struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Width   int      `yaml:"width"`
	Height  int      `yaml:"height"`
	Latency Duration `yaml:"latency"`
}

// VehicleSpec describes the hero actor moved each frame.
type VehicleSpec struct {
	Name         string  `yaml:"name"`
	StepVelocity float64 `yaml:"step_velocity"`
}

// Scenario is a complete run description. Zero values mean "not set" and are
// filled by Defaults.
type Scenario struct {
	Rate          int          `yaml:"rate"`
	DurationTicks int          `yaml:"duration_ticks"`
	TickTimeout   Duration     `yaml:"tick_timeout"`
	Sensors       []SensorSpec `yaml:"sensors"`
	Vehicle       *VehicleSpec `yaml:"vehicle"`
}

// Defaults returns the scenario used when no file is given: one RGB sensor,
// twenty steps per second, one-second tick timeout.
func Defaults() *Scenario {
	return &Scenario{
		Rate:          20,
		DurationTicks: 100,
		TickTimeout:   Duration(time.Second),
		Sensors: []SensorSpec{
			{Name: "front-rgb", Kind: string(sensor.KindRGB)},
		},
		Vehicle: &VehicleSpec{Name: "hero", StepVelocity: 1.5},
	}
}

// Load reads and parses a scenario file, fills defaults for unset fields,
// and validates the result.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	sc.fillDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) fillDefaults() {
	if sc.Rate == 0 {
		sc.Rate = 20
	}
	if sc.DurationTicks == 0 {
		sc.DurationTicks = 100
	}
	if sc.TickTimeout == 0 {
		sc.TickTimeout = Duration(time.Second)
	}
}

// Validate checks every field range and sensor kind. An empty sensor list is
// allowed: the bundle then carries the world snapshot alone.
func (sc *Scenario) Validate() error {
	if sc.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %d", sc.Rate)
	}
	if sc.DurationTicks < 0 {
		return fmt.Errorf("duration_ticks must be non-negative, got %d", sc.DurationTicks)
	}
	if sc.TickTimeout <= 0 {
		return fmt.Errorf("tick_timeout must be positive, got %s", sc.TickTimeout.Std())
	}
	seen := make(map[string]bool, len(sc.Sensors))
	for i, spec := range sc.Sensors {
		if spec.Name == "" {
			return fmt.Errorf("sensor %d: name must not be empty", i)
		}
		if seen[spec.Name] {
			return fmt.Errorf("duplicate sensor name %q", spec.Name)
		}
		seen[spec.Name] = true
		if _, err := sensor.ParseKind(spec.Kind); err != nil {
			return fmt.Errorf("sensor %q: %w", spec.Name, err)
		}
		if spec.Latency < 0 {
			return fmt.Errorf("sensor %q: latency must be non-negative", spec.Name)
		}
	}
	if sc.Vehicle != nil && sc.Vehicle.Name == "" {
		return fmt.Errorf("vehicle name must not be empty")
	}
	return nil
}
