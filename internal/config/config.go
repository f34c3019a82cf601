package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"fleetnav/internal/advisor"
	"fleetnav/internal/agent"
	"fleetnav/internal/battery"
	"fleetnav/internal/coordinator"
	"fleetnav/internal/domain"
	"fleetnav/internal/fleet"
	"fleetnav/internal/grid"
	"fleetnav/internal/ledger"
	"fleetnav/internal/planner"
	"fleetnav/internal/sensor"
)

const DefaultPath = "fleetnav.toml"

type Config struct {
	Grid        grid.Boundary     `toml:"grid"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Battery     BatteryConfig     `toml:"battery"`
	Sensor      SensorConfig      `toml:"sensor"`
	Advisor     AdvisorConfig     `toml:"advisor"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Fleet       FleetConfig       `toml:"fleet"`
	Sim         SimConfig         `toml:"sim"`
	Server      ServerConfig      `toml:"server"`
	Store       StoreConfig       `toml:"store"`
	Log         LogConfig         `toml:"log"`
	Path        string            `toml:"-"`
}

type LedgerConfig struct {
	LockWindowMS int `toml:"lock_window_ms"`
}

type BatteryConfig struct {
	MoveCost float64 `toml:"move_cost"`
	Reserve  float64 `toml:"reserve"`
	// TaskCosts is keyed by task name, e.g. "Soil Analysis".
	TaskCosts map[string]float64 `toml:"task_costs"`
}

type SensorConfig struct {
	BaseThreshold   float64 `toml:"base_threshold"`
	PHDivisor       float64 `toml:"ph_divisor"`
	TempDivisor     float64 `toml:"temp_divisor"`
	MaxPeers        int     `toml:"max_peers"`
	TrustedAccuracy float64 `toml:"trusted_accuracy"`
}

type AdvisorConfig struct {
	LowMoisture float64 `toml:"low_moisture"`
	DryMoisture float64 `toml:"dry_moisture"`
	HighTemp    float64 `toml:"high_temp"`
	WetMoisture float64 `toml:"wet_moisture"`
	WeedTempMin float64 `toml:"weed_temp_min"`
	WeedTempMax float64 `toml:"weed_temp_max"`
	LowPH       float64 `toml:"low_ph"`
	HighPH      float64 `toml:"high_ph"`
}

type CoordinatorConfig struct {
	DwellMS          int `toml:"dwell_ms"`
	PendingTimeoutMS int `toml:"pending_timeout_ms"`
	TargetRadius     int `toml:"target_radius"`
}

type FleetConfig struct {
	TickIntervalMS  int            `toml:"tick_interval_ms"`
	AutoMove        bool           `toml:"auto_move"`
	MaxPendingTasks int            `toml:"max_pending_tasks"`
	Strategy        string         `toml:"strategy"`
	Priorities      map[string]int `toml:"priorities"`
}

type SimConfig struct {
	Rovers         int     `toml:"rovers"`
	StepIntervalMS int     `toml:"step_interval_ms"`
	RechargePerSec float64 `toml:"recharge_per_sec"`
	Seed           uint64  `toml:"seed"`
	FaultyRover    string  `toml:"faulty_rover"`
	FaultOffset    float64 `toml:"fault_offset"`
	InitialBattery float64 `toml:"initial_battery"`
	SensorNoise    float64 `toml:"sensor_noise"`
	QueueBuffer    int     `toml:"queue_buffer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StoreConfig struct {
	// DBPath is empty or ":memory:" for a journal that dies with the process.
	DBPath string `toml:"db_path"`
}

type LogConfig struct {
	Level   string `toml:"level"`
	Console bool   `toml:"console"`
}

func Default() Config {
	return Config{
		Grid:        grid.Default(),
		Ledger:      LedgerConfig{LockWindowMS: int(ledger.DefaultLockWindow / time.Millisecond)},
		Battery:     BatteryConfig{MoveCost: battery.DefaultMoveCost, Reserve: battery.DefaultReserve},
		Sensor:      SensorConfig{BaseThreshold: 25, PHDivisor: 10, TempDivisor: 2, MaxPeers: 2, TrustedAccuracy: 0.8},
		Advisor:     fromThresholds(advisor.DefaultThresholds()),
		Coordinator: CoordinatorConfig{DwellMS: 30_000, TargetRadius: 3},
		Fleet: FleetConfig{
			TickIntervalMS:  1000,
			AutoMove:        true,
			MaxPendingTasks: 6,
			Strategy:        string(planner.StrategyAStar),
		},
		Sim: SimConfig{
			Rovers:         5,
			StepIntervalMS: 500,
			RechargePerSec: 0.5,
			Seed:           1,
			FaultyRover:    "Rover-3",
			FaultOffset:    40,
			InitialBattery: 100,
			SensorNoise:    1.5,
			QueueBuffer:    64,
		},
		Server: ServerConfig{Addr: "127.0.0.1:5000"},
		Log:    LogConfig{Level: "info", Console: true},
	}
}

// Load reads path over Default(). An empty path reads DefaultPath when it
// exists and falls back to the defaults when it does not.
func Load(path string) (Config, error) {
	cfg := Default()
	resolved := path
	if resolved == "" {
		resolved = DefaultPath
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if path == "" && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config file %s: %w", resolved, err)
	}
	cfg.Path = resolved
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	if _, err := planner.ParseStrategy(c.Fleet.Strategy); err != nil {
		return err
	}
	// Component configs read zero as "use the default", so a zero written
	// in the file would be silently replaced. Reject it here instead.
	positive := []struct {
		name  string
		value float64
	}{
		{"battery.move_cost", c.Battery.MoveCost},
		{"battery.reserve", c.Battery.Reserve},
		{"sensor.base_threshold", c.Sensor.BaseThreshold},
		{"sensor.ph_divisor", c.Sensor.PHDivisor},
		{"sensor.temp_divisor", c.Sensor.TempDivisor},
		{"sensor.max_peers", float64(c.Sensor.MaxPeers)},
		{"sensor.trusted_accuracy", c.Sensor.TrustedAccuracy},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", p.name, p.value)
		}
	}
	for name, cost := range c.Battery.TaskCosts {
		if _, err := parseRealTask(name); err != nil {
			return fmt.Errorf("battery.task_costs: %w", err)
		}
		if cost <= 0 {
			return fmt.Errorf("battery.task_costs: %q must be positive, got %v", name, cost)
		}
	}
	for name := range c.Fleet.Priorities {
		if _, err := parseRealTask(name); err != nil {
			return fmt.Errorf("fleet.priorities: %w", err)
		}
	}
	return nil
}

func (c Config) LedgerConfig() ledger.Config {
	return ledger.Config{LockWindow: ms(c.Ledger.LockWindowMS)}
}

func (c Config) BatteryConfig() battery.Config {
	costs := make(map[domain.TaskKind]float64, len(c.Battery.TaskCosts))
	for name, cost := range c.Battery.TaskCosts {
		if kind, err := parseRealTask(name); err == nil {
			costs[kind] = cost
		}
	}
	return battery.Config{MoveCost: c.Battery.MoveCost, Reserve: c.Battery.Reserve, TaskCosts: costs}
}

func (c Config) SensorConfig() sensor.Config {
	return sensor.Config{
		BaseThreshold:   c.Sensor.BaseThreshold,
		PHDivisor:       c.Sensor.PHDivisor,
		TempDivisor:     c.Sensor.TempDivisor,
		MaxPeers:        c.Sensor.MaxPeers,
		TrustedAccuracy: c.Sensor.TrustedAccuracy,
	}
}

func (c Config) Thresholds() advisor.Thresholds {
	a := c.Advisor
	return advisor.Thresholds{
		LowMoisture: a.LowMoisture,
		DryMoisture: a.DryMoisture,
		HighTemp:    a.HighTemp,
		WetMoisture: a.WetMoisture,
		WeedTempMin: a.WeedTempMin,
		WeedTempMax: a.WeedTempMax,
		LowPH:       a.LowPH,
		HighPH:      a.HighPH,
	}
}

func (c Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		DwellDuration:  ms(c.Coordinator.DwellMS),
		PendingTimeout: ms(c.Coordinator.PendingTimeoutMS),
		TargetRadius:   c.Coordinator.TargetRadius,
	}
}

func (c Config) FleetConfig() fleet.Config {
	strategy, err := planner.ParseStrategy(c.Fleet.Strategy)
	if err != nil {
		strategy = planner.StrategyAStar
	}
	priorities := make(map[domain.TaskKind]int, len(c.Fleet.Priorities))
	for name, p := range c.Fleet.Priorities {
		if kind, err := parseRealTask(name); err == nil {
			priorities[kind] = p
		}
	}
	return fleet.Config{
		TickInterval:    ms(c.Fleet.TickIntervalMS),
		AutoMove:        c.Fleet.AutoMove,
		MaxPendingTasks: c.Fleet.MaxPendingTasks,
		Strategy:        strategy,
		Priorities:      priorities,
	}
}

func (c Config) SimConfig() agent.Config {
	return agent.Config{
		Rovers:            c.Sim.Rovers,
		StepInterval:      ms(c.Sim.StepIntervalMS),
		RechargePerSecond: c.Sim.RechargePerSec,
		Seed:              c.Sim.Seed,
		FaultyRover:       c.Sim.FaultyRover,
		FaultOffset:       c.Sim.FaultOffset,
		InitialBattery:    c.Sim.InitialBattery,
		SensorNoise:       c.Sim.SensorNoise,
	}
}

func fromThresholds(t advisor.Thresholds) AdvisorConfig {
	return AdvisorConfig{
		LowMoisture: t.LowMoisture,
		DryMoisture: t.DryMoisture,
		HighTemp:    t.HighTemp,
		WetMoisture: t.WetMoisture,
		WeedTempMin: t.WeedTempMin,
		WeedTempMax: t.WeedTempMax,
		LowPH:       t.LowPH,
		HighPH:      t.HighPH,
	}
}

func parseRealTask(name string) (domain.TaskKind, error) {
	kind, err := domain.ParseTaskKind(name)
	if err != nil {
		return domain.TaskNone, err
	}
	if !kind.Valid() {
		return domain.TaskNone, fmt.Errorf("task name %q is empty", name)
	}
	return kind, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
