package config

import (
	"fmt"
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v3"
)

// Config is the full process configuration. Values come from an optional
// YAML file (CONFIG_PATH, default config.yaml) overlaid with environment
// variables for deployment-specific settings.
type Config struct {
	HTTPAddr     string `yaml:"httpAddr"`
	DatabaseURL  string `yaml:"databaseUrl"`
	RedisURL     string `yaml:"redisUrl"`
	LogConflicts bool   `yaml:"logConflicts"`

	Geo        Geo        `yaml:"geo"`
	Builder    Builder    `yaml:"builder"`
	Dispatch   Dispatch   `yaml:"dispatch"`
	Reopt      Reopt      `yaml:"reopt"`
	Escalation Escalation `yaml:"escalation"`
	Engines    Engines    `yaml:"engines"`
}

// Geo configures the distance/duration provider.
type Geo struct {
	BaseURL          string  `yaml:"baseUrl"`
	TimeoutSec       int     `yaml:"timeoutSec"`
	RequestsPerSec   float64 `yaml:"requestsPerSec"`
	FallbackSpeedKph float64 `yaml:"fallbackSpeedKph"`
}

// Builder configures the CVRP route builder and ETA calculator.
type Builder struct {
	TargetOrdersPerVehicle int     `yaml:"targetOrdersPerVehicle"`
	PickupServiceMin       int     `yaml:"pickupServiceMin"`
	DeliveryServiceMin     int     `yaml:"deliveryServiceMin"`
	Epsilon                float64 `yaml:"epsilon"`
	TwoOptIterations       int     `yaml:"twoOptIterations"`
}

// Dispatch holds the auto-dispatch scoring weights. The source system never
// fixed these; they are tunables, not contract.
type Dispatch struct {
	DistanceWeight float64 `yaml:"distanceWeight"`
	RatingWeight   float64 `yaml:"ratingWeight"`
	LoadWeight     float64 `yaml:"loadWeight"`
}

type Reopt struct {
	Tolerance float64 `yaml:"tolerance"` // min fractional improvement before replacing a route
}

type Escalation struct {
	RiskFraction   float64 `yaml:"riskFraction"` // fraction of SLA duration remaining that opens the risk window
	StuckAfterMin  int     `yaml:"stuckAfterMin"`
	SilentAfterMin int     `yaml:"silentAfterMin"` // vehicle location staleness before unresponsive_vehicle
}

// Engines holds per-engine polling intervals and the per-cycle deadline.
type Engines struct {
	DispatchSec     int `yaml:"dispatchSec"`
	BatchSec        int `yaml:"batchSec"`
	ReoptSec        int `yaml:"reoptSec"`
	EscalationSec   int `yaml:"escalationSec"`
	CycleTimeoutSec int `yaml:"cycleTimeoutSec"`
}

// Default returns the configuration used when nothing is provided.
func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		LogConflicts: false,
		Geo: Geo{
			TimeoutSec:       10,
			RequestsPerSec:   20,
			FallbackSpeedKph: 40,
		},
		Builder: Builder{
			TargetOrdersPerVehicle: 5,
			PickupServiceMin:       10,
			DeliveryServiceMin:     5,
			Epsilon:                1.0,
			TwoOptIterations:       2,
		},
		Dispatch: Dispatch{
			DistanceWeight: 1.0,
			RatingWeight:   0.5,
			LoadWeight:     0.5,
		},
		Reopt:      Reopt{Tolerance: 0.05},
		Escalation: Escalation{RiskFraction: 0.20, StuckAfterMin: 30, SilentAfterMin: 15},
		Engines: Engines{
			DispatchSec:     10,
			BatchSec:        30,
			ReoptSec:        30,
			EscalationSec:   15,
			CycleTimeoutSec: 10,
		},
	}
}

// Load reads the YAML file at path (skipped when absent) and applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTPAddr = ":" + v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("GEO_BASE_URL"); v != "" {
		cfg.Geo.BaseURL = v
	}
	if v := os.Getenv("LOG_CONFLICTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogConflicts = b
		}
	}
}

func (c Config) validate() error {
	if c.Builder.TargetOrdersPerVehicle <= 0 {
		return fmt.Errorf("config: targetOrdersPerVehicle must be positive")
	}
	if c.Reopt.Tolerance < 0 || c.Reopt.Tolerance >= 1 {
		return fmt.Errorf("config: reopt tolerance must be in [0,1)")
	}
	if c.Escalation.RiskFraction <= 0 || c.Escalation.RiskFraction >= 1 {
		return fmt.Errorf("config: escalation riskFraction must be in (0,1)")
	}
	return nil
}
