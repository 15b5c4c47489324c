package flood

import (
	"fmt"
	"time"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
	"github.com/HerbHall/floodwatch/internal/traffic"
)

// FloodConfig holds configuration for the flood detection module.
type FloodConfig struct {
	Detector            cusum.Config            `mapstructure:"detector"`
	Simulation          traffic.SimulatorConfig `mapstructure:"simulation"`
	ReportRetention     time.Duration           `mapstructure:"report_retention"`
	MaintenanceInterval time.Duration           `mapstructure:"maintenance_interval"`
	MaxMonitors         int                     `mapstructure:"max_monitors"`     // Concurrently running monitors
	TickEvents          bool                    `mapstructure:"tick_events"`      // Publish flood.tick for every sample
	AnalysisWorkers     int                     `mapstructure:"analysis_workers"` // Parallel streams per fleet analysis
	MaxSamples          int                     `mapstructure:"max_samples"`      // Upper bound on posted samples per stream
}

// DefaultConfig returns sensible defaults for the flood module.
func DefaultConfig() FloodConfig {
	return FloodConfig{
		Detector:            cusum.DefaultConfig(),
		Simulation:          traffic.DefaultSimulatorConfig(),
		ReportRetention:     30 * 24 * time.Hour,
		MaintenanceInterval: 1 * time.Hour,
		MaxMonitors:         16,
		TickEvents:          true,
		AnalysisWorkers:     4,
		MaxSamples:          1_000_000,
	}
}

// Validate checks the module settings and the embedded detector and
// simulator configurations.
func (c FloodConfig) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.Simulation.Validate(); err != nil {
		return err
	}
	switch {
	case c.ReportRetention <= 0:
		return fmt.Errorf("report_retention must be positive")
	case c.MaintenanceInterval <= 0:
		return fmt.Errorf("maintenance_interval must be positive")
	case c.MaxMonitors < 1:
		return fmt.Errorf("max_monitors must be at least 1")
	case c.AnalysisWorkers < 1:
		return fmt.Errorf("analysis_workers must be at least 1")
	case c.MaxSamples < 1:
		return fmt.Errorf("max_samples must be at least 1")
	}
	return nil
}
