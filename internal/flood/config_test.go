package flood

import (
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

func TestFloodConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FloodConfig)
	}{
		{"detector", func(c *FloodConfig) { c.Detector.SamplingRate = 0 }},
		{"simulation", func(c *FloodConfig) { c.Simulation.Mean = -1 }},
		{"retention", func(c *FloodConfig) { c.ReportRetention = 0 }},
		{"maintenance", func(c *FloodConfig) { c.MaintenanceInterval = -time.Second }},
		{"monitors", func(c *FloodConfig) { c.MaxMonitors = 0 }},
		{"workers", func(c *FloodConfig) { c.AnalysisWorkers = 0 }},
		{"samples", func(c *FloodConfig) { c.MaxSamples = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
