package flood

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// startMaintenance launches a background goroutine that periodically:
// 1. Deletes reports past the retention window.
// 2. Forgets finished monitors whose reports have been written.
func (m *Module) startMaintenance() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.runMaintenance(time.Now())
			}
		}
	}()
}

// runMaintenance executes a single maintenance cycle.
func (m *Module) runMaintenance(now time.Time) {
	if pruned := m.pruneMonitors(now.Add(-m.cfg.MaintenanceInterval)); pruned > 0 {
		m.logger.Debug("pruned finished monitors", zap.Int("count", pruned))
	}

	if m.store == nil {
		return
	}
	parent := m.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	cutoff := now.Add(-m.cfg.ReportRetention)
	deleted, err := m.store.DeleteOldReports(ctx, cutoff)
	if err != nil {
		m.logger.Warn("failed to delete old reports", zap.Error(err))
	} else if deleted > 0 {
		m.logger.Info("purged old reports", zap.Int64("count", deleted))
	}
}

// pruneMonitors drops monitors that finished before cutoff.
func (m *Module) pruneMonitors(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, mon := range m.monitors {
		st := mon.Status()
		if st.CompletedAt != nil && st.CompletedAt.Before(cutoff) {
			delete(m.monitors, id)
			pruned++
		}
	}
	return pruned
}
