package flood

import (
	"database/sql"

	"github.com/HerbHall/floodwatch/pkg/plugin"
)

// migrations returns the flood module's database migrations.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create flood report tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS flood_reports (
						id                      TEXT PRIMARY KEY,
						monitor_id              TEXT NOT NULL DEFAULT '',
						name                    TEXT NOT NULL DEFAULT '',
						mode                    TEXT NOT NULL,
						source                  TEXT NOT NULL DEFAULT '',
						status                  TEXT NOT NULL,
						error                   TEXT NOT NULL DEFAULT '',
						config                  TEXT NOT NULL DEFAULT '{}',
						baseline                REAL,
						ticks                   INTEGER NOT NULL DEFAULT 0,
						detected                INTEGER NOT NULL DEFAULT 0,
						first_detection_tick    INTEGER,
						first_detection_seconds REAL,
						anomalous_ticks         INTEGER NOT NULL DEFAULT 0,
						peak_cumulative         REAL NOT NULL DEFAULT 0,
						surge_start_tick        INTEGER,
						surge_end_tick          INTEGER,
						detection_delay         REAL,
						false_alarm             INTEGER NOT NULL DEFAULT 0,
						started_at              DATETIME NOT NULL,
						completed_at            DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_flood_reports_completed ON flood_reports(completed_at)`,
					`CREATE INDEX IF NOT EXISTS idx_flood_reports_mode ON flood_reports(mode, detected)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "create flood episode table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS flood_episodes (
						report_id  TEXT NOT NULL REFERENCES flood_reports(id) ON DELETE CASCADE,
						start_tick INTEGER NOT NULL,
						end_tick   INTEGER NOT NULL,
						ticks      INTEGER NOT NULL,
						seconds    REAL NOT NULL,
						peak       REAL NOT NULL,
						PRIMARY KEY (report_id, start_tick)
					)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
