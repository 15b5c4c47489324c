package flood

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
)

// ReportStore provides database access for run reports.
type ReportStore struct {
	db *sql.DB
}

// NewReportStore creates a new ReportStore backed by the given database.
func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db}
}

// ReportFilter narrows ListReports. Zero values match everything.
type ReportFilter struct {
	Mode     Mode
	Detected *bool
	Name     string
	Limit    int
}

const reportColumns = `id, monitor_id, name, mode, source, status, error, config, baseline, ticks,
	detected, first_detection_tick, first_detection_seconds, anomalous_ticks,
	peak_cumulative, surge_start_tick, surge_end_tick, detection_delay,
	false_alarm, started_at, completed_at`

// InsertReport stores a report and its episodes in one transaction.
func (s *ReportStore) InsertReport(ctx context.Context, r *Report) error {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("marshal report config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert report: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flood_reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MonitorID, r.Name, string(r.Mode), r.Source, r.Status, r.Error, string(cfg),
		nullFloat(r.Baseline), r.Ticks, boolInt(r.Detected),
		nullInt(r.FirstDetectionTick), nullFloat(r.FirstDetectionSeconds),
		r.AnomalousTicks, r.PeakCumulative,
		nullInt(r.SurgeStartTick), nullInt(r.SurgeEndTick), nullFloat(r.DetectionDelay),
		boolInt(r.FalseAlarm), r.StartedAt.UTC(), r.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	for _, e := range r.Episodes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO flood_episodes (report_id, start_tick, end_tick, ticks, seconds, peak)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, e.StartTick, e.EndTick, e.Ticks, e.Seconds, e.Peak,
		)
		if err != nil {
			return fmt.Errorf("insert episode %d: %w", e.StartTick, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}

// GetReport returns a report with its episodes, or nil if not found.
func (s *ReportStore) GetReport(ctx context.Context, id string) (*Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM flood_reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get report: %w", err)
	}
	if r.Episodes, err = s.episodes(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

// ListReports returns reports ordered by completion time, newest first.
// Episodes are not loaded; use GetReport for the full record.
func (s *ReportStore) ListReports(ctx context.Context, f ReportFilter) ([]Report, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	var (
		where []string
		args  []any
	)
	if f.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, string(f.Mode))
	}
	if f.Detected != nil {
		where = append(where, "detected = ?")
		args = append(args, boolInt(*f.Detected))
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}

	query := `SELECT ` + reportColumns + ` FROM flood_reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY completed_at DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// DeleteReport removes a report and its episodes. It reports whether a row
// was deleted.
func (s *ReportStore) DeleteReport(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flood_reports WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete report rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteOldReports removes reports completed before cutoff.
func (s *ReportStore) DeleteOldReports(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM flood_reports WHERE completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old reports: %w", err)
	}
	return res.RowsAffected()
}

// CountReports returns the number of stored reports.
func (s *ReportStore) CountReports(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flood_reports`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

func (s *ReportStore) episodes(ctx context.Context, reportID string) ([]cusum.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_tick, end_tick, ticks, seconds, peak
		FROM flood_episodes WHERE report_id = ? ORDER BY start_tick`,
		reportID,
	)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	episodes := []cusum.Episode{}
	for rows.Next() {
		var e cusum.Episode
		if err := rows.Scan(&e.StartTick, &e.EndTick, &e.Ticks, &e.Seconds, &e.Peak); err != nil {
			return nil, fmt.Errorf("scan episode row: %w", err)
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*Report, error) {
	var (
		r                             Report
		mode, cfg                     string
		baseline, detSeconds, delay   sql.NullFloat64
		detTick, surgeStart, surgeEnd sql.NullInt64
		detected, falseAlarm          int
	)
	err := row.Scan(
		&r.ID, &r.MonitorID, &r.Name, &mode, &r.Source, &r.Status, &r.Error, &cfg, &baseline, &r.Ticks,
		&detected, &detTick, &detSeconds, &r.AnomalousTicks,
		&r.PeakCumulative, &surgeStart, &surgeEnd, &delay,
		&falseAlarm, &r.StartedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &r.Config); err != nil {
		return nil, fmt.Errorf("unmarshal report config: %w", err)
	}
	r.Mode = Mode(mode)
	r.Detected = detected != 0
	r.FalseAlarm = falseAlarm != 0
	r.Baseline = floatPtr(baseline)
	r.FirstDetectionSeconds = floatPtr(detSeconds)
	r.DetectionDelay = floatPtr(delay)
	r.FirstDetectionTick = intPtr(detTick)
	r.SurgeStartTick = intPtr(surgeStart)
	r.SurgeEndTick = intPtr(surgeEnd)
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
