package flood

import (
	"context"
	"testing"
	"time"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
	"github.com/HerbHall/floodwatch/internal/store"
)

func testStore(t *testing.T) *ReportStore {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background(), "flood", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewReportStore(db.DB())
}

func storedReport(name string, mode Mode, detected bool, completed time.Time) *Report {
	r := &Report{
		ID:          name + "-id",
		Name:        name,
		Mode:        mode,
		Source:      "samples",
		Status:      StatusCompleted,
		Config:      cusum.DefaultConfig(),
		Ticks:       3600,
		Episodes:    []cusum.Episode{},
		StartedAt:   completed.Add(-time.Minute),
		CompletedAt: completed,
	}
	if detected {
		tick, seconds := 1200, 20.0
		r.Detected = true
		r.FirstDetectionTick = &tick
		r.FirstDetectionSeconds = &seconds
	}
	return r
}

func TestInsertReport_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	r := storedReport("edge", ModeStream, true, now)
	r.MonitorID = "mon-1"
	baseline, delay := 99.5, 0.25
	start, end := 1185, 1215
	r.Baseline = &baseline
	r.DetectionDelay = &delay
	r.SurgeStartTick = &start
	r.SurgeEndTick = &end
	r.AnomalousTicks = 40
	r.PeakCumulative = 9000.5
	r.Episodes = []cusum.Episode{
		{StartTick: 1200, EndTick: 1229, Ticks: 30, Seconds: 0.5, Peak: 9000.5},
		{StartTick: 1300, EndTick: 1309, Ticks: 10, Seconds: 10.0 / 60, Peak: 120},
	}

	if err := s.InsertReport(ctx, r); err != nil {
		t.Fatalf("InsertReport: %v", err)
	}

	got, err := s.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got == nil {
		t.Fatal("GetReport returned nil")
	}

	if got.MonitorID != "mon-1" {
		t.Errorf("MonitorID = %q, want %q", got.MonitorID, "mon-1")
	}
	if got.Name != "edge" || got.Mode != ModeStream || got.Status != StatusCompleted {
		t.Errorf("name/mode/status = %s/%s/%s", got.Name, got.Mode, got.Status)
	}
	if got.Config != r.Config {
		t.Errorf("Config = %+v, want %+v", got.Config, r.Config)
	}
	if got.Baseline == nil || *got.Baseline != baseline {
		t.Errorf("Baseline = %v, want %v", got.Baseline, baseline)
	}
	if !got.Detected || *got.FirstDetectionTick != 1200 || *got.FirstDetectionSeconds != 20 {
		t.Errorf("detection = %v tick %v", got.Detected, got.FirstDetectionTick)
	}
	if *got.SurgeStartTick != start || *got.SurgeEndTick != end || *got.DetectionDelay != delay {
		t.Errorf("surge = [%d, %d) delay %v", *got.SurgeStartTick, *got.SurgeEndTick, *got.DetectionDelay)
	}
	if got.AnomalousTicks != 40 || got.PeakCumulative != 9000.5 {
		t.Errorf("anomalous/peak = %d/%v", got.AnomalousTicks, got.PeakCumulative)
	}
	if len(got.Episodes) != 2 || got.Episodes[0] != r.Episodes[0] || got.Episodes[1] != r.Episodes[1] {
		t.Errorf("Episodes = %+v, want %+v", got.Episodes, r.Episodes)
	}
	if !got.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, now)
	}
}

func TestInsertReport_NullableFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := storedReport("short", ModeStream, false, time.Now().UTC())
	r.Status = StatusCancelled
	if err := s.InsertReport(ctx, r); err != nil {
		t.Fatalf("InsertReport: %v", err)
	}

	got, err := s.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Baseline != nil || got.FirstDetectionTick != nil || got.SurgeStartTick != nil || got.DetectionDelay != nil {
		t.Errorf("nullable fields should stay nil: %+v", got)
	}
	if got.Status != StatusCancelled {
		t.Errorf("Status = %q, want %q", got.Status, StatusCancelled)
	}
	if got.Episodes == nil || len(got.Episodes) != 0 {
		t.Errorf("Episodes = %v, want empty slice", got.Episodes)
	}
}

func TestInsertReport_DuplicateID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := storedReport("dup", ModeBatch, false, time.Now().UTC())
	if err := s.InsertReport(ctx, r); err != nil {
		t.Fatalf("first InsertReport: %v", err)
	}
	if err := s.InsertReport(ctx, r); err == nil {
		t.Fatal("second InsertReport with the same ID should fail")
	}
}

func TestGetReport_NotFound(t *testing.T) {
	s := testStore(t)

	got, err := s.GetReport(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got != nil {
		t.Errorf("GetReport(missing) = %+v, want nil", got)
	}
}

func TestListReports_Filters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for _, r := range []*Report{
		storedReport("a", ModeBatch, true, base.Add(-3*time.Minute)),
		storedReport("b", ModeBatch, false, base.Add(-2*time.Minute)),
		storedReport("c", ModeStream, true, base.Add(-1*time.Minute)),
	} {
		if err := s.InsertReport(ctx, r); err != nil {
			t.Fatalf("InsertReport(%s): %v", r.Name, err)
		}
	}

	yes, no := true, false
	tests := []struct {
		name   string
		filter ReportFilter
		want   []string
	}{
		{"all newest first", ReportFilter{}, []string{"c", "b", "a"}},
		{"batch only", ReportFilter{Mode: ModeBatch}, []string{"b", "a"}},
		{"detected", ReportFilter{Detected: &yes}, []string{"c", "a"}},
		{"not detected", ReportFilter{Detected: &no}, []string{"b"}},
		{"batch detected", ReportFilter{Mode: ModeBatch, Detected: &yes}, []string{"a"}},
		{"by name", ReportFilter{Name: "c"}, []string{"c"}},
		{"limit", ReportFilter{Limit: 2}, []string{"c", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListReports(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListReports: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, name := range tt.want {
				if got[i].Name != name {
					t.Errorf("got[%d] = %q, want %q", i, got[i].Name, name)
				}
			}
		})
	}
}

func TestDeleteReport_CascadesEpisodes(t *testing.T) {
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	if err := db.Migrate(ctx, "flood", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := NewReportStore(db.DB())

	r := storedReport("gone", ModeBatch, true, time.Now().UTC())
	r.Episodes = []cusum.Episode{{StartTick: 10, EndTick: 12, Ticks: 3, Seconds: 0.05, Peak: 50}}
	if err := s.InsertReport(ctx, r); err != nil {
		t.Fatalf("InsertReport: %v", err)
	}

	deleted, err := s.DeleteReport(ctx, r.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteReport = %v, %v; want true, nil", deleted, err)
	}

	var n int
	if err := db.DB().QueryRow(`SELECT COUNT(*) FROM flood_episodes`).Scan(&n); err != nil {
		t.Fatalf("count episodes: %v", err)
	}
	if n != 0 {
		t.Errorf("episodes left after delete = %d, want 0", n)
	}

	deleted, err = s.DeleteReport(ctx, r.ID)
	if err != nil || deleted {
		t.Errorf("second DeleteReport = %v, %v; want false, nil", deleted, err)
	}
}

func TestDeleteOldReports(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := storedReport("old", ModeBatch, false, now.Add(-48*time.Hour))
	fresh := storedReport("fresh", ModeBatch, false, now)
	for _, r := range []*Report{old, fresh} {
		if err := s.InsertReport(ctx, r); err != nil {
			t.Fatalf("InsertReport: %v", err)
		}
	}

	deleted, err := s.DeleteOldReports(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOldReports: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	n, err := s.CountReports(ctx)
	if err != nil {
		t.Fatalf("CountReports: %v", err)
	}
	if n != 1 {
		t.Errorf("CountReports = %d, want 1", n)
	}
	if got, _ := s.GetReport(ctx, fresh.ID); got == nil {
		t.Error("fresh report should survive the purge")
	}
}
