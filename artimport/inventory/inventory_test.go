package inventory

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tmwalaszek/artimport/artimport"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ptr[T any](v T) *T {
	return &v
}

func newTestInventory(t *testing.T) *SQLite {
	t.Helper()

	inv, err := NewSQLite(filepath.Join(t.TempDir(), "inventory.db"), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Can't create database file: %v", err)
	}

	t.Cleanup(func() { inv.Close() })
	return inv
}

func artefact(testID int64, path, hash string) artimport.ArtefactUpdate {
	return artimport.ArtefactUpdate{
		TestID: &testID,
		Type:   artimport.TypeCSV,
		Path:   path,
		Hash:   hash,
		Size:   42,
	}
}

func TestInventory(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	date := time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)
	campaignID, err := inv.GetOrCreateCampaign(ctx, "camp_010125_120000", &date)
	if err != nil {
		t.Fatalf("Error creating campaign: %v", err)
	}

	again, err := inv.GetOrCreateCampaign(ctx, "camp_010125_120000", nil)
	if err != nil {
		t.Fatalf("Error getting campaign: %v", err)
	}

	if again != campaignID {
		t.Errorf("Campaign ID changed: want %d got %d", campaignID, again)
	}

	testID, err := inv.GetOrCreateTest(ctx, campaignID, "test_freq_sweep", "test_mod__test_freq_sweep")
	if err != nil {
		t.Fatalf("Error creating test: %v", err)
	}

	if id, _ := inv.GetOrCreateTest(ctx, campaignID, "test_freq_sweep", "test_mod__test_freq_sweep"); id != testID {
		t.Errorf("Test ID changed: want %d got %d", testID, id)
	}

	other, err := inv.GetOrCreateTest(ctx, campaignID, "test_freq_sweep", "other__test_freq_sweep")
	if err != nil {
		t.Fatalf("Error creating test: %v", err)
	}

	if other == testID {
		t.Errorf("Tests with different paths share ID %d", other)
	}

	c, err := inv.FindCampaign(ctx, "camp_010125_120000")
	if err != nil || c == nil {
		t.Fatalf("Error searching for campaign: %v", err)
	}

	if c.Date == nil || !c.Date.Equal(date) {
		t.Errorf("Campaign date mismatch: want %v got %v", date, c.Date)
	}

	params := artimport.ParamSet{
		Present: true,
		Params:  []artimport.Param{{Name: "band", Value: ptr("2.4GHz")}, {Name: "note"}},
	}

	if err := inv.ReplaceParams(ctx, testID, params, artefact(testID, "/out/p_params.json", "aa")); err != nil {
		t.Fatalf("Error replacing params: %v", err)
	}

	// A file without a params object keeps the stored ones.
	if err := inv.ReplaceParams(ctx, testID, artimport.ParamSet{}, artefact(testID, "/out/p_params.json", "bb")); err != nil {
		t.Fatalf("Error replacing params: %v", err)
	}

	gotParams, err := inv.ParamsForTest(ctx, testID)
	if err != nil {
		t.Fatalf("Error reading params: %v", err)
	}

	if diff := cmp.Diff(params.Params, gotParams); diff != "" {
		t.Errorf("Params mismatch (-want +got):\n%s", diff)
	}

	start := time.Date(2025, time.January, 1, 12, 0, 5, 0, time.UTC)
	if err := inv.UpdateStartTime(ctx, testID, artimport.StatusInfo{StartTime: &start}, artefact(testID, "/out/s_status.json", "cc")); err != nil {
		t.Fatalf("Error updating start time: %v", err)
	}

	if err := inv.UpdateStartTime(ctx, testID, artimport.StatusInfo{}, artefact(testID, "/out/s_status.json", "dd")); err != nil {
		t.Fatalf("Error updating start time: %v", err)
	}

	combined := &artimport.CombinedCSV{
		Rows: 3,
		Results: []artimport.ResultRow{
			{RowIndex: 0, Timestamp: ptr(int64(1)), Pass: ptr(false), FailureMessage: ptr("gain too low"), PeakFrequency: ptr(2.4e9), Payload: `{"a":"1"}`},
			{RowIndex: 2, Pass: ptr(true), CommandMethod: ptr("query"), CommandStr: ptr(":FREQ?"), RawResponse: ptr("1"), PeakAmplitude: ptr(-3.5), Payload: `{"a":"3"}`},
		},
		Logs: []artimport.LogRow{
			{RowIndex: 1, Timestamp: ptr(int64(2)), Level: ptr("INFO"), Message: ptr("hello"), LogType: ptr("serial"), LineNumber: ptr(int64(7)), Payload: `{"a":"2"}`},
		},
		Failures:  []string{"gain too low"},
		Docstring: ptr("Checks the gain."),
		Status:    artimport.StatusFailed,
	}

	if err := inv.ReplaceRows(ctx, testID, combined, artefact(testID, "/out/c_combined.csv", "ee")); err != nil {
		t.Fatalf("Error replacing rows: %v", err)
	}

	results, err := inv.ResultsForTest(ctx, testID)
	if err != nil {
		t.Fatalf("Error reading results: %v", err)
	}

	if diff := cmp.Diff(combined.Results, results); diff != "" {
		t.Errorf("Results mismatch (-want +got):\n%s", diff)
	}

	logs, err := inv.LogsForTest(ctx, testID)
	if err != nil {
		t.Fatalf("Error reading logs: %v", err)
	}

	if diff := cmp.Diff(combined.Logs, logs); diff != "" {
		t.Errorf("Logs mismatch (-want +got):\n%s", diff)
	}

	if err := inv.SetAnalyzerPath(ctx, testID, "/out/a_analyzer.html", artefact(testID, "/out/a_analyzer.html", "ff")); err != nil {
		t.Fatalf("Error setting analyzer path: %v", err)
	}

	test, err := inv.FindTest(ctx, campaignID, "test_freq_sweep", "test_mod__test_freq_sweep")
	if err != nil || test == nil {
		t.Fatalf("Error searching for test: %v", err)
	}

	want := &artimport.Test{
		ID:               testID,
		CampaignID:       campaignID,
		Name:             "test_freq_sweep",
		Path:             "test_mod__test_freq_sweep",
		Status:           artimport.StatusFailed,
		StartTime:        &start,
		StartTimestamp:   ptr(start.UnixMilli()),
		Docstring:        ptr("Checks the gain."),
		AnalyzerHTMLPath: ptr("/out/a_analyzer.html"),
	}

	if diff := cmp.Diff(want, test); diff != "" {
		t.Errorf("Test mismatch (-want +got):\n%s", diff)
	}

	artefacts, err := inv.FindArtefactsForTest(ctx, testID)
	if err != nil {
		t.Fatalf("Error reading artefacts: %v", err)
	}

	if len(artefacts) != 4 {
		t.Fatalf("Expected 4 artefacts, got %d", len(artefacts))
	}

	for _, a := range artefacts {
		if !a.Processed || a.ProcessedAt == nil {
			t.Errorf("Artefact %s not marked processed", a.Path)
		}
	}
}

func TestArtefactBookkeeping(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	first := time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)
	inv.now = func() time.Time { return first }

	campaignID, _ := inv.GetOrCreateCampaign(ctx, "camp", nil)
	testID, _ := inv.GetOrCreateTest(ctx, campaignID, "a", "test_a")

	a := artefact(testID, "/out/test_a/a_combined.csv", "aa")
	if err := inv.ReplaceRows(ctx, testID, &artimport.CombinedCSV{Status: artimport.StatusPassed}, a); err != nil {
		t.Fatalf("Error replacing rows: %v", err)
	}

	inv.now = func() time.Time { return first.Add(time.Hour) }
	if err := inv.MarkArtefactCurrent(ctx, a); err != nil {
		t.Fatalf("Error marking artefact: %v", err)
	}

	got, err := inv.FindArtefact(ctx, a.Path)
	if err != nil || got == nil {
		t.Fatalf("Error searching for artefact: %v", err)
	}

	want := &artimport.ArtefactRecord{
		ID:          got.ID,
		TestID:      &testID,
		Type:        artimport.TypeCSV,
		Path:        a.Path,
		Hash:        "aa",
		Size:        42,
		Processed:   true,
		ProcessedAt: &first,
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Artefact mismatch (-want +got):\n%s", diff)
	}

	a.Hash = "bb"
	if err := inv.RegisterArtefact(ctx, a); err != nil {
		t.Fatalf("Error registering artefact: %v", err)
	}

	got, _ = inv.FindArtefact(ctx, a.Path)
	if got.Processed || got.ProcessedAt != nil || got.Hash != "bb" {
		t.Errorf("Registered artefact must be unprocessed with new hash, got %+v", got)
	}

	missing, err := inv.FindArtefact(ctx, "/out/missing.csv")
	if err != nil || missing != nil {
		t.Errorf("Expected no artefact, got %v, %v", missing, err)
	}
}

func TestConstraints(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	campaignID, _ := inv.GetOrCreateCampaign(ctx, "camp", nil)
	testID, _ := inv.GetOrCreateTest(ctx, campaignID, "a", "test_a")

	_, err := inv.db.ExecContext(ctx, "UPDATE tests SET status = 'flaky' WHERE test_id = ?", testID)
	if err == nil {
		t.Errorf("Expected invalid status to be rejected")
	}

	bad := artefact(testID, "/out/x.bin", "aa")
	bad.Type = "binary"
	if err := inv.RegisterArtefact(ctx, bad); err == nil {
		t.Errorf("Expected invalid artefact type to be rejected")
	}

	err = inv.LogProcessing(ctx, artimport.ProcessingEntry{RunID: "r", Path: "/out/x", Outcome: "lost"})
	if err == nil {
		t.Errorf("Expected invalid outcome to be rejected")
	}

	_, err = inv.db.ExecContext(ctx, "INSERT INTO tests(campaign_id,test_name,test_path,created_at) VALUES(?,?,?,?)",
		campaignID+100, "b", "test_b", formatTime(time.Now()))
	if err == nil {
		t.Errorf("Expected foreign key violation")
	}

	_, err = inv.db.ExecContext(ctx, "INSERT INTO campaigns(campaign_name,created_at) VALUES(?,?)", "camp", formatTime(time.Now()))
	if !isUniqueViolation(err) {
		t.Errorf("Expected unique violation, got %v", err)
	}
}

func countRows(t *testing.T, inv *SQLite, table string) int {
	t.Helper()

	var n int
	if err := inv.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("Can't count %s: %v", table, err)
	}

	return n
}

func TestCreateExisting(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	campaignID, err := inv.GetOrCreateCampaign(ctx, "camp", nil)
	if err != nil {
		t.Fatalf("Error creating campaign: %v", err)
	}

	testID, err := inv.GetOrCreateTest(ctx, campaignID, "a", "test_a")
	if err != nil {
		t.Fatalf("Error creating test: %v", err)
	}

	// Inserting rows a concurrent writer already created returns their ids.
	id, err := inv.createCampaign(ctx, "camp", nil)
	if err != nil || id != campaignID {
		t.Errorf("Expected campaign %d, got %d: %v", campaignID, id, err)
	}

	id, err = inv.createTest(ctx, campaignID, "a", "test_a")
	if err != nil || id != testID {
		t.Errorf("Expected test %d, got %d: %v", testID, id, err)
	}

	if n := countRows(t, inv, "campaigns"); n != 1 {
		t.Errorf("Expected 1 campaign, got %d", n)
	}

	if n := countRows(t, inv, "tests"); n != 1 {
		t.Errorf("Expected 1 test, got %d", n)
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.db")

	handles := make([]*SQLite, 2)
	for i := range handles {
		inv, err := NewSQLite(path, WithLogger(zaptest.NewLogger(t)))
		if err != nil {
			t.Fatalf("Can't open database file: %v", err)
		}

		t.Cleanup(func() { inv.Close() })
		handles[i] = inv
	}

	ctx := context.Background()

	const workers = 8
	campaigns := make([]int64, workers)
	tests := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			inv := handles[i%len(handles)]
			campaigns[i], errs[i] = inv.GetOrCreateCampaign(ctx, "camp", nil)
			if errs[i] != nil {
				return
			}

			tests[i], errs[i] = inv.GetOrCreateTest(ctx, campaigns[i], "a", "test_a")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("Worker %d failed: %v", i, errs[i])
		}

		if campaigns[i] != campaigns[0] || tests[i] != tests[0] {
			t.Errorf("Worker %d got campaign %d test %d, want %d %d", i, campaigns[i], tests[i], campaigns[0], tests[0])
		}
	}

	if n := countRows(t, handles[0], "campaigns"); n != 1 {
		t.Errorf("Expected 1 campaign, got %d", n)
	}

	if n := countRows(t, handles[1], "tests"); n != 1 {
		t.Errorf("Expected 1 test, got %d", n)
	}
}

func TestDeleteCampaign(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	keepID, _ := inv.GetOrCreateCampaign(ctx, "keep", nil)
	keepTest, _ := inv.GetOrCreateTest(ctx, keepID, "a", "test_a")

	dropID, _ := inv.GetOrCreateCampaign(ctx, "drop", nil)
	dropTest, _ := inv.GetOrCreateTest(ctx, dropID, "b", "test_b")

	combined := &artimport.CombinedCSV{
		Results:  []artimport.ResultRow{{RowIndex: 0, Pass: ptr(false), Payload: "{}"}},
		Logs:     []artimport.LogRow{{RowIndex: 1, Payload: "{}"}},
		Failures: []string{"lost"},
		Status:   artimport.StatusFailed,
	}

	for id, path := range map[int64]string{keepTest: "/out/keep/a_combined.csv", dropTest: "/out/drop/b_combined.csv"} {
		if err := inv.ReplaceRows(ctx, id, combined, artefact(id, path, "aa")); err != nil {
			t.Fatalf("Error replacing rows: %v", err)
		}
	}

	if err := inv.DeleteCampaign(ctx, "drop"); err != nil {
		t.Fatalf("Error deleting campaign: %v", err)
	}

	campaigns, err := inv.FindCampaigns(ctx)
	if err != nil {
		t.Fatalf("Error searching for campaigns: %v", err)
	}

	if len(campaigns) != 1 || campaigns[0].Name != "keep" {
		t.Fatalf("Expected only campaign keep, got %v", campaigns)
	}

	for _, table := range []string{"tests", "test_results", "test_logs", "failure_messages"} {
		var n int
		if err := inv.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			t.Fatalf("Error counting %s: %v", table, err)
		}

		if n != 1 {
			t.Errorf("Expected 1 row in %s after delete, got %d", table, n)
		}
	}

	dropped, _ := inv.FindArtefact(ctx, "/out/drop/b_combined.csv")
	if dropped == nil || dropped.TestID != nil || dropped.Processed {
		t.Errorf("Artefact of deleted campaign must be detached and unprocessed, got %+v", dropped)
	}

	kept, _ := inv.FindArtefact(ctx, "/out/keep/a_combined.csv")
	if kept == nil || !kept.Processed {
		t.Errorf("Artefact of kept campaign changed, got %+v", kept)
	}

	if err := inv.DeleteCampaign(ctx, "drop"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("Expected ErrCampaignNotFound, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	campaignID, _ := inv.GetOrCreateCampaign(ctx, "camp", nil)

	tests := []struct {
		name     string
		status   artimport.TestStatus
		failures []string
	}{
		{"a", artimport.StatusFailed, []string{"gain too low", "phase lost"}},
		{"b", artimport.StatusFailed, []string{"gain too low"}},
		{"c", artimport.StatusPassed, nil},
	}

	for _, tt := range tests {
		id, _ := inv.GetOrCreateTest(ctx, campaignID, tt.name, "test_"+tt.name)
		combined := &artimport.CombinedCSV{Failures: tt.failures, Status: tt.status}
		if err := inv.ReplaceRows(ctx, id, combined, artefact(id, "/out/"+tt.name+"_combined.csv", tt.name)); err != nil {
			t.Fatalf("Error replacing rows: %v", err)
		}
	}

	if _, err := inv.GetOrCreateTest(ctx, campaignID, "d", "test_d"); err != nil {
		t.Fatalf("Error creating test: %v", err)
	}

	s, err := inv.Summary(ctx, 5)
	if err != nil {
		t.Fatalf("Error reading summary: %v", err)
	}

	want := &artimport.Summary{
		Campaigns:          1,
		Tests:              4,
		Passed:             1,
		Failed:             2,
		Unknown:            1,
		FailureMessages:    3,
		Artefacts:          3,
		ProcessedArtefacts: 3,
		ArtefactBytes:      126,
		TopFailures: []artimport.FailureCount{
			{Message: "gain too low", Tests: 2},
			{Message: "phase lost", Tests: 1},
		},
	}

	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}

	s, err = inv.Summary(ctx, 0)
	if err != nil {
		t.Fatalf("Error reading summary: %v", err)
	}

	if s.TopFailures != nil {
		t.Errorf("Expected no top failures, got %v", s.TopFailures)
	}
}

func TestProcessingLog(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	started := time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)
	entries := []artimport.ProcessingEntry{
		{RunID: "run-1", Path: "/out/a.log", Outcome: artimport.OutcomeRegistered, Started: started, Finished: started.Add(time.Millisecond)},
		{RunID: "run-1", Path: "/out/b_combined.csv", Outcome: artimport.OutcomeFailed, Error: "bad row", Started: started, Finished: started.Add(time.Second)},
		{RunID: "run-2", Path: "/out/a.log", Outcome: artimport.OutcomeSkipped, Started: started, Finished: started},
	}

	for _, e := range entries {
		if err := inv.LogProcessing(ctx, e); err != nil {
			t.Fatalf("Error writing processing log: %v", err)
		}
	}

	got, err := inv.ProcessingLog(ctx, "run-1")
	if err != nil {
		t.Fatalf("Error reading processing log: %v", err)
	}

	if diff := cmp.Diff(entries[:2], got); diff != "" {
		t.Errorf("Processing log mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrateLegacySchema(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite3", dbFile)
	if err != nil {
		t.Fatalf("Can't open legacy database: %v", err)
	}

	_, err = legacy.Exec(`CREATE TABLE artefacts (
    artefact_id INTEGER PRIMARY KEY,
    test_id INTEGER,
    artefact_type TEXT NOT NULL,
    file_path TEXT NOT NULL UNIQUE,
    file_hash TEXT NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0,
    processed_at TEXT
);

CREATE TABLE processing_log (
    log_id INTEGER PRIMARY KEY,
    artefact_id INTEGER,
    file_path TEXT NOT NULL,
    outcome TEXT NOT NULL,
    error_message TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL
);

INSERT INTO artefacts(artefact_type,file_path,file_hash,processed) VALUES('log','/out/old.log','aa',0);`)
	legacy.Close()
	if err != nil {
		t.Fatalf("Can't create legacy schema: %v", err)
	}

	inv, err := NewSQLite(dbFile, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Can't migrate legacy database: %v", err)
	}

	ctx := context.Background()
	version, err := inv.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("Can't read schema version: %v", err)
	}

	if version != CurrentSchemaVersion {
		t.Errorf("Schema version mismatch: want %d got %d", CurrentSchemaVersion, version)
	}

	for _, m := range pendingMigrations {
		exists, err := inv.columnExists(ctx, m.Table, m.Column)
		if err != nil || !exists {
			t.Errorf("Column %s.%s missing after migration: %v", m.Table, m.Column, err)
		}
	}

	old, err := inv.FindArtefact(ctx, "/out/old.log")
	if err != nil || old == nil {
		inv.Close()
		t.Fatalf("Legacy artefact lost: %v", err)
	}

	if old.Size != 0 {
		t.Errorf("Expected default size 0, got %d", old.Size)
	}

	if err := inv.LogProcessing(ctx, artimport.ProcessingEntry{RunID: "run-1", Path: "/out/old.log", Outcome: artimport.OutcomeSkipped}); err != nil {
		t.Errorf("Can't write processing log after migration: %v", err)
	}

	// Reopening a current store records no new version.
	inv.Close()
	inv, err = NewSQLite(dbFile)
	if err != nil {
		t.Fatalf("Can't reopen database: %v", err)
	}
	defer inv.Close()

	var rows int
	if err := inv.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&rows); err != nil {
		t.Fatalf("Can't count schema versions: %v", err)
	}

	if rows != 1 {
		t.Errorf("Expected one schema version row, got %d", rows)
	}
}

func TestNewInventory(t *testing.T) {
	if _, err := NewInventory("postgres", "ignored"); err == nil {
		t.Errorf("Expected unsupported inventory type error")
	}

	inv, err := NewInventory("SQLite3", filepath.Join(t.TempDir(), "nested", "dir", "inv.db"))
	if err != nil {
		t.Fatalf("Can't create inventory: %v", err)
	}

	if err := inv.Close(); err != nil {
		t.Errorf("Can't close inventory: %v", err)
	}
}
