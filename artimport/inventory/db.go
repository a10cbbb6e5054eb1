package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/tmwalaszek/artimport/artimport"
	"go.uber.org/zap"
)

var ErrCampaignNotFound = errors.New("campaign not found")

type DB struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func closeRows(rows *sql.Rows) error {
	err := rows.Close()
	if err != nil {
		return err
	}

	return rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	return false
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}

	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}

	return &t
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}

	return formatTime(*t)
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}

	return *s
}

func nullInt(n *int64) interface{} {
	if n == nil {
		return nil
	}

	return *n
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}

	return *f
}

func nullBool(b *bool) interface{} {
	if b == nil {
		return nil
	}

	return boolToInt(*b)
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}

	return &s.String
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}

	return &n.Int64
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}

	return &f.Float64
}

func boolPtr(n sql.NullInt64) *bool {
	if !n.Valid {
		return nil
	}

	b := n.Int64 != 0
	return &b
}

// inTx runs fn in one transaction, rolling back when fn fails.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Can't start transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Can't commit transaction: %w", err)
	}

	return nil
}

const (
	campaignIDQuery = "SELECT campaign_id FROM campaigns WHERE campaign_name = ?"
	testIDQuery     = "SELECT test_id FROM tests WHERE campaign_id = ? AND test_name = ? AND test_path = ?"
)

// GetOrCreateCampaign returns the campaign named name, inserting it first
// when it does not exist.
func (d *DB) GetOrCreateCampaign(ctx context.Context, name string, date *time.Time) (int64, error) {
	id, err := d.queryID(ctx, campaignIDQuery, name)
	if err != nil || id != 0 {
		return id, err
	}

	return d.createCampaign(ctx, name, date)
}

// createCampaign inserts a campaign. When another writer inserted the same
// name first the existing id is returned.
func (d *DB) createCampaign(ctx context.Context, name string, date *time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, "INSERT INTO campaigns(campaign_name,campaign_date,created_at) VALUES(?,?,?)",
		name, nullTime(date), formatTime(d.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return d.queryID(ctx, campaignIDQuery, name)
		}

		return 0, fmt.Errorf("Can't create campaign in database: %w", err)
	}

	d.logger.Info("Created campaign", zap.String("campaign", name))
	return res.LastInsertId()
}

// GetOrCreateTest returns the test identified by (campaignID, name, path),
// inserting it with unknown status first when it does not exist.
func (d *DB) GetOrCreateTest(ctx context.Context, campaignID int64, name, path string) (int64, error) {
	id, err := d.queryID(ctx, testIDQuery, campaignID, name, path)
	if err != nil || id != 0 {
		return id, err
	}

	return d.createTest(ctx, campaignID, name, path)
}

func (d *DB) createTest(ctx context.Context, campaignID int64, name, path string) (int64, error) {
	res, err := d.db.ExecContext(ctx, "INSERT INTO tests(campaign_id,test_name,test_path,status,created_at) VALUES(?,?,?,?,?)",
		campaignID, name, path, string(artimport.StatusUnknown), formatTime(d.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return d.queryID(ctx, testIDQuery, campaignID, name, path)
		}

		return 0, fmt.Errorf("Can't create test in database: %w", err)
	}

	d.logger.Debug("Created test", zap.String("test", name), zap.String("path", path))
	return res.LastInsertId()
}

// queryID returns the single id selected by query, or 0 when there is none.
func (d *DB) queryID(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return id, err
}

const artefactFields = "artefact_id,test_id,artefact_type,file_path,file_hash,file_size,processed,processed_at"

// FindArtefact returns the artefact stored under path, or nil.
func (d *DB) FindArtefact(ctx context.Context, path string) (*artimport.ArtefactRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM artefacts WHERE file_path = ?", artefactFields)

	artefacts, err := d.queryArtefacts(ctx, query, path)
	if err != nil {
		return nil, err
	}

	if len(artefacts) != 1 {
		return nil, nil
	}

	return artefacts[0], nil
}

// FindArtefactsForTest returns the artefacts referencing testID ordered by path.
func (d *DB) FindArtefactsForTest(ctx context.Context, testID int64) ([]*artimport.ArtefactRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM artefacts WHERE test_id = ? ORDER BY file_path", artefactFields)
	return d.queryArtefacts(ctx, query, testID)
}

// FindArtefacts returns every tracked artefact ordered by path.
func (d *DB) FindArtefacts(ctx context.Context) ([]*artimport.ArtefactRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM artefacts ORDER BY file_path", artefactFields)
	return d.queryArtefacts(ctx, query)
}

func (d *DB) queryArtefacts(ctx context.Context, query string, args ...interface{}) ([]*artimport.ArtefactRecord, error) {
	results := make([]*artimport.ArtefactRecord, 0)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	for rows.Next() {
		var a artimport.ArtefactRecord
		var testID sql.NullInt64
		var artefactType string
		var processed int
		var processedAt sql.NullString

		err = rows.Scan(&a.ID, &testID, &artefactType, &a.Path, &a.Hash, &a.Size, &processed, &processedAt)
		if err != nil {
			return nil, err
		}

		a.TestID = intPtr(testID)
		a.Type = artimport.ArtefactType(artefactType)
		a.Processed = processed != 0
		a.ProcessedAt = parseTime(processedAt)

		results = append(results, &a)
	}

	err = closeRows(rows)
	return results, err
}

// upsertArtefact writes the artefact row keyed by path. keepProcessedAt
// preserves an existing processed_at value.
func (d *DB) upsertArtefact(ctx context.Context, tx *sql.Tx, a artimport.ArtefactUpdate, processed, keepProcessedAt bool) error {
	processedAt := "excluded.processed_at"
	if keepProcessedAt {
		processedAt = "COALESCE(artefacts.processed_at, excluded.processed_at)"
	}

	query := fmt.Sprintf(`INSERT INTO artefacts(test_id,artefact_type,file_path,file_hash,file_size,processed,processed_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(file_path) DO UPDATE SET
    test_id = excluded.test_id,
    artefact_type = excluded.artefact_type,
    file_hash = excluded.file_hash,
    file_size = excluded.file_size,
    processed = excluded.processed,
    processed_at = %s`, processedAt)

	var at interface{}
	if processed {
		at = formatTime(d.now())
	}

	_, err := tx.ExecContext(ctx, query,
		nullInt(a.TestID),
		string(a.Type),
		a.Path,
		a.Hash,
		a.Size,
		boolToInt(processed),
		at)

	if err != nil {
		return fmt.Errorf("Can't save artefact %s: %w", a.Path, err)
	}

	return nil
}

// MarkArtefactCurrent records an unchanged artefact as processed, keeping
// the time it was first processed.
func (d *DB) MarkArtefactCurrent(ctx context.Context, a artimport.ArtefactUpdate) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		return d.upsertArtefact(ctx, tx, a, true, true)
	})
}

// RegisterArtefact records an artefact as seen but not processed.
func (d *DB) RegisterArtefact(ctx context.Context, a artimport.ArtefactUpdate) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		return d.upsertArtefact(ctx, tx, a, false, false)
	})
}

// ReplaceParams replaces the params of a test and marks the artefact processed.
// A set without a params object leaves the stored params untouched.
func (d *DB) ReplaceParams(ctx context.Context, testID int64, params artimport.ParamSet, a artimport.ArtefactUpdate) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if params.Present {
			_, err := tx.ExecContext(ctx, "DELETE FROM test_params WHERE test_id = ?", testID)
			if err != nil {
				return fmt.Errorf("Can't remove test params: %w", err)
			}

			query := "INSERT INTO test_params(test_id,param_name,param_value) VALUES(?,?,?)"
			for _, p := range params.Params {
				_, err := tx.ExecContext(ctx, query, testID, p.Name, nullString(p.Value))
				if err != nil {
					return fmt.Errorf("Can't create test param %s: %w", p.Name, err)
				}
			}
		}

		return d.upsertArtefact(ctx, tx, a, true, false)
	})
}

// UpdateStartTime sets the start time of a test. A nil start time leaves
// the test unchanged.
func (d *DB) UpdateStartTime(ctx context.Context, testID int64, status artimport.StatusInfo, a artimport.ArtefactUpdate) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if status.StartTime != nil {
			_, err := tx.ExecContext(ctx, "UPDATE tests SET start_time = ?, start_timestamp = ? WHERE test_id = ?",
				formatTime(*status.StartTime), status.StartTime.UnixMilli(), testID)
			if err != nil {
				return fmt.Errorf("Can't update test start time: %w", err)
			}
		}

		return d.upsertArtefact(ctx, tx, a, true, false)
	})
}

// SetAnalyzerPath records the rendered analyzer page of a test.
func (d *DB) SetAnalyzerPath(ctx context.Context, testID int64, path string, a artimport.ArtefactUpdate) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE tests SET analyzer_html_path = ? WHERE test_id = ?", path, testID)
		if err != nil {
			return fmt.Errorf("Can't update analyzer path: %w", err)
		}

		return d.upsertArtefact(ctx, tx, a, true, false)
	})
}

// ReplaceRows replaces the results, logs and failure messages of a test with
// the content of one combined CSV and overwrites its status and docstring.
func (d *DB) ReplaceRows(ctx context.Context, testID int64, csv *artimport.CombinedCSV, a artimport.ArtefactUpdate) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"test_results", "test_logs", "failure_messages"} {
			_, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE test_id = ?", table), testID)
			if err != nil {
				return fmt.Errorf("Can't clear %s: %w", table, err)
			}
		}

		if err := insertResults(ctx, tx, testID, csv.Results); err != nil {
			return err
		}

		if err := insertLogs(ctx, tx, testID, csv.Logs); err != nil {
			return err
		}

		for _, msg := range csv.Failures {
			_, err := tx.ExecContext(ctx, "INSERT INTO failure_messages(test_id,message) VALUES(?,?)", testID, msg)
			if err != nil {
				return fmt.Errorf("Can't create failure message: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, "UPDATE tests SET status = ?, docstring = ? WHERE test_id = ?",
			string(csv.Status), nullString(csv.Docstring), testID)
		if err != nil {
			return fmt.Errorf("Can't update test status: %w", err)
		}

		return d.upsertArtefact(ctx, tx, a, true, false)
	})
}

func insertResults(ctx context.Context, tx *sql.Tx, testID int64, results []artimport.ResultRow) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO test_results(test_id,row_index,timestamp,pass,command_method,command_str,
raw_response,peak_frequency,peak_amplitude,failure_message,row_data) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("Can't prepare result insert: %w", err)
	}

	defer stmt.Close()

	for _, r := range results {
		_, err := stmt.ExecContext(ctx,
			testID,
			r.RowIndex,
			nullInt(r.Timestamp),
			nullBool(r.Pass),
			nullString(r.CommandMethod),
			nullString(r.CommandStr),
			nullString(r.RawResponse),
			nullFloat(r.PeakFrequency),
			nullFloat(r.PeakAmplitude),
			nullString(r.FailureMessage),
			r.Payload)

		if err != nil {
			return fmt.Errorf("Can't create test result row %d: %w", r.RowIndex, err)
		}
	}

	return nil
}

func insertLogs(ctx context.Context, tx *sql.Tx, testID int64, logs []artimport.LogRow) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO test_logs(test_id,row_index,timestamp,level,message,log_type,
line_number,row_data) VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("Can't prepare log insert: %w", err)
	}

	defer stmt.Close()

	for _, l := range logs {
		_, err := stmt.ExecContext(ctx,
			testID,
			l.RowIndex,
			nullInt(l.Timestamp),
			nullString(l.Level),
			nullString(l.Message),
			nullString(l.LogType),
			nullInt(l.LineNumber),
			l.Payload)

		if err != nil {
			return fmt.Errorf("Can't create test log row %d: %w", l.RowIndex, err)
		}
	}

	return nil
}

// LogProcessing appends one row to the processing audit trail.
func (d *DB) LogProcessing(ctx context.Context, entry artimport.ProcessingEntry) error {
	query := `INSERT INTO processing_log(run_id,artefact_id,file_path,outcome,error_message,started_at,finished_at)
VALUES(?,(SELECT artefact_id FROM artefacts WHERE file_path = ?),?,?,?,?,?)`

	var msg interface{}
	if entry.Error != "" {
		msg = entry.Error
	}

	_, err := d.db.ExecContext(ctx, query,
		entry.RunID,
		entry.Path,
		entry.Path,
		string(entry.Outcome),
		msg,
		formatTime(entry.Started),
		formatTime(entry.Finished))

	if err != nil {
		return fmt.Errorf("Can't write processing log: %w", err)
	}

	return nil
}

// ProcessingLog returns the audit rows of one run in insertion order.
func (d *DB) ProcessingLog(ctx context.Context, runID string) ([]artimport.ProcessingEntry, error) {
	query := `SELECT run_id,file_path,outcome,error_message,started_at,finished_at
FROM processing_log WHERE run_id = ? ORDER BY log_id`

	rows, err := d.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	entries := make([]artimport.ProcessingEntry, 0)
	for rows.Next() {
		var e artimport.ProcessingEntry
		var outcome string
		var msg, started, finished sql.NullString

		if err := rows.Scan(&e.RunID, &e.Path, &outcome, &msg, &started, &finished); err != nil {
			return nil, err
		}

		e.Outcome = artimport.Outcome(outcome)
		e.Error = msg.String
		if t := parseTime(started); t != nil {
			e.Started = *t
		}
		if t := parseTime(finished); t != nil {
			e.Finished = *t
		}

		entries = append(entries, e)
	}

	err = closeRows(rows)
	return entries, err
}

// Summary aggregates the store content. topFailures limits the list of
// most common failure messages; zero disables it.
func (d *DB) Summary(ctx context.Context, topFailures int) (*artimport.Summary, error) {
	s := &artimport.Summary{}

	counts := []struct {
		query string
		dest  interface{}
	}{
		{"SELECT COUNT(*) FROM campaigns", &s.Campaigns},
		{"SELECT COUNT(*) FROM tests", &s.Tests},
		{"SELECT COUNT(*) FROM tests WHERE status = 'passed'", &s.Passed},
		{"SELECT COUNT(*) FROM tests WHERE status = 'failed'", &s.Failed},
		{"SELECT COUNT(*) FROM tests WHERE status = 'unknown'", &s.Unknown},
		{"SELECT COUNT(*) FROM test_results", &s.Results},
		{"SELECT COUNT(*) FROM test_logs", &s.Logs},
		{"SELECT COUNT(*) FROM failure_messages", &s.FailureMessages},
		{"SELECT COUNT(*) FROM artefacts", &s.Artefacts},
		{"SELECT COUNT(*) FROM artefacts WHERE processed = 1", &s.ProcessedArtefacts},
		{"SELECT COUNT(*) FROM artefacts WHERE processed = 0", &s.UnprocessedArtefacts},
		{"SELECT COALESCE(SUM(file_size), 0) FROM artefacts", &s.ArtefactBytes},
	}

	for _, c := range counts {
		if err := d.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("Can't count store rows: %w", err)
		}
	}

	if topFailures <= 0 {
		return s, nil
	}

	query := `SELECT message, COUNT(DISTINCT test_id) AS tests FROM failure_messages
GROUP BY message ORDER BY tests DESC, message LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, topFailures)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	for rows.Next() {
		var f artimport.FailureCount
		if err := rows.Scan(&f.Message, &f.Tests); err != nil {
			return nil, err
		}

		s.TopFailures = append(s.TopFailures, f)
	}

	err = closeRows(rows)
	return s, err
}

const campaignFields = "campaign_id,campaign_name,campaign_date,created_at"

// FindCampaigns returns all campaigns ordered by name.
func (d *DB) FindCampaigns(ctx context.Context) ([]*artimport.Campaign, error) {
	query := fmt.Sprintf("SELECT %s FROM campaigns ORDER BY campaign_name", campaignFields)
	return d.queryCampaigns(ctx, query)
}

// FindCampaign returns the campaign with the given name, or nil.
func (d *DB) FindCampaign(ctx context.Context, name string) (*artimport.Campaign, error) {
	query := fmt.Sprintf("SELECT %s FROM campaigns WHERE campaign_name = ?", campaignFields)

	campaigns, err := d.queryCampaigns(ctx, query, name)
	if err != nil {
		return nil, err
	}

	if len(campaigns) != 1 {
		return nil, nil
	}

	return campaigns[0], nil
}

func (d *DB) queryCampaigns(ctx context.Context, query string, args ...interface{}) ([]*artimport.Campaign, error) {
	results := make([]*artimport.Campaign, 0)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	for rows.Next() {
		var c artimport.Campaign
		var date sql.NullString
		var created string

		if err := rows.Scan(&c.ID, &c.Name, &date, &created); err != nil {
			return nil, err
		}

		c.Date = parseTime(date)
		if t := parseTime(sql.NullString{String: created, Valid: true}); t != nil {
			c.CreatedAt = *t
		}

		results = append(results, &c)
	}

	err = closeRows(rows)
	return results, err
}

const testFields = "test_id,campaign_id,test_name,test_path,status,start_time,start_timestamp,docstring,analyzer_html_path"

// FindTests returns the tests of a campaign ordered by path.
func (d *DB) FindTests(ctx context.Context, campaignID int64) ([]*artimport.Test, error) {
	query := fmt.Sprintf("SELECT %s FROM tests WHERE campaign_id = ? ORDER BY test_path, test_name", testFields)
	return d.queryTests(ctx, query, campaignID)
}

// FindTest returns a test by its natural key, or nil.
func (d *DB) FindTest(ctx context.Context, campaignID int64, name, path string) (*artimport.Test, error) {
	query := fmt.Sprintf("SELECT %s FROM tests WHERE campaign_id = ? AND test_name = ? AND test_path = ?", testFields)

	tests, err := d.queryTests(ctx, query, campaignID, name, path)
	if err != nil {
		return nil, err
	}

	if len(tests) != 1 {
		return nil, nil
	}

	return tests[0], nil
}

func (d *DB) queryTests(ctx context.Context, query string, args ...interface{}) ([]*artimport.Test, error) {
	results := make([]*artimport.Test, 0)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	for rows.Next() {
		var t artimport.Test
		var status string
		var startTime, docstring, analyzer sql.NullString
		var startTimestamp sql.NullInt64

		err = rows.Scan(&t.ID, &t.CampaignID, &t.Name, &t.Path, &status, &startTime, &startTimestamp, &docstring, &analyzer)
		if err != nil {
			return nil, err
		}

		t.Status = artimport.TestStatus(status)
		t.StartTime = parseTime(startTime)
		t.StartTimestamp = intPtr(startTimestamp)
		t.Docstring = stringPtr(docstring)
		t.AnalyzerHTMLPath = stringPtr(analyzer)

		results = append(results, &t)
	}

	err = closeRows(rows)
	return results, err
}

// ParamsForTest returns the params of a test ordered by name.
func (d *DB) ParamsForTest(ctx context.Context, testID int64) ([]artimport.Param, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT param_name,param_value FROM test_params WHERE test_id = ? ORDER BY param_name", testID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	params := make([]artimport.Param, 0)
	for rows.Next() {
		var p artimport.Param
		var value sql.NullString

		if err := rows.Scan(&p.Name, &value); err != nil {
			return nil, err
		}

		p.Value = stringPtr(value)
		params = append(params, p)
	}

	err = closeRows(rows)
	return params, err
}

// ResultsForTest returns the result rows of a test ordered by row index.
func (d *DB) ResultsForTest(ctx context.Context, testID int64) ([]artimport.ResultRow, error) {
	query := `SELECT row_index,timestamp,pass,command_method,command_str,raw_response,peak_frequency,
peak_amplitude,failure_message,row_data FROM test_results WHERE test_id = ? ORDER BY row_index`

	rows, err := d.db.QueryContext(ctx, query, testID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	results := make([]artimport.ResultRow, 0)
	for rows.Next() {
		var r artimport.ResultRow
		var timestamp, pass sql.NullInt64
		var method, command, response, failure sql.NullString
		var frequency, amplitude sql.NullFloat64

		err = rows.Scan(&r.RowIndex, &timestamp, &pass, &method, &command, &response, &frequency, &amplitude, &failure, &r.Payload)
		if err != nil {
			return nil, err
		}

		r.Timestamp = intPtr(timestamp)
		r.Pass = boolPtr(pass)
		r.CommandMethod = stringPtr(method)
		r.CommandStr = stringPtr(command)
		r.RawResponse = stringPtr(response)
		r.PeakFrequency = floatPtr(frequency)
		r.PeakAmplitude = floatPtr(amplitude)
		r.FailureMessage = stringPtr(failure)

		results = append(results, r)
	}

	err = closeRows(rows)
	return results, err
}

// LogsForTest returns the log rows of a test ordered by row index.
func (d *DB) LogsForTest(ctx context.Context, testID int64) ([]artimport.LogRow, error) {
	query := `SELECT row_index,timestamp,level,message,log_type,line_number,row_data
FROM test_logs WHERE test_id = ? ORDER BY row_index`

	rows, err := d.db.QueryContext(ctx, query, testID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	logs := make([]artimport.LogRow, 0)
	for rows.Next() {
		var l artimport.LogRow
		var timestamp, line sql.NullInt64
		var level, message, logType sql.NullString

		if err := rows.Scan(&l.RowIndex, &timestamp, &level, &message, &logType, &line, &l.Payload); err != nil {
			return nil, err
		}

		l.Timestamp = intPtr(timestamp)
		l.Level = stringPtr(level)
		l.Message = stringPtr(message)
		l.LogType = stringPtr(logType)
		l.LineNumber = intPtr(line)

		logs = append(logs, l)
	}

	err = closeRows(rows)
	return logs, err
}

// FailuresForTest returns the distinct failure messages of a test in the
// order they were first seen.
func (d *DB) FailuresForTest(ctx context.Context, testID int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT message FROM failure_messages WHERE test_id = ? ORDER BY failure_id", testID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	failures := make([]string, 0)
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}

		failures = append(failures, msg)
	}

	err = closeRows(rows)
	return failures, err
}

// DeleteCampaign removes a campaign with its tests and their rows. Artefacts
// of the removed tests are kept unprocessed so the next import restores them.
func (d *DB) DeleteCampaign(ctx context.Context, name string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, "SELECT campaign_id FROM campaigns WHERE campaign_name = ?", name).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrCampaignNotFound, name)
		}

		if err != nil {
			return err
		}

		query := "UPDATE artefacts SET processed = 0, processed_at = NULL WHERE test_id IN (SELECT test_id FROM tests WHERE campaign_id = ?)"
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("Can't reset campaign artefacts: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM campaigns WHERE campaign_id = ?", id); err != nil {
			return fmt.Errorf("Can't delete campaign: %w", err)
		}

		d.logger.Info("Deleted campaign", zap.String("campaign", name))
		return nil
	})
}
