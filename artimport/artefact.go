package artimport

import (
	"fmt"
	"strings"
	"time"
)

// ArtefactType is the artefact category persisted in the store.
type ArtefactType string

const (
	TypeCSV          ArtefactType = "csv"
	TypeAnalyzerHTML ArtefactType = "analyzer_html"
	TypeLog          ArtefactType = "log"
	TypeJSON         ArtefactType = "json"
	TypeScreenshot   ArtefactType = "screenshot"
)

// ArtefactTypes lists every type accepted by the store.
var ArtefactTypes = []ArtefactType{TypeCSV, TypeAnalyzerHTML, TypeLog, TypeJSON, TypeScreenshot}

// ArtefactKind is the role of a file inside a test directory.
// Kinds are declared in the order the importer processes them.
type ArtefactKind int

const (
	KindParams ArtefactKind = iota
	KindStatus
	KindCombinedCSV
	KindAnalyzerHTML
	KindResults
	KindScreenshot
	KindLog
)

var kindSuffixes = []struct {
	suffix string
	kind   ArtefactKind
}{
	{"_combined.csv", KindCombinedCSV},
	{"_analyzer.html", KindAnalyzerHTML},
	{"_params.json", KindParams},
	{"_status.json", KindStatus},
	{"_results.json", KindResults},
	{".png", KindScreenshot},
	{".jpg", KindScreenshot},
	{".log", KindLog},
}

// KindForName classifies a file name by suffix. Files matching no suffix are not artefacts.
func KindForName(name string) (ArtefactKind, bool) {
	for _, s := range kindSuffixes {
		if strings.HasSuffix(name, s.suffix) {
			return s.kind, true
		}
	}

	return 0, false
}

// Type maps the kind to its stored artefact type.
func (k ArtefactKind) Type() ArtefactType {
	switch k {
	case KindCombinedCSV:
		return TypeCSV
	case KindAnalyzerHTML:
		return TypeAnalyzerHTML
	case KindParams, KindStatus, KindResults:
		return TypeJSON
	case KindScreenshot:
		return TypeScreenshot
	default:
		return TypeLog
	}
}

// Parsed reports whether the importer reads the file content into the store.
// Other kinds are only registered.
func (k ArtefactKind) Parsed() bool {
	switch k {
	case KindParams, KindStatus, KindCombinedCSV, KindAnalyzerHTML:
		return true
	}

	return false
}

func (k ArtefactKind) String() string {
	switch k {
	case KindParams:
		return "params"
	case KindStatus:
		return "status"
	case KindCombinedCSV:
		return "combined-csv"
	case KindAnalyzerHTML:
		return "analyzer-html"
	case KindResults:
		return "results"
	case KindScreenshot:
		return "screenshot"
	case KindLog:
		return "log"
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// Artefact describes a discovered file. TestName and TestPath are empty
// for campaign-scoped artefacts.
type Artefact struct {
	Path         string
	Kind         ArtefactKind
	CampaignName string
	TestName     string
	TestPath     string
}

// Type returns the stored artefact type.
func (a Artefact) Type() ArtefactType {
	return a.Kind.Type()
}

// TestScoped reports whether the artefact belongs to a test directory.
func (a Artefact) TestScoped() bool {
	return a.TestPath != ""
}

// TestStatus is the derived outcome of a test.
type TestStatus string

const (
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusUnknown TestStatus = "unknown"
)

type Campaign struct {
	ID        int64
	Name      string
	Date      *time.Time
	CreatedAt time.Time
}

func (c Campaign) String() string {
	date := "-"
	if c.Date != nil {
		date = c.Date.Format("2006-01-02 15:04:05")
	}

	return fmt.Sprintf("ID:\t\t %d\nCampaign:\t %s\nDate:\t\t %s\n", c.ID, c.Name, date)
}

type Test struct {
	ID               int64
	CampaignID       int64
	Name             string
	Path             string
	Status           TestStatus
	StartTime        *time.Time
	StartTimestamp   *int64 // Unix milliseconds
	Docstring        *string
	AnalyzerHTMLPath *string
}

func (t Test) String() string {
	return fmt.Sprintf("ID:\t\t %d\nTest:\t\t %s\nPath:\t\t %s\nStatus:\t\t %s\n", t.ID, t.Name, t.Path, t.Status)
}

// Param is one named test parameter. A nil Value is a JSON null.
type Param struct {
	Name  string
	Value *string
}

// ParamSet is the content of a params file. Present is false when the file
// carries no params object, in which case stored params are left untouched.
type ParamSet struct {
	Present bool
	Params  []Param
}

// StatusInfo is the content of a status file. A nil StartTime leaves the test unchanged.
type StatusInfo struct {
	StartTime *time.Time
}

// ResultRow is a combined CSV row classified as a test result.
type ResultRow struct {
	RowIndex       int
	Timestamp      *int64
	Pass           *bool
	CommandMethod  *string
	CommandStr     *string
	RawResponse    *string
	PeakFrequency  *float64
	PeakAmplitude  *float64
	FailureMessage *string
	Payload        string
}

// LogRow is a combined CSV row classified as a log entry.
type LogRow struct {
	RowIndex   int
	Timestamp  *int64
	Level      *string
	Message    *string
	LogType    *string
	LineNumber *int64
	Payload    string
}

// CombinedCSV is a fully parsed combined CSV, ready to replace a test's rows.
type CombinedCSV struct {
	Rows      int
	Results   []ResultRow
	Logs      []LogRow
	Failures  []string
	Docstring *string
	Status    TestStatus

	// Warnings lists fields that could not be converted and were stored as null.
	Warnings []string
}

// ArtefactRecord is the stored bookkeeping row of an artefact.
type ArtefactRecord struct {
	ID          int64
	TestID      *int64
	Type        ArtefactType
	Path        string
	Hash        string
	Size        int64
	Processed   bool
	ProcessedAt *time.Time
}

// ArtefactUpdate carries the artefact bookkeeping written alongside imported data.
type ArtefactUpdate struct {
	TestID *int64
	Type   ArtefactType
	Path   string
	Hash   string
	Size   int64
}

// Outcome of a single artefact attempt, as written to the processing log.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeRegistered Outcome = "registered"
	OutcomeFailed     Outcome = "failed"
)

// ProcessingEntry is one audit row for an artefact attempt.
type ProcessingEntry struct {
	RunID    string
	Path     string
	Outcome  Outcome
	Error    string
	Started  time.Time
	Finished time.Time
}
