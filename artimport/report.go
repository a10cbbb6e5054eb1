package artimport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
)

// RunReport holds the counters of one import run.
type RunReport struct {
	RunID       string
	Root        string
	Incremental bool

	Discovered int
	Processed  int // parsed and committed
	Skipped    int // unchanged since the last successful import
	Registered int // recorded without parsing
	Failed     int
	Warnings   int

	Campaigns   int
	Tests       int
	BytesHashed int64

	Errors []*ArtefactError

	Started  time.Time
	Finished time.Time
}

func (r *RunReport) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}

	return r.Finished.Sub(r.Started)
}

func (r RunReport) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, `Import run %s:
  Directory:		%s
  Incremental:		%t
  Artefacts found:	%d
  Processed:		%d
  Already current:	%d
  Registered only:	%d
  Errors:		%d
  Warnings:		%d
  Data hashed:		%s
  Duration:		%v
`, r.RunID, r.Root, r.Incremental, r.Discovered, r.Processed, r.Skipped, r.Registered,
		r.Failed, r.Warnings, bytefmt.ByteSize(uint64(r.BytesHashed)), r.Duration().Round(time.Millisecond))

	for _, err := range r.Errors {
		fmt.Fprintf(&b, "    - %v\n", err)
	}

	return b.String()
}

// FailureCount is a failure message and the number of tests reporting it.
type FailureCount struct {
	Message string
	Tests   int
}

// Summary is the aggregate content of the store.
type Summary struct {
	Campaigns       int
	Tests           int
	Passed          int
	Failed          int
	Unknown         int
	Results         int
	Logs            int
	FailureMessages int

	Artefacts            int
	ProcessedArtefacts   int
	UnprocessedArtefacts int
	ArtefactBytes        int64

	TopFailures []FailureCount
}

// PassRate is the share of passed tests among tests with a known outcome, in percent.
func (s Summary) PassRate() float64 {
	known := s.Passed + s.Failed
	if known == 0 {
		return 0
	}

	return float64(s.Passed) * 100 / float64(known)
}

func (s Summary) String() string {
	var b strings.Builder
	line := strings.Repeat("=", 60)

	fmt.Fprintf(&b, `%s
DATABASE SUMMARY
%s
Campaigns:          %d
Tests:              %d
  - Passed:         %d
  - Failed:         %d
  - Unknown:        %d
  - Pass rate:      %.1f%%
Test Results:       %d
Test Logs:          %d
Failure messages:   %d
Artefacts:          %d
  - Processed:      %d
  - Unprocessed:    %d
  - Size:           %s
`, line, line, s.Campaigns, s.Tests, s.Passed, s.Failed, s.Unknown, s.PassRate(),
		s.Results, s.Logs, s.FailureMessages, s.Artefacts, s.ProcessedArtefacts,
		s.UnprocessedArtefacts, bytefmt.ByteSize(uint64(s.ArtefactBytes)))

	if len(s.TopFailures) > 0 {
		b.WriteString("Most common failures:\n")
		for _, f := range s.TopFailures {
			fmt.Fprintf(&b, "  %4d  %s\n", f.Tests, f.Message)
		}
	}

	b.WriteString(line + "\n")
	return b.String()
}

// SummaryReporter prints the store summary. It never writes to the store.
type SummaryReporter struct {
	store       Store
	topFailures int
}

func NewSummaryReporter(store Store, topFailures int) *SummaryReporter {
	return &SummaryReporter{store: store, topFailures: topFailures}
}

func (r *SummaryReporter) Report(ctx context.Context, w io.Writer) (*Summary, error) {
	s, err := r.store.Summary(ctx, r.topFailures)
	if err != nil {
		return nil, fmt.Errorf("Can't read store summary: %w", err)
	}

	if _, err := io.WriteString(w, s.String()); err != nil {
		return nil, err
	}

	return s, nil
}
