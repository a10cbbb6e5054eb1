package artimport

// Well-known combined CSV columns.
const (
	ColPass              = "Pass"
	ColCommandMethod     = "command_method"
	ColVendorCommand     = "keysight_xsan_command"
	ColCommandStr        = "command_str"
	ColRawResponse       = "raw_response"
	ColPeakAmplitude     = "peak_amplitude"
	ColPeakFrequency     = "peak_frequency"
	ColLevel             = "level"
	ColLogType           = "log_type"
	ColMessage           = "message"
	ColLineNumber        = "line_number"
	ColTimestamp         = "timestamp"
	ColTimestampOriginal = "Timestamp_original"
	ColFailureMessages   = "Failure_Messages"
	ColDocstring         = "docstring"
)

// RowKind is the inferred kind of a combined CSV row.
type RowKind int

const (
	RowLog RowKind = iota
	RowResult
)

func (k RowKind) String() string {
	if k == RowResult {
		return "result"
	}

	return "log"
}

// Classify decides whether a row is a result or a log entry. The first
// matching rule wins:
//  1. Pass is "True" or "False"
//  2. a command field is non-empty
//  3. a peak measurement is non-empty
//  4. level or log_type is non-empty (log)
//  5. anything else is a log
func Classify(r Row) RowKind {
	switch pass := r.Value(ColPass); {
	case pass == "True" || pass == "False":
		return RowResult
	case r.Has(ColCommandMethod) || r.Has(ColVendorCommand):
		return RowResult
	case r.Has(ColPeakAmplitude) || r.Has(ColPeakFrequency):
		return RowResult
	case r.Has(ColLogType) || r.Has(ColLevel):
		return RowLog
	}

	return RowLog
}
