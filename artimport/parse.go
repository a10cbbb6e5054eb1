package artimport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Campaign names embed their start as DDMMYY_HHMMSS.
var campaignDateRegexp = regexp.MustCompile(`(\d{6})_(\d{6})`)

// ParseCampaignDate extracts the DDMMYY_HHMMSS token of a campaign name.
// It returns nil when the name carries no valid date.
func ParseCampaignDate(name string) *time.Time {
	m := campaignDateRegexp.FindStringSubmatch(name)
	if m == nil {
		return nil
	}

	// Two-digit years are always 20YY.
	value := m[1][0:4] + "20" + m[1][4:6] + "_" + m[2]
	t, err := time.Parse("02012006_150405", value)
	if err != nil {
		return nil
	}

	return &t
}

// ParseParams decodes a params file. Malformed JSON or a non-object params
// field is reported as a warning and treated as an empty document.
func ParseParams(data []byte) (ParamSet, []string) {
	var warnings []string

	doc, err := decodeObject(data)
	if err != nil {
		return ParamSet{}, append(warnings, fmt.Sprintf("malformed JSON: %v", err))
	}

	raw, ok := doc["params"]
	if !ok {
		return ParamSet{}, nil
	}

	params, err := decodeObject(raw)
	if err != nil {
		return ParamSet{}, append(warnings, fmt.Sprintf("params is not an object: %v", err))
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	set := ParamSet{Present: true, Params: make([]Param, 0, len(names))}
	for _, name := range names {
		set.Params = append(set.Params, Param{Name: name, Value: paramValue(params[name])})
	}

	return set, warnings
}

// paramValue renders a JSON value as stored text. Strings are unquoted and
// objects and arrays compacted. Booleans are capitalised and null becomes nil.
func paramValue(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var v string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &v); err != nil {
			v = string(raw)
		}
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			v = string(raw)
		} else {
			v = buf.String()
		}
	case 't', 'f':
		v = strings.ToUpper(string(raw[:1])) + string(raw[1:])
	default:
		v = numberText(raw)
	}

	return &v
}

// numberText renders a JSON number the way the campaign tools print it.
// Integers keep their digits; fractions and exponents are floats.
func numberText(raw json.RawMessage) string {
	if !bytes.ContainsAny(raw, ".eE") {
		return string(raw)
	}

	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return string(raw)
	}

	return floatText(f)
}

// floatText uses the shortest round-trip digits: fixed notation with a
// trailing ".0" for whole numbers, exponent notation outside [1e-4, 1e16).
func floatText(f float64) string {
	if abs := math.Abs(f); f == 0 || (abs >= 1e-4 && abs < 1e16) {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}

		return s
	}

	return strconv.FormatFloat(f, 'e', -1, 64)
}

var startTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
}

var naiveStartTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseStatus decodes a status file. A missing or unparseable start_time
// leaves StartTime nil; the latter also produces a warning.
func ParseStatus(data []byte) (StatusInfo, []string) {
	doc, err := decodeObject(data)
	if err != nil {
		return StatusInfo{}, []string{fmt.Sprintf("malformed JSON: %v", err)}
	}

	raw, ok := doc["start_time"]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return StatusInfo{}, nil
	}

	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return StatusInfo{}, []string{fmt.Sprintf("start_time is not a string: %s", raw)}
	}

	if value == "" {
		return StatusInfo{}, nil
	}

	t, err := ParseStartTime(value)
	if err != nil {
		return StatusInfo{}, []string{err.Error()}
	}

	return StatusInfo{StartTime: &t}, nil
}

// ParseStartTime parses an ISO-8601 timestamp. Values without an offset
// are read in local time.
func ParseStartTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)

	for _, layout := range startTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}

	for _, layout := range naiveStartTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("Can't parse start_time %q", value)
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var doc map[string]json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON object")
	}

	if doc == nil {
		return nil, errors.New("document is null")
	}

	return doc, nil
}

// ParseCombinedCSV reads a combined CSV, classifying every row. Malformed
// CSV fails the whole file; unconvertible field values are stored as null
// and listed in Warnings.
func ParseCombinedCSV(r io.Reader) (*CombinedCSV, error) {
	rr, err := NewRowReader(r)
	if err != nil {
		return nil, err
	}

	c := &CombinedCSV{Status: StatusPassed}
	failures := make(map[string]bool)

	for {
		row, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		c.Rows++

		if c.Docstring == nil {
			if doc := strings.TrimSpace(row.Value(ColDocstring)); doc != "" {
				c.Docstring = &doc
			}
		}

		payload, err := row.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("CSV row %d: %w", row.Index, err)
		}

		conv := converter{row: row}
		timestamp := conv.timestamp()

		if Classify(row) == RowLog {
			c.Logs = append(c.Logs, LogRow{
				RowIndex:   row.Index,
				Timestamp:  timestamp,
				Level:      conv.text(ColLevel),
				Message:    conv.text(ColMessage),
				LogType:    conv.text(ColLogType),
				LineNumber: conv.integer(ColLineNumber),
				Payload:    string(payload),
			})
			c.Warnings = append(c.Warnings, conv.warnings...)
			continue
		}

		result := ResultRow{
			RowIndex:      row.Index,
			Timestamp:     timestamp,
			Pass:          passValue(row.Value(ColPass)),
			CommandMethod: conv.text(ColCommandMethod),
			CommandStr:    conv.text(ColCommandStr),
			RawResponse:   conv.text(ColRawResponse),
			PeakFrequency: conv.float(ColPeakFrequency),
			PeakAmplitude: conv.float(ColPeakAmplitude),
			Payload:       string(payload),
		}

		if msg := row.Value(ColFailureMessages); msg != "" {
			result.FailureMessage = &msg
		}

		if result.Pass != nil && !*result.Pass {
			c.Status = StatusFailed

			if msg := row.Value(ColFailureMessages); msg != "" && !failures[msg] {
				failures[msg] = true
				c.Failures = append(c.Failures, msg)
			}
		}

		c.Results = append(c.Results, result)
		c.Warnings = append(c.Warnings, conv.warnings...)
	}

	return c, nil
}

func passValue(v string) *bool {
	var b bool
	switch v {
	case "True":
		b = true
	case "False":
		b = false
	default:
		return nil
	}

	return &b
}

// converter turns raw row values into typed nullable fields and records
// values it had to drop.
type converter struct {
	row      Row
	warnings []string
}

func (c *converter) warn(column, value, want string) {
	c.warnings = append(c.warnings, fmt.Sprintf("row %d: %s %q is not %s", c.row.Index, column, value, want))
}

func (c *converter) text(column string) *string {
	v, ok := c.row.Get(column)
	if !ok {
		return nil
	}

	return &v
}

// timestamp reads timestamp, falling back to Timestamp_original when empty.
// Only plain digit strings are accepted.
func (c *converter) timestamp() *int64 {
	column := ColTimestamp
	v := c.row.Value(column)
	if v == "" {
		column = ColTimestampOriginal
		v = c.row.Value(column)
	}

	if v == "" {
		return nil
	}

	for _, r := range v {
		if r < '0' || r > '9' {
			c.warn(column, v, "an integer timestamp")
			return nil
		}
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.warn(column, v, "an integer timestamp")
		return nil
	}

	return &n
}

func (c *converter) integer(column string) *int64 {
	v := strings.TrimSpace(c.row.Value(column))
	if v == "" {
		return nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.warn(column, v, "an integer")
		return nil
	}

	return &n
}

func (c *converter) float(column string) *float64 {
	v := strings.TrimSpace(c.row.Value(column))
	if v == "" {
		return nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) {
		c.warn(column, v, "a number")
		return nil
	}

	return &f
}
