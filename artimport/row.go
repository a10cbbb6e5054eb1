package artimport

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ExtraColumn holds values of a row that has more fields than the header.
const ExtraColumn = "_extra"

// Row is one combined CSV record keyed by column name. Columns keep the
// header order; a column missing from a short record is absent, not empty.
type Row struct {
	Index   int
	columns []string
	values  map[string]string
	extra   []string
}

// NewRow builds a row from parallel column and value slices.
func NewRow(index int, columns, values []string) Row {
	r := Row{
		Index:  index,
		values: make(map[string]string, len(columns)),
	}

	seen := make(map[string]bool, len(columns))
	for i, col := range columns {
		if !seen[col] {
			seen[col] = true
			r.columns = append(r.columns, col)
		}

		if i < len(values) {
			r.values[col] = values[i]
		}
	}

	if len(values) > len(columns) {
		r.extra = append([]string(nil), values[len(columns):]...)
	}

	return r
}

// Get returns the raw value of a column and whether the row carries it.
func (r Row) Get(column string) (string, bool) {
	v, ok := r.values[column]
	return v, ok
}

// Value returns the raw value of a column, or "" when absent.
func (r Row) Value(column string) string {
	return r.values[column]
}

// Has reports whether the column is present with a non-empty value.
func (r Row) Has(column string) bool {
	return r.values[column] != ""
}

// Columns returns the column names in header order.
func (r Row) Columns() []string {
	return r.columns
}

// MarshalJSON encodes the row as an object in header order. Absent columns
// encode as null and surplus fields go under ExtraColumn.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, col := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		v, ok := r.values[col]
		if !ok {
			buf.WriteString("null")
			continue
		}

		val, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}

	if len(r.extra) > 0 {
		if len(r.columns) > 0 {
			buf.WriteByte(',')
		}

		extra, err := json.Marshal(r.extra)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "%q:%s", ExtraColumn, extra)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RowReader reads a CSV with a header row as a sequence of Rows.
type RowReader struct {
	r      *csv.Reader
	header []string
	index  int
}

// NewRowReader reads the header. An empty input yields a reader with no rows.
func NewRowReader(r io.Reader) (*RowReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	rr := &RowReader{r: cr}

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return rr, nil
	}

	if err != nil {
		return nil, fmt.Errorf("Can't read CSV header: %w", err)
	}

	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	if err := validUTF8(header); err != nil {
		return nil, fmt.Errorf("CSV header: %w", err)
	}

	rr.header = header
	return rr, nil
}

// Header returns the column names.
func (rr *RowReader) Header() []string {
	return rr.header
}

// Next returns the next row, or io.EOF at the end of input.
func (rr *RowReader) Next() (Row, error) {
	if rr.header == nil {
		return Row{}, io.EOF
	}

	record, err := rr.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Row{}, io.EOF
		}

		return Row{}, fmt.Errorf("CSV row %d: %w", rr.index, err)
	}

	if err := validUTF8(record); err != nil {
		return Row{}, fmt.Errorf("CSV row %d: %w", rr.index, err)
	}

	row := NewRow(rr.index, rr.header, record)
	rr.index++

	return row, nil
}

func validUTF8(fields []string) error {
	for _, f := range fields {
		if !utf8.ValidString(f) {
			return fmt.Errorf("field %q is not valid UTF-8", f)
		}
	}

	return nil
}
