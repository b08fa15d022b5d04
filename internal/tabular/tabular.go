// Package tabular reads and writes the delimited plot tables exchanged with
// the field survey and remote-sensing tooling.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrRagged is returned when a row does not have as many fields as the header.
	ErrRagged = errors.New("row width does not match header")
	// ErrNonFinite is returned for cells holding Inf or values out of float64 range.
	ErrNonFinite = errors.New("non-finite number")
)

// Table is a header plus string cells, as read from disk.
type Table struct {
	Header []string
	Rows   [][]string
	// Lines holds the file line each row starts on.
	Lines []int
	index map[string]int
}

// Read parses a delimited table with a header row.
func Read(r io.Reader, delim rune) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("empty table: no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	t := &Table{Header: header, index: make(map[string]int, len(header))}
	for i, name := range header {
		if _, dup := t.index[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		t.index[name] = i
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// csv.ParseError carries its own line
			return nil, fmt.Errorf("read row: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("line %d: %w (got %d fields, want %d)", line, ErrRagged, len(rec), len(header))
		}
		t.Rows = append(t.Rows, rec)
		t.Lines = append(t.Lines, line)
	}
	return t, nil
}

// Col returns the index of a column, or -1 if absent.
func (t *Table) Col(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

// Missing returns the names from want that are not in the header, in order.
func (t *Table) Missing(want ...string) []string {
	var missing []string
	for _, name := range want {
		if t.Col(name) < 0 {
			missing = append(missing, name)
		}
	}
	return missing
}

// IsMissing reports whether a cell encodes a missing value.
func IsMissing(cell string) bool {
	switch strings.TrimSpace(cell) {
	case "", "NA", "NaN", "nan", "null":
		return true
	}
	return false
}

// ParseFloat parses a numeric cell. Missing cells yield NaN with ok=false;
// infinities are rejected with ErrNonFinite.
func ParseFloat(cell string) (v float64, ok bool, err error) {
	if IsMissing(cell) {
		return math.NaN(), false, nil
	}
	v, err = strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if math.IsInf(v, 0) {
		return 0, false, fmt.Errorf("%q: %w", cell, ErrNonFinite)
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// FormatFloat renders a value with the given number of decimals; a negative
// precision keeps full precision. NaN renders as NA.
func FormatFloat(v float64, precision int) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}

// Write emits a header and rows using the given delimiter.
func Write(w io.Writer, delim rune, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	cw.Comma = delim
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		if len(row) != len(header) {
			return fmt.Errorf("row %d: %w", i, ErrRagged)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
