// Package tabular reads the delimited and spreadsheet files published on
// the Transfer Gov portal into a uniform in-memory table. Delimited text is
// decoded through pkg/encoding so downstream stages only ever see UTF-8;
// the delimiter is sniffed because the portal alternates between semicolon
// (the Brazilian norm) and comma depending on the export.
package tabular

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/quintadata/transfergov/pkg/encoding"
)

// ErrEmptyFile marks an input with no header row: zero bytes, only a byte
// order mark, or only blank lines. Callers quarantine the file instead of
// failing the run.
var ErrEmptyFile = errors.New("tabular: empty file")

// sniffLines is how many data lines the delimiter sniffer samples.
const sniffLines = 10

// candidateDelimiters in preference order. Semicolon first: it is the
// Brazilian government CSV convention and wins ties.
var candidateDelimiters = []rune{';', ',', '\t'}

// Table is a parsed tabular file. Headers holds row zero; Rows hold every
// subsequent row, right-padded or truncated to the header width. All cell
// values are strings; typing happens in validation.
type Table struct {
	Headers    []string
	Rows       [][]string
	SourceFile string
}

// NumRows returns the number of data rows (excluding the header).
func (t *Table) NumRows() int { return len(t.Rows) }

// Column returns the index of the named header, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Headers {
		if h == name {
			return i
		}
	}
	return -1
}

// Cell returns row i's value for the named header, or "" when the column
// does not exist.
func (t *Table) Cell(i int, name string) string {
	col := t.Column(name)
	if col < 0 || i < 0 || i >= len(t.Rows) {
		return ""
	}
	return t.Rows[i][col]
}

// ReadFile parses the file at path, dispatching on extension: .xlsx goes
// through excelize, everything else is treated as delimited text.
func ReadFile(path string) (*Table, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return readXLSX(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tabular: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	t, err := ReadDelimited(encoding.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("tabular: %s: %w", path, err)
	}
	t.SourceFile = path
	return t, nil
}

// ReadDelimited parses delimited text from r. The reader must already
// produce UTF-8 (see encoding.NewReader).
func ReadDelimited(r io.Reader) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := strings.TrimPrefix(string(raw), "\uFEFF")
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyFile
	}

	delim := sniffDelimiter(text)
	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyFile
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	}
	t := &Table{Headers: headers}
	for _, rec := range records[1:] {
		if emptyRecord(rec) {
			continue
		}
		t.Rows = append(t.Rows, fitToWidth(rec, len(headers)))
	}
	return t, nil
}

// sniffDelimiter samples the first lines and picks the first candidate
// that consistently yields at least two columns.
func sniffDelimiter(text string) rune {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() && len(lines) < sniffLines {
		if strings.TrimSpace(sc.Text()) != "" {
			lines = append(lines, sc.Text())
		}
	}
	for _, delim := range candidateDelimiters {
		if allLinesSplit(lines, delim) {
			return delim
		}
	}
	return ';'
}

func allLinesSplit(lines []string, delim rune) bool {
	if len(lines) == 0 {
		return false
	}
	for _, line := range lines {
		cr := csv.NewReader(strings.NewReader(line))
		cr.Comma = delim
		cr.LazyQuotes = true
		fields, err := cr.Read()
		if err != nil || len(fields) < 2 {
			return false
		}
	}
	return true
}

func readXLSX(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("tabular: open xlsx %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("tabular: %s: %w", path, ErrEmptyFile)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("tabular: read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 || emptyRecord(rows[0]) {
		return nil, fmt.Errorf("tabular: %s: %w", path, ErrEmptyFile)
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	}
	t := &Table{Headers: headers, SourceFile: path}
	for _, rec := range rows[1:] {
		if emptyRecord(rec) {
			continue
		}
		t.Rows = append(t.Rows, fitToWidth(rec, len(headers)))
	}
	return t, nil
}

// fitToWidth pads short records with empty cells and truncates long ones so
// every row matches the header width.
func fitToWidth(rec []string, width int) []string {
	out := make([]string, width)
	for i := 0; i < width && i < len(rec); i++ {
		out[i] = strings.TrimSpace(rec[i])
	}
	return out
}

func emptyRecord(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
