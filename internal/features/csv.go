package features

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrBatchTooLarge is returned when a batch exceeds the configured row limit.
var ErrBatchTooLarge = errors.New("batch too large")

// Row is one batch entry: a valid record or the reason it was rejected.
type Row struct {
	Index  int
	Record Record
	Err    error
}

// ReadCSV parses a header-led CSV of connection records. Extra columns are
// ignored. A missing required column fails the whole file; a bad cell only
// fails its row.
func ReadCSV(r io.Reader, limit int) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv: empty input")
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}

	cols := make(map[string]int, len(names))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[key]; !dup {
			cols[key] = i
		}
	}
	var missing []string
	for _, n := range names {
		if _, ok := cols[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Problems: []string{"csv missing columns: " + strings.Join(missing, ", ")}}
	}

	var rows []Row
	for {
		line, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", len(rows)+2, err)
		}
		if len(rows) >= limit {
			return nil, fmt.Errorf("%w: more than %d rows", ErrBatchTooLarge, limit)
		}
		rec, rowErr := recordFromCSV(line, cols)
		rows = append(rows, Row{Index: len(rows), Record: rec, Err: rowErr})
	}
	return rows, nil
}

func recordFromCSV(line []string, cols map[string]int) (Record, error) {
	cell := func(name string) string {
		i := cols[name]
		if i >= len(line) {
			return ""
		}
		return strings.TrimSpace(line[i])
	}

	verr := &ValidationError{}
	num := func(name string) float64 {
		raw := cell(name)
		if raw == "" {
			verr.add("missing field %q", name)
			return 0
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			verr.add("field %q must be a number, got %q", name, raw)
		}
		return v
	}

	rec := Record{
		ProtocolType: cell(FieldProtocolType),
		Service:      cell(FieldService),
		Flag:         cell(FieldFlag),
		SrcBytes:     num(FieldSrcBytes),
		DstBytes:     num(FieldDstBytes),
		Count:        num(FieldCount),
		SrvCount:     num(FieldSrvCount),
	}
	loggedIn := num(FieldLoggedIn)
	if loggedIn != 0 && loggedIn != 1 {
		verr.add("loggedin must be 0 or 1, got %v", loggedIn)
	}
	rec.LoggedIn = int(loggedIn)

	if err := verr.orNil(); err != nil {
		return Record{}, err
	}
	return rec, rec.Validate()
}
