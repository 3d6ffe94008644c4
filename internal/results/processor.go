// Package results turns raw device result CSVs into the processed file the
// doctors download, and extracts the summary metrics stored with a session.
package results

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/types"
)

// TimeLayout is the format of the current_time column written by devices.
const TimeLayout = "2006-01-02 15:04:05.999999999"

const (
	colCurrentTime = "current_time"
	colState       = "State"
	colScore       = "Score"
	colPosition    = "Position"
	colEvent       = "event"
	colSpendTime   = "spend_time"
	colSeconds     = "time (second)"
)

var (
	ErrEmptyResult   = errors.New("result file has no rows")
	ErrMissingColumn = errors.New("result file is missing a required column")
	ErrInvalidValue  = errors.New("result file has an invalid value")
	ErrZeroDuration  = errors.New("result file covers no time")
)

var positionPattern = regexp.MustCompile(`^\(\s*([^,]+),\s*([^,]+),\s*([^,]+)\)$`)

// Processor is the CSV ResultProcessor.
type Processor struct{}

var _ interfaces.ResultProcessor = (*Processor)(nil)

func NewProcessor() *Processor {
	return &Processor{}
}

// table is a parsed CSV held column-wise.
type table struct {
	rows    int
	columns map[string][]string
}

func (t *table) column(name string) ([]string, error) {
	col, ok := t.columns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
	}
	return col, nil
}

// Preprocess derives event timing columns, expands TENNISBALL positions and
// sorts the columns by name.
func (p *Processor) Preprocess(contentType types.ContentType, raw []byte) ([]byte, interfaces.ResultMetrics, error) {
	var metrics interfaces.ResultMetrics

	t, err := parse(raw)
	if err != nil {
		return nil, metrics, err
	}

	times, err := parseTimes(t)
	if err != nil {
		return nil, metrics, err
	}
	if err := addTiming(t, times); err != nil {
		return nil, metrics, err
	}
	if contentType == types.ContentTennisBall {
		if err := expandPosition(t); err != nil {
			return nil, metrics, err
		}
	}

	metrics, err = summarize(t, times)
	if err != nil {
		return nil, metrics, err
	}

	out, err := render(t)
	if err != nil {
		return nil, metrics, err
	}
	return out, metrics, nil
}

func parse(raw []byte) (*table, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if len(records) < 2 {
		return nil, ErrEmptyResult
	}

	header := records[0]
	t := &table{rows: len(records) - 1, columns: make(map[string][]string, len(header))}
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		col := make([]string, t.rows)
		for row := range col {
			col[row] = records[row+1][i]
		}
		t.columns[name] = col
	}
	return t, nil
}

func parseTimes(t *table) ([]time.Time, error) {
	col, err := t.column(colCurrentTime)
	if err != nil {
		return nil, err
	}

	times := make([]time.Time, len(col))
	for i, v := range col {
		ts, err := time.Parse(TimeLayout, strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %s row %d: %q", ErrInvalidValue, colCurrentTime, i+1, v)
		}
		times[i] = ts
	}
	return times, nil
}

// addTiming marks rows where State rises (Success) or falls (Fail) with the
// time since the last failure, and adds seconds since the first row.
func addTiming(t *table, times []time.Time) error {
	stateCol, err := t.column(colState)
	if err != nil {
		return err
	}
	states, err := floats(colState, stateCol)
	if err != nil {
		return err
	}

	events := make([]string, t.rows)
	spend := make([]string, t.rows)
	seconds := make([]string, t.rows)

	start := times[0]
	for i := 0; i < t.rows; i++ {
		seconds[i] = formatFloat(times[i].Sub(times[0]).Seconds())
		if i == 0 {
			continue
		}
		switch {
		case states[i] < states[i-1]:
			events[i] = "Fail"
			spend[i] = fmt.Sprintf("%dms", times[i].Sub(start).Milliseconds())
			start = times[i]
		case states[i] > states[i-1]:
			events[i] = "Success"
			spend[i] = fmt.Sprintf("%dms", times[i].Sub(start).Milliseconds())
		}
	}

	t.columns[colEvent] = events
	t.columns[colSpendTime] = spend
	t.columns[colSeconds] = seconds
	return nil
}

// expandPosition splits "(x, y, z)" into Position_X/Y/Z and adds min-max
// scaled copies.
func expandPosition(t *table) error {
	col, err := t.column(colPosition)
	if err != nil {
		return err
	}

	axes := []string{"X", "Y", "Z"}
	values := make([][]float64, len(axes))
	for a := range axes {
		values[a] = make([]float64, t.rows)
	}

	for i, v := range col {
		m := positionPattern.FindStringSubmatch(strings.TrimSpace(v))
		if m == nil {
			return fmt.Errorf("%w: %s row %d: %q", ErrInvalidValue, colPosition, i+1, v)
		}
		for a := range axes {
			f, err := strconv.ParseFloat(strings.TrimSpace(m[a+1]), 64)
			if err != nil {
				return fmt.Errorf("%w: %s row %d: %q", ErrInvalidValue, colPosition, i+1, v)
			}
			values[a][i] = f
		}
	}

	delete(t.columns, colPosition)
	for a, axis := range axes {
		t.columns["Position_"+axis] = formatAll(values[a])
		t.columns["Scaled_Position_"+axis] = formatAll(minMax(values[a]))
	}
	return nil
}

func summarize(t *table, times []time.Time) (interfaces.ResultMetrics, error) {
	var m interfaces.ResultMetrics

	scoreCol, err := t.column(colScore)
	if err != nil {
		return m, err
	}
	last := strings.TrimSpace(scoreCol[len(scoreCol)-1])
	score, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return m, fmt.Errorf("%w: %s %q", ErrInvalidValue, colScore, last)
	}

	duration := times[len(times)-1].Sub(times[0]).Seconds()
	if duration <= 0 {
		return m, ErrZeroDuration
	}

	m.Score = score
	m.Duration = duration
	m.Throughput = float64(t.rows) / duration
	return m, nil
}

func render(t *table) ([]byte, error) {
	names := make([]string, 0, len(t.columns))
	for name := range t.columns {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(names); err != nil {
		return nil, err
	}
	row := make([]string, len(names))
	for i := 0; i < t.rows; i++ {
		for c, name := range names {
			row[c] = t.columns[name][i]
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func floats(name string, col []string) ([]float64, error) {
	out := make([]float64, len(col))
	for i, v := range col {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s row %d: %q", ErrInvalidValue, name, i+1, v)
		}
		out[i] = f
	}
	return out, nil
}

// minMax scales values into [0, 1]. A constant column scales to zeros.
func minMax(values []float64) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	out := make([]float64, len(values))
	if hi == lo {
		return out
	}
	for i, v := range values {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

func formatAll(values []float64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = formatFloat(v)
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
