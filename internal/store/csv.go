package store

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// CSV column names
const (
	colDate       = "datetime"
	colInstrument = "instrument"
	colScore      = "score"
	colLabel      = "label"
)

// EncodeObservations renders observations as a three-column CSV sorted by date then
// instrument
func EncodeObservations(obs []signal.Observation, valueColumn string) ([]byte, error) {
	sorted := make([]signal.Observation, len(obs))
	copy(sorted, obs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].Instrument < sorted[j].Instrument
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{colDate, colInstrument, valueColumn}); err != nil {
		return nil, err
	}
	for _, o := range sorted {
		row := []string{
			task.FormatDate(o.Date),
			o.Instrument,
			strconv.FormatFloat(o.Value, 'g', -1, 64),
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

// DecodeObservations parses a CSV with a date, instrument and value column. The value
// column is the last one; extra leading columns are tolerated.
func DecodeObservations(r io.Reader) ([]signal.Observation, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("missing header: %w", err)
	}
	dateIdx, instIdx := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case colDate, "date":
			dateIdx = i
		case colInstrument:
			instIdx = i
		}
	}
	if dateIdx < 0 || instIdx < 0 || len(header) < 3 {
		return nil, fmt.Errorf("unexpected header %v", header)
	}
	valIdx := len(header) - 1

	var out []signal.Observation
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) <= valIdx {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", line, len(header), len(rec))
		}
		date, err := task.ParseDate(firstField(rec[dateIdx]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		v, err := parseValue(rec[valIdx])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, signal.Observation{Date: date, Instrument: strings.TrimSpace(rec[instIdx]), Value: v})
	}
	return out, nil
}

// ReadObservations decodes an observation CSV file
func ReadObservations(path string) ([]signal.Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	obs, err := DecodeObservations(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return obs, nil
}

// firstField drops a time-of-day suffix such as "2021-03-01 00:00:00"
func firstField(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " T"); i > 0 {
		return s[:i]
	}
	return s
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "na", "n/a":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
