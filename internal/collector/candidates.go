package collector

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

// DefaultPositiveThreshold is the minimum positive ratio of an exported candidate
const DefaultPositiveThreshold = 0.8

// Candidates reads a ranked report CSV and returns the numeric codes of instruments with a
// positive average score and a positive ratio above threshold, in file order
func Candidates(r io.Reader, threshold float64) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("missing header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	for _, need := range []string{ColInstrument, ColAvgScore, ColPosRatio} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("column %q not found", need)
		}
	}

	var codes []string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		avg, err1 := strconv.ParseFloat(field(rec, col[ColAvgScore]), 64)
		pos, err2 := strconv.ParseFloat(field(rec, col[ColPosRatio]), 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if avg > 0 && pos > threshold {
			codes = append(codes, digits(field(rec, col[ColInstrument])))
		}
	}
	return codes, nil
}

// Ranked report CSV columns
const (
	ColInstrument = "instrument"
	ColAvgScore   = "avg_score"
	ColPosRatio   = "pos_ratio"
	ColLabel      = "real_label"
	ColRank       = "rank"
)

func field(rec []string, i int) string {
	if i < len(rec) {
		return strings.TrimSpace(rec[i])
	}
	return ""
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
