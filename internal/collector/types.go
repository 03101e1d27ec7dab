package collector

import (
	"time"

	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// Mode selects the report flavour
type Mode string

const (
	// Selection ranks every instrument the records scored
	Selection Mode = "selection"
	// Inquiry restricts the report to a given instrument list
	Inquiry Mode = "inquiry"
)

// Source is one record admitted to a collection pass
type Source struct {
	Experiment string
	Recorder   string
	ModelClass string
	Handler    string
	Train      task.Segment
	Summary    signal.Summary
	Meta       store.Meta
}

// ScoreRow is one recorder's score for (date, instrument) with the realized label when known
type ScoreRow struct {
	Experiment string
	Recorder   string
	Date       time.Time
	Instrument string
	Score      float64
	Label      *float64
}

// Error is score minus label, nil when the label is missing
func (r ScoreRow) Error() *float64 {
	if r.Label == nil {
		return nil
	}
	e := r.Score - *r.Label
	return &e
}

// RankedRow is one instrument's aggregate for a report date
type RankedRow struct {
	Rank          int
	Instrument    string
	Scores        map[string]float64
	AvgScore      float64
	PositiveRatio float64
	Label         *float64
	Enrichment    map[string]string
}

// RankedReport is the ranked view of one report date
type RankedReport struct {
	Date     time.Time
	Rows     []RankedRow
	PerModel map[string][]ScoreRow
	Missing  []string
}

// DailyPositive is the share of recorders scoring an instrument above zero on one day
type DailyPositive struct {
	Instrument  string
	Date        time.Time
	Scores      []float64
	PositivePct float64
}

// Result is everything a collection pass assembled
type Result struct {
	Mode     Mode
	Sources  []Source
	Rows     []ScoreRow
	Reports  []RankedReport
	Positive []DailyPositive
	Skipped  int
}
