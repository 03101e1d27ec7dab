// Package report writes collection results to a per-run directory:
//
//	<analysis_folder>/<mode>_<YYYYMMDD_HH_MM_SS>/total.md
//	<analysis_folder>/<mode>_<YYYYMMDD_HH_MM_SS>/<date>_ret.csv
//	<analysis_folder>/<mode>_<YYYYMMDD_HH_MM_SS>/total.csv
package report

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/touhoufan2024/qlibAssistant/internal/collector"
)

// Missing renders an unknown or undefined value
const Missing = "n/a"

const runStampLayout = "20060102_15_04_05"

// RunDir is the output directory of one collection run
func RunDir(folder string, mode collector.Mode, now time.Time) string {
	return filepath.Join(folder, fmt.Sprintf("%s_%s", mode, now.Format(runStampLayout)))
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Missing
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFixed(v float64, places int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Missing
	}
	return strconv.FormatFloat(v, 'f', places, 64)
}

func formatLabel(p *float64) string {
	if p == nil {
		return Missing
	}
	return formatFloat(*p)
}

// enrichmentColumns is the sorted union of enrichment keys of a report
func enrichmentColumns(rows []collector.RankedRow) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rows {
		for k := range r.Enrichment {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// table renders a GitHub-flavoured markdown table
func table(header []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(header, " | ") + " |\n")
	seps := make([]string, len(header))
	for i, h := range header {
		seps[i] = strings.Repeat("-", max(3, len(h)))
	}
	b.WriteString("|" + strings.Join(seps, "|") + "|\n")
	for _, r := range rows {
		cells := make([]string, len(r))
		for i, c := range r {
			cells[i] = strings.ReplaceAll(c, "|", `\|`)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return b.String()
}

func rankedHeader(extra []string) []string {
	h := []string{collector.ColRank, collector.ColInstrument, collector.ColAvgScore, collector.ColPosRatio, collector.ColLabel}
	return append(h, extra...)
}

func rankedCells(r collector.RankedRow, extra []string) []string {
	cells := []string{
		strconv.Itoa(r.Rank),
		r.Instrument,
		formatFloat(r.AvgScore),
		formatFloat(r.PositiveRatio),
		formatLabel(r.Label),
	}
	for _, k := range extra {
		cells = append(cells, r.Enrichment[k])
	}
	return cells
}

var totalHeader = []string{"experiment", "recorder", "datetime", collector.ColInstrument, "score", collector.ColLabel, "error", "abs_error"}

func totalCells(r collector.ScoreRow) []string {
	errStr, absStr := Missing, Missing
	if e := r.Error(); e != nil {
		errStr = formatFloat(*e)
		absStr = formatFloat(math.Abs(*e))
	}
	return []string{
		r.Experiment,
		r.Recorder,
		r.Date.Format("2006-01-02"),
		r.Instrument,
		formatFloat(r.Score),
		formatLabel(r.Label),
		errStr,
		absStr,
	}
}

// Sinks returns the markdown and CSV writers of a run directory
func Sinks(dir string) []collector.Sink {
	return []collector.Sink{NewMarkdown(dir), NewCSV(dir)}
}
