package collector

import (
	"math"
	"sort"
	"time"

	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// LabelIndex maps (date, instrument) to a realized label
type LabelIndex map[signal.Key]float64

// NewLabelIndex indexes observations; later observations win and NaN labels are dropped
func NewLabelIndex(obs ...[]signal.Observation) LabelIndex {
	idx := make(LabelIndex)
	for _, set := range obs {
		for _, o := range set {
			if math.IsNaN(o.Value) {
				continue
			}
			idx[signal.Key{Date: task.FormatDate(o.Date), Instrument: o.Instrument}] = o.Value
		}
	}
	return idx
}

// Lookup returns the label of (date, instrument) if known
func (l LabelIndex) Lookup(date time.Time, instrument string) (float64, bool) {
	v, ok := l[signal.Key{Date: task.FormatDate(date), Instrument: instrument}]
	return v, ok
}

// Merge attaches labels to rows. Rows without a label keep a nil Label.
func Merge(rows []ScoreRow, labels LabelIndex) []ScoreRow {
	out := make([]ScoreRow, len(rows))
	for i, r := range rows {
		out[i] = r
		out[i].Label = nil
		if v, ok := labels.Lookup(r.Date, r.Instrument); ok {
			label := v
			out[i].Label = &label
		}
	}
	return out
}

// Aggregate folds one date's rows into one row per instrument: mean score and the share of
// strictly positive scores. NaN scores are ignored.
func Aggregate(rows []ScoreRow) []RankedRow {
	byInst := make(map[string]*RankedRow)
	counts := make(map[string]int)
	positives := make(map[string]int)
	sums := make(map[string]float64)
	var order []string

	for _, r := range rows {
		if math.IsNaN(r.Score) {
			continue
		}
		row, ok := byInst[r.Instrument]
		if !ok {
			row = &RankedRow{Instrument: r.Instrument, Scores: make(map[string]float64)}
			byInst[r.Instrument] = row
			order = append(order, r.Instrument)
		}
		row.Scores[r.Recorder] = r.Score
		if r.Label != nil && row.Label == nil {
			label := *r.Label
			row.Label = &label
		}
		counts[r.Instrument]++
		sums[r.Instrument] += r.Score
		if r.Score > 0 {
			positives[r.Instrument]++
		}
	}

	out := make([]RankedRow, 0, len(order))
	for _, inst := range order {
		row := byInst[inst]
		n := float64(counts[inst])
		row.AvgScore = sums[inst] / n
		row.PositiveRatio = float64(positives[inst]) / n
		out = append(out, *row)
	}
	return out
}

// Rank orders rows by average score descending, ties by instrument ascending, and numbers
// them from 1
func Rank(rows []RankedRow) []RankedRow {
	out := make([]RankedRow, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AvgScore != out[j].AvgScore {
			return out[i].AvgScore > out[j].AvgScore
		}
		return out[i].Instrument < out[j].Instrument
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// TopN groups one date's rows by recorder and keeps each recorder's n best scores
func TopN(rows []ScoreRow, n int) map[string][]ScoreRow {
	groups := make(map[string][]ScoreRow)
	for _, r := range rows {
		groups[r.Recorder] = append(groups[r.Recorder], r)
	}
	for rec, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			if g[i].Score != g[j].Score {
				return g[i].Score > g[j].Score
			}
			return g[i].Instrument < g[j].Instrument
		})
		if n > 0 && len(g) > n {
			g = g[:n]
		}
		groups[rec] = g
	}
	return groups
}

// Positives computes, per instrument and day, the percentage of scores above zero.
// NaN scores are ignored as in Aggregate.
func Positives(rows []ScoreRow, instruments []string) []DailyPositive {
	type cell struct {
		inst string
		date string
	}
	scores := make(map[cell][]float64)
	dates := make(map[string]time.Time)
	for _, r := range rows {
		if math.IsNaN(r.Score) {
			continue
		}
		d := task.FormatDate(r.Date)
		c := cell{r.Instrument, d}
		scores[c] = append(scores[c], r.Score)
		dates[d] = r.Date
	}

	dayKeys := make([]string, 0, len(dates))
	for d := range dates {
		dayKeys = append(dayKeys, d)
	}
	sort.Strings(dayKeys)

	var out []DailyPositive
	for _, inst := range instruments {
		for _, d := range dayKeys {
			s, ok := scores[cell{inst, d}]
			if !ok {
				continue
			}
			pos := 0
			for _, v := range s {
				if v > 0 {
					pos++
				}
			}
			out = append(out, DailyPositive{
				Instrument:  inst,
				Date:        dates[d],
				Scores:      s,
				PositivePct: float64(pos) / float64(len(s)) * 100,
			})
		}
	}
	return out
}

// BuildReports groups rows by date and ranks each date
func BuildReports(rows []ScoreRow, topN int) []RankedReport {
	byDate := make(map[string][]ScoreRow)
	dates := make(map[string]time.Time)
	for _, r := range rows {
		d := task.FormatDate(r.Date)
		byDate[d] = append(byDate[d], r)
		dates[d] = r.Date
	}
	keys := make([]string, 0, len(byDate))
	for d := range byDate {
		keys = append(keys, d)
	}
	sort.Strings(keys)

	reports := make([]RankedReport, 0, len(keys))
	for _, d := range keys {
		ranked := Rank(Aggregate(byDate[d]))
		var missing []string
		for _, r := range ranked {
			if r.Label == nil {
				missing = append(missing, r.Instrument)
			}
		}
		reports = append(reports, RankedReport{
			Date:     dates[d],
			Rows:     ranked,
			PerModel: TopN(byDate[d], topN),
			Missing:  missing,
		})
	}
	return reports
}
