// Package signal computes signal-quality statistics for prediction scores against
// realized forward returns: daily Pearson IC, daily Spearman RankIC, and their
// mean / information-ratio aggregates.
package signal

import (
	"math"
	"sort"
	"time"
)

// Observation is one value keyed by (date, instrument): a prediction score or a label
type Observation struct {
	Date       time.Time
	Instrument string
	Value      float64
}

// Key identifies an observation cell
type Key struct {
	Date       string
	Instrument string
}

// DailyIC is the cross-sectional correlation of one trading day
type DailyIC struct {
	Date   string  `json:"date"`
	IC     float64 `json:"ic"`
	RankIC float64 `json:"rank_ic"`
	N      int     `json:"n"`
}

// Summary aggregates daily correlations over an evaluation window
type Summary struct {
	IC       float64 `json:"ic"`
	ICIR     float64 `json:"icir"`
	RankIC   float64 `json:"rank_ic"`
	RankICIR float64 `json:"rank_icir"`
	Days     int     `json:"days"`
}

// Report is the persisted signal analysis of one record
type Report struct {
	Summary Summary   `json:"summary"`
	Daily   []DailyIC `json:"daily"`
}

// Values returns the four headline metrics in IC, ICIR, RankIC, RankICIR order
func (s Summary) Values() [4]float64 {
	return [4]float64{s.IC, s.ICIR, s.RankIC, s.RankICIR}
}

// MetricNames matches the order of Summary.Values
var MetricNames = [4]string{"IC", "ICIR", "Rank IC", "Rank ICIR"}

// minCrossSection is the smallest number of instruments a day needs for a correlation
const minCrossSection = 2

// Analyze pairs scores with labels per day, computes the daily Pearson and Spearman
// correlations independently, then aggregates them across days. Days with fewer than
// two paired instruments or zero variance are skipped.
func Analyze(scores, labels []Observation) Report {
	labelByKey := make(map[Key]float64, len(labels))
	for _, l := range labels {
		if math.IsNaN(l.Value) {
			continue
		}
		labelByKey[Key{Date: dayKey(l.Date), Instrument: l.Instrument}] = l.Value
	}

	type pair struct{ x, y []float64 }
	byDay := make(map[string]*pair)
	for _, s := range scores {
		if math.IsNaN(s.Value) {
			continue
		}
		day := dayKey(s.Date)
		y, ok := labelByKey[Key{Date: day, Instrument: s.Instrument}]
		if !ok {
			continue
		}
		p := byDay[day]
		if p == nil {
			p = &pair{}
			byDay[day] = p
		}
		p.x = append(p.x, s.Value)
		p.y = append(p.y, y)
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	report := Report{Daily: make([]DailyIC, 0, len(days))}
	for _, day := range days {
		p := byDay[day]
		if len(p.x) < minCrossSection {
			continue
		}
		ic := Pearson(p.x, p.y)
		ric := Spearman(p.x, p.y)
		if math.IsNaN(ic) && math.IsNaN(ric) {
			continue
		}
		report.Daily = append(report.Daily, DailyIC{Date: day, IC: ic, RankIC: ric, N: len(p.x)})
	}
	report.Summary = Summarize(report.Daily)
	return report
}

// Summarize aggregates a daily series: IC = mean, ICIR = mean / sample std
func Summarize(daily []DailyIC) Summary {
	ics := make([]float64, 0, len(daily))
	rics := make([]float64, 0, len(daily))
	for _, d := range daily {
		if !math.IsNaN(d.IC) {
			ics = append(ics, d.IC)
		}
		if !math.IsNaN(d.RankIC) {
			rics = append(rics, d.RankIC)
		}
	}

	icMean, icStd := MeanStd(ics)
	ricMean, ricStd := MeanStd(rics)
	return Summary{
		IC:       icMean,
		ICIR:     ratio(icMean, icStd),
		RankIC:   ricMean,
		RankICIR: ratio(ricMean, ricStd),
		Days:     len(daily),
	}
}

// Pearson returns the linear correlation of x and y, NaN when undefined
func Pearson(x, y []float64) float64 {
	n := len(x)
	if n != len(y) || n < minCrossSection {
		return math.NaN()
	}

	var sx, sy float64
	for i := 0; i < n; i++ {
		sx += x[i]
		sy += y[i]
	}
	mx, my := sx/float64(n), sy/float64(n)

	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-mx, y[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(vx*vy)
}

// Spearman returns the rank correlation of x and y using average ranks for ties
func Spearman(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < minCrossSection {
		return math.NaN()
	}
	return Pearson(Rank(x), Rank(y))
}

// Rank assigns 1-based ranks, tied values share their average rank
func Rank(values []float64) []float64 {
	n := len(values)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// MeanStd returns the mean and the sample standard deviation (n-1)
func MeanStd(values []float64) (float64, float64) {
	n := len(values)
	if n == 0 {
		return math.NaN(), math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	if n < 2 {
		return mean, math.NaN()
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(n-1))
}

func ratio(mean, std float64) float64 {
	if math.IsNaN(mean) || math.IsNaN(std) || std == 0 {
		return math.NaN()
	}
	return mean / std
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
