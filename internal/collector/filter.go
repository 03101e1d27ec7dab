package collector

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/touhoufan2024/qlibAssistant/internal/signal"
)

// Metric keys accepted by recorder thresholds
const (
	MetricIC       = "ic"
	MetricICIR     = "icir"
	MetricRankIC   = "rank_ic"
	MetricRankICIR = "rank_icir"
)

var metricIndex = map[string]int{
	MetricIC:       0,
	MetricICIR:     1,
	MetricRankIC:   2,
	MetricRankICIR: 3,
}

// Filter selects experiments by name and recorders by signal quality
type Filter struct {
	patterns   []*regexp.Regexp
	thresholds map[string]float64
}

// NewFilter compiles experiment name patterns and validates metric thresholds. An empty
// pattern list matches every experiment.
func NewFilter(patterns []string, thresholds map[string]float64) (*Filter, error) {
	f := &Filter{thresholds: make(map[string]float64, len(thresholds))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid model filter %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	for k, v := range thresholds {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(k), " ", "_"))
		if _, ok := metricIndex[key]; !ok {
			return nil, fmt.Errorf("unknown rec filter metric %q", k)
		}
		f.thresholds[key] = v
	}
	return f, nil
}

// MatchExperiment reports whether any pattern matches name
func (f *Filter) MatchExperiment(name string) bool {
	if f == nil || len(f.patterns) == 0 {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// PassRecord reports whether every configured metric is strictly above its minimum.
// Undefined metrics never pass a threshold.
func (f *Filter) PassRecord(s signal.Summary) bool {
	if f == nil {
		return true
	}
	values := s.Values()
	for key, min := range f.thresholds {
		v := values[metricIndex[key]]
		if math.IsNaN(v) || !(v > min) {
			return false
		}
	}
	return true
}

func (f *Filter) String() string {
	if f == nil {
		return "none"
	}
	pats := make([]string, len(f.patterns))
	for i, re := range f.patterns {
		pats[i] = re.String()
	}
	keys := make([]string, 0, len(f.thresholds))
	for k := range f.thresholds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	th := make([]string, len(keys))
	for i, k := range keys {
		th[i] = fmt.Sprintf("%s>%g", k, f.thresholds[k])
	}
	return fmt.Sprintf("model_filter=%v rec_filter=%v", pats, th)
}
