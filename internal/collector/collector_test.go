package collector

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

func obs(date, inst string, v float64) signal.Observation {
	return signal.Observation{Date: task.MustDate(date), Instrument: inst, Value: v}
}

func recordSpec(t *testing.T) task.TaskSpec {
	t.Helper()
	s, err := task.Build("LightGBM", task.DatasetAlpha158, "", task.Segments{
		Train: task.MustSegment("2020-01-01", "2020-12-31"),
		Valid: task.MustSegment("2021-01-01", "2021-02-28"),
		Test:  task.MustSegment("2021-03-01", "2021-04-30"),
	})
	require.NoError(t, err)
	s.Dataset.Handler.FitStartTime = "2020-01-01"
	s.Dataset.Handler.FitEndTime = "2020-12-31"
	return s
}

func writeRecord(t *testing.T, s *store.Store, exp string, summary signal.Summary, preds, labels []signal.Observation) string {
	t.Helper()
	w, err := s.NewRecorder(exp)
	require.NoError(t, err)
	require.NoError(t, w.WriteTask(recordSpec(t)))
	require.NoError(t, w.WritePredictions(preds))
	if len(labels) > 0 {
		require.NoError(t, w.WriteLabels(labels))
	}
	require.NoError(t, w.WriteStats(signal.Report{Summary: summary}))
	require.NoError(t, w.Finish(nil))
	return w.ID()
}

func goodSummary() signal.Summary {
	return signal.Summary{IC: 0.05, ICIR: 0.4, RankIC: 0.06, RankICIR: 0.5, Days: 10}
}

// two recorders scoring three instruments over two days; labels only for the first day
func populated(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.CreateExperiment("LightGBM_Alpha158_csi300_20240101_10", store.ExperimentKey{Model: "LightGBM"})
	require.NoError(t, err)
	_, err = s.CreateExperiment("XGBoost_Alpha158_csi300_20240101_10", store.ExperimentKey{Model: "XGBoost"})
	require.NoError(t, err)

	var p1, p2 []signal.Observation
	for _, d := range []string{"2021-03-01", "2021-03-02"} {
		p1 = append(p1, obs(d, "SH600000", 0.3), obs(d, "SZ000001", 0.1), obs(d, "SZ300750", -0.2))
		p2 = append(p2, obs(d, "SH600000", 0.1), obs(d, "SZ000001", -0.3), obs(d, "SZ300750", -0.1))
	}
	labels := []signal.Observation{obs("2021-03-01", "SH600000", 0.05), obs("2021-03-01", "SZ000001", -0.02)}

	writeRecord(t, s, "LightGBM_Alpha158_csi300_20240101_10", goodSummary(), p1, labels)
	writeRecord(t, s, "XGBoost_Alpha158_csi300_20240101_10", goodSummary(), p2, nil)
	return s
}

type call struct {
	section string
	detail  string
}

type recordingSink struct {
	calls   []call
	reports []RankedReport
	inquiry map[string][]DailyPositive
	total   []ScoreRow
	header  Header
}

func (r *recordingSink) Begin(h Header) error {
	r.header = h
	r.calls = append(r.calls, call{section: "begin"})
	return nil
}

func (r *recordingSink) Sources(sources []Source) error {
	r.calls = append(r.calls, call{section: "sources"})
	return nil
}

func (r *recordingSink) Report(rep RankedReport) error {
	r.reports = append(r.reports, rep)
	r.calls = append(r.calls, call{section: "report", detail: task.FormatDate(rep.Date)})
	return nil
}

func (r *recordingSink) Inquiry(instrument string, days []DailyPositive, rows []ScoreRow) error {
	if r.inquiry == nil {
		r.inquiry = make(map[string][]DailyPositive)
	}
	r.inquiry[instrument] = days
	r.calls = append(r.calls, call{section: "inquiry", detail: instrument})
	return nil
}

func (r *recordingSink) Total(rows []ScoreRow) error {
	r.total = rows
	r.calls = append(r.calls, call{section: "total"})
	return nil
}

func (r *recordingSink) Close() error {
	r.calls = append(r.calls, call{section: "close"})
	return nil
}

type fakeEnricher struct {
	info map[string]map[string]string
	err  error
}

func (f *fakeEnricher) Enrich(ctx context.Context, instruments []string) (map[string]map[string]string, error) {
	return f.info, f.err
}

func TestRankTieBreaksByInstrument(t *testing.T) {
	day := task.MustDate("2021-03-01")
	rows := []ScoreRow{
		{Recorder: "r1", Date: day, Instrument: "SZ000002", Score: 0.5},
		{Recorder: "r1", Date: day, Instrument: "SZ000001", Score: 0.5},
		{Recorder: "r1", Date: day, Instrument: "SH600000", Score: 0.9},
		{Recorder: "r1", Date: day, Instrument: "SZ300750", Score: math.NaN()},
	}
	ranked := Rank(Aggregate(rows))
	require.Len(t, ranked, 3)

	var order []string
	for i, r := range ranked {
		assert.Equal(t, i+1, r.Rank)
		order = append(order, r.Instrument)
	}
	assert.Equal(t, []string{"SH600000", "SZ000001", "SZ000002"}, order)
}

func TestAggregatePositiveRatio(t *testing.T) {
	day := task.MustDate("2021-03-01")
	label := 0.01
	rows := []ScoreRow{
		{Recorder: "r1", Date: day, Instrument: "SH600000", Score: 0.2},
		{Recorder: "r2", Date: day, Instrument: "SH600000", Score: -0.1, Label: &label},
		{Recorder: "r3", Date: day, Instrument: "SH600000", Score: 0},
		{Recorder: "r4", Date: day, Instrument: "SH600000", Score: 0.3},
	}
	agg := Aggregate(rows)
	require.Len(t, agg, 1)
	assert.InDelta(t, 0.1, agg[0].AvgScore, 1e-12)
	assert.InDelta(t, 0.5, agg[0].PositiveRatio, 1e-12)
	require.NotNil(t, agg[0].Label)
	assert.Equal(t, 0.01, *agg[0].Label)
	assert.Len(t, agg[0].Scores, 4)
}

func TestPositivesIgnoresNaN(t *testing.T) {
	day := task.MustDate("2021-03-01")
	next := task.MustDate("2021-03-02")
	rows := []ScoreRow{
		{Recorder: "r1", Date: day, Instrument: "SH600000", Score: 0.2},
		{Recorder: "r2", Date: day, Instrument: "SH600000", Score: math.NaN()},
		{Recorder: "r3", Date: day, Instrument: "SH600000", Score: -0.1},
		{Recorder: "r1", Date: next, Instrument: "SH600000", Score: math.NaN()},
	}

	days := Positives(rows, []string{"SH600000"})
	require.Len(t, days, 1)
	assert.Equal(t, 50.0, days[0].PositivePct)
	assert.Equal(t, []float64{0.2, -0.1}, days[0].Scores)

	agg := Aggregate(rows)
	require.Len(t, agg, 1)
	assert.Equal(t, days[0].PositivePct/100, agg[0].PositiveRatio)
}

func TestTopNPerRecorder(t *testing.T) {
	day := task.MustDate("2021-03-01")
	rows := []ScoreRow{
		{Recorder: "r1", Date: day, Instrument: "A", Score: 0.1},
		{Recorder: "r1", Date: day, Instrument: "B", Score: 0.3},
		{Recorder: "r1", Date: day, Instrument: "C", Score: 0.2},
		{Recorder: "r2", Date: day, Instrument: "A", Score: 0.5},
	}
	top := TopN(rows, 2)
	require.Len(t, top["r1"], 2)
	assert.Equal(t, "B", top["r1"][0].Instrument)
	assert.Equal(t, "C", top["r1"][1].Instrument)
	assert.Len(t, top["r2"], 1)
}

func TestFilter(t *testing.T) {
	f, err := NewFilter([]string{"^LightGBM", "Alpha360"}, map[string]float64{"IC": 0.03, "rank ic": 0.05})
	require.NoError(t, err)

	assert.True(t, f.MatchExperiment("LightGBM_Alpha158_csi300"))
	assert.True(t, f.MatchExperiment("XGBoost_Alpha360_csi300"))
	assert.False(t, f.MatchExperiment("XGBoost_Alpha158_csi300"))

	tests := []struct {
		name    string
		summary signal.Summary
		want    bool
	}{
		{"above", signal.Summary{IC: 0.04, RankIC: 0.06}, true},
		{"equal is not above", signal.Summary{IC: 0.03, RankIC: 0.06}, false},
		{"one below", signal.Summary{IC: 0.04, RankIC: 0.01}, false},
		{"undefined", signal.Summary{IC: math.NaN(), RankIC: 0.06}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.PassRecord(tt.summary))
		})
	}

	_, err = NewFilter(nil, map[string]float64{"sharpe": 1})
	assert.Error(t, err)
	_, err = NewFilter([]string{"("}, nil)
	assert.Error(t, err)

	var none *Filter
	assert.True(t, none.MatchExperiment("anything"))
	assert.True(t, none.PassRecord(signal.Summary{IC: math.NaN()}))
}

func TestCandidates(t *testing.T) {
	in := "\ufeffrank,instrument,avg_score,pos_ratio,real_label\n" +
		"1,SH600000,0.2,1,0.05\n" +
		"2,SZ002594,0.3,0.9,n/a\n" +
		"3,SZ300750,0.1,0.8,n/a\n" +
		"4,SZ000001,-0.1,0.95,n/a\n" +
		"5,SZ000002,n/a,n/a,n/a\n"
	codes, err := Candidates(strings.NewReader(in), DefaultPositiveThreshold)
	require.NoError(t, err)
	assert.Equal(t, []string{"600000", "002594"}, codes)

	_, err = Candidates(strings.NewReader("instrument,score\nSH600000,1\n"), DefaultPositiveThreshold)
	assert.Error(t, err)
}

func TestRound(t *testing.T) {
	assert.Equal(t, "0.046", Round(0.0456).String())
	assert.Equal(t, "-1.000", Round(-0.99951).String())
	assert.Equal(t, "n/a", Round(math.NaN()).String())
	assert.False(t, Round(math.Inf(1)).Valid)
}

func TestRunSelection(t *testing.T) {
	s := populated(t)
	c := New(s, Config{
		Enricher: &fakeEnricher{info: map[string]map[string]string{"SH600000": {"name": "PF Bank"}}},
		Settings: map[string]string{"top_n": "20"},
	})
	sink := &recordingSink{}

	res, err := c.Run(context.Background(), Selection, nil, sink)
	require.NoError(t, err)
	assert.Len(t, res.Sources, 2)
	assert.Len(t, res.Rows, 12)
	require.Len(t, res.Reports, 2)

	first := res.Reports[0]
	require.Len(t, first.Rows, 3)
	assert.Equal(t, "SH600000", first.Rows[0].Instrument)
	assert.InDelta(t, 0.2, first.Rows[0].AvgScore, 1e-12)
	assert.Equal(t, 1.0, first.Rows[0].PositiveRatio)
	require.NotNil(t, first.Rows[0].Label)
	assert.Equal(t, 0.05, *first.Rows[0].Label)
	assert.Equal(t, "PF Bank", first.Rows[0].Enrichment["name"])
	assert.Equal(t, "SZ000001", first.Rows[1].Instrument)
	assert.Equal(t, 0.5, first.Rows[1].PositiveRatio)
	assert.Equal(t, []string{"SZ300750"}, first.Missing)
	assert.Len(t, first.PerModel, 2)

	second := res.Reports[1]
	assert.Len(t, second.Missing, 3)

	var sections []string
	for _, c := range sink.calls {
		sections = append(sections, c.section)
	}
	assert.Equal(t, []string{"begin", "sources", "report", "report", "total", "close"}, sections)
	assert.Equal(t, Selection, sink.header.Mode)
	assert.Equal(t, "20", sink.header.Settings["top_n"])
	assert.Len(t, sink.total, 12)
}

func TestRunWindowAndFilter(t *testing.T) {
	s := populated(t)
	f, err := NewFilter([]string{"^LightGBM"}, nil)
	require.NoError(t, err)
	c := New(s, Config{Window: task.MustSegment("2021-03-02", "2021-03-31"), Filter: f})

	res, err := c.Run(context.Background(), Selection, nil)
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "LightGBM_Alpha158_csi300_20240101_10", res.Sources[0].Experiment)
	require.Len(t, res.Reports, 1)
	assert.Equal(t, "2021-03-02", task.FormatDate(res.Reports[0].Date))
}

func TestRunSkipsRecordsBelowThreshold(t *testing.T) {
	s := populated(t)
	weak := signal.Summary{IC: 0.001, ICIR: 0.01, RankIC: 0.001, RankICIR: 0.01, Days: 10}
	writeRecord(t, s, "XGBoost_Alpha158_csi300_20240101_10", weak, []signal.Observation{obs("2021-03-01", "SH600000", 9)}, nil)

	f, err := NewFilter(nil, map[string]float64{MetricIC: 0.01})
	require.NoError(t, err)
	res, err := New(s, Config{Filter: f}).Run(context.Background(), Selection, nil)
	require.NoError(t, err)
	assert.Len(t, res.Sources, 2)
	assert.Equal(t, 1, res.Skipped)
	assert.InDelta(t, 0.2, res.Reports[0].Rows[0].AvgScore, 1e-12)
}

func TestRunExcludesIncompleteRecorder(t *testing.T) {
	s := populated(t)
	w, err := s.NewRecorder("XGBoost_Alpha158_csi300_20240101_10")
	require.NoError(t, err)
	require.NoError(t, w.WriteTask(recordSpec(t)))
	require.NoError(t, w.WritePredictions([]signal.Observation{obs("2021-03-01", "SZ002594", 0.9)}))

	res, err := New(s, Config{}).Run(context.Background(), Selection, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, res.Rows, 12)
	for _, row := range res.Rows {
		assert.NotEqual(t, "SZ002594", row.Instrument)
	}
}

func TestRunEnrichmentFailureOmitsColumns(t *testing.T) {
	s := populated(t)
	c := New(s, Config{Enricher: &fakeEnricher{err: errors.New("upstream down")}})

	res, err := c.Run(context.Background(), Selection, nil)
	require.NoError(t, err)
	for _, rep := range res.Reports {
		for _, row := range rep.Rows {
			assert.Nil(t, row.Enrichment)
		}
	}
}

func TestRunInquiry(t *testing.T) {
	s := populated(t)
	c := New(s, Config{})
	sink := &recordingSink{}
	in := []string{"600000", "SZ000001", "sh600000"}

	res, err := c.Run(context.Background(), Inquiry, in, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"600000", "SZ000001", "sh600000"}, in)
	assert.Len(t, res.Rows, 8)

	require.Len(t, sink.inquiry["SH600000"], 2)
	assert.Equal(t, 100.0, sink.inquiry["SH600000"][0].PositivePct)
	require.Len(t, sink.inquiry["SZ000001"], 2)
	assert.Equal(t, 50.0, sink.inquiry["SZ000001"][1].PositivePct)

	var sections []string
	for _, c := range sink.calls {
		sections = append(sections, c.section+":"+c.detail)
	}
	assert.Equal(t, []string{"begin:", "sources:", "inquiry:SH600000", "inquiry:SZ000001", "total:", "close:"}, sections)

	_, err = c.Run(context.Background(), Inquiry, nil)
	assert.ErrorIs(t, err, ErrNoInstruments)
}

func TestList(t *testing.T) {
	s := populated(t)
	f, err := NewFilter([]string{"LightGBM"}, nil)
	require.NoError(t, err)

	listing, err := New(s, Config{Filter: f}).List()
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.Equal(t, 1, listing[0].Valid)
	assert.Equal(t, 1, listing[0].Total)
	assert.Equal(t, "0.050", listing[0].Records[0].IC.String())
}
