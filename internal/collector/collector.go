// Package collector turns the records of the store into ranked decision reports. For each
// report date it gathers every admitted recorder's score per instrument, merges realized
// labels, aggregates per instrument and ranks by average score.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/touhoufan2024/qlibAssistant/internal/enrich"
	"github.com/touhoufan2024/qlibAssistant/internal/progress"
	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
	"github.com/touhoufan2024/qlibAssistant/internal/trainer"
)

// DefaultTopN is the per-recorder table size of the original reports
const DefaultTopN = 20

// recentDays is how many trailing prediction dates are reported when no window is set
const recentDays = 5

// ErrNoInstruments is returned for an inquiry without instruments
var ErrNoInstruments = errors.New("inquiry needs at least one instrument")

// Header describes a collection run for report sinks
type Header struct {
	Mode     Mode
	RunAt    time.Time
	Settings map[string]string
}

// Sink receives the sections of a report in order
type Sink interface {
	Begin(h Header) error
	Sources(sources []Source) error
	Report(r RankedReport) error
	Inquiry(instrument string, days []DailyPositive, rows []ScoreRow) error
	Total(rows []ScoreRow) error
	Close() error
}

// Enricher adds reference columns to instruments
type Enricher interface {
	Enrich(ctx context.Context, instruments []string) (map[string]map[string]string, error)
}

// Observer counts loaded and skipped records
type Observer interface {
	RecordsCollected(status string, n int)
}

// Config parameterizes a collector
type Config struct {
	Window   task.Segment
	TopN     int
	Filter   *Filter
	Labels   trainer.LabelSource
	Enricher Enricher
	Observer Observer
	Settings map[string]string
}

// Collector reads records and emits ranked reports
type Collector struct {
	store  *store.Store
	config Config
	now    func() time.Time
}

// New creates a collector
func New(st *store.Store, config Config) *Collector {
	if config.TopN <= 0 {
		config.TopN = DefaultTopN
	}
	return &Collector{store: st, config: config, now: time.Now}
}

type loaded struct {
	source Source
	record *store.Record
}

// Sources loads and filters the valid records of every matching experiment
func (c *Collector) Sources(ctx context.Context) ([]Source, int, error) {
	items, skipped, err := c.load(ctx)
	if err != nil {
		return nil, skipped, err
	}
	out := make([]Source, len(items))
	for i, it := range items {
		out[i] = it.source
	}
	return out, skipped, nil
}

func (c *Collector) load(ctx context.Context) ([]loaded, int, error) {
	experiments, err := c.store.ListExperiments()
	if err != nil {
		return nil, 0, err
	}

	var out []loaded
	skipped := 0
	for _, exp := range experiments {
		if !c.config.Filter.MatchExperiment(exp.Name) {
			continue
		}
		records, rejected, err := c.store.ValidRecords(exp.Name)
		if err != nil {
			return nil, skipped, err
		}
		skipped += len(rejected)
		for _, ins := range rejected {
			log.Debug().Str("experiment", exp.Name).Str("recorder", ins.ID).Msg("Skipping invalid recorder")
		}

		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return nil, skipped, err
			}
			summary := c.summarize(ctx, rec)
			if !c.config.Filter.PassRecord(summary) {
				skipped++
				continue
			}
			out = append(out, loaded{
				record: rec,
				source: Source{
					Experiment: exp.Name,
					Recorder:   rec.ID,
					ModelClass: rec.Task.Model.Class,
					Handler:    rec.Task.Dataset.Handler.Class,
					Train:      rec.Train(),
					Summary:    summary,
					Meta:       rec.Meta,
				},
			})
		}
	}

	if c.config.Observer != nil {
		c.config.Observer.RecordsCollected("loaded", len(out))
		c.config.Observer.RecordsCollected("skipped", skipped)
	}
	return out, skipped, nil
}

// summarize returns the stored statistics, recomputing them when the record was written
// without labels and labels are now available
func (c *Collector) summarize(ctx context.Context, rec *store.Record) signal.Summary {
	if rec.Stats.Summary.Days > 0 {
		return rec.Stats.Summary
	}

	preds, err := rec.Predictions()
	if err != nil {
		return rec.Stats.Summary
	}
	var sets [][]signal.Observation
	if rec.HasLabels() {
		if obs, err := rec.Labels(); err == nil {
			sets = append(sets, obs)
		}
	}
	if c.config.Labels != nil {
		if obs, err := c.config.Labels.Labels(ctx, rec.Task.Dataset.Segments.Test); err == nil {
			sets = append(sets, obs)
		}
	}
	if len(sets) == 0 {
		return rec.Stats.Summary
	}

	var labels []signal.Observation
	for k, v := range NewLabelIndex(sets...) {
		d, err := task.ParseDate(k.Date)
		if err != nil {
			continue
		}
		labels = append(labels, signal.Observation{Date: d, Instrument: k.Instrument, Value: v})
	}
	return signal.Analyze(preds, labels).Summary
}

// Run executes a collection pass and writes it to every sink
func (c *Collector) Run(ctx context.Context, mode Mode, instruments []string, sinks ...Sink) (*Result, error) {
	var wanted map[string]bool
	if mode == Inquiry {
		if len(instruments) == 0 {
			return nil, ErrNoInstruments
		}
		wanted = make(map[string]bool, len(instruments))
		normalized := make([]string, 0, len(instruments))
		for _, inst := range instruments {
			code := enrich.NormalizeCode(inst)
			if !wanted[code] {
				wanted[code] = true
				normalized = append(normalized, code)
			}
		}
		instruments = normalized
	}

	steps := progress.NewSteps(string(mode), []string{"load", "gather", "merge", "rank", "enrich", "emit"})
	defer steps.Finish()

	steps.Start("load")
	items, skipped, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	result := &Result{Mode: mode, Skipped: skipped}
	for _, it := range items {
		result.Sources = append(result.Sources, it.source)
	}
	log.Info().Int("records", len(items)).Int("skipped", skipped).Str("filter", c.config.Filter.String()).Msg("Records loaded")

	steps.Start("gather")
	rows, recordLabels := c.gather(items, wanted)
	if c.config.Window.IsZero() {
		rows = recent(rows, recentDays)
	}

	steps.Start("merge")
	sets := recordLabels
	if c.config.Labels != nil && len(rows) > 0 {
		span := spanOf(rows)
		obs, err := c.config.Labels.Labels(ctx, span)
		switch {
		case err == nil:
			sets = append(sets, obs)
		case errors.Is(err, trainer.ErrNoLabels):
			log.Warn().Str("window", span.String()).Msg("No realized labels for the report window")
		default:
			log.Warn().Err(err).Msg("Label source failed, labels marked missing")
		}
	}
	rows = Merge(rows, NewLabelIndex(sets...))
	result.Rows = rows

	steps.Start("rank")
	result.Reports = BuildReports(rows, c.config.TopN)
	if mode == Inquiry {
		result.Positive = Positives(rows, instruments)
	}

	steps.Start("enrich")
	c.enrich(ctx, result.Reports)

	steps.Start("emit")
	header := Header{Mode: mode, RunAt: c.now(), Settings: c.config.Settings}
	for _, sink := range sinks {
		if err := emit(sink, header, result, instruments); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (c *Collector) gather(items []loaded, wanted map[string]bool) ([]ScoreRow, [][]signal.Observation) {
	var rows []ScoreRow
	var labels [][]signal.Observation
	for _, it := range items {
		preds, err := it.record.Predictions()
		if err != nil {
			log.Warn().Err(err).Str("recorder", it.record.ID).Msg("Unreadable predictions, recorder skipped")
			continue
		}
		for _, p := range preds {
			if !c.config.Window.IsZero() && !c.config.Window.Contains(p.Date) {
				continue
			}
			if wanted != nil && !wanted[p.Instrument] {
				continue
			}
			rows = append(rows, ScoreRow{
				Experiment: it.source.Experiment,
				Recorder:   it.record.ID,
				Date:       p.Date,
				Instrument: p.Instrument,
				Score:      p.Value,
			})
		}
		if it.record.HasLabels() {
			if obs, err := it.record.Labels(); err == nil {
				labels = append(labels, obs)
			}
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		if rows[i].Instrument != rows[j].Instrument {
			return rows[i].Instrument < rows[j].Instrument
		}
		return rows[i].Recorder < rows[j].Recorder
	})
	return rows, labels
}

func (c *Collector) enrich(ctx context.Context, reports []RankedReport) {
	if c.config.Enricher == nil || len(reports) == 0 {
		return
	}
	seen := make(map[string]bool)
	var instruments []string
	for _, r := range reports {
		for _, row := range r.Rows {
			if !seen[row.Instrument] {
				seen[row.Instrument] = true
				instruments = append(instruments, row.Instrument)
			}
		}
	}

	info, err := c.config.Enricher.Enrich(ctx, instruments)
	if err != nil {
		log.Warn().Err(err).Msg("Enrichment unavailable, columns omitted")
		return
	}
	for i := range reports {
		for j := range reports[i].Rows {
			reports[i].Rows[j].Enrichment = info[reports[i].Rows[j].Instrument]
		}
	}
}

func emit(sink Sink, header Header, result *Result, instruments []string) error {
	if err := sink.Begin(header); err != nil {
		return fmt.Errorf("report sink: %w", err)
	}
	if err := sink.Sources(result.Sources); err != nil {
		return fmt.Errorf("report sink: %w", err)
	}
	if result.Mode == Inquiry {
		for _, inst := range instruments {
			var days []DailyPositive
			for _, d := range result.Positive {
				if d.Instrument == inst {
					days = append(days, d)
				}
			}
			var rows []ScoreRow
			for _, r := range result.Rows {
				if r.Instrument == inst {
					rows = append(rows, r)
				}
			}
			if err := sink.Inquiry(inst, days, rows); err != nil {
				return fmt.Errorf("report sink: %w", err)
			}
		}
	} else {
		for _, r := range result.Reports {
			if err := sink.Report(r); err != nil {
				return fmt.Errorf("report sink: %w", err)
			}
		}
	}
	if err := sink.Total(result.Rows); err != nil {
		return fmt.Errorf("report sink: %w", err)
	}
	return sink.Close()
}

// recent keeps rows of the last n distinct dates
func recent(rows []ScoreRow, n int) []ScoreRow {
	dates := make(map[string]bool)
	var keys []string
	for _, r := range rows {
		d := task.FormatDate(r.Date)
		if !dates[d] {
			dates[d] = true
			keys = append(keys, d)
		}
	}
	if len(keys) <= n {
		return rows
	}
	sort.Strings(keys)
	cut := keys[len(keys)-n]

	out := rows[:0:0]
	for _, r := range rows {
		if task.FormatDate(r.Date) >= cut {
			out = append(out, r)
		}
	}
	return out
}

func spanOf(rows []ScoreRow) task.Segment {
	s := task.Segment{Start: rows[0].Date, End: rows[0].Date}
	for _, r := range rows[1:] {
		if r.Date.Before(s.Start) {
			s.Start = r.Date
		}
		if r.Date.After(s.End) {
			s.End = r.Date
		}
	}
	return s
}
