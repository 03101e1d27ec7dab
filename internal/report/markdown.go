package report

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/touhoufan2024/qlibAssistant/internal/collector"
	atomicio "github.com/touhoufan2024/qlibAssistant/internal/io"
)

// MarkdownFile is the append-only report document
const MarkdownFile = "total.md"

// Markdown appends every section of a run to total.md
type Markdown struct {
	path string
}

// NewMarkdown writes to dir/total.md
func NewMarkdown(dir string) *Markdown {
	return &Markdown{path: filepath.Join(dir, MarkdownFile)}
}

// Path is the markdown file
func (m *Markdown) Path() string { return m.path }

func (m *Markdown) append(format string, args ...interface{}) error {
	return atomicio.AppendFile(m.path, fmt.Sprintf(format, args...))
}

func (m *Markdown) Begin(h collector.Header) error {
	if err := m.append(" %s %s\n\n", h.Mode, h.RunAt.Format(runStampLayout)); err != nil {
		return err
	}
	if len(h.Settings) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h.Settings))
	for k := range h.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, h.Settings[k])
	}
	return m.append("%s\n", b.String())
}

func (m *Markdown) Sources(sources []collector.Source) error {
	var b strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&b, "## Experiment: %s\n", s.Experiment)
		fmt.Fprintf(&b, "- Recorder ID: %s\n", s.Recorder)
		fmt.Fprintf(&b, "- model: %s %s\n", s.ModelClass, s.Handler)
		fmt.Fprintf(&b, "- train: %s\n", s.Train)
		if !s.Meta.StartTime.IsZero() {
			fmt.Fprintf(&b, "- start time %s\n", s.Meta.StartTime.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(&b, "- end time %s\n", s.Meta.EndTime.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(&b, "- IC: %s\n", formatFixed(s.Summary.IC, 6))
		fmt.Fprintf(&b, "- ICIR: %s\n", formatFixed(s.Summary.ICIR, 6))
		fmt.Fprintf(&b, "- Rank IC: %s\n", formatFixed(s.Summary.RankIC, 6))
		fmt.Fprintf(&b, "- Rank ICIR: %s\n\n", formatFixed(s.Summary.RankICIR, 6))
	}
	return m.append("%s", b.String())
}

func (m *Markdown) Report(r collector.RankedReport) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n # %s\n\n", r.Date.Format("2006-01-02"))

	recorders := make([]string, 0, len(r.PerModel))
	for rec := range r.PerModel {
		recorders = append(recorders, rec)
	}
	sort.Strings(recorders)
	for _, rec := range recorders {
		rows := make([][]string, 0, len(r.PerModel[rec]))
		for _, s := range r.PerModel[rec] {
			rows = append(rows, []string{s.Date.Format("2006-01-02"), s.Instrument, formatFloat(s.Score), formatLabel(s.Label)})
		}
		fmt.Fprintf(&b, "\n\n ## Model %s\n\n", rec)
		b.WriteString(table([]string{"datetime", "instrument", "score", collector.ColLabel}, rows))
		b.WriteString("\n")
	}

	extra := enrichmentColumns(r.Rows)
	rows := make([][]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		rows = append(rows, rankedCells(row, extra))
	}
	b.WriteString("\n\n ## Average\n\n")
	b.WriteString(table(rankedHeader(extra), rows))
	if len(r.Missing) > 0 {
		fmt.Fprintf(&b, "\nLabels missing for %d instruments: %s\n", len(r.Missing), strings.Join(r.Missing, ", "))
	}
	b.WriteString("\n")
	return m.append("%s", b.String())
}

func (m *Markdown) Inquiry(instrument string, days []collector.DailyPositive, rows []collector.ScoreRow) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n # %s\n\n", instrument)
	fmt.Fprintf(&b, "--- daily prediction summary for %s ---\n\n", instrument)
	for _, d := range days {
		fmt.Fprintf(&b, "%s on %s: %s%% of scores positive\n\n", instrument, d.Date.Format("2006-01-02"), formatFloat(d.PositivePct))
	}
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, totalCells(r))
	}
	b.WriteString(table(totalHeader, cells))
	b.WriteString("\n")
	return m.append("%s", b.String())
}

func (m *Markdown) Total(rows []collector.ScoreRow) error {
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, totalCells(r))
	}
	return m.append(" # total\n\n%s", table(totalHeader, cells))
}

func (m *Markdown) Close() error { return nil }
