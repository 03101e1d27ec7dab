package report

import (
	"bytes"
	"encoding/csv"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/touhoufan2024/qlibAssistant/internal/collector"
	atomicio "github.com/touhoufan2024/qlibAssistant/internal/io"
)

// TotalCSV holds every merged score row of a run
const TotalCSV = "total.csv"

// utf8BOM keeps spreadsheet tools from guessing the encoding of instrument names
const utf8BOM = "\ufeff"

// CSV writes one <date>_ret.csv per ranked date and total.csv
type CSV struct {
	dir string
}

// NewCSV writes into dir
func NewCSV(dir string) *CSV {
	return &CSV{dir: dir}
}

// RetFile is the ranked table file of a date
func RetFile(date string) string {
	return date + "_ret.csv"
}

func (c *CSV) Begin(h collector.Header) error           { return nil }
func (c *CSV) Sources(sources []collector.Source) error { return nil }

func (c *CSV) Report(r collector.RankedReport) error {
	extra := enrichmentColumns(r.Rows)
	records := [][]string{rankedHeader(extra)}
	for _, row := range r.Rows {
		records = append(records, rankedCells(row, extra))
	}
	name := RetFile(r.Date.Format("2006-01-02"))
	log.Info().Str("file", name).Int("rows", len(r.Rows)).Msg("Saving ranked report")
	return c.write(name, records)
}

func (c *CSV) Inquiry(instrument string, days []collector.DailyPositive, rows []collector.ScoreRow) error {
	return nil
}

func (c *CSV) Total(rows []collector.ScoreRow) error {
	records := [][]string{totalHeader}
	for _, r := range rows {
		records = append(records, totalCells(r))
	}
	return c.write(TotalCSV, records)
}

func (c *CSV) Close() error { return nil }

func (c *CSV) write(name string, records [][]string) error {
	var buf bytes.Buffer
	buf.WriteString(utf8BOM)
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return err
	}
	return atomicio.WriteFileAtomic(filepath.Join(c.dir, name), buf.Bytes())
}
