package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// CalendarFile is the trading calendar below the provider directory
const CalendarFile = "calendars/day.txt"

// CalendarTail returns the last trading date of the local calendar
func CalendarTail(providerURI string) (time.Time, error) {
	path := filepath.Join(ExpandHome(providerURI), filepath.FromSlash(CalendarFile))
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open calendar: %w", err)
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return time.Time{}, fmt.Errorf("failed to read calendar: %w", err)
	}
	if last == "" {
		return time.Time{}, fmt.Errorf("calendar %s is empty", path)
	}
	// some calendars carry a time part
	if i := strings.IndexAny(last, " T"); i > 0 {
		last = last[:i]
	}
	return task.ParseDate(last)
}

// Boundary is the generation boundary: an explicit date, or the calendar tail for auto
func (c *Config) Boundary() (time.Time, error) {
	if b := c.Window.Boundary; b != "" && b != BoundaryAuto {
		return task.ParseDate(b)
	}
	t, err := CalendarTail(c.ProviderURI)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: boundary auto: %v", ErrInvalidConfig, err)
	}
	return t, nil
}

// PredictWindow is the report window. Without predict_dates it is the calendar tail day;
// without a readable calendar it is zero and the collector reports the latest dates.
func (c *Config) PredictWindow() task.Segment {
	if !c.Collect.PredictDates.IsZero() {
		return c.Collect.PredictDates
	}
	tail, err := CalendarTail(c.ProviderURI)
	if err != nil {
		log.Warn().Err(err).Msg("No predict_dates and no local calendar, reporting the latest predictions")
		return task.Segment{}
	}
	log.Info().Str("date", task.FormatDate(tail)).Msg("No predict_dates found in config, using latest date in dataset")
	return task.Segment{Start: tail, End: tail}
}
