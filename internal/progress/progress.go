// Package progress logs pass progress: position, elapsed time and ETA per item, and
// per-step timings for multi-stage pipelines.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Tracker reports progress through a fixed number of items
type Tracker struct {
	mu      sync.Mutex
	name    string
	total   int
	current int
	start   time.Time
	bar     io.Writer
	now     func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithBar additionally renders a progress bar on w, usually a terminal
func WithBar(w io.Writer) Option {
	return func(t *Tracker) { t.bar = w }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker for total items
func New(name string, total int, opts ...Option) *Tracker {
	t := &Tracker{name: name, total: total, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	t.start = t.now()
	return t
}

// Step advances by one item and logs the position
func (t *Tracker) Step(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current++
	elapsed := t.now().Sub(t.start)
	eta := t.eta(elapsed)

	log.Info().
		Str("pass", t.name).
		Int("index", t.current).
		Int("total", t.total).
		Dur("elapsed", elapsed.Round(time.Millisecond)).
		Dur("eta", eta.Round(time.Second)).
		Msg(message)

	if t.bar != nil {
		fmt.Fprint(t.bar, t.render(message, eta))
	}
}

// Current returns the number of completed steps
func (t *Tracker) Current() (current, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.total
}

// Finish logs completion
func (t *Tracker) Finish(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := t.now().Sub(t.start)
	if t.bar != nil {
		fmt.Fprint(t.bar, "\r\033[K")
	}
	log.Info().
		Str("pass", t.name).
		Int("items", t.current).
		Dur("duration", elapsed.Round(time.Millisecond)).
		Msg(message)
}

func (t *Tracker) eta(elapsed time.Duration) time.Duration {
	if t.current == 0 || t.total <= t.current {
		return 0
	}
	per := elapsed / time.Duration(t.current)
	return per * time.Duration(t.total-t.current)
}

func (t *Tracker) render(message string, eta time.Duration) string {
	var b strings.Builder
	b.WriteString("\r\033[K")
	b.WriteString(t.name)
	if t.total > 0 {
		const width = 20
		filled := width * t.current / t.total
		if filled > width {
			filled = width
		}
		b.WriteString(" [")
		b.WriteString(strings.Repeat("#", filled))
		b.WriteString(strings.Repeat(".", width-filled))
		b.WriteString(fmt.Sprintf("] %d/%d", t.current, t.total))
	}
	if eta > 0 {
		b.WriteString(fmt.Sprintf(" ETA %v", eta.Round(time.Second)))
	}
	if message != "" {
		b.WriteString(" - ")
		b.WriteString(message)
	}
	return b.String()
}

// Steps times the named stages of a pipeline
type Steps struct {
	name    string
	steps   []string
	current int
	started time.Time
	times   []time.Duration
	now     func() time.Time
	begin   time.Time
}

// NewSteps creates a step timer for the given stage names
func NewSteps(name string, steps []string) *Steps {
	s := &Steps{name: name, steps: steps, current: -1, times: make([]time.Duration, len(steps)), now: time.Now}
	s.begin = s.now()
	return s
}

// Start closes the running stage and opens stage
func (s *Steps) Start(stage string) {
	idx := -1
	for i, st := range s.steps {
		if st == stage {
			idx = i
			break
		}
	}
	if idx < 0 {
		log.Warn().Str("step", stage).Msg("Unknown pipeline step")
		return
	}

	s.complete()
	s.current = idx
	s.started = s.now()
	log.Debug().Str("pipeline", s.name).Str("step", stage).Int("step_number", idx+1).Int("total_steps", len(s.steps)).Msg("Starting step")
}

func (s *Steps) complete() {
	if s.current >= 0 {
		s.times[s.current] += s.now().Sub(s.started)
	}
}

// Finish closes the running stage and logs the timing summary
func (s *Steps) Finish() map[string]time.Duration {
	s.complete()
	s.current = -1

	out := make(map[string]time.Duration, len(s.steps))
	ev := log.Info().Str("pipeline", s.name).Dur("total", s.now().Sub(s.begin))
	for i, st := range s.steps {
		out[st] = s.times[i]
		ev = ev.Dur(st, s.times[i])
	}
	ev.Msg("Pipeline completed")
	return out
}
