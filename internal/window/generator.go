// Package window turns a base task template into the ordered sequence of rolling
// training windows that a scheduling pass works through.
package window

import (
	"errors"
	"fmt"
	"time"

	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// Mode selects how the training segment moves between windows
type Mode string

const (
	// Sliding advances both ends of the training segment
	Sliding Mode = "sliding"
	// Expanding holds the training start fixed and advances only the end
	Expanding Mode = "expanding"
)

// ErrInvalidPolicy marks a stepping policy that cannot generate windows
var ErrInvalidPolicy = errors.New("invalid window policy")

// ParseMode accepts the mode names used in configuration and on the command line
func ParseMode(s string) (Mode, error) {
	switch s {
	case "sliding", "sd", "ROLL_SD":
		return Sliding, nil
	case "expanding", "ex", "ROLL_EX":
		return Expanding, nil
	default:
		return "", fmt.Errorf("%w: unknown rolling type %q (want sliding|expanding)", ErrInvalidPolicy, s)
	}
}

// Policy holds the stepping parameters
type Policy struct {
	StepDays int  `yaml:"step" json:"step"`
	Mode     Mode `yaml:"mode" json:"mode"`
}

// Validate rejects non-positive steps and unknown modes
func (p Policy) Validate() error {
	if p.StepDays <= 0 {
		return fmt.Errorf("%w: step must be positive, got %d", ErrInvalidPolicy, p.StepDays)
	}
	if p.Mode != Sliding && p.Mode != Expanding {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, p.Mode)
	}
	return nil
}

// Sequence yields the windows of one base task lazily. Segments are closed intervals:
// each following test segment starts the day after the previous one ends and spans
// StepDays days, and train/valid move by the same offset. The last window's test end
// is clipped to the boundary.
type Sequence struct {
	base     task.TaskSpec
	policy   Policy
	boundary time.Time

	prev *task.Segments
	done bool
}

// NewSequence validates inputs and returns a sequence positioned before the first window
func NewSequence(base task.TaskSpec, policy Policy, boundary time.Time) (*Sequence, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if boundary.IsZero() {
		return nil, fmt.Errorf("%w: boundary date is required", ErrInvalidPolicy)
	}
	return &Sequence{
		base:     base.Clone(),
		policy:   policy,
		boundary: truncateDay(boundary),
	}, nil
}

// Reset rewinds the sequence to its first window
func (s *Sequence) Reset() {
	s.prev = nil
	s.done = false
}

// Next returns the next window, or false once the boundary has been reached
func (s *Sequence) Next() (task.TaskSpec, bool) {
	if s.done {
		return task.TaskSpec{}, false
	}

	if s.prev == nil {
		segs := s.base.Dataset.Segments
		s.prev = &segs
		if !segs.Test.End.Before(s.boundary) {
			s.done = true
		}
		return normalize(s.base.Clone(), segs), true
	}

	next, ok := s.advance(*s.prev)
	if !ok {
		s.done = true
		return task.TaskSpec{}, false
	}
	if !next.Test.End.Before(s.boundary) {
		next.Test.End = s.boundary
		s.done = true
	}
	s.prev = &next
	return normalize(s.base.Clone(), next), true
}

func (s *Sequence) advance(prev task.Segments) (task.Segments, bool) {
	testStart := prev.Test.End.AddDate(0, 0, 1)
	if !testStart.Before(s.boundary) {
		return task.Segments{}, false
	}
	offset := int(testStart.Sub(prev.Test.Start).Hours() / 24)

	next := task.Segments{
		Valid: prev.Valid.Shift(offset),
		Test: task.Segment{
			Start: testStart,
			End:   testStart.AddDate(0, 0, s.policy.StepDays),
		},
	}
	switch s.policy.Mode {
	case Sliding:
		next.Train = prev.Train.Shift(offset)
	case Expanding:
		next.Train = task.Segment{Start: prev.Train.Start, End: prev.Train.End.AddDate(0, 0, offset)}
	}
	return next, true
}

// Generate materializes the whole sequence. For identical inputs the result is
// identical and ordered by test start.
func Generate(base task.TaskSpec, policy Policy, boundary time.Time) ([]task.TaskSpec, error) {
	seq, err := NewSequence(base, policy, boundary)
	if err != nil {
		return nil, err
	}

	var tasks []task.TaskSpec
	for {
		t, ok := seq.Next()
		if !ok {
			break
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("generated window %d is invalid: %w", len(tasks), err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// normalize writes the window's segments into the task and resolves the handler fit
// boundaries to that window's concrete training span. Every window has its own train
// span, so a fit boundary left symbolic or copied from the template would be wrong.
func normalize(t task.TaskSpec, segs task.Segments) task.TaskSpec {
	t.Dataset.Segments = segs

	h := &t.Dataset.Handler
	h.FitStartTime = task.FormatDate(segs.Train.Start)
	h.FitEndTime = task.FormatDate(segs.Train.End)

	if start, err := task.ParseDate(h.StartTime); err != nil || start.After(segs.Train.Start) {
		h.StartTime = task.FormatDate(segs.Train.Start)
	}
	if end, err := task.ParseDate(h.EndTime); err != nil || end.Before(segs.Test.End) {
		h.EndTime = task.FormatDate(segs.Test.End)
	}
	return t
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
