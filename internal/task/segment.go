package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout is the calendar date format used in task specs, records and reports
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date into UTC midnight
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// MustDate is ParseDate for literals known to be valid
func MustDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// FormatDate renders a date in DateLayout
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Segment is a closed calendar interval [Start, End]
type Segment struct {
	Start time.Time
	End   time.Time
}

// NewSegment builds a segment from two YYYY-MM-DD strings
func NewSegment(start, end string) (Segment, error) {
	s, err := ParseDate(start)
	if err != nil {
		return Segment{}, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return Segment{}, err
	}
	return Segment{Start: s, End: e}, nil
}

// MustSegment is NewSegment for literals known to be valid
func MustSegment(start, end string) Segment {
	seg, err := NewSegment(start, end)
	if err != nil {
		panic(err)
	}
	return seg
}

// Equal reports exact tuple equality on calendar dates
func (s Segment) Equal(o Segment) bool {
	return FormatDate(s.Start) == FormatDate(o.Start) && FormatDate(s.End) == FormatDate(o.End)
}

// Key returns the canonical "start~end" form, usable as a map key
func (s Segment) Key() string {
	return FormatDate(s.Start) + "~" + FormatDate(s.End)
}

func (s Segment) String() string {
	return "[" + FormatDate(s.Start) + ", " + FormatDate(s.End) + "]"
}

// IsZero reports whether neither bound is set
func (s Segment) IsZero() bool {
	return s.Start.IsZero() && s.End.IsZero()
}

// Days is the number of calendar days between Start and End
func (s Segment) Days() int {
	return int(s.End.Sub(s.Start).Hours() / 24)
}

// Shift moves both bounds by n calendar days
func (s Segment) Shift(days int) Segment {
	return Segment{Start: s.Start.AddDate(0, 0, days), End: s.End.AddDate(0, 0, days)}
}

// Contains reports whether t falls inside the segment, bounds included
func (s Segment) Contains(t time.Time) bool {
	return !t.Before(s.Start) && !t.After(s.End)
}

// MarshalJSON encodes the segment as a two-element date array
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{FormatDate(s.Start), FormatDate(s.End)})
}

// UnmarshalJSON decodes a two-element date array
func (s *Segment) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("segment must be a [start, end] array: %w", err)
	}
	return s.fromStrings(raw)
}

// MarshalYAML encodes the segment as a two-element date list
func (s Segment) MarshalYAML() (interface{}, error) {
	return []string{FormatDate(s.Start), FormatDate(s.End)}, nil
}

// UnmarshalYAML decodes a two-element date list
func (s *Segment) UnmarshalYAML(value *yaml.Node) error {
	var raw []string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: segment must be a [start, end] list: %w", value.Line, err)
	}
	return s.fromStrings(raw)
}

func (s *Segment) fromStrings(raw []string) error {
	if len(raw) != 2 {
		return fmt.Errorf("segment needs exactly 2 dates, got %d", len(raw))
	}
	seg, err := NewSegment(raw[0], raw[1])
	if err != nil {
		return err
	}
	*s = seg
	return nil
}
