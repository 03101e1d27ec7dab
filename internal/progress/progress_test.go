package progress

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestTrackerETA(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var bar bytes.Buffer
	tr := New("train", 4, WithClock(clock.now), WithBar(&bar))

	clock.t = clock.t.Add(10 * time.Second)
	tr.Step("task 1")
	assert.Equal(t, 30*time.Second, tr.eta(10*time.Second))
	assert.Contains(t, bar.String(), "1/4")
	assert.Contains(t, bar.String(), "#####")

	tr.Step("task 2")
	tr.Step("task 3")
	tr.Step("task 4")
	cur, total := tr.Current()
	assert.Equal(t, 4, cur)
	assert.Equal(t, 4, total)
	assert.Equal(t, time.Duration(0), tr.eta(time.Minute))

	tr.Finish("done")
}

func TestStepsTiming(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewSteps("collect", []string{"load", "rank"})
	s.now = clock.now
	s.begin = clock.t

	s.Start("load")
	clock.t = clock.t.Add(2 * time.Second)
	s.Start("unknown")
	s.Start("rank")
	clock.t = clock.t.Add(time.Second)
	times := s.Finish()

	assert.Equal(t, 2*time.Second, times["load"])
	assert.Equal(t, time.Second, times["rank"])
}
