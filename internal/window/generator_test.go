package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

func baseTask(t *testing.T) task.TaskSpec {
	t.Helper()
	spec, err := task.Build("LightGBM", task.DatasetAlpha158, task.CSI300Market, task.Segments{
		Train: task.MustSegment("2020-01-01", "2020-12-31"),
		Valid: task.MustSegment("2021-01-01", "2021-02-28"),
		Test:  task.MustSegment("2021-03-01", "2021-04-30"),
	})
	require.NoError(t, err)
	return spec
}

func TestGenerate_Scenario(t *testing.T) {
	tasks, err := Generate(baseTask(t), Policy{StepDays: 60, Mode: Sliding}, task.MustDate("2021-06-30"))
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "2021-03-01~2021-04-30", tasks[0].Dataset.Segments.Test.Key())
	assert.Equal(t, "2021-06-30", task.FormatDate(tasks[1].Dataset.Segments.Test.End))
}

func TestGenerate_Monotonicity(t *testing.T) {
	boundary := task.MustDate("2023-06-30")

	t.Run("sliding", func(t *testing.T) {
		tasks, err := Generate(baseTask(t), Policy{StepDays: 30, Mode: Sliding}, boundary)
		require.NoError(t, err)
		require.Greater(t, len(tasks), 5)

		trainDays := tasks[0].Dataset.Segments.Train.Days()
		for i := 1; i < len(tasks); i++ {
			prev, cur := tasks[i-1].Dataset.Segments, tasks[i].Dataset.Segments
			assert.True(t, cur.Test.Start.After(prev.Test.Start), "test start must strictly increase at %d", i)
			assert.True(t, cur.Test.Start.After(prev.Test.End), "test segments must not overlap at %d", i)
			assert.Equal(t, trainDays, cur.Train.Days(), "sliding train length must be constant at %d", i)
		}
	})

	t.Run("expanding", func(t *testing.T) {
		tasks, err := Generate(baseTask(t), Policy{StepDays: 30, Mode: Expanding}, boundary)
		require.NoError(t, err)
		require.Greater(t, len(tasks), 5)

		start := tasks[0].Dataset.Segments.Train.Start
		for i := 1; i < len(tasks); i++ {
			prev, cur := tasks[i-1].Dataset.Segments, tasks[i].Dataset.Segments
			assert.True(t, cur.Train.Start.Equal(start), "expanding train start must be fixed at %d", i)
			assert.False(t, cur.Train.End.Before(prev.Train.End), "train end must not decrease at %d", i)
			assert.True(t, cur.Test.Start.After(prev.Test.Start))
		}
	})
}

func TestGenerate_BoundaryClipping(t *testing.T) {
	boundary := task.MustDate("2021-06-15")
	tasks, err := Generate(baseTask(t), Policy{StepDays: 60, Mode: Sliding}, boundary)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	last := tasks[len(tasks)-1].Dataset.Segments.Test
	assert.True(t, last.End.Equal(boundary))
	assert.Equal(t, "2021-05-01", task.FormatDate(last.Start))
}

func TestGenerate_BaseCoversBoundary(t *testing.T) {
	base := baseTask(t)
	tasks, err := Generate(base, Policy{StepDays: 20, Mode: Expanding}, task.MustDate("2021-04-01"))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, base.Dataset.Segments, tasks[0].Dataset.Segments)
}

func TestGenerate_NormalizesFitBoundaries(t *testing.T) {
	base := baseTask(t)
	require.True(t, task.IsPlaceholder(base.Dataset.Handler.FitStartTime))

	tasks, err := Generate(base, Policy{StepDays: 30, Mode: Sliding}, task.MustDate("2022-01-31"))
	require.NoError(t, err)

	for i, tk := range tasks {
		h := tk.Dataset.Handler
		train := tk.Dataset.Segments.Train
		assert.False(t, task.IsPlaceholder(h.FitStartTime), "window %d", i)
		assert.Equal(t, task.FormatDate(train.Start), h.FitStartTime, "window %d", i)
		assert.Equal(t, task.FormatDate(train.End), h.FitEndTime, "window %d", i)

		end, err := task.ParseDate(h.EndTime)
		require.NoError(t, err)
		assert.False(t, end.Before(tk.Dataset.Segments.Test.End), "handler must load through test end")
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	policy := Policy{StepDays: 45, Mode: Sliding}
	boundary := task.MustDate("2022-12-31")

	first, err := Generate(baseTask(t), policy, boundary)
	require.NoError(t, err)
	second, err := Generate(baseTask(t), policy, boundary)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSequence_Reset(t *testing.T) {
	seq, err := NewSequence(baseTask(t), Policy{StepDays: 60, Mode: Sliding}, task.MustDate("2021-12-31"))
	require.NoError(t, err)

	var firstPass []string
	for tk, ok := seq.Next(); ok; tk, ok = seq.Next() {
		firstPass = append(firstPass, tk.Dataset.Segments.Test.Key())
	}
	seq.Reset()
	var secondPass []string
	for tk, ok := seq.Next(); ok; tk, ok = seq.Next() {
		secondPass = append(secondPass, tk.Dataset.Segments.Test.Key())
	}
	assert.Equal(t, firstPass, secondPass)
	assert.NotEmpty(t, firstPass)
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		valid  bool
	}{
		{name: "sliding", policy: Policy{StepDays: 20, Mode: Sliding}, valid: true},
		{name: "expanding", policy: Policy{StepDays: 1, Mode: Expanding}, valid: true},
		{name: "zero_step", policy: Policy{StepDays: 0, Mode: Sliding}},
		{name: "negative_step", policy: Policy{StepDays: -5, Mode: Sliding}},
		{name: "unknown_mode", policy: Policy{StepDays: 20, Mode: "weekly"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPolicy)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("ROLL_EX")
	require.NoError(t, err)
	assert.Equal(t, Expanding, m)

	m, err = ParseMode("sliding")
	require.NoError(t, err)
	assert.Equal(t, Sliding, m)

	_, err = ParseMode("rolling")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
