package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

func key() store.ExperimentKey {
	return store.ExperimentKey{Model: "LightGBM", Dataset: "Alpha158", Universe: "csi300", Mode: "sliding", Step: 60}
}

func record(t *testing.T, s *store.Store, experiment string, train task.Segment, complete bool) {
	t.Helper()
	spec, err := task.Build("LightGBM", task.DatasetAlpha158, "", task.Segments{
		Train: train,
		Valid: task.Segment{Start: train.End.AddDate(0, 0, 1), End: train.End.AddDate(0, 2, 0)},
		Test:  task.Segment{Start: train.End.AddDate(0, 2, 1), End: train.End.AddDate(0, 4, 0)},
	})
	require.NoError(t, err)

	w, err := s.NewRecorder(experiment)
	require.NoError(t, err)
	require.NoError(t, w.WriteTask(spec))
	if !complete {
		return
	}
	obs := []signal.Observation{{Date: spec.Dataset.Segments.Test.Start, Instrument: "SH600000", Value: 1}}
	require.NoError(t, w.WritePredictions(obs))
	require.NoError(t, w.WriteStats(signal.Analyze(obs, obs)))
	require.NoError(t, w.Finish(nil))
}

func TestLedgerIsDone(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.CreateExperiment("exp", key())
	require.NoError(t, err)

	done := task.MustSegment("2020-01-01", "2020-12-31")
	partial := task.MustSegment("2020-03-01", "2021-02-28")
	record(t, s, "exp", done, true)
	record(t, s, "exp", partial, false)

	l, err := Open(s, "exp")
	require.NoError(t, err)

	assert.True(t, l.IsDone(done))
	assert.True(t, l.IsDone(task.MustSegment("2020-01-01", "2020-12-31")))
	assert.False(t, l.IsDone(partial))
	assert.False(t, l.IsDone(task.MustSegment("2020-01-01", "2020-12-30")))

	valid, rejected := l.Counts()
	assert.Equal(t, 1, valid)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, []task.Segment{done}, l.DoneSegments())
}

func TestLedgerMissingExperiment(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	l, err := Open(s, "nothing")
	require.NoError(t, err)
	assert.Empty(t, l.DoneSegments())
	assert.False(t, l.IsDone(task.MustSegment("2020-01-01", "2020-12-31")))
}

func TestResolveExperimentName(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("fresh", func(t *testing.T) {
		s, err := store.Open(t.TempDir())
		require.NoError(t, err)

		name, existing, err := ResolveExperimentName(s, key(), now)
		require.NoError(t, err)
		assert.False(t, existing)
		assert.Equal(t, "LightGBM_Alpha158_csi300_sliding_step60_20240601_09", name)
	})

	t.Run("structural match", func(t *testing.T) {
		s, err := store.Open(t.TempDir())
		require.NoError(t, err)
		other := key()
		other.Step = 20
		_, err = s.CreateExperiment("renamed_by_hand", key())
		require.NoError(t, err)
		_, err = s.CreateExperiment("LightGBM_Alpha158_csi300_sliding_step20_20240101_00", other)
		require.NoError(t, err)

		name, existing, err := ResolveExperimentName(s, key(), now)
		require.NoError(t, err)
		assert.True(t, existing)
		assert.Equal(t, "renamed_by_hand", name)
	})

	t.Run("prefix collision is not a match", func(t *testing.T) {
		s, err := store.Open(t.TempDir())
		require.NoError(t, err)
		k := key()
		k.Suffix = "v2"
		_, err = s.CreateExperiment(k.NewName(now), k)
		require.NoError(t, err)

		_, existing, err := ResolveExperimentName(s, key(), now)
		require.NoError(t, err)
		assert.False(t, existing)
	})

	t.Run("legacy fallback", func(t *testing.T) {
		s, err := store.Open(t.TempDir())
		require.NoError(t, err)
		legacy := "LightGBM_Alpha158_csi300_sliding_step60_20230101_08"
		require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), legacy), 0755))

		name, existing, err := ResolveExperimentName(s, key(), now)
		require.NoError(t, err)
		assert.True(t, existing)
		assert.Equal(t, legacy, name)
	})
}
