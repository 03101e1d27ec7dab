package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

func testSpec(t *testing.T) task.TaskSpec {
	t.Helper()
	spec, err := task.Build("LightGBM", task.DatasetAlpha158, "csi300", task.Segments{
		Train: task.MustSegment("2020-01-01", "2020-12-31"),
		Valid: task.MustSegment("2021-01-01", "2021-02-28"),
		Test:  task.MustSegment("2021-03-01", "2021-04-30"),
	})
	require.NoError(t, err)
	spec.Dataset.Handler.FitStartTime = "2020-01-01"
	spec.Dataset.Handler.FitEndTime = "2020-12-31"
	return spec
}

func testKey() ExperimentKey {
	return ExperimentKey{Model: "LightGBM", Dataset: "Alpha158", Universe: "csi300", Mode: "sliding", Step: 60}
}

func writeRecord(t *testing.T, s *Store, experiment string, withLabels bool) *RecordWriter {
	t.Helper()
	w, err := s.NewRecorder(experiment)
	require.NoError(t, err)

	d := task.MustDate("2021-03-01")
	preds := []signal.Observation{
		{Date: d, Instrument: "SH600000", Value: 0.3},
		{Date: d, Instrument: "SZ000001", Value: -0.1},
	}
	require.NoError(t, w.WriteTask(testSpec(t)))
	require.NoError(t, w.WritePredictions(preds))
	if withLabels {
		require.NoError(t, w.WriteLabels(preds))
	}
	require.NoError(t, w.WriteStats(signal.Analyze(preds, preds)))
	require.NoError(t, w.Finish(nil))
	return w
}

func TestResolveURI(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name    string
		uri     string
		want    string
		wantErr bool
	}{
		{name: "plain absolute", uri: "/tmp/mlruns", want: "/tmp/mlruns"},
		{name: "file scheme", uri: "file:///tmp/mlruns", want: "/tmp/mlruns"},
		{name: "file opaque", uri: "file:/tmp/mlruns", want: "/tmp/mlruns"},
		{name: "home", uri: "~/mlruns", want: filepath.Join(home, "mlruns")},
		{name: "empty", uri: "", wantErr: true},
		{name: "remote scheme", uri: "http://tracking:5000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveURI(tt.uri)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateExperimentIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	first, err := s.CreateExperiment("exp_a", testKey())
	require.NoError(t, err)
	require.True(t, first.HasKey())

	second, err := s.CreateExperiment("exp_a", ExperimentKey{Model: "other"})
	require.NoError(t, err)
	assert.Equal(t, testKey(), *second.Key)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	list, err := s.ListExperiments()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "exp_a", list[0].Name)
}

func TestLegacyExperimentHasNoKey(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "legacy_20240101_10"), 0755))

	info, err := s.Experiment("legacy_20240101_10")
	require.NoError(t, err)
	assert.False(t, info.HasKey())
	assert.Contains(t, info.String(), "legacy")

	_, err = s.Experiment("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.CreateExperiment("exp", testKey())
	require.NoError(t, err)

	w := writeRecord(t, s, "exp", true)

	rec, err := s.LoadRecord("exp", w.ID())
	require.NoError(t, err)
	assert.Equal(t, "2020-01-01~2020-12-31", rec.Train().Key())
	assert.Equal(t, StatusFinished, rec.Meta.Status)
	assert.Equal(t, "LGBModel", rec.Meta.ModelClass)
	assert.InDelta(t, 1.0, rec.Stats.Summary.RankIC, 1e-9)

	preds, err := rec.Predictions()
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "SH600000", preds[0].Instrument)

	assert.True(t, rec.HasLabels())
	labels, err := rec.Labels()
	require.NoError(t, err)
	assert.Len(t, labels, 2)
}

func TestPartialRecordIsRejected(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.CreateExperiment("exp", testKey())
	require.NoError(t, err)

	good := writeRecord(t, s, "exp", false)

	partial, err := s.NewRecorder("exp")
	require.NoError(t, err)
	require.NoError(t, partial.WriteTask(testSpec(t)))

	corrupt, err := s.NewRecorder("exp")
	require.NoError(t, err)
	require.NoError(t, corrupt.WriteTask(testSpec(t)))
	require.NoError(t, corrupt.WritePredictions(nil))
	require.NoError(t, os.WriteFile(filepath.Join(corrupt.Dir(), StatsFile), []byte("{"), 0644))

	records, rejected, err := s.ValidRecords("exp")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, good.ID(), records[0].ID)
	assert.False(t, records[0].HasLabels())
	require.Len(t, rejected, 2)

	ins := s.Inspect("exp", partial.ID())
	assert.False(t, ins.Valid)
	assert.ElementsMatch(t, []string{PredFile, StatsFile}, ins.Missing)

	_, err = s.LoadRecord("exp", corrupt.ID())
	assert.True(t, errors.Is(err, ErrPartialRecord))
}

func TestNoTempArtifactsLeftBehind(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.CreateExperiment("exp", testKey())
	require.NoError(t, err)
	w := writeRecord(t, s, "exp", true)

	entries, err := os.ReadDir(w.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
	}
	assert.Len(t, entries, 5)
}

func TestDecodeObservationsTolerantFormats(t *testing.T) {
	in := "datetime,instrument,score\n2021-03-01 00:00:00,SH600000,0.5\n2021-03-02,SH600000,nan\n"
	obs, err := DecodeObservations(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "2021-03-01", task.FormatDate(obs[0].Date))
	assert.True(t, obs[1].Value != obs[1].Value)

	_, err = DecodeObservations(strings.NewReader("a,b\n1,2\n"))
	assert.Error(t, err)
}

func TestExperimentNaming(t *testing.T) {
	key := testKey()
	key.Prefix = "p"
	key.Suffix = "s"
	assert.Equal(t, "p_LightGBM_Alpha158_csi300_sliding_step60_s", key.BaseName())

	name := key.NewName(time.Date(2024, 5, 6, 13, 0, 0, 0, time.UTC))
	assert.Equal(t, "p_LightGBM_Alpha158_csi300_sliding_step60_s_20240506_13", name)
	assert.Equal(t, key.BaseName(), TrimNameStamp(name))
	assert.Equal(t, "no_stamp", TrimNameStamp("no_stamp"))
}

func TestRemove(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.CreateExperiment("exp", testKey())
	require.NoError(t, err)
	w := writeRecord(t, s, "exp", false)

	require.NoError(t, s.RemoveRecorder("exp", w.ID()))
	ids, err := s.ListRecorders("exp")
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.Error(t, s.RemoveExperiment("../x"))
	require.NoError(t, s.RemoveExperiment("exp"))
	_, err = s.ListRecorders("exp")
	assert.ErrorIs(t, err, ErrNotFound)
}
