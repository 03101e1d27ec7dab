package pool

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) BatchCommandFinished(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[result]++
}

func skipWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands need /bin/sh")
	}
}

func TestRunCompletionOrder(t *testing.T) {
	skipWindows(t)
	obs := &countingObserver{}
	p := New(3, obs)
	cmds := []Command{
		{Line: "sleep 0.4"},
		{Line: "exit 3"},
		{Line: "echo fast"},
	}

	results := p.RunAll(context.Background(), cmds)
	require.Len(t, results, 3)
	assert.Equal(t, 0, results[len(results)-1].Index, "slowest command finishes last")

	byIndex := make(map[int]Result)
	for _, r := range results {
		byIndex[r.Index] = r
	}
	assert.True(t, byIndex[0].Success())
	assert.True(t, byIndex[2].Success())
	assert.False(t, byIndex[1].Success())
	assert.Equal(t, 3, byIndex[1].ExitCode)
	assert.Equal(t, ResultFailed, byIndex[1].Label())

	assert.Equal(t, 2, obs.counts[ResultSucceeded])
	assert.Equal(t, 1, obs.counts[ResultFailed])
}

func TestRunBoundsConcurrency(t *testing.T) {
	skipWindows(t)
	p := New(2, nil)
	cmds := make([]Command, 4)
	for i := range cmds {
		cmds[i] = Command{Line: "sleep 0.3"}
	}

	start := time.Now()
	results := p.RunAll(context.Background(), cmds)
	elapsed := time.Since(start)

	require.Len(t, results, 4)
	assert.GreaterOrEqual(t, elapsed, 550*time.Millisecond)
}

func TestRunCanceled(t *testing.T) {
	skipWindows(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := New(1, nil).RunAll(ctx, []Command{{Line: "echo never"}, {Line: "echo never"}})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
		assert.Equal(t, ResultCanceled, r.Label())
	}
}

func TestEmptyCommand(t *testing.T) {
	results := New(1, nil).RunAll(context.Background(), []Command{{}})
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestMatrixExpand(t *testing.T) {
	m := Matrix{
		Models:       []string{"LightGBM", "XGBoost"},
		Datasets:     []string{"Alpha158"},
		RollingTypes: []string{"sliding", "expanding"},
	}
	assert.Equal(t, 4, m.Size())

	cmds := m.Expand([]string{"qlibassistant", "train", "start"})
	require.Len(t, cmds, 4)
	assert.Equal(t, []string{"qlibassistant", "train", "start", "--model", "LightGBM", "--dataset", "Alpha158", "--rolling-type", "sliding"}, cmds[0].Args)
	assert.Equal(t, "train[XGBoost,Alpha158,expanding]", cmds[3].Name)

	assert.Empty(t, Matrix{}.Expand([]string{"x"}))
}
