// Package runner executes one task in a disposable child process: the running binary
// re-invoked as "worker run". The parent blocks until the child exits and treats exit
// status 0 as the only success signal.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	atomicio "github.com/touhoufan2024/qlibAssistant/internal/io"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
	"github.com/touhoufan2024/qlibAssistant/internal/worker"
)

// Config controls how worker processes are launched
type Config struct {
	Executable string               // binary to re-invoke, defaults to os.Executable()
	BaseArgs   []string             // arguments placed before the worker subcommand
	ExtraArgs  []string             // arguments appended after the worker flags
	Env        []string             // extra environment, appended to os.Environ()
	Timeout    time.Duration        // per-task limit, 0 for none
	Key        *store.ExperimentKey // identity written when the worker creates the experiment
	WorkDir    string               // where spec files are staged, defaults to os.TempDir()
}

// Outcome is the result of one isolated task execution
type Outcome struct {
	Success    bool
	ExitCode   int
	TimedOut   bool
	Duration   time.Duration
	RecorderID string
	Err        error
}

func (o Outcome) String() string {
	switch {
	case o.Success:
		return "succeeded"
	case o.TimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

// Runner launches worker processes serially
type Runner struct {
	config Config
}

// New creates a runner, resolving the executable when unset
func New(config Config) (*Runner, error) {
	if config.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		config.Executable = exe
	}
	if config.Timeout < 0 {
		return nil, fmt.Errorf("runner timeout must be >= 0, got %s", config.Timeout)
	}
	return &Runner{config: config}, nil
}

// Run executes spec under experiment in a child process. There is no retry.
func (r *Runner) Run(ctx context.Context, spec task.TaskSpec, experiment string) (out Outcome) {
	start := time.Now()
	out.ExitCode = -1
	defer func() { out.Duration = time.Since(start) }()

	specPath, keyPath, cleanup, err := r.stageSpec(spec)
	if err != nil {
		out.Err = err
		return out
	}
	defer cleanup()

	runCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	args := append([]string{}, r.config.BaseArgs...)
	args = append(args, "worker", "run", "--spec", specPath, "--experiment", experiment)
	if keyPath != "" {
		args = append(args, "--key", keyPath)
	}
	args = append(args, r.config.ExtraArgs...)

	cmd := exec.CommandContext(runCtx, r.config.Executable, args...)
	cmd.Env = append(os.Environ(), r.config.Env...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		out.Err = err
		return out
	}

	logger := log.With().Str("experiment", experiment).Str("task", spec.Label()).Logger()
	if err := cmd.Start(); err != nil {
		out.Err = fmt.Errorf("failed to start worker: %w", err)
		return out
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Msg("Worker started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relayLogs(stderr, logger)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	res := parseResult(stdout.Bytes())
	out.RecorderID = res.RecorderID
	out.ExitCode = exitCode(cmd, waitErr)

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		out.TimedOut = true
		out.Err = fmt.Errorf("worker exceeded timeout %s", r.config.Timeout)
		return out
	}
	if waitErr != nil {
		out.Err = fmt.Errorf("worker exited: %w", waitErr)
		if res.Error != "" {
			out.Err = fmt.Errorf("%w: %s", out.Err, firstLine(res.Error))
		}
		return out
	}

	out.Success = out.ExitCode == 0
	return out
}

func (r *Runner) stageSpec(spec task.TaskSpec) (string, string, func(), error) {
	dir, err := os.MkdirTemp(r.config.WorkDir, "qlibassistant-task-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to stage spec: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	data, err := spec.Marshal()
	if err != nil {
		cleanup()
		return "", "", nil, err
	}
	path := filepath.Join(dir, "task.json")
	if err := atomicio.WriteFileAtomic(path, data); err != nil {
		cleanup()
		return "", "", nil, fmt.Errorf("failed to stage spec: %w", err)
	}

	if r.config.Key == nil {
		return path, "", cleanup, nil
	}
	keyPath := filepath.Join(dir, "key.json")
	if err := atomicio.WriteJSONAtomic(keyPath, r.config.Key); err != nil {
		cleanup()
		return "", "", nil, fmt.Errorf("failed to stage experiment key: %w", err)
	}
	return path, keyPath, cleanup, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func parseResult(stdout []byte) worker.Result {
	var res worker.Result
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if err := json.Unmarshal([]byte(lines[i]), &res); err == nil && res.Experiment != "" {
			return res
		}
	}
	return worker.Result{}
}

// relayLogs re-emits the worker's JSON log lines through the parent logger
func relayLogs(r io.Reader, logger zerolog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var fields map[string]interface{}
		if err := json.Unmarshal(line, &fields); err != nil {
			logger.Info().Str("stream", "worker").Msg(string(line))
			continue
		}

		level := zerolog.InfoLevel
		if s, ok := fields[zerolog.LevelFieldName].(string); ok {
			if lvl, err := zerolog.ParseLevel(s); err == nil {
				level = lvl
			}
		}
		msg, _ := fields[zerolog.MessageFieldName].(string)
		delete(fields, zerolog.LevelFieldName)
		delete(fields, zerolog.MessageFieldName)
		delete(fields, zerolog.TimestampFieldName)

		logger.WithLevel(level).Fields(fields).Msg(msg)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
