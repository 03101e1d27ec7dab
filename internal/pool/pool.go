// Package pool runs batches of shell commands on a bounded number of workers.
package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Command results reported to the observer
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultCanceled  = "canceled"
)

// Command is one unit of a batch. Line is run through the platform shell; Args, when set,
// is executed directly instead.
type Command struct {
	Name string
	Line string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	if c.Name != "" {
		return c.Name
	}
	if len(c.Args) > 0 {
		return strings.Join(c.Args, " ")
	}
	return c.Line
}

// Result is the outcome of one command
type Result struct {
	Index    int
	Command  Command
	ExitCode int
	Duration time.Duration
	Err      error
}

// Success reports whether the command exited zero
func (r Result) Success() bool { return r.Err == nil }

// Label maps the result to an observer label
func (r Result) Label() string {
	switch {
	case r.Err == nil:
		return ResultSucceeded
	case errors.Is(r.Err, context.Canceled), errors.Is(r.Err, context.DeadlineExceeded):
		return ResultCanceled
	default:
		return ResultFailed
	}
}

// Observer counts finished commands
type Observer interface {
	BatchCommandFinished(result string)
}

// Pool executes commands with at most Workers running at once
type Pool struct {
	workers  int
	observer Observer
}

// New creates a pool; workers <= 0 defaults to 4
func New(workers int, observer Observer) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{workers: workers, observer: observer}
}

// Workers is the concurrency bound
func (p *Pool) Workers() int { return p.workers }

// Run starts every command and returns a channel delivering results in completion order.
// The channel is closed after the last result. A failing command does not affect its
// siblings; commands not yet started when ctx is done report the context error.
func (p *Pool) Run(ctx context.Context, cmds []Command) <-chan Result {
	jobs := make(chan int, len(cmds))
	results := make(chan Result, len(cmds))

	var wg sync.WaitGroup
	for i := 0; i < p.workers && i < len(cmds); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				res := p.execute(ctx, idx, cmds[idx])
				if p.observer != nil {
					p.observer.BatchCommandFinished(res.Label())
				}
				results <- res
			}
		}()
	}

	for i := range cmds {
		jobs <- i
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

// RunAll runs the batch and collects its results in completion order
func (p *Pool) RunAll(ctx context.Context, cmds []Command) []Result {
	out := make([]Result, 0, len(cmds))
	for res := range p.Run(ctx, cmds) {
		out = append(out, res)
	}
	return out
}

func (p *Pool) execute(ctx context.Context, idx int, c Command) Result {
	res := Result{Index: idx, Command: c, ExitCode: -1}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	name, args, err := c.argv()
	if err != nil {
		res.Err = err
		return res
	}

	logger := log.With().Int("cmd", idx).Str("command", c.String()).Logger()
	logger.Info().Msg("Starting batch command")

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			logger.Info().Msg(sc.Text())
		}
		io.Copy(io.Discard, pr)
	}()

	start := time.Now()
	err = cmd.Run()
	pw.Close()
	<-done
	res.Duration = time.Since(start)

	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	switch {
	case err == nil:
		logger.Info().Dur("duration", res.Duration).Msg("Batch command succeeded")
	case ctx.Err() != nil:
		res.Err = ctx.Err()
		logger.Warn().Err(res.Err).Msg("Batch command canceled")
	default:
		res.Err = fmt.Errorf("command %d (%s): %w", idx, c, err)
		logger.Error().Err(err).Int("exit_code", res.ExitCode).Dur("duration", res.Duration).Msg("Batch command failed")
	}
	return res
}

func (c Command) argv() (string, []string, error) {
	if len(c.Args) > 0 {
		return c.Args[0], c.Args[1:], nil
	}
	if strings.TrimSpace(c.Line) == "" {
		return "", nil, errors.New("empty command")
	}
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C", c.Line}, nil
	}
	return "/bin/sh", []string{"-c", c.Line}, nil
}
