package trainer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	atomicio "github.com/touhoufan2024/qlibAssistant/internal/io"
	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// Command template placeholders
const (
	PlaceholderSpec     = "{spec}"
	PlaceholderOutput   = "{out}"
	PlaceholderProvider = "{provider_uri}"
	PlaceholderRegion   = "{region}"
)

// CommandTrainer runs an external fitting command. The command receives the task spec path
// and an output directory, and must leave pred.csv there (label.csv optional).
type CommandTrainer struct {
	Command     []string
	WorkDir     string
	ProviderURI string
	Region      string
	Env         []string
}

// Fit writes the spec, runs the command and returns a model backed by its output files
func (c *CommandTrainer) Fit(ctx context.Context, spec task.TaskSpec) (_ Model, err error) {
	if len(c.Command) == 0 {
		return nil, fmt.Errorf("trainer command is not configured")
	}

	out, err := os.MkdirTemp(c.WorkDir, "fit-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create fit directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(out)
		}
	}()
	specPath := filepath.Join(out, store.TaskFile)
	data, err := spec.Marshal()
	if err != nil {
		return nil, err
	}
	if err := atomicio.WriteFileAtomic(specPath, data); err != nil {
		return nil, fmt.Errorf("failed to write spec: %w", err)
	}

	args := c.expand(specPath, out)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), c.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	log.Info().Str("cmd", strings.Join(args, " ")).Str("model", spec.Model.Class).Msg("Starting trainer command")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start trainer: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go relay(&wg, stdout, "stdout")
	go relay(&wg, stderr, "stderr")
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("trainer command failed: %w", err)
	}
	if _, err := os.Stat(filepath.Join(out, store.PredFile)); err != nil {
		return nil, fmt.Errorf("trainer produced no %s in %s", store.PredFile, out)
	}

	return &commandModel{class: spec.Model.Class, dir: out}, nil
}

func (c *CommandTrainer) expand(specPath, out string) []string {
	r := strings.NewReplacer(
		PlaceholderSpec, specPath,
		PlaceholderOutput, out,
		PlaceholderProvider, c.ProviderURI,
		PlaceholderRegion, c.Region,
	)
	args := make([]string, len(c.Command))
	for i, a := range c.Command {
		args[i] = r.Replace(a)
	}
	return args
}

func relay(wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		log.Debug().Str("stream", stream).Msg(sc.Text())
	}
}

// commandModel reads back the files a trainer command produced
type commandModel struct {
	class string
	dir   string
}

func (m *commandModel) Class() string { return m.class }

func (m *commandModel) Predict(ctx context.Context, segment task.Segment) ([]Prediction, error) {
	obs, err := store.ReadObservations(filepath.Join(m.dir, store.PredFile))
	if err != nil {
		return nil, err
	}
	return FilterSegment(obs, segment), nil
}

// Labels serves label.csv when the command produced one
func (m *commandModel) Labels(ctx context.Context, segment task.Segment) ([]signal.Observation, error) {
	path := filepath.Join(m.dir, store.LabelFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%s: %w", segment, ErrNoLabels)
	}
	obs, err := store.ReadObservations(path)
	if err != nil {
		return nil, err
	}
	return FilterSegment(obs, segment), nil
}

// Cleanup removes the fit directory
func (m *commandModel) Cleanup() error {
	return os.RemoveAll(m.dir)
}

// CSVLabels serves labels from a date,instrument,label file
type CSVLabels struct {
	Path string

	once sync.Once
	obs  []signal.Observation
	err  error
}

func (c *CSVLabels) Labels(ctx context.Context, segment task.Segment) ([]signal.Observation, error) {
	if c.Path == "" {
		return nil, ErrNoLabels
	}
	c.once.Do(func() {
		c.obs, c.err = store.ReadObservations(c.Path)
	})
	if c.err != nil {
		return nil, c.err
	}
	out := FilterSegment(c.obs, segment)
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", segment, ErrNoLabels)
	}
	return out, nil
}
