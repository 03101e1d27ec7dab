// Package daemon runs training and collection passes on a schedule.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"
)

// Pass is one periodic unit of work
type Pass func(ctx context.Context) error

// Job binds a pass to a schedule. Spec is a duration ("6h") or a cron expression
// ("30 18 * * 1-5").
type Job struct {
	Name string
	Spec string
	Run  Pass
}

// JobStatus is the run history of a job
type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

// Daemon schedules jobs; at most one pass runs at a time
type Daemon struct {
	cron *gocron.Scheduler
	jobs []Job

	pass   sync.Mutex
	mu     sync.Mutex
	status map[string]*JobStatus
	ctx    context.Context
}

// New validates the jobs. Jobs with an empty spec are dropped.
func New(jobs ...Job) (*Daemon, error) {
	d := &Daemon{
		cron:   gocron.NewScheduler(time.UTC),
		status: make(map[string]*JobStatus),
		ctx:    context.Background(),
	}
	d.cron.SingletonModeAll()

	for _, j := range jobs {
		if j.Spec == "" {
			continue
		}
		if j.Run == nil {
			return nil, fmt.Errorf("job %s has no pass", j.Name)
		}
		if err := d.schedule(j); err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		d.jobs = append(d.jobs, j)
		d.status[j.Name] = &JobStatus{Name: j.Name, Spec: j.Spec}
	}
	if len(d.jobs) == 0 {
		return nil, errors.New("no daemon jobs configured")
	}
	return d, nil
}

func (d *Daemon) schedule(j Job) error {
	var s *gocron.Scheduler
	if every, err := time.ParseDuration(j.Spec); err == nil {
		if every <= 0 {
			return fmt.Errorf("interval %q must be positive", j.Spec)
		}
		s = d.cron.Every(every).WaitForSchedule()
	} else {
		s = d.cron.Cron(j.Spec)
	}
	_, err := s.Tag(j.Name).Do(d.run, j)
	return err
}

func (d *Daemon) run(j Job) {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	d.pass.Lock()
	defer d.pass.Unlock()

	logger := log.With().Str("job", j.Name).Logger()
	logger.Info().Msg("Starting scheduled pass")
	start := time.Now()
	err := j.Run(ctx)

	d.mu.Lock()
	st := d.status[j.Name]
	st.Runs++
	st.LastRun = start
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	d.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Scheduled pass failed")
		return
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("Scheduled pass completed")
}

// Start begins scheduling. Passes receive ctx; with runNow every job runs once immediately.
func (d *Daemon) Start(ctx context.Context, runNow bool) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	d.cron.StartAsync()
	log.Info().Int("jobs", len(d.jobs)).Msg("Daemon started")
	if runNow {
		for _, j := range d.jobs {
			if err := d.cron.RunByTag(j.Name); err != nil {
				log.Warn().Err(err).Str("job", j.Name).Msg("Failed to trigger job")
			}
		}
	}
}

// Stop stops scheduling and waits for a running pass
func (d *Daemon) Stop() {
	d.cron.Stop()
	log.Info().Msg("Daemon stopped")
}

// Run starts the daemon and blocks until ctx is done
func (d *Daemon) Run(ctx context.Context, runNow bool) error {
	d.Start(ctx, runNow)
	<-ctx.Done()
	d.Stop()
	return nil
}

// Status returns the run history of every job, ordered by name
func (d *Daemon) Status() []JobStatus {
	next := make(map[string]time.Time)
	for _, j := range d.cron.Jobs() {
		for _, tag := range j.Tags() {
			next[tag] = j.NextRun()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]JobStatus, 0, len(d.status))
	for name, st := range d.status {
		s := *st
		s.NextRun = next[name]
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
