// Package scheduler runs the recurring pipeline jobs, the data update cycle
// and the health check, on cron schedules.
package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of recurring work.
type Job interface {
	Run() error
	Name() string
}

// Scheduler wraps a seconds-resolution cron runner and logs around each run.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New returns a stopped scheduler; register jobs, then call Start.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins dispatching registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts dispatch and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job under a six-field cron expression, e.g.
// "0 0 6 * * MON-FRI" for 06:00 on weekdays. A failed run is logged and does
// not cancel later runs.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Job run starting")

		if err := job.Run(); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job run failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("Job run finished")
	})

	if err != nil {
		return err
	}

	s.log.Info().
		Str("job", job.Name()).
		Str("schedule", schedule).
		Msg("Job scheduled")

	return nil
}

// RunNow runs the job synchronously, bypassing the schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job on demand")
	return job.Run()
}
