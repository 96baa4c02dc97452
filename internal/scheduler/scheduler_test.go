package scheduler

import (
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func (j *countingJob) Name() string { return "counting" }

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a cron expression", &countingJob{})
	assert.Error(t, err)
}

func TestAddJobAcceptsSixFieldSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.AddJob("0 0 6 * * MON-FRI", &countingJob{}))
}

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int32(1), job.runs.Load())

	failing := &countingJob{err: assert.AnError}
	assert.Error(t, s.RunNow(failing))
	assert.Equal(t, int32(1), failing.runs.Load())
}
