package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForJob(t *testing.T, r *Runner, id uuid.UUID) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, ok := r.Get(id)
		require.True(t, ok)
		if job.Status != StatusRunning {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatal("job did not settle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnerCompletesJob(t *testing.T) {
	r := NewRunner(time.Minute)
	id := r.Start("run-check", func(ctx context.Context) (interface{}, error) {
		return map[string]int{"evaluated": 7}, nil
	})

	job := waitForJob(t, r, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "run-check", job.Kind)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.FinishedAt)
	assert.NotNil(t, job.Report)
}

func TestRunnerRecordsFailure(t *testing.T) {
	r := NewRunner(time.Minute)
	id := r.Start("recalculate-impact", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("no active policy")
	})

	job := waitForJob(t, r, id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "no active policy")
}

func TestRunnerTimesOutJob(t *testing.T) {
	r := NewRunner(20 * time.Millisecond)
	id := r.Start("slow", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	job := waitForJob(t, r, id)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestRunnerUnknownJob(t *testing.T) {
	r := NewRunner(time.Minute)
	_, ok := r.Get(uuid.New())
	assert.False(t, ok)
}
