package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingsroom/tourney-scraper/pkg/models"
)

func createTestJob(t *testing.T, jm *JobManager, label string, total int) *Job {
	t.Helper()
	job, err := jm.CreateJob(label, total, false)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()
	require.NotNil(t, jm)
	assert.Empty(t, jm.ListJobs())
}

func TestCreateJob(t *testing.T) {
	t.Run("new job fields correct", func(t *testing.T) {
		jm := NewJobManager()
		job, err := jm.CreateJob("nightly", 12, true)
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, "nightly", job.Label)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.Equal(t, 12, job.Total)
		assert.True(t, job.ForceRefresh)
		assert.False(t, job.StartedAt.IsZero())
		assert.True(t, job.CompletedAt.IsZero())
		assert.Zero(t, job.Completed)
		assert.Empty(t, job.ErrorMessage)
	})

	t.Run("duplicate running label returns same job", func(t *testing.T) {
		jm := NewJobManager()
		job1 := createTestJob(t, jm, "nightly", 3)
		job2 := createTestJob(t, jm, "nightly", 3)
		assert.Equal(t, job1.ID, job2.ID)
	})

	t.Run("unlabelled jobs never deduplicate", func(t *testing.T) {
		jm := NewJobManager()
		job1 := createTestJob(t, jm, "", 3)
		job2 := createTestJob(t, jm, "", 3)
		assert.NotEqual(t, job1.ID, job2.ID)
	})

	t.Run("new job allowed after completion", func(t *testing.T) {
		jm := NewJobManager()
		job1 := createTestJob(t, jm, "nightly", 1)
		jm.UpdateStatus(job1.ID, JobStatusCompleted, "")

		job2 := createTestJob(t, jm, "nightly", 1)
		assert.NotEqual(t, job1.ID, job2.ID)
	})
}

func TestGetJob(t *testing.T) {
	jm := NewJobManager()

	t.Run("exists returns snapshot", func(t *testing.T) {
		job := createTestJob(t, jm, "a", 1)
		got := jm.GetJob(job.ID)
		require.NotNil(t, got)
		assert.Equal(t, job.ID, got.ID)

		got.Status = JobStatusFailed
		assert.Equal(t, JobStatusPending, jm.GetJob(job.ID).Status, "snapshots do not alias the job")
	})

	t.Run("missing returns nil", func(t *testing.T) {
		assert.Nil(t, jm.GetJob("nonexistent-id"))
	})
}

func TestIsRunning(t *testing.T) {
	jm := NewJobManager()

	t.Run("true for pending", func(t *testing.T) {
		createTestJob(t, jm, "pending", 1)
		assert.True(t, jm.IsRunning("pending"))
	})

	t.Run("true for running", func(t *testing.T) {
		job := createTestJob(t, jm, "running", 1)
		jm.UpdateStatus(job.ID, JobStatusRunning, "")
		assert.True(t, jm.IsRunning("running"))
	})

	t.Run("false for completed", func(t *testing.T) {
		job := createTestJob(t, jm, "completed", 1)
		jm.UpdateStatus(job.ID, JobStatusCompleted, "")
		assert.False(t, jm.IsRunning("completed"))
	})

	t.Run("false for failed", func(t *testing.T) {
		job := createTestJob(t, jm, "failed", 1)
		jm.UpdateStatus(job.ID, JobStatusFailed, "store offline")
		assert.False(t, jm.IsRunning("failed"))
	})

	t.Run("false for cancelled", func(t *testing.T) {
		job := createTestJob(t, jm, "cancelled", 1)
		jm.CancelJob(job.ID)
		assert.False(t, jm.IsRunning("cancelled"))
	})

	t.Run("false for nonexistent", func(t *testing.T) {
		assert.False(t, jm.IsRunning("ghost"))
	})
}

func TestUpdateStatus(t *testing.T) {
	t.Run("to completed sets CompletedAt", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "a", 1)
		jm.UpdateStatus(job.ID, JobStatusRunning, "")
		jm.UpdateStatus(job.ID, JobStatusCompleted, "")

		got := jm.GetJob(job.ID)
		assert.Equal(t, JobStatusCompleted, got.Status)
		assert.False(t, got.CompletedAt.IsZero())
	})

	t.Run("to failed sets ErrorMessage", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "a", 1)
		jm.UpdateStatus(job.ID, JobStatusFailed, "out of memory")

		got := jm.GetJob(job.ID)
		assert.Equal(t, JobStatusFailed, got.Status)
		assert.Equal(t, "out of memory", got.ErrorMessage)
	})

	t.Run("cancelled stays cancelled", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "a", 1)
		jm.CancelJob(job.ID)
		jm.UpdateStatus(job.ID, JobStatusCompleted, "")
		assert.Equal(t, JobStatusCancelled, jm.GetJob(job.ID).Status)
	})

	t.Run("nonexistent is no-op", func(t *testing.T) {
		jm := NewJobManager()
		jm.UpdateStatus("fake-id", JobStatusRunning, "")
	})
}

func TestRecordItem(t *testing.T) {
	jm := NewJobManager()
	job := createTestJob(t, jm, "a", 2)

	jm.RecordItem(job.ID, models.FetchResult{ID: "1", Success: true, Source: models.TierLive, Content: "<html>"})
	jm.RecordItem(job.ID, models.FetchResult{ID: "2", Error: "boom", ErrorCategory: "HTTP_5xx", Err: errors.New("boom")})
	jm.RecordItem("fake-id", models.FetchResult{ID: "3"})

	got := jm.GetJob(job.ID)
	assert.Equal(t, 2, got.Completed)
	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, 1, got.Failed)
	require.Len(t, got.Items, 2)
	assert.Equal(t, models.TierLive, got.Items[0].Source)
	assert.Equal(t, "HTTP_5xx", got.Items[1].ErrorCategory)
}

func TestCancelJob(t *testing.T) {
	t.Run("running job cancelled", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "a", 1)
		jm.UpdateStatus(job.ID, JobStatusRunning, "")

		assert.True(t, jm.CancelJob(job.ID))

		got := jm.GetJob(job.ID)
		assert.Equal(t, JobStatusCancelled, got.Status)
		assert.False(t, got.CompletedAt.IsZero())
		assert.Error(t, jm.GetContext(job.ID).Err())
	})

	t.Run("completed job not cancellable", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "a", 1)
		jm.UpdateStatus(job.ID, JobStatusCompleted, "")
		assert.False(t, jm.CancelJob(job.ID))
	})

	t.Run("nonexistent returns false", func(t *testing.T) {
		assert.False(t, NewJobManager().CancelJob("nope"))
	})
}

func TestCancelAll(t *testing.T) {
	jm := NewJobManager()
	job1 := createTestJob(t, jm, "a", 1)
	job2 := createTestJob(t, jm, "b", 1)
	job3 := createTestJob(t, jm, "c", 1)
	jm.UpdateStatus(job3.ID, JobStatusCompleted, "")

	jm.CancelAll()

	assert.Equal(t, JobStatusCancelled, jm.GetJob(job1.ID).Status)
	assert.Equal(t, JobStatusCancelled, jm.GetJob(job2.ID).Status)
	assert.Equal(t, JobStatusCompleted, jm.GetJob(job3.ID).Status)

	newJob, err := jm.CreateJob("a", 1, false)
	require.NoError(t, err)
	assert.NotEqual(t, job1.ID, newJob.ID)
}

func TestListJobs(t *testing.T) {
	jm := NewJobManager()
	job1 := createTestJob(t, jm, "a", 1)
	job2 := createTestJob(t, jm, "b", 1)

	ids := make(map[string]bool)
	for _, j := range jm.ListJobs() {
		ids[j.ID] = true
	}
	assert.Len(t, ids, 2)
	assert.True(t, ids[job1.ID])
	assert.True(t, ids[job2.ID])

	jobs := jm.ListJobs()
	assert.False(t, jobs[1].StartedAt.Before(jobs[0].StartedAt), "oldest first")
}

func TestGetContext(t *testing.T) {
	jm := NewJobManager()
	job := createTestJob(t, jm, "a", 1)
	assert.NoError(t, jm.GetContext(job.ID).Err())
	assert.Equal(t, context.Background(), jm.GetContext("nope"))
}
