package mcp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingsroom/tourney-scraper/pkg/models"
)

// JobStatus represents the current state of a batch fetch job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ItemSummary is the content-free outcome of one identifier in a batch
type ItemSummary struct {
	ID            string            `json:"id"`
	Success       bool              `json:"success"`
	Source        models.SourceTier `json:"source,omitempty"`
	PageState     models.PageState  `json:"page_state,omitempty"`
	Fingerprint   string            `json:"fingerprint,omitempty"`
	ErrorCategory string            `json:"error_category,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Job represents a background batch fetch
type Job struct {
	ID           string        `json:"id"`
	Label        string        `json:"label,omitempty"`
	Status       JobStatus     `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at,omitempty"`
	Total        int           `json:"total"`
	Completed    int           `json:"completed"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	ForceRefresh bool          `json:"force_refresh"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Items        []ItemSummary `json:"items,omitempty"`

	// Internal fields
	ctx    context.Context
	cancel context.CancelFunc
}

// JobManager manages background batch jobs
type JobManager struct {
	jobs    map[string]*Job
	mu      sync.RWMutex
	byLabel map[string]string // label -> jobID for running jobs
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[string]*Job),
		byLabel: make(map[string]string),
	}
}

// CreateJob creates a new job for total identifiers. A non-empty label that
// already names a pending or running job returns that job instead.
func (m *JobManager) CreateJob(label string, total int, forceRefresh bool) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if label != "" {
		if existingJobID, exists := m.byLabel[label]; exists {
			existingJob := m.jobs[existingJobID]
			if existingJob != nil && existingJob.isActive() {
				return existingJob, nil
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           uuid.New().String(),
		Label:        label,
		Status:       JobStatusPending,
		StartedAt:    time.Now(),
		Total:        total,
		ForceRefresh: forceRefresh,
		ctx:          ctx,
		cancel:       cancel,
	}

	m.jobs[job.ID] = job
	if label != "" {
		m.byLabel[label] = job.ID
	}
	return job, nil
}

func (j *Job) isActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// GetJob returns a snapshot of a job by ID, or nil
func (m *JobManager) GetJob(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, exists := m.jobs[jobID]
	if !exists {
		return nil
	}
	snapshot := *job
	snapshot.Items = append([]ItemSummary(nil), job.Items...)
	return &snapshot
}

// IsRunning checks if a job with label is pending or running
func (m *JobManager) IsRunning(label string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if jobID, exists := m.byLabel[label]; exists {
		job := m.jobs[jobID]
		return job != nil && job.isActive()
	}
	return false
}

// UpdateStatus updates the status of a job
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists || job.Status == JobStatusCancelled {
		return
	}
	job.Status = status
	if status == JobStatusCompleted || status == JobStatusFailed {
		job.CompletedAt = time.Now()
		m.release(job)
	}
	if errorMsg != "" {
		job.ErrorMessage = errorMsg
	}
}

// RecordItem adds the outcome of one identifier to a job's progress
func (m *JobManager) RecordItem(jobID string, result models.FetchResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return
	}
	job.Completed++
	if result.Success {
		job.Succeeded++
	} else {
		job.Failed++
	}
	job.Items = append(job.Items, ItemSummary{
		ID:            result.ID,
		Success:       result.Success,
		Source:        result.Source,
		PageState:     result.PageState,
		Fingerprint:   result.Fingerprint,
		ErrorCategory: result.ErrorCategory,
		Error:         result.Error,
	})
}

// CancelJob cancels a pending or running job
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists && job.isActive() {
		job.cancel()
		job.Status = JobStatusCancelled
		job.CompletedAt = time.Now()
		m.release(job)
		return true
	}
	return false
}

// CancelAll cancels all running jobs
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.isActive() {
			job.cancel()
			job.Status = JobStatusCancelled
			job.CompletedAt = time.Now()
		}
	}
	m.byLabel = make(map[string]string)
}

// ListJobs returns snapshots of all jobs, oldest first
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		snapshot := *job
		snapshot.Items = append([]ItemSummary(nil), job.Items...)
		jobs = append(jobs, &snapshot)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].StartedAt.Before(jobs[j].StartedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// GetContext returns the context a job's fetches run under
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if job, exists := m.jobs[jobID]; exists {
		return job.ctx
	}
	return context.Background()
}

// release must be called with m.mu held
func (m *JobManager) release(job *Job) {
	if job.Label != "" && m.byLabel[job.Label] == job.ID {
		delete(m.byLabel, job.Label)
	}
}
