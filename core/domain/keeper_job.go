package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType identifies what a worker does with a job.
type JobType string

const (
	JobCategorize JobType = "categorize"
	JobCleanup    JobType = "cleanup"
	JobExport     JobType = "export"
	JobRestore    JobType = "restore"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CleanupMetadata ties a cleanup job to its policy and trigger.
type CleanupMetadata struct {
	PolicyID     *uuid.UUID `json:"policy_id,omitempty"`
	Trigger      string     `json:"trigger"` // manual, cron, interval, event
	BatchSize    int        `json:"batch_size"`
	TargetEmails []string   `json:"target_emails,omitempty"`
	DryRun       bool       `json:"dry_run"`
	MaxEmails    int        `json:"max_emails,omitempty"`
}

// ProgressDetails carries per-batch progress counters.
type ProgressDetails struct {
	EmailsAnalyzed    int   `json:"emails_analyzed"`
	EmailsCleaned     int   `json:"emails_cleaned"`
	StorageFreed      int64 `json:"storage_freed"`
	ErrorsEncountered int   `json:"errors_encountered"`
	CurrentBatch      int   `json:"current_batch"`
	TotalBatches      int   `json:"total_batches"`
}

// Job is one durable unit of background work, owned by one user.
type Job struct {
	ID       uuid.UUID `json:"job_id"`
	Type     JobType   `json:"job_type"`
	UserID   uuid.UUID `json:"user_id"`
	Status   JobStatus `json:"status"`
	Priority int       `json:"priority"` // higher dequeued first

	RequestParams   map[string]any   `json:"request_params,omitempty"`
	CleanupMetadata *CleanupMetadata `json:"cleanup_metadata,omitempty"`

	Progress        int              `json:"progress"` // 0..100
	ProgressDetails *ProgressDetails `json:"progress_details,omitempty"`
	Results         map[string]any   `json:"results,omitempty"`
	Error           string           `json:"error,omitempty"`
	ErrorKind       string           `json:"error_kind,omitempty"`
	RetryCount      int              `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CancelRequested bool `json:"cancel_requested"`
}

// NewJob creates a pending job for a user.
func NewJob(userID uuid.UUID, jobType JobType, priority int, params map[string]any) *Job {
	return &Job{
		ID:            uuid.New(),
		Type:          jobType,
		UserID:        userID,
		Status:        JobPending,
		Priority:      priority,
		RequestParams: params,
		CreatedAt:     time.Now().UTC(),
	}
}

// ValidateTransition checks a status transition.
func (j *Job) ValidateTransition(to JobStatus) error {
	allowed := map[JobStatus][]JobStatus{
		JobPending:    {JobInProgress, JobCancelled},
		JobInProgress: {JobCompleted, JobFailed, JobCancelled, JobPending},
	}
	for _, s := range allowed[j.Status] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %s -> %s", j.Status, to)
}

// JobFilter narrows list_jobs queries.
type JobFilter struct {
	Type   *JobType   `json:"job_type,omitempty"`
	Status *JobStatus `json:"status,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}
