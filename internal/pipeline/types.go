// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// JobStatus represents the lifecycle state of a processing job.
type JobStatus string

// Job status values persisted in batch snapshots.
const (
	JobStatusPending        JobStatus = "pending"
	JobStatusRunning        JobStatus = "running"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusPartialSuccess JobStatus = "partial_success"
)

// Priority levels for discovered work. Lower values dequeue first.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 10
)

// WorkItem is a unit of discovered or submitted input awaiting processing.
type WorkItem struct {
	ID         string            `json:"id"`
	SourceURL  string            `json:"source_url"`
	Source     string            `json:"source"`
	Title      string            `json:"title,omitempty"`
	Priority   int               `json:"priority"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// DiscoveredVideo is emitted by the source monitor for each new, kept video.
type DiscoveredVideo struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Published time.Time `json:"published"`
	Channel   string    `json:"channel"`
}

// JobRecord tracks the full lifecycle of one batch job.
type JobRecord struct {
	JobID          string            `json:"job_id"`
	SourceURL      string            `json:"source_url"`
	Priority       int               `json:"priority"`
	Status         JobStatus         `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	RetryCount     int               `json:"retry_count"`
	ProcessingTime float64           `json:"processing_time"`
	OutputPath     string            `json:"output_path,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// BatchSnapshot is the persisted state of one batch, written at creation and
// again once every job has settled.
type BatchSnapshot struct {
	BatchID               string      `json:"batch_id"`
	TotalJobs             int         `json:"total_jobs"`
	CompletedJobs         int         `json:"completed_jobs"`
	FailedJobs            int         `json:"failed_jobs"`
	TotalProcessingTime   float64     `json:"total_processing_time"`
	AverageProcessingTime float64     `json:"average_processing_time"`
	TotalCost             float64     `json:"total_cost"`
	CreatedAt             time.Time   `json:"created_at"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
	OutputDirectory       string      `json:"output_directory"`
	Jobs                  []JobRecord `json:"jobs"`
}

// BatchStatus is the summary view returned by status queries.
type BatchStatus struct {
	BatchID               string     `json:"batch_id"`
	TotalJobs             int        `json:"total_jobs"`
	CompletedJobs         int        `json:"completed_jobs"`
	FailedJobs            int        `json:"failed_jobs"`
	TotalProcessingTime   float64    `json:"total_processing_time"`
	AverageProcessingTime float64    `json:"average_processing_time"`
	TotalCost             float64    `json:"total_cost"`
	CreatedAt             time.Time  `json:"created_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

// Result is returned by a Processor for a successfully processed item.
type Result struct {
	OutputPath string            `json:"output_path,omitempty"`
	Cost       float64           `json:"cost"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// QueueStatus reports point-in-time lifecycle counts plus live queue depth.
type QueueStatus struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Depth      int `json:"queue_depth"`
}
