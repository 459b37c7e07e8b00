package job

import "time"

// Named queues jobs are dispatched onto.
const (
	QueueBilling        = "billing"
	QueueBulkOperations = "bulk_operations"
)

// DefaultResultTTL bounds how long job results and failure records are
// retained for retrieval.
const DefaultResultTTL = 24 * time.Hour

// Detail records one per-item failure inside an otherwise successful job.
type Detail struct {
	TargetID string `json:"target_id"`
	Error    string `json:"error,omitempty"`
}

// Result is the summary of a completed job, persisted keyed by job id with
// a bounded TTL.
type Result struct {
	JobID           string    `json:"job_id"`
	Queue           string    `json:"queue"`
	SuccessfulCount int       `json:"successful_count"`
	FailedCount     int       `json:"failed_count"`
	Details         []Detail  `json:"details,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Failure is the record of a job that exhausted its retries, persisted
// keyed by job id with a bounded TTL.
type Failure struct {
	JobID    string    `json:"job_id"`
	Queue    string    `json:"queue"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}
