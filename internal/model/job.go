package model

import "time"

// JobKind distinguishes the two run cadences.
type JobKind string

const (
	JobFull      JobKind = "full"
	JobPriceOnly JobKind = "price_only"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobPartial   JobState = "partial"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobPartial || s == JobFailed
}

// RunStats are the per-run counters surfaced to monitoring.
type RunStats struct {
	ArtifactsProcessed  int `json:"artifacts_processed"`
	ValidationFailures  int `json:"validation_failures"`
	ReviewFlagged       int `json:"review_flagged"`
	PriceDeltas         int `json:"price_deltas"`
	FallbackInvocations int `json:"fallback_invocations"`
	InferenceCalls      int `json:"inference_calls"`
	NotModified         int `json:"not_modified"`
	PermanentFailures   int `json:"permanent_failures"`
	ImagesUploaded      int `json:"images_uploaded"`
	ImagesReused        int `json:"images_reused"`
	MetadataSkipped     int `json:"metadata_skipped"`
}

// Add accumulates counters from another RunStats.
func (s *RunStats) Add(o RunStats) {
	s.ArtifactsProcessed += o.ArtifactsProcessed
	s.ValidationFailures += o.ValidationFailures
	s.ReviewFlagged += o.ReviewFlagged
	s.PriceDeltas += o.PriceDeltas
	s.FallbackInvocations += o.FallbackInvocations
	s.InferenceCalls += o.InferenceCalls
	s.NotModified += o.NotModified
	s.PermanentFailures += o.PermanentFailures
	s.ImagesUploaded += o.ImagesUploaded
	s.ImagesReused += o.ImagesReused
	s.MetadataSkipped += o.MetadataSkipped
}

// Job is one (source, kind) unit of work.
type Job struct {
	ID           string    `json:"id"`
	SourceDomain string    `json:"source_domain"`
	Kind         JobKind   `json:"kind"`
	State        JobState  `json:"state"`
	Stats        RunStats  `json:"stats"`
	Error        string    `json:"error,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}
