package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// IsActive reports whether the job counts against the per-user concurrency ceiling.
func (s JobStatus) IsActive() bool {
	return s == JobQueued || s == JobRunning
}

var jobStatuses = []JobStatus{JobQueued, JobRunning, JobSucceeded, JobFailed}

// TransitionSources lists the statuses that may move to `to`.
func TransitionSources(to JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range jobStatuses {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}

// CanTransition encodes QUEUED -> RUNNING -> {SUCCEEDED|FAILED} and QUEUED -> FAILED.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobQueued:
		return to == JobRunning || to == JobFailed
	case JobRunning:
		return to == JobSucceeded || to == JobFailed
	}
	return false
}

type JobMode string

const (
	ModeGenerate JobMode = "generate"
	ModeEdit     JobMode = "edit"
)

// GenerationParams are the provider inputs stored with the job.
type GenerationParams struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt,omitempty"`
	ImageSize         string   `json:"image_size,omitempty"`
	NumInferenceSteps int      `json:"num_inference_steps,omitempty"`
	GuidanceScale     float64  `json:"guidance_scale,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	NumImages         int      `json:"num_images,omitempty"`
	ImageURLs         []string `json:"image_urls,omitempty"`
}

type GenerationJob struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Status            JobStatus
	Mode              JobMode
	Prompt            string
	Params            json.RawMessage
	Cost              int64
	ProviderRequestID sql.NullString
	ResultURL         sql.NullString
	ThumbURL          sql.NullString
	ResultAssets      json.RawMessage
	Metadata          json.RawMessage
	ErrorMessage      sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       sql.NullTime
}

// StoredAsset is a durable copy of one provider output.
type StoredAsset struct {
	SourceURL string `json:"source_url"`
	ResultURL string `json:"result_url"`
	ThumbURL  string `json:"thumb_url"`
	// Key locates the object inside its asset store.
	Key string `json:"key,omitempty"`
}
