// Package model defines the core domain types shared across the pipeline:
// jobs, per-job steps, and the leads that move through them.
package model

import "time"

// NumSteps is the fixed number of pipeline steps per job.
const NumSteps = 5

// FinalStep is the last enrichment step.
const FinalStep = NumSteps

// Step numbers, in pipeline order.
const (
	StepDiscovery      = 1
	StepPlatformDetail = 2
	StepWebPresence    = 3
	StepSocial         = 4
	StepContacts       = 5
)

// stepNames maps step numbers to their canonical names.
var stepNames = map[int]string{
	StepDiscovery:      "discovery",
	StepPlatformDetail: "platform_details",
	StepWebPresence:    "web_presence",
	StepSocial:         "social",
	StepContacts:       "contacts",
}

// StepName returns the canonical name for a step number, or "unknown".
func StepName(n int) string {
	if name, ok := stepNames[n]; ok {
		return name
	}
	return "unknown"
}

// JobStatus is the overall lifecycle status of a discovery job.
type JobStatus string

const (
	JobStatusDraft      JobStatus = "draft"
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the job status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled || s == JobStatusFailed
}

// StepStatus is the operator-facing status of one job step.
type StepStatus string

const (
	StepStatusPending        StepStatus = "pending"
	StepStatusInProgress     StepStatus = "in_progress"
	StepStatusActionRequired StepStatus = "action_required"
	StepStatusCompleted      StepStatus = "completed"
	StepStatusFailed         StepStatus = "failed"
)

// Job is one discovery-and-enrichment run.
type Job struct {
	ID         string    `json:"id"`
	Platform   string    `json:"platform"`
	Country    string    `json:"country,omitempty"`
	Region     string    `json:"region,omitempty"`
	City       string    `json:"city,omitempty"`
	Category   string    `json:"category,omitempty"`
	LeadsLimit int       `json:"leads_limit"`
	PageOffset int       `json:"page_offset"`
	Status     JobStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobStep holds per-stage counters and status for one job. The counters are
// cumulative and historical; live queue depths must always be derived from
// lead rows, never from arithmetic over these counters.
type JobStep struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	StepNumber     int        `json:"step_number"`
	Status         StepStatus `json:"status"`
	LeadsReceived  int        `json:"leads_received"`
	LeadsProcessed int        `json:"leads_processed"`
	LeadsPassed    int        `json:"leads_passed"`
	LeadsFailed    int        `json:"leads_failed"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}
