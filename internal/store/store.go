// Package store persists jobs, job steps, and leads. Two drivers are
// provided: Postgres (pgxpool) for deployments and SQLite for local use.
package store

import (
	"context"
	"errors"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// ErrStepBusy reports that a step is already running and a second
// invocation lost the claim race.
var ErrStepBusy = errors.New("store: step already in progress")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status   model.JobStatus `json:"status,omitempty"`
	Platform string          `json:"platform,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// PassResult reports the outcome of a pass action.
type PassResult struct {
	Moved      int            `json:"moved"`
	SourceStep *model.JobStep `json:"source_step"`
	DestStep   *model.JobStep `json:"dest_step,omitempty"`
}

// Store defines the persistence interface for the lead pipeline.
type Store interface {
	// Jobs. CreateJob also seeds the job's five step rows.
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error
	DeleteJob(ctx context.Context, jobID string) error

	// Steps.
	GetStep(ctx context.Context, jobID string, stepNumber int) (*model.JobStep, error)
	ListSteps(ctx context.Context, jobID string) ([]model.JobStep, error)
	SetStepStatus(ctx context.Context, jobID string, stepNumber int, status model.StepStatus) error
	// ClaimStep moves a step into in_progress, or returns ErrStepBusy
	// when it already is. Exactly one concurrent claim wins.
	ClaimStep(ctx context.Context, jobID string, stepNumber int) error
	// RecordArrival adds to leads_received and reopens a pending or
	// completed step to action_required.
	RecordArrival(ctx context.Context, jobID string, stepNumber int, count int) error
	// RecordOutcome adds to the cumulative processed/failed counters.
	RecordOutcome(ctx context.Context, jobID string, stepNumber int, processed, failed int) error

	// Leads.
	InsertLeads(ctx context.Context, leads []model.Lead) (int, error)
	// AddDiscoveredLeads inserts freshly discovered leads and records
	// their arrival at the discovery step in one transaction, so a crash
	// between the two never leaves leads with an unrecorded arrival.
	AddDiscoveredLeads(ctx context.Context, jobID string, leads []model.Lead) (int, error)
	// ListStepLeads returns every lead relevant to a step's view:
	// current_step >= stepNumber, regardless of the step's own status.
	ListStepLeads(ctx context.Context, jobID string, stepNumber int) ([]model.Lead, error)
	// ListLeadsForProcessing returns leads a re-invocation of the step may
	// work on: at the step and in a non-terminal state. Rows stuck in
	// processing after an interrupted run are included so they get retried.
	ListLeadsForProcessing(ctx context.Context, jobID string, stepNumber int) ([]model.Lead, error)
	UpdateLeadStatus(ctx context.Context, leadID string, status model.LeadStatus) error
	SaveLeadEnrichment(ctx context.Context, lead *model.Lead) error
	// PassLeads advances the selected leads and updates both steps'
	// counters and statuses in a single transaction.
	PassLeads(ctx context.Context, jobID string, stepNumber int, leadIDs []string) (*PassResult, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
