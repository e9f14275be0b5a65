package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/config"
	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/resilience"
	"github.com/sells-group/leadgen-cli/internal/store"
	"github.com/sells-group/leadgen-cli/pkg/extract"
)

// Pipeline coordinates job lifecycle, step processing, and operator pass
// actions over the store and the extraction client.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	extract  extract.Client
	limiter  *Limiter
	denylist *Denylist
	breaker  *resilience.CircuitBreaker
	timeout  time.Duration
}

// New builds a Pipeline from configuration.
func New(cfg *config.Config, st store.Store, client extract.Client) (*Pipeline, error) {
	denylist, err := NewDenylist(cfg.Exclusions)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: compile exclusions")
	}
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		extract:  client,
		limiter:  NewLimiter(cfg.Rate.Count, cfg.Rate.Window()),
		denylist: denylist,
		breaker:  resilience.NewCircuitBreaker(5, 30*time.Second),
		timeout:  cfg.Extract.Timeout(),
	}, nil
}

// CreateJob validates parameters and persists a new job with its five steps.
func (p *Pipeline) CreateJob(ctx context.Context, job *model.Job) error {
	job.Platform = strings.TrimSpace(job.Platform)
	if job.Platform == "" {
		return eris.New("pipeline: platform is required")
	}
	if job.LeadsLimit <= 0 {
		return eris.New("pipeline: leads limit must be positive")
	}
	if job.PageOffset < 0 {
		return eris.New("pipeline: page offset cannot be negative")
	}
	if err := p.store.CreateJob(ctx, job); err != nil {
		return err
	}
	zap.L().Info("job created",
		zap.String("job_id", job.ID),
		zap.String("platform", job.Platform),
		zap.Int("leads_limit", job.LeadsLimit),
		zap.Int("page_offset", job.PageOffset))
	return nil
}

// RunStep executes one invocation of a step's processing. Step 1 discovers
// leads from the directory; steps 2 through 5 enrich the leads waiting at
// the step. The step returns to action_required when processing ends, and
// only an operator pass completes it. A step already running refuses a
// second invocation with store.ErrStepBusy.
func (p *Pipeline) RunStep(ctx context.Context, jobID string, stepNumber int) error {
	if stepNumber < 1 || stepNumber > model.NumSteps {
		return eris.Errorf("pipeline: invalid step number %d", stepNumber)
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return eris.Errorf("pipeline: job %s is %s", jobID, job.Status)
	}

	step, err := p.store.GetStep(ctx, jobID, stepNumber)
	if err != nil {
		return err
	}
	if err := p.store.ClaimStep(ctx, jobID, stepNumber); err != nil {
		return err
	}
	if job.Status == model.JobStatusPending || job.Status == model.JobStatusDraft {
		if err := p.store.UpdateJobStatus(ctx, jobID, model.JobStatusInProgress); err != nil {
			return err
		}
	}

	var runErr error
	idle := false
	if stepNumber == model.StepDiscovery {
		runErr = p.discover(ctx, job)
	} else {
		idle, runErr = p.enrich(ctx, job, stepNumber)
	}

	if runErr != nil {
		if stepErr := p.store.SetStepStatus(ctx, jobID, stepNumber, model.StepStatusFailed); stepErr != nil {
			zap.L().Error("mark step failed", zap.Error(stepErr))
		}
		if stepNumber == model.StepDiscovery {
			// A job with no discovered leads has nothing downstream to do.
			if jobErr := p.store.UpdateJobStatus(ctx, jobID, model.JobStatusFailed); jobErr != nil {
				zap.L().Error("mark job failed", zap.Error(jobErr))
			}
		}
		return runErr
	}

	// A job cancelled mid-run keeps whatever step state it had.
	if !p.jobActive(ctx, jobID) {
		return nil
	}
	if idle {
		// Nothing was waiting, so the run touched no leads; the step goes
		// back to the status it held before the claim.
		return p.store.SetStepStatus(ctx, jobID, stepNumber, step.Status)
	}
	return p.store.SetStepStatus(ctx, jobID, stepNumber, model.StepStatusActionRequired)
}

// Pass advances the selected leads out of the step. An empty selection
// passes every eligible lead. Passing from the final step completes the job.
func (p *Pipeline) Pass(ctx context.Context, jobID string, stepNumber int, leadIDs []string) (*store.PassResult, error) {
	if stepNumber < 1 || stepNumber > model.NumSteps {
		return nil, eris.Errorf("pipeline: invalid step number %d", stepNumber)
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, eris.Errorf("pipeline: job %s is %s", jobID, job.Status)
	}

	if len(leadIDs) == 0 {
		leads, err := p.store.ListStepLeads(ctx, jobID, stepNumber)
		if err != nil {
			return nil, err
		}
		leadIDs = EligibleForPass(leads, stepNumber)
		if len(leadIDs) == 0 {
			return nil, eris.Errorf("pipeline: no leads eligible to pass at step %d", stepNumber)
		}
	}

	result, err := p.store.PassLeads(ctx, jobID, stepNumber, leadIDs)
	if err != nil {
		return nil, err
	}

	zap.L().Info("leads passed",
		zap.String("job_id", jobID),
		zap.Int("step", stepNumber),
		zap.Int("moved", result.Moved))

	if stepNumber == model.FinalStep {
		if err := p.store.UpdateJobStatus(ctx, jobID, model.JobStatusCompleted); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Cancel marks a job cancelled. In-flight step work checks the job status
// before persisting results, so late extractions are discarded.
func (p *Pipeline) Cancel(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return eris.Errorf("pipeline: job %s is already %s", jobID, job.Status)
	}
	return p.store.UpdateJobStatus(ctx, jobID, model.JobStatusCancelled)
}

// StepView is a step's leads together with live counts derived from them.
type StepView struct {
	Step   *model.JobStep `json:"step"`
	Counts StepCounts     `json:"counts"`
	Leads  []model.Lead   `json:"leads"`
}

// StepLeads returns the step's view: every lead at or past the step, each
// carrying its display status, plus the live tally.
func (p *Pipeline) StepLeads(ctx context.Context, jobID string, stepNumber int) (*StepView, error) {
	step, err := p.store.GetStep(ctx, jobID, stepNumber)
	if err != nil {
		return nil, err
	}
	leads, err := p.store.ListStepLeads(ctx, jobID, stepNumber)
	if err != nil {
		return nil, err
	}
	counts := CountLeads(leads, stepNumber)
	for i := range leads {
		leads[i].Status = leads[i].DisplayStatus(stepNumber)
	}
	return &StepView{
		Step:   step,
		Counts: counts,
		Leads:  leads,
	}, nil
}

// jobActive re-reads the job and reports whether results may still be
// persisted for it.
func (p *Pipeline) jobActive(ctx context.Context, jobID string) bool {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		zap.L().Warn("recheck job status", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return !job.Status.Terminal()
}
