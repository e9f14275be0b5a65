package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/store"
	"github.com/sells-group/leadgen-cli/pkg/extract"
)

// --- Extract Client Mock ---

type mockExtractClient struct {
	mock.Mock
}

func (m *mockExtractClient) Extract(ctx context.Context, req extract.Request) (*extract.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Result), args.Error(1)
}

// --- In-memory Store ---

// memStore is a map-backed Store for exercising multi-call pipeline
// scenarios where per-call mock expectations would obscure the flow.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*model.Job
	steps map[string]map[int]*model.JobStep
	leads map[string]*model.Lead
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  make(map[string]*model.Job),
		steps: make(map[string]map[int]*model.JobStep),
		leads: make(map[string]*model.Lead),
	}
}

func (m *memStore) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	m.jobs[job.ID] = &cp
	m.steps[job.ID] = make(map[int]*model.JobStep)
	for n := 1; n <= model.NumSteps; n++ {
		m.steps[job.ID][n] = &model.JobStep{
			ID:         uuid.New().String(),
			JobID:      job.ID,
			StepNumber: n,
			Status:     model.StepStatusPending,
		}
	}
	return nil
}

func (m *memStore) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, eris.Errorf("job not found: %s", jobID)
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ListJobs(_ context.Context, filter store.JobFilter) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []model.Job
	for _, j := range m.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Platform != "" && j.Platform != filter.Platform {
			continue
		}
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}

func (m *memStore) UpdateJobStatus(_ context.Context, jobID string, status model.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return eris.Errorf("job not found: %s", jobID)
	}
	j.Status = status
	return nil
}

func (m *memStore) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return eris.Errorf("job not found: %s", jobID)
	}
	delete(m.jobs, jobID)
	delete(m.steps, jobID)
	for id, l := range m.leads {
		if l.JobID == jobID {
			delete(m.leads, id)
		}
	}
	return nil
}

func (m *memStore) GetStep(_ context.Context, jobID string, stepNumber int) (*model.JobStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[jobID][stepNumber]
	if !ok {
		return nil, eris.Errorf("step not found: %s/%d", jobID, stepNumber)
	}
	cp := *st
	return &cp, nil
}

func (m *memStore) ListSteps(_ context.Context, jobID string) ([]model.JobStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var steps []model.JobStep
	for n := 1; n <= model.NumSteps; n++ {
		if st, ok := m.steps[jobID][n]; ok {
			steps = append(steps, *st)
		}
	}
	return steps, nil
}

func (m *memStore) SetStepStatus(_ context.Context, jobID string, stepNumber int, status model.StepStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[jobID][stepNumber]
	if !ok {
		return eris.Errorf("step not found: %s/%d", jobID, stepNumber)
	}
	st.Status = status
	return nil
}

func (m *memStore) ClaimStep(_ context.Context, jobID string, stepNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[jobID][stepNumber]
	if !ok {
		return eris.Errorf("step not found: %s/%d", jobID, stepNumber)
	}
	if st.Status == model.StepStatusInProgress {
		return store.ErrStepBusy
	}
	st.Status = model.StepStatusInProgress
	return nil
}

func (m *memStore) RecordArrival(_ context.Context, jobID string, stepNumber int, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[jobID][stepNumber]
	if !ok {
		return eris.Errorf("step not found: %s/%d", jobID, stepNumber)
	}
	st.LeadsReceived += count
	if st.Status == model.StepStatusPending || st.Status == model.StepStatusCompleted {
		st.Status = model.StepStatusActionRequired
	}
	return nil
}

func (m *memStore) RecordOutcome(_ context.Context, jobID string, stepNumber int, processed, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[jobID][stepNumber]
	if !ok {
		return eris.Errorf("step not found: %s/%d", jobID, stepNumber)
	}
	st.LeadsProcessed += processed
	st.LeadsFailed += failed
	return nil
}

func (m *memStore) InsertLeads(_ context.Context, leads []model.Lead) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for i := range leads {
		l := leads[i]
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if l.CurrentStep == 0 {
			l.CurrentStep = model.StepDiscovery
		}
		if l.Status == "" {
			l.Status = model.LeadStatusAvailable
		}
		m.leads[l.ID] = &l
		inserted++
	}
	return inserted, nil
}

func (m *memStore) AddDiscoveredLeads(_ context.Context, jobID string, leads []model.Lead) (int, error) {
	inserted, err := m.InsertLeads(context.Background(), leads)
	if err != nil {
		return 0, err
	}
	if err := m.RecordArrival(context.Background(), jobID, model.StepDiscovery, inserted); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (m *memStore) leadsWhere(pred func(*model.Lead) bool) []model.Lead {
	var out []model.Lead
	for _, l := range m.leads {
		if pred(l) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SourceURL < out[k].SourceURL })
	return out
}

func (m *memStore) ListStepLeads(_ context.Context, jobID string, stepNumber int) ([]model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leadsWhere(func(l *model.Lead) bool {
		return l.JobID == jobID && l.CurrentStep >= stepNumber
	}), nil
}

func (m *memStore) ListLeadsForProcessing(_ context.Context, jobID string, stepNumber int) ([]model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leadsWhere(func(l *model.Lead) bool {
		return l.JobID == jobID && l.CurrentStep == stepNumber &&
			(l.Status == model.LeadStatusAvailable || l.Status == model.LeadStatusFailed ||
				l.Status == model.LeadStatusProcessing)
	}), nil
}

func (m *memStore) UpdateLeadStatus(_ context.Context, leadID string, status model.LeadStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[leadID]
	if !ok {
		return eris.Errorf("lead not found: %s", leadID)
	}
	l.Status = status
	return nil
}

func (m *memStore) SaveLeadEnrichment(_ context.Context, lead *model.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.leads[lead.ID]
	if !ok {
		return eris.Errorf("lead not found: %s", lead.ID)
	}
	cp := *lead
	cp.CurrentStep = existing.CurrentStep
	m.leads[lead.ID] = &cp
	return nil
}

func (m *memStore) PassLeads(_ context.Context, jobID string, stepNumber int, leadIDs []string) (*store.PassResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nextStatus := model.LeadStatusAvailable
	if stepNumber == model.FinalStep {
		nextStatus = model.LeadStatusPassed
	}

	moved := 0
	for _, id := range leadIDs {
		l, ok := m.leads[id]
		if !ok || l.JobID != jobID || l.CurrentStep != stepNumber {
			continue
		}
		if l.Status != model.LeadStatusAvailable && l.Status != model.LeadStatusProcessed {
			continue
		}
		l.CurrentStep++
		l.Status = nextStatus
		moved++
	}
	if moved == 0 {
		return nil, eris.Errorf("no eligible leads to pass at step %d", stepNumber)
	}

	src := m.steps[jobID][stepNumber]
	src.LeadsPassed += moved
	src.Status = model.StepStatusCompleted

	result := &store.PassResult{Moved: moved}
	cp := *src
	result.SourceStep = &cp

	if stepNumber < model.FinalStep {
		dst := m.steps[jobID][stepNumber+1]
		dst.LeadsReceived += moved
		if dst.Status == model.StepStatusPending || dst.Status == model.StepStatusCompleted {
			dst.Status = model.StepStatusActionRequired
		}
		dcp := *dst
		result.DestStep = &dcp
	}
	return result, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

var _ store.Store = (*memStore)(nil)
