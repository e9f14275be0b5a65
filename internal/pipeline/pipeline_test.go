package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/store"
)

func urlsFor(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://www.ubereats.com/store/biz-%02d", i)
	}
	return urls
}

func TestCreateJobValidation(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()

	err := p.CreateJob(ctx, &model.Job{LeadsLimit: 10})
	assert.Error(t, err)

	err = p.CreateJob(ctx, &model.Job{Platform: "ubereats"})
	assert.Error(t, err)

	err = p.CreateJob(ctx, &model.Job{Platform: "ubereats", LeadsLimit: 10, PageOffset: -1})
	assert.Error(t, err)

	job := &model.Job{Platform: " ubereats ", LeadsLimit: 10}
	require.NoError(t, p.CreateJob(ctx, job))
	assert.Equal(t, "ubereats", job.Platform)
	assert.NotEmpty(t, job.ID)

	steps, err := st.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, steps, model.NumSteps)
}

func TestRunStepRejectsInvalidInput(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()
	job := newTestJob(t, st, 10, 0)

	assert.Error(t, p.RunStep(ctx, job.ID, 0))
	assert.Error(t, p.RunStep(ctx, job.ID, model.NumSteps+1))
	assert.Error(t, p.RunStep(ctx, "no-such-job", 1))

	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobStatusCancelled))
	err := p.RunStep(ctx, job.ID, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestRunStepRefusesStepAlreadyRunning(t *testing.T) {
	st := newMemStore()
	client := &mockExtractClient{}
	p := newTestPipeline(t, st, client)
	job := newTestJob(t, st, 10, 0)
	ctx := context.Background()

	seedLeads(t, st, job.ID, model.StepContacts, model.LeadStatusAvailable,
		"https://www.ubereats.com/store/a")

	started := make(chan struct{})
	release := make(chan struct{})
	client.On("Extract", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(enrichResult(t, map[string]any{"contact_name": "Alex Chen"}), nil).Once()

	done := make(chan error, 1)
	go func() { done <- p.RunStep(ctx, job.ID, model.StepContacts) }()
	<-started

	// The first invocation holds the step; a second one must not list
	// the same leads and process them twice.
	err := p.RunStep(ctx, job.ID, model.StepContacts)
	require.ErrorIs(t, err, store.ErrStepBusy)

	close(release)
	require.NoError(t, <-done)
	client.AssertNumberOfCalls(t, "Extract", 1)

	step, err := st.GetStep(ctx, job.ID, model.StepContacts)
	require.NoError(t, err)
	assert.Equal(t, 1, step.LeadsProcessed)
}

func TestRunStepIdleKeepsPriorStepStatus(t *testing.T) {
	st := newMemStore()
	client := &mockExtractClient{}
	p := newTestPipeline(t, st, client)
	job := newTestJob(t, st, 10, 0)
	ctx := context.Background()

	// Nothing has ever reached step 3, so a run must not raise its flag.
	require.NoError(t, p.RunStep(ctx, job.ID, model.StepWebPresence))
	step, err := st.GetStep(ctx, job.ID, model.StepWebPresence)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusPending, step.Status)

	// A completed step whose leads have all moved on stays completed.
	seedLeads(t, st, job.ID, model.StepWebPresence, model.LeadStatusProcessed,
		"https://www.ubereats.com/store/a")
	_, err = p.Pass(ctx, job.ID, model.StepWebPresence, nil)
	require.NoError(t, err)
	require.NoError(t, p.RunStep(ctx, job.ID, model.StepWebPresence))
	step, err = st.GetStep(ctx, job.ID, model.StepWebPresence)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, step.Status)

	client.AssertNotCalled(t, "Extract")
}

func TestPassCompletesSourceAndReopensDest(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()
	job := newTestJob(t, st, 21, 0)

	leads := seedLeads(t, st, job.ID, model.StepDiscovery, model.LeadStatusAvailable, urlsFor(21)...)
	require.NoError(t, st.RecordArrival(ctx, job.ID, model.StepDiscovery, 21))

	picked := make([]string, 8)
	for i := range picked {
		picked[i] = leads[i].ID
	}

	res, err := p.Pass(ctx, job.ID, model.StepDiscovery, picked)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Moved)
	assert.Equal(t, model.StepStatusCompleted, res.SourceStep.Status)
	assert.Equal(t, 8, res.SourceStep.LeadsPassed)
	assert.Equal(t, model.StepStatusActionRequired, res.DestStep.Status)
	assert.Equal(t, 8, res.DestStep.LeadsReceived)

	// The step 1 view still owns all 21 leads; 8 of them now display passed.
	view, err := p.StepLeads(ctx, job.ID, model.StepDiscovery)
	require.NoError(t, err)
	assert.Equal(t, 21, view.Counts.Received)
	assert.Equal(t, 8, view.Counts.Passed)
	assert.Equal(t, 13, view.Counts.Available)
}

func TestPassReopensCompletedStep(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()
	job := newTestJob(t, st, 21, 0)

	leads := seedLeads(t, st, job.ID, model.StepDiscovery, model.LeadStatusAvailable, urlsFor(11)...)

	first := []string{leads[0].ID, leads[1].ID, leads[2].ID}
	_, err := p.Pass(ctx, job.ID, model.StepDiscovery, first)
	require.NoError(t, err)

	// Move the arrivals along so step 2 completes.
	_, err = p.Pass(ctx, job.ID, model.StepPlatformDetail, first)
	require.NoError(t, err)
	step2, _ := st.GetStep(ctx, job.ID, model.StepPlatformDetail)
	require.Equal(t, model.StepStatusCompleted, step2.Status)

	// A later pass from step 1 reopens the completed step 2.
	_, err = p.Pass(ctx, job.ID, model.StepDiscovery, []string{leads[3].ID, leads[4].ID})
	require.NoError(t, err)

	step2, _ = st.GetStep(ctx, job.ID, model.StepPlatformDetail)
	assert.Equal(t, model.StepStatusActionRequired, step2.Status)
	assert.Equal(t, 5, step2.LeadsReceived)
}

func TestPassIsMonotonic(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()
	job := newTestJob(t, st, 10, 0)

	leads := seedLeads(t, st, job.ID, model.StepDiscovery, model.LeadStatusAvailable, urlsFor(2)...)
	ids := []string{leads[0].ID, leads[1].ID}

	_, err := p.Pass(ctx, job.ID, model.StepDiscovery, ids)
	require.NoError(t, err)

	// The same leads cannot be passed out of step 1 twice.
	_, err = p.Pass(ctx, job.ID, model.StepDiscovery, ids)
	require.Error(t, err)

	got, err := st.ListStepLeads(ctx, job.ID, model.StepPlatformDetail)
	require.NoError(t, err)
	for _, l := range got {
		assert.Equal(t, model.StepPlatformDetail, l.CurrentStep)
	}
}

func TestPassSkipsIneligibleLeads(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()
	job := newTestJob(t, st, 10, 0)

	seedLeads(t, st, job.ID, model.StepPlatformDetail, model.LeadStatusAvailable,
		"https://www.ubereats.com/store/ok")
	all := seedLeads(t, st, job.ID, model.StepPlatformDetail, model.LeadStatusFailed,
		"https://www.ubereats.com/store/broken")

	ids := make([]string, len(all))
	for i, l := range all {
		ids[i] = l.ID
	}
	res, err := p.Pass(ctx, job.ID, model.StepPlatformDetail, ids)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)
}

func TestPassEmptySelectionMovesAllEligible(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()
	job := newTestJob(t, st, 10, 0)

	seedLeads(t, st, job.ID, model.StepDiscovery, model.LeadStatusAvailable, urlsFor(4)...)

	res, err := p.Pass(ctx, job.ID, model.StepDiscovery, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Moved)
}

func TestPassFinalStepCompletesJob(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()
	job := newTestJob(t, st, 10, 0)

	leads := seedLeads(t, st, job.ID, model.FinalStep, model.LeadStatusProcessed, urlsFor(3)...)
	ids := []string{leads[0].ID, leads[1].ID, leads[2].ID}

	res, err := p.Pass(ctx, job.ID, model.FinalStep, ids)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Moved)
	assert.Nil(t, res.DestStep)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	// Graduated leads display passed in the final step's view.
	final, err := st.ListStepLeads(ctx, job.ID, model.FinalStep)
	require.NoError(t, err)
	require.Len(t, final, 3)
	for _, l := range final {
		assert.Equal(t, model.LeadStatusPassed, l.DisplayStatus(model.FinalStep))
	}
}

func TestPassRejectsTerminalJob(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()
	job := newTestJob(t, st, 10, 0)

	seedLeads(t, st, job.ID, model.StepDiscovery, model.LeadStatusAvailable, urlsFor(1)...)
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobStatusCompleted))

	_, err := p.Pass(ctx, job.ID, model.StepDiscovery, nil)
	require.Error(t, err)
}

func TestCancel(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()
	job := newTestJob(t, st, 10, 0)

	require.NoError(t, p.Cancel(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	// Cancelling twice is an error.
	assert.Error(t, p.Cancel(ctx, job.ID))
}

func TestStepLeadsViewDerivesDisplayStatus(t *testing.T) {
	st := newMemStore()
	p := newTestPipeline(t, st, &mockExtractClient{})
	ctx := context.Background()
	job := newTestJob(t, st, 10, 0)

	seedLeads(t, st, job.ID, model.StepDiscovery, model.LeadStatusAvailable,
		"https://www.ubereats.com/store/still-here")
	seedLeads(t, st, job.ID, model.StepPlatformDetail, model.LeadStatusFailed,
		"https://www.ubereats.com/store/moved-on")

	view, err := p.StepLeads(ctx, job.ID, model.StepDiscovery)
	require.NoError(t, err)
	require.Len(t, view.Leads, 2)

	byURL := map[string]model.Lead{}
	for _, l := range view.Leads {
		byURL[l.SourceURL] = l
	}
	assert.Equal(t, model.LeadStatusAvailable, byURL["https://www.ubereats.com/store/still-here"].Status)
	assert.Equal(t, model.LeadStatusPassed, byURL["https://www.ubereats.com/store/moved-on"].Status)
	assert.Equal(t, 1, view.Counts.Passed)
	assert.Equal(t, 1, view.Counts.Available)
}
