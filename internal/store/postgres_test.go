package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen-cli/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func stepRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "job_id", "step_number", "status",
		"leads_received", "leads_processed", "leads_passed", "leads_failed",
		"started_at", "completed_at",
	})
}

func TestCreateJobSeedsAllSteps(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(pgxmock.AnyArg(), "ubereats", "New Zealand", "Auckland", "Auckland", "restaurants",
			50, 0, "pending", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	for n := 1; n <= model.NumSteps; n++ {
		mock.ExpectExec(`INSERT INTO job_steps`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), n, "pending").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	job := &model.Job{
		Platform:   "ubereats",
		Country:    "New Zealand",
		Region:     "Auckland",
		City:       "Auckland",
		Category:   "restaurants",
		LeadsLimit: 50,
	}
	err := s.CreateJob(context.Background(), job)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "platform", "country", "region", "city", "category",
			"leads_limit", "page_offset", "status", "created_at", "updated_at",
		}).AddRow("job-1", "ubereats", "New Zealand", "Auckland", "Auckland", "restaurants",
			50, 2, "in_progress", now, now))

	job, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "ubereats", job.Platform)
	assert.Equal(t, 2, job.PageOffset)
	assert.Equal(t, model.JobStatusInProgress, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status`).
		WithArgs("cancelled", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateJobStatus(context.Background(), "missing", model.JobStatusCancelled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordArrivalReopensStep(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE job_steps SET leads_received`).
		WithArgs(8, "job-1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.RecordArrival(context.Background(), "job-1", 2, 8)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStepStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE job_steps SET status`).
		WithArgs("in_progress", "job-1", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.SetStepStatus(context.Background(), "job-1", 1, model.StepStatusInProgress)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPassLeadsCompletesSourceAndReopensDest(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	leadIDs := []string{"l1", "l2", "l3"}
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE leads SET current_step = current_step \+ 1`).
		WithArgs("available", "job-1", 1, leadIDs).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectQuery(`UPDATE job_steps SET leads_passed`).
		WithArgs(3, "job-1", 1).
		WillReturnRows(stepRows().AddRow(
			"s1", "job-1", 1, "completed", 21, 21, 3, 0, &now, &now))
	mock.ExpectQuery(`UPDATE job_steps SET leads_received`).
		WithArgs(3, "job-1", 2).
		WillReturnRows(stepRows().AddRow(
			"s2", "job-1", 2, "action_required", 3, 0, 0, 0, nil, nil))
	mock.ExpectCommit()

	res, err := s.PassLeads(context.Background(), "job-1", 1, leadIDs)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Moved)
	assert.Equal(t, model.StepStatusCompleted, res.SourceStep.Status)
	assert.Equal(t, model.StepStatusActionRequired, res.DestStep.Status)
	assert.Equal(t, 3, res.DestStep.LeadsReceived)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPassLeadsFinalStepHasNoDest(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE leads SET current_step = current_step \+ 1`).
		WithArgs("passed", "job-1", model.FinalStep, []string{"l1"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`UPDATE job_steps SET leads_passed`).
		WithArgs(1, "job-1", model.FinalStep).
		WillReturnRows(stepRows().AddRow(
			"s5", "job-1", model.FinalStep, "completed", 1, 1, 1, 0, &now, &now))
	mock.ExpectCommit()

	res, err := s.PassLeads(context.Background(), "job-1", model.FinalStep, []string{"l1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)
	assert.Nil(t, res.DestStep)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPassLeadsNoEligibleLeads(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE leads SET current_step = current_step \+ 1`).
		WithArgs("available", "job-1", 2, []string{"l9"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := s.PassLeads(context.Background(), "job-1", 2, []string{"l9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no eligible leads")
}

func TestPassLeadsEmptySelection(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	_, err := s.PassLeads(context.Background(), "job-1", 1, nil)
	require.Error(t, err)
}

func TestUpdateLeadStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET status`).
		WithArgs("processing", pgxmock.AnyArg(), "lead-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateLeadStatus(context.Background(), "lead-1", model.LeadStatusProcessing)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStepLeadsIncludesAdvancedLeads(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	addr := "1 Queen St"
	mock.ExpectQuery(`SELECT .+ FROM leads WHERE job_id = \$1 AND current_step >= \$2`).
		WithArgs("job-1", 1).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "job_id", "current_step", "status", "name", "source_url",
			"address", "city", "region", "country", "rating", "review_count",
			"phone", "website", "facebook_url", "instagram_url",
			"contact_name", "contact_email", "contact_phone",
			"validation_errors", "created_at", "updated_at",
		}).AddRow("l1", "job-1", 2, "available", "Burger Fuel", "https://www.ubereats.com/store/burger-fuel",
			&addr, nil, nil, nil, nil, nil,
			nil, nil, nil, nil,
			nil, nil, nil,
			nil, now, now))

	leads, err := s.ListStepLeads(context.Background(), "job-1", 1)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, 2, leads[0].CurrentStep)
	assert.Equal(t, "1 Queen St", leads[0].Address)
	assert.Equal(t, model.LeadStatusPassed, leads[0].DisplayStatus(1))
}

func TestClaimStepRefusesRunningStep(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE job_steps SET status = 'in_progress'`).
		WithArgs("job-1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.ClaimStep(context.Background(), "job-1", 2))

	// A second claim finds the step already in_progress and loses.
	mock.ExpectExec(`UPDATE job_steps SET status = 'in_progress'`).
		WithArgs("job-1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := s.ClaimStep(context.Background(), "job-1", 2)
	require.ErrorIs(t, err, ErrStepBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddDiscoveredLeadsRecordsArrivalAtomically(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"leads"}, leadColumnList()).WillReturnResult(2)
	mock.ExpectExec(`UPDATE job_steps SET leads_received = leads_received \+ \$1`).
		WithArgs(2, "job-1", model.StepDiscovery).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	inserted, err := s.AddDiscoveredLeads(context.Background(), "job-1", []model.Lead{
		{JobID: "job-1", Name: "Burger Fuel", SourceURL: "https://www.ubereats.com/store/burger-fuel"},
		{JobID: "job-1", Name: "Sal's", SourceURL: "https://www.ubereats.com/store/sals"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddDiscoveredLeadsRollsBackWhenArrivalFails(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"leads"}, leadColumnList()).WillReturnResult(1)
	mock.ExpectExec(`UPDATE job_steps SET leads_received`).
		WithArgs(1, "job-1", model.StepDiscovery).
		WillReturnError(eris.New("connection lost"))
	mock.ExpectRollback()

	_, err := s.AddDiscoveredLeads(context.Background(), "job-1", []model.Lead{
		{JobID: "job-1", Name: "Burger Fuel", SourceURL: "https://www.ubereats.com/store/burger-fuel"},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListLeadsForProcessingIncludesStalledRows(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM leads WHERE job_id = \$1 AND current_step = \$2 AND status IN \('available','failed','processing'\)`).
		WithArgs("job-1", 2).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "job_id", "current_step", "status", "name", "source_url",
			"address", "city", "region", "country", "rating", "review_count",
			"phone", "website", "facebook_url", "instagram_url",
			"contact_name", "contact_email", "contact_phone",
			"validation_errors", "created_at", "updated_at",
		}).AddRow("l1", "job-1", 2, "processing", "Burger Fuel", "https://www.ubereats.com/store/burger-fuel",
			nil, nil, nil, nil, nil, nil,
			nil, nil, nil, nil,
			nil, nil, nil,
			nil, now, now))

	leads, err := s.ListLeadsForProcessing(context.Background(), "job-1", 2)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, model.LeadStatusProcessing, leads[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
