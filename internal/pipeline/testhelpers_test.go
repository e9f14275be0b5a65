package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen-cli/internal/config"
	"github.com/sells-group/leadgen-cli/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Extract: config.ExtractConfig{TimeoutSecs: 5},
		Rate:    config.RateConfig{Count: 100, WindowSecs: 1},
		Platforms: map[string]config.PlatformConfig{
			"ubereats": {
				PageSize:       21,
				ListingURL:     "https://www.ubereats.com/feed",
				LeadURLPattern: `^https://www\.ubereats\.com/store/[^/]+`,
			},
		},
		Stages:     config.DefaultStages(),
		Exclusions: config.DefaultExclusions(),
	}
}

func newTestPipeline(t *testing.T, st *memStore, client *mockExtractClient) *Pipeline {
	t.Helper()
	p, err := New(testConfig(), st, client)
	require.NoError(t, err)
	// Keep failing tests fast.
	p.timeout = 2 * time.Second
	return p
}

func newTestJob(t *testing.T, st *memStore, leadsLimit, pageOffset int) *model.Job {
	t.Helper()
	job := &model.Job{
		Platform:   "ubereats",
		Country:    "New Zealand",
		City:       "Auckland",
		Category:   "restaurants",
		LeadsLimit: leadsLimit,
		PageOffset: pageOffset,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func seedLeads(t *testing.T, st *memStore, jobID string, step int, status model.LeadStatus, urls ...string) []model.Lead {
	t.Helper()
	leads := make([]model.Lead, len(urls))
	for i, u := range urls {
		leads[i] = model.Lead{
			JobID:       jobID,
			CurrentStep: step,
			Status:      status,
			Name:        "Lead " + u,
			SourceURL:   u,
		}
	}
	_, err := st.InsertLeads(context.Background(), leads)
	require.NoError(t, err)

	got, err := st.ListStepLeads(context.Background(), jobID, step)
	require.NoError(t, err)
	return got
}
