package pipeline

import "github.com/sells-group/leadgen-cli/internal/model"

// StepCounts is the live tally for one step's view, derived from the lead
// rows themselves. Step counters on job_steps are cumulative history;
// these are the current truth.
type StepCounts struct {
	Received   int `json:"received"`
	Available  int `json:"available"`
	Processing int `json:"processing"`
	Processed  int `json:"processed"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
}

// CountLeads tallies leads as they appear in the given step's view. A lead
// that has advanced past the step counts as passed regardless of what its
// stored status became downstream.
func CountLeads(leads []model.Lead, stepNumber int) StepCounts {
	var c StepCounts
	for i := range leads {
		c.Received++
		switch leads[i].DisplayStatus(stepNumber) {
		case model.LeadStatusAvailable:
			c.Available++
		case model.LeadStatusProcessing:
			c.Processing++
		case model.LeadStatusProcessed:
			c.Processed++
		case model.LeadStatusPassed:
			c.Passed++
		case model.LeadStatusFailed:
			c.Failed++
		}
	}
	return c
}

// EligibleForPass returns the IDs of leads that a pass action at the step
// would move: sitting at the step and either untouched or processed.
func EligibleForPass(leads []model.Lead, stepNumber int) []string {
	var ids []string
	for i := range leads {
		l := &leads[i]
		if l.CurrentStep != stepNumber {
			continue
		}
		if l.Status == model.LeadStatusAvailable || l.Status == model.LeadStatusProcessed {
			ids = append(ids, l.ID)
		}
	}
	return ids
}
