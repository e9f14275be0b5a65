package model

import "time"

// LeadStatus is a lead's progression status relative to its current step.
// It is meaningful only for the step the lead currently occupies; views of
// earlier steps must derive "passed" from CurrentStep instead.
type LeadStatus string

const (
	LeadStatusAvailable  LeadStatus = "available"
	LeadStatusProcessing LeadStatus = "processing"
	LeadStatusProcessed  LeadStatus = "processed"
	LeadStatusPassed     LeadStatus = "passed"
	LeadStatusFailed     LeadStatus = "failed"
)

// Lead is one candidate business progressing through the pipeline.
// Enrichment fields are populated incrementally by their owning step and
// stay nil/empty until then.
type Lead struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	CurrentStep int        `json:"current_step"`
	Status      LeadStatus `json:"status"`

	// Step 1: discovery.
	Name      string `json:"name"`
	SourceURL string `json:"source_url"`

	// Step 2: platform details.
	Address     string   `json:"address,omitempty"`
	City        string   `json:"city,omitempty"`
	Region      string   `json:"region,omitempty"`
	Country     string   `json:"country,omitempty"`
	Rating      *float64 `json:"rating,omitempty"`
	ReviewCount *int     `json:"review_count,omitempty"`

	// Step 3: web presence.
	Phone   string `json:"phone,omitempty"`
	Website string `json:"website,omitempty"`

	// Step 4: social.
	FacebookURL  string `json:"facebook_url,omitempty"`
	InstagramURL string `json:"instagram_url,omitempty"`

	// Step 5: contacts.
	ContactName  string `json:"contact_name,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
	ContactPhone string `json:"contact_phone,omitempty"`

	ValidationErrors []string  `json:"validation_errors,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DisplayStatus returns the status a lead should show when viewed at the
// given step. A lead that has advanced past the step is always "passed";
// a lead at the step shows its stored status. Leads behind the step should
// not appear in that step's view at all.
func (l *Lead) DisplayStatus(step int) LeadStatus {
	if l.CurrentStep > step {
		return LeadStatusPassed
	}
	return l.Status
}

// AddValidationError appends a data-quality note without failing the lead.
func (l *Lead) AddValidationError(msg string) {
	l.ValidationErrors = append(l.ValidationErrors, msg)
}
