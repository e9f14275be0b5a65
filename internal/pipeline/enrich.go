package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/resilience"
	"github.com/sells-group/leadgen-cli/pkg/extract"
)

// enrichmentPayload is the union of every enrichment stage's output. Each
// stage fills only its own fields; pointers distinguish absent from empty.
type enrichmentPayload struct {
	Address     *string  `json:"address"`
	City        *string  `json:"city"`
	Region      *string  `json:"region"`
	Country     *string  `json:"country"`
	Rating      *float64 `json:"rating"`
	ReviewCount *int     `json:"review_count"`

	Website *string `json:"website"`
	Phone   *string `json:"phone"`

	FacebookURL  *string `json:"facebook_url"`
	InstagramURL *string `json:"instagram_url"`

	ContactName  *string `json:"contact_name"`
	ContactEmail *string `json:"contact_email"`
	ContactPhone *string `json:"contact_phone"`
}

type leadOutcome struct {
	processed bool
	err       error
}

// enrich runs one enrichment stage over every lead waiting at the step.
// The idle return reports that no leads were waiting and nothing changed.
func (p *Pipeline) enrich(ctx context.Context, job *model.Job, stepNumber int) (idle bool, err error) {
	stage := p.cfg.Stage(stepNumber)
	if stage.Prompt == "" {
		return false, eris.Errorf("enrich: no stage configured for step %d", stepNumber)
	}

	schema, err := jsonschema.CompileString(fmt.Sprintf("stage%d.json", stepNumber), stage.Schema)
	if err != nil {
		return false, eris.Wrapf(err, "enrich: compile stage %d schema", stepNumber)
	}

	leads, err := p.store.ListLeadsForProcessing(ctx, job.ID, stepNumber)
	if err != nil {
		return false, err
	}
	if len(leads) == 0 {
		zap.L().Info("no leads waiting",
			zap.String("job_id", job.ID),
			zap.Int("step", stepNumber))
		return true, nil
	}

	zap.L().Info("enrichment starting",
		zap.String("job_id", job.ID),
		zap.Int("step", stepNumber),
		zap.Int("leads", len(leads)),
		zap.Int("batch_ceiling", p.limiter.Ceiling()))

	outcomes := make([]leadOutcome, len(leads))
	ceiling := p.limiter.Ceiling()
	var mu sync.Mutex
	aborted := false

	for start := 0; start < len(leads) && !aborted; start += ceiling {
		end := start + ceiling
		if end > len(leads) {
			end = len(leads)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				outcome := p.enrichLead(gctx, job, &leads[i], stepNumber, stage.Prompt, stage.Schema, stage.Fresh, schema)
				mu.Lock()
				outcomes[i] = outcome
				mu.Unlock()
				if errors.Is(outcome.err, resilience.ErrCircuitOpen) {
					return outcome.err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			aborted = true
		}
	}

	processed, failed := 0, 0
	for _, o := range outcomes {
		switch {
		case o.processed:
			processed++
		case o.err != nil:
			failed++
		}
	}

	if !p.jobActive(ctx, job.ID) {
		zap.L().Info("job no longer active, discarding stage outcome",
			zap.String("job_id", job.ID),
			zap.Int("step", stepNumber))
		return false, nil
	}

	if err := p.store.RecordOutcome(ctx, job.ID, stepNumber, processed, failed); err != nil {
		return false, err
	}

	zap.L().Info("enrichment finished",
		zap.String("job_id", job.ID),
		zap.Int("step", stepNumber),
		zap.Int("processed", processed),
		zap.Int("failed", failed))

	if aborted {
		return false, eris.Errorf("enrich: extraction service unavailable at step %d", stepNumber)
	}
	if processed == 0 {
		return false, eris.Errorf("enrich: every lead failed at step %d", stepNumber)
	}
	return false, nil
}

// enrichLead processes a single lead. Every failure mode marks the lead
// failed so a later invocation can retry it.
func (p *Pipeline) enrichLead(ctx context.Context, job *model.Job, lead *model.Lead, stepNumber int, prompt, rawSchema string, fresh bool, schema *jsonschema.Schema) leadOutcome {
	if err := p.store.UpdateLeadStatus(ctx, lead.ID, model.LeadStatusProcessing); err != nil {
		return leadOutcome{err: err}
	}

	result, err := p.callExtract(ctx, extract.Request{
		URL:    lead.SourceURL,
		Prompt: prompt,
		Schema: json.RawMessage(rawSchema),
		Fresh:  fresh,
	})
	if err != nil {
		p.failLead(ctx, lead.ID, err)
		return leadOutcome{err: err}
	}

	if !p.jobActive(ctx, job.ID) {
		zap.L().Info("job no longer active, discarding extraction",
			zap.String("job_id", job.ID),
			zap.String("lead_id", lead.ID))
		return leadOutcome{}
	}

	if err := validateAgainst(schema, result.Data); err != nil {
		err = eris.Wrapf(err, "enrich: lead %s payload", lead.ID)
		p.failLead(ctx, lead.ID, err)
		return leadOutcome{err: err}
	}

	var payload enrichmentPayload
	if err := json.Unmarshal(result.Data, &payload); err != nil {
		err = eris.Wrapf(err, "enrich: decode lead %s", lead.ID)
		p.failLead(ctx, lead.ID, err)
		return leadOutcome{err: err}
	}

	mergeStage(lead, stepNumber, &payload)
	lead.Status = model.LeadStatusProcessed
	if err := p.store.SaveLeadEnrichment(ctx, lead); err != nil {
		return leadOutcome{err: err}
	}

	zap.L().Debug("lead enriched",
		zap.String("lead_id", lead.ID),
		zap.Int("step", stepNumber),
		zap.String("cache_state", result.Metadata.CacheState))
	return leadOutcome{processed: true}
}

func (p *Pipeline) failLead(ctx context.Context, leadID string, cause error) {
	zap.L().Warn("lead enrichment failed", zap.String("lead_id", leadID), zap.Error(cause))
	if err := p.store.UpdateLeadStatus(ctx, leadID, model.LeadStatusFailed); err != nil {
		zap.L().Error("mark lead failed", zap.String("lead_id", leadID), zap.Error(err))
	}
}

// mergeStage folds a stage's payload into the lead, cleaning values and
// recording anything implausible in the lead's validation errors.
func mergeStage(lead *model.Lead, stepNumber int, payload *enrichmentPayload) {
	switch stepNumber {
	case model.StepPlatformDetail:
		lead.Address = cleanText(payload.Address)
		lead.City = cleanText(payload.City)
		lead.Region = cleanText(payload.Region)
		lead.Country = cleanText(payload.Country)
		if payload.Rating != nil {
			if *payload.Rating < 0 || *payload.Rating > 5 {
				lead.AddValidationError(fmt.Sprintf("rating out of range: %v", *payload.Rating))
			} else {
				lead.Rating = payload.Rating
			}
		}
		if payload.ReviewCount != nil {
			if *payload.ReviewCount < 0 {
				lead.AddValidationError(fmt.Sprintf("negative review count: %d", *payload.ReviewCount))
			} else {
				lead.ReviewCount = payload.ReviewCount
			}
		}
	case model.StepWebPresence:
		lead.Phone = cleanText(payload.Phone)
		if site := cleanURL(payload.Website); site != "" {
			lead.Website = site
		} else if payload.Website != nil && *payload.Website != "" {
			lead.AddValidationError(fmt.Sprintf("unusable website url: %q", *payload.Website))
		}
	case model.StepSocial:
		lead.FacebookURL = cleanURL(payload.FacebookURL)
		lead.InstagramURL = cleanURL(payload.InstagramURL)
	case model.StepContacts:
		lead.ContactName = cleanText(payload.ContactName)
		lead.ContactPhone = cleanText(payload.ContactPhone)
		if email := cleanEmail(payload.ContactEmail); email != "" {
			lead.ContactEmail = email
		} else if payload.ContactEmail != nil && *payload.ContactEmail != "" {
			lead.AddValidationError(fmt.Sprintf("implausible email: %q", *payload.ContactEmail))
		}
	}
}

func cleanText(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func cleanURL(s *string) string {
	v := cleanText(s)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		v = "https://" + v
	}
	if strings.ContainsAny(v, " \t") {
		return ""
	}
	return v
}

func cleanEmail(s *string) string {
	v := strings.ToLower(cleanText(s))
	at := strings.Index(v, "@")
	if at < 1 || !strings.Contains(v[at+1:], ".") {
		return ""
	}
	return v
}
