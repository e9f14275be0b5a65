package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadgen-cli/internal/config"
	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/resilience"
	"github.com/sells-group/leadgen-cli/pkg/extract"
)

type discoveredBusiness struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type discoveryPayload struct {
	Businesses []discoveredBusiness `json:"businesses"`
}

type pageResult struct {
	page       int
	businesses []discoveredBusiness
	err        error
}

// pagePlan returns the listing page numbers a job must fetch: enough pages
// to cover the leads limit, starting at the job's page offset.
func pagePlan(leadsLimit, pageSize, pageOffset int) []int {
	if pageSize <= 0 {
		pageSize = 21
	}
	count := (leadsLimit + pageSize - 1) / pageSize
	pages := make([]int, count)
	for i := range pages {
		pages[i] = pageOffset + i
	}
	return pages
}

// listingPageURL builds the directory URL for one listing page, carrying
// the job's location and category filters.
func listingPageURL(base string, job *model.Job, page int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", eris.Wrapf(err, "discover: parse listing url %q", base)
	}
	q := u.Query()
	if job.Category != "" {
		q.Set("category", job.Category)
	}
	if job.City != "" {
		q.Set("city", job.City)
	}
	if job.Region != "" {
		q.Set("region", job.Region)
	}
	if job.Country != "" {
		q.Set("country", job.Country)
	}
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// discover runs stage 1: fan out over listing pages, collect candidate
// businesses, filter and dedupe them, and persist the survivors as leads.
func (p *Pipeline) discover(ctx context.Context, job *model.Job) error {
	platform := p.cfg.Platform(job.Platform)
	stage := p.cfg.Stage(model.StepDiscovery)
	if platform.ListingURL == "" {
		return eris.Errorf("discover: platform %q has no listing url", job.Platform)
	}

	schema, err := jsonschema.CompileString("discovery.json", stage.Schema)
	if err != nil {
		return eris.Wrap(err, "discover: compile stage schema")
	}

	var urlPattern *regexp.Regexp
	if platform.LeadURLPattern != "" {
		urlPattern, err = regexp.Compile(platform.LeadURLPattern)
		if err != nil {
			return eris.Wrap(err, "discover: compile lead url pattern")
		}
	}

	pages := pagePlan(job.LeadsLimit, platform.PageSize, job.PageOffset)
	zap.L().Info("discovery starting",
		zap.String("job_id", job.ID),
		zap.Ints("pages", pages),
		zap.Int("batch_ceiling", p.limiter.Ceiling()))

	results := make([]pageResult, 0, len(pages))
	var mu sync.Mutex

	// Pages run in batches no larger than the rate ceiling. Batches are
	// sequential; pages within a batch run concurrently.
	ceiling := p.limiter.Ceiling()
	for start := 0; start < len(pages); start += ceiling {
		end := start + ceiling
		if end > len(pages) {
			end = len(pages)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, page := range pages[start:end] {
			g.Go(func() error {
				res := p.fetchListingPage(gctx, job, platform.ListingURL, stage, schema, page)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				if errors.Is(res.err, resilience.ErrCircuitOpen) {
					return res.err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			// The collaborator is unreachable; remaining pages would only
			// hammer an open breaker.
			break
		}
	}

	usable := 0
	var candidates []discoveredBusiness
	for _, res := range results {
		if res.err != nil {
			zap.L().Warn("listing page failed",
				zap.String("job_id", job.ID),
				zap.Int("page", res.page),
				zap.Error(res.err))
			continue
		}
		usable++
		candidates = append(candidates, res.businesses...)
	}
	if usable == 0 {
		return eris.Errorf("discover: no usable pages out of %d", len(pages))
	}

	leads := p.sift(job, candidates, urlPattern)

	if !p.jobActive(ctx, job.ID) {
		zap.L().Info("job no longer active, discarding discovery results", zap.String("job_id", job.ID))
		return nil
	}

	existing, err := p.store.ListStepLeads(ctx, job.ID, model.StepDiscovery)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(existing))
	for i := range existing {
		seen[existing[i].SourceURL] = struct{}{}
	}

	fresh := leads[:0]
	for _, l := range leads {
		if _, ok := seen[l.SourceURL]; ok {
			continue
		}
		fresh = append(fresh, l)
	}
	if room := job.LeadsLimit - len(existing); len(fresh) > room {
		if room < 0 {
			room = 0
		}
		fresh = fresh[:room]
	}

	if len(fresh) == 0 {
		zap.L().Info("discovery found no new leads", zap.String("job_id", job.ID))
		return nil
	}

	inserted, err := p.store.AddDiscoveredLeads(ctx, job.ID, fresh)
	if err != nil {
		return eris.Wrap(err, "discover: persist leads")
	}

	zap.L().Info("discovery finished",
		zap.String("job_id", job.ID),
		zap.Int("pages_usable", usable),
		zap.Int("candidates", len(candidates)),
		zap.Int("inserted", inserted))
	return nil
}

// fetchListingPage extracts one listing page's businesses. Failures are
// contained in the result so a bad page never sinks its batch.
func (p *Pipeline) fetchListingPage(ctx context.Context, job *model.Job, listingURL string, stage config.StageConfig, schema *jsonschema.Schema, page int) pageResult {
	pageURL, err := listingPageURL(listingURL, job, page)
	if err != nil {
		return pageResult{page: page, err: err}
	}

	result, err := p.callExtract(ctx, extract.Request{
		URL:    pageURL,
		Prompt: stage.Prompt,
		Schema: json.RawMessage(stage.Schema),
		Fresh:  stage.Fresh,
	})
	if err != nil {
		return pageResult{page: page, err: err}
	}

	if err := validateAgainst(schema, result.Data); err != nil {
		return pageResult{page: page, err: eris.Wrapf(err, "discover: page %d payload", page)}
	}

	var payload discoveryPayload
	if err := json.Unmarshal(result.Data, &payload); err != nil {
		return pageResult{page: page, err: eris.Wrapf(err, "discover: decode page %d", page)}
	}

	zap.L().Debug("listing page extracted",
		zap.Int("page", page),
		zap.Int("businesses", len(payload.Businesses)),
		zap.String("cache_state", result.Metadata.CacheState))
	return pageResult{page: page, businesses: payload.Businesses}
}

// sift applies structural validation, the exclusion denylist, and
// first-wins dedupe, and converts survivors to leads.
func (p *Pipeline) sift(job *model.Job, candidates []discoveredBusiness, urlPattern *regexp.Regexp) []model.Lead {
	var malformed, excluded, duplicate int
	seen := make(map[string]struct{}, len(candidates))
	leads := make([]model.Lead, 0, len(candidates))

	for _, c := range candidates {
		if c.Name == "" || c.URL == "" {
			malformed++
			continue
		}
		if urlPattern != nil && !urlPattern.MatchString(c.URL) {
			malformed++
			continue
		}
		if pattern, hit := p.denylist.Match(c.Name); hit {
			zap.L().Debug("candidate excluded",
				zap.String("name", c.Name),
				zap.String("rule", pattern))
			excluded++
			continue
		}
		if _, dup := seen[c.URL]; dup {
			duplicate++
			continue
		}
		seen[c.URL] = struct{}{}
		leads = append(leads, model.Lead{
			JobID:     job.ID,
			Name:      c.Name,
			SourceURL: c.URL,
		})
	}

	zap.L().Info("candidates sifted",
		zap.String("job_id", job.ID),
		zap.Int("total", len(candidates)),
		zap.Int("malformed", malformed),
		zap.Int("excluded", excluded),
		zap.Int("duplicate", duplicate),
		zap.Int("kept", len(leads)))
	return leads
}

// callExtract wraps one extraction call with the shared rate budget, the
// circuit breaker, the per-call timeout, and transient-error retry.
func (p *Pipeline) callExtract(ctx context.Context, req extract.Request) (*extract.Result, error) {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger(fmt.Sprintf("extract %s", req.URL))

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*extract.Result, error) {
		if err := p.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		if err := p.breaker.Allow(); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		result, err := p.extract.Extract(callCtx, req)
		p.breaker.Record(err)
		return result, err
	})
}

// validateAgainst checks raw JSON data against a compiled schema.
func validateAgainst(schema *jsonschema.Schema, data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, "decode payload")
	}
	return schema.Validate(v)
}
