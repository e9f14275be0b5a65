package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadgen-cli/internal/model"
)

const (
	defaultWatchInitial = 2 * time.Second
	defaultWatchCap     = 15 * time.Second
	defaultWatchTimeout = 10 * time.Minute
)

// WatchOption configures step watching.
type WatchOption func(*watchConfig)

type watchConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
}

func defaultWatchConfig() watchConfig {
	return watchConfig{
		initial: defaultWatchInitial,
		cap:     defaultWatchCap,
		timeout: defaultWatchTimeout,
	}
}

// WithWatchInterval overrides the initial poll interval.
func WithWatchInterval(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		c.initial = d
	}
}

// WithWatchCap overrides the maximum poll interval.
func WithWatchCap(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		c.cap = d
	}
}

// WithWatchTimeout overrides the default timeout (applied only if the
// parent context has no deadline).
func WithWatchTimeout(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		c.timeout = d
	}
}

// WatchStep polls a step until it leaves in_progress, the job reaches a
// terminal state, or the context expires. Uses exponential backoff:
// 2s -> 4s -> 8s -> 15s (capped).
func (p *Pipeline) WatchStep(ctx context.Context, jobID string, stepNumber int, opts ...WatchOption) (*model.JobStep, error) {
	cfg := defaultWatchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	interval := cfg.initial
	for {
		job, err := p.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		step, err := p.store.GetStep(ctx, jobID, stepNumber)
		if err != nil {
			return nil, err
		}

		if step.Status != model.StepStatusInProgress {
			return step, nil
		}
		if job.Status.Terminal() {
			return step, nil
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), fmt.Sprintf("pipeline: watch step %d of job %s timed out", stepNumber, jobID))
		case <-time.After(interval):
		}

		interval *= 2
		if interval > cfg.cap {
			interval = cfg.cap
		}
	}
}
