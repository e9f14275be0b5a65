package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadgen-cli/internal/pipeline"
	"github.com/sells-group/leadgen-cli/internal/store"
	"github.com/sells-group/leadgen-cli/pkg/extract"
)

// env bundles the wired components a command needs.
type env struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leadgen.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initExtract() (extract.Client, error) {
	switch cfg.Extract.Provider {
	case "http":
		if cfg.Extract.Key == "" {
			return nil, eris.New("extract API key is required (LEADGEN_EXTRACT_KEY)")
		}
		opts := []extract.Option{}
		if cfg.Extract.BaseURL != "" {
			opts = append(opts, extract.WithBaseURL(cfg.Extract.BaseURL))
		}
		if cfg.Extract.MaxAgeHours > 0 {
			opts = append(opts, extract.WithMaxAge(cfg.Extract.MaxAge()))
		}
		return extract.NewClient(cfg.Extract.Key, opts...), nil
	case "claude":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("anthropic API key is required (LEADGEN_ANTHROPIC_KEY)")
		}
		reader := extract.NewReader(cfg.Reader.BaseURL, cfg.Reader.Key)
		return extract.NewClaudeClient(cfg.Anthropic.Key, cfg.Anthropic.Model, reader), nil
	default:
		return nil, eris.Errorf("unsupported extract provider: %s", cfg.Extract.Provider)
	}
}

func initPipeline(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	client, err := initExtract()
	if err != nil {
		st.Close()
		return nil, err
	}

	p, err := pipeline.New(cfg, st, client)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &env{Store: st, Pipeline: p}, nil
}
