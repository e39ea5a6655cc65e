package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/bom-matcher/internal/cache"
	"github.com/sells-group/bom-matcher/internal/llm"
	"github.com/sells-group/bom-matcher/internal/pipeline"
	"github.com/sells-group/bom-matcher/internal/store"
	anthropicpkg "github.com/sells-group/bom-matcher/pkg/anthropic"
	"github.com/sells-group/bom-matcher/pkg/mouser"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initMatcher(st store.Store) *pipeline.Matcher {
	searchCache := cache.New(st, time.Duration(cfg.Cache.MaxAgeHours)*time.Hour)
	catalog := mouser.NewClient(cfg.Mouser.Key,
		mouser.WithBaseURL(cfg.Mouser.BaseURL),
		mouser.WithCache(searchCache),
		mouser.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Mouser.RequestsPerSecond), 1)),
	)
	generator := llm.NewGenerator(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model)

	return pipeline.NewMatcher(st, catalog, generator, cfg.Pipeline.RecordsPerSearch)
}
