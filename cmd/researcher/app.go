package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/llm"
	"github.com/mohammad-safakhou/researcher/internal/scholar"
	"github.com/mohammad-safakhou/researcher/internal/stage"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/vault"
	"github.com/mohammad-safakhou/researcher/internal/workflow"
)

// recordStore is what the CLI and the HTTP server need from the research ledger.
type recordStore interface {
	workflow.Ledger
	CreateProject(ctx context.Context, id, name, domain string, metadata map[string]interface{}) (store.Project, error)
	GetProject(ctx context.Context, id string) (store.Project, bool, error)
	ListProjects(ctx context.Context, status store.ProjectStatus) ([]store.Project, error)
	ArchiveProject(ctx context.Context, id string) error
	ListHypotheses(ctx context.Context, projectID string, status store.HypothesisStatus) ([]store.Hypothesis, error)
	ListDesigns(ctx context.Context, projectID string) ([]store.Design, error)
	ListRuns(ctx context.Context, projectID string) ([]store.Run, error)
	ListAnalyses(ctx context.Context, projectID string) ([]store.Analysis, error)
	ListStageRuns(ctx context.Context, projectID string) ([]store.StageRun, error)
}

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	records recordStore
	guard   *budget.Guard
	runner  *workflow.Runner
	closers []func() error
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.ledger != "" {
		cfg.Storage.Ledger = opts.ledger
		if err := cfg.Storage.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func openRecords(ctx context.Context, cfg *config.Config) (recordStore, func() error, error) {
	if cfg.Storage.Ledger == "memory" {
		return store.NewMemoryStore(), func() error { return nil }, nil
	}
	connectCtx := ctx
	if cfg.Storage.Postgres.Timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.Storage.Postgres.Timeout)
		defer cancel()
	}
	st, err := store.NewWithDSN(connectCtx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return st, st.Close, nil
}

func openGuard(ctx context.Context, cfg *config.Config) (*budget.Guard, func() error, error) {
	bcfg := budget.Config{
		MonthlyBudget:  cfg.Budget.Monthly,
		AlertThreshold: cfg.Budget.AlertThreshold,
		InputRate:      cfg.Budget.InputRate,
		OutputRate:     cfg.Budget.OutputRate,
		Enforce:        cfg.Budget.Enforce,
	}
	logger := log.New(log.Writer(), "[BUDGET] ", log.LstdFlags)
	switch cfg.Budget.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.Storage.Redis.Addr(),
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			DialTimeout: cfg.Storage.Redis.Timeout,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		g, err := budget.NewGuard(budget.NewRedisLedger(rdb, cfg.Budget.RedisKey), bcfg, budget.WithLogger(logger))
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return g, rdb.Close, nil
	default:
		ledger, err := budget.NewFileLedger(cfg.Budget.File)
		if err != nil {
			return nil, nil, err
		}
		g, err := budget.NewGuard(ledger, bcfg, budget.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return g, func() error { return nil }, nil
	}
}

func buildStages(cfg *config.Config, records stage.Ledger) (map[stage.Name]stage.Stage, error) {
	completer, err := llm.NewOpenAI(llm.Options{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		MaxRetries:  cfg.LLM.MaxRetries,
		Pricing:     llm.Pricing{InputPer1K: cfg.LLM.CostPer1K, OutputPer1K: cfg.LLM.CostPer1KOutput},
	})
	if err != nil {
		return nil, err
	}
	searcher := scholar.New(scholar.Options{
		BaseURL: cfg.Search.BaseURL,
		APIKey:  cfg.Search.APIKey,
		Delay:   cfg.Search.Delay,
		Timeout: cfg.Search.Timeout,
		Retries: cfg.Search.Retries,
	})
	var sink stage.Sink = vault.Discard
	if cfg.Vault.Enabled {
		v, err := vault.New(cfg.Vault.Root)
		if err != nil {
			return nil, err
		}
		sink = v
	}
	return stage.All(stage.Deps{
		Ledger:      records,
		Completer:   completer,
		Searcher:    searcher,
		Sink:        sink,
		Backend:     stage.SimulatedBackend{},
		Parallelism: cfg.Stages.Parallelism,
	}), nil
}

// openApp loads configuration and wires the application.
func openApp(ctx context.Context, opts *rootOptions, withStages bool) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, withStages)
}

// newApp wires the ledger and budget guard, plus the stage runner when withStages is set.
func newApp(ctx context.Context, cfg *config.Config, withStages bool) (*app, error) {
	a := &app{cfg: cfg}
	records, closeRecords, err := openRecords(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.records = records
	a.closers = append(a.closers, closeRecords)

	guard, closeGuard, err := openGuard(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.guard = guard
	a.closers = append(a.closers, closeGuard)

	if withStages {
		stages, err := buildStages(cfg, records)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.runner, err = workflow.NewRunner(records, guard, stages)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stageTimeout bounds a single CLI invocation.
func (a *app) stageTimeout() time.Duration {
	if a.cfg.General.DefaultTimeout > 0 {
		return a.cfg.General.DefaultTimeout
	}
	return 10 * time.Minute
}
