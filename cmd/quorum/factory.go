package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/quorum/internal/config"
	"github.com/ShayCichocki/quorum/internal/coord"
	"github.com/ShayCichocki/quorum/internal/llm"
	"github.com/ShayCichocki/quorum/internal/logging"
	"github.com/ShayCichocki/quorum/internal/orchestrator"
	"github.com/ShayCichocki/quorum/internal/planner"
	"github.com/ShayCichocki/quorum/internal/reasoning"
	"github.com/ShayCichocki/quorum/internal/registry"
	"github.com/ShayCichocki/quorum/internal/selector"
	"github.com/ShayCichocki/quorum/internal/workspace"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	root     string
	logger   zerolog.Logger
	closer   io.Closer
	registry *registry.Registry
	tracker  *llm.Tracker
	selector *selector.Selector
}

// loadApp reads configuration, applies flag overrides and builds the logger
// and model catalog.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return newApp(ctx, cfg, root)
}

func newApp(ctx context.Context, cfg *config.Config, root string) (*app, error) {
	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(root, logFile)
	}
	logger, closer, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		File:   logFile,
	})
	if err != nil {
		return nil, err
	}
	logging.SetGlobal(logger)

	reg := registry.New(registry.WithLogger(logger.With().Str("component", "registry").Logger()))
	if path := cfg.Registry.Path; path != "" {
		if cfg.Registry.Watch {
			err = reg.Watch(ctx, path)
		} else {
			err = reg.LoadFile(path)
		}
		if err != nil {
			closer.Close()
			return nil, fmt.Errorf("load model catalog: %w", err)
		}
	}

	return &app{
		cfg:      cfg,
		root:     root,
		logger:   logger,
		closer:   closer,
		registry: reg,
		tracker:  llm.NewTracker(),
		selector: selector.New(reg),
	}, nil
}

func (a *app) Close() error {
	return a.closer.Close()
}

// generator builds the Claude backend behind retries and provider routing.
func (a *app) generator(ctx context.Context) (llm.Generator, error) {
	creds, err := config.ResolveCredentials(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or anthropic.api_key", err)
	}
	a.logger.Debug().Str("source", string(creds.Source)).Str("key", config.MaskAPIKey(creds.APIKey)).Msg("model credentials")
	claude, err := llm.NewAnthropic(ctx, llm.AnthropicConfig{
		APIKey:     creds.APIKey,
		UseBedrock: a.cfg.Anthropic.UseBedrock,
		AWSRegion:  a.cfg.Anthropic.AWSRegion,
		AWSProfile: a.cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("create Claude client: %w", err)
	}

	retry := llm.DefaultRetryConfig()
	retry.CallTimeout = a.cfg.LLM.CallTimeout
	retry.MaxRetries = a.cfg.LLM.MaxRetries
	retry.Backoff = a.cfg.LLM.Backoff

	router := llm.NewRouter(a.registry, a.tracker)
	router.Register(registry.ProviderAnthropic, llm.NewRetrying(claude, retry, a.logger.With().Str("component", "llm").Logger()))
	router.SetFallback(registry.ProviderAnthropic)
	return router, nil
}

func (a *app) agentDefaults() (planner.AgentDefaults, error) {
	mapping, err := a.cfg.Defaults.ComplexityMapping()
	if err != nil {
		return planner.AgentDefaults{}, err
	}
	return planner.AgentDefaults{
		AutoSelectModel: a.cfg.Defaults.AutoSelectModel,
		DefaultModel:    a.cfg.Defaults.Model,
		ModelMapping:    mapping,
	}, nil
}

func (a *app) planner(gen llm.Generator) (*planner.Planner, error) {
	defaults, err := a.agentDefaults()
	if err != nil {
		return nil, err
	}
	return planner.New(gen,
		planner.WithModel(a.cfg.Defaults.Model),
		planner.WithDefaults(defaults),
		planner.WithLogger(a.logger.With().Str("component", "planner").Logger()),
	), nil
}

func (a *app) reasoningParams() reasoning.Params {
	p := reasoning.DefaultParams()
	p.Temperature = a.cfg.LLM.Temperature
	p.TopP = a.cfg.LLM.TopP
	if a.cfg.LLM.MaxTokens > 0 {
		p.MaxTokens = a.cfg.LLM.MaxTokens
	}
	r := a.cfg.Reasoning
	p.Breadth = r.Breadth
	p.Depth = r.Depth
	p.NumSamples = r.NumSamples
	p.ConsensusTemperature = r.ConsensusTemperature
	p.MaxIterations = r.MaxIterations
	p.MaxSteps = r.MaxSteps
	return p
}

// storeFile resolves the configured store path against the project root.
// It returns "" for the in-memory store.
func (a *app) storeFile() string {
	if a.cfg.Store.InMemoryStore() {
		return ""
	}
	if filepath.IsAbs(a.cfg.Store.Path) {
		return a.cfg.Store.Path
	}
	return filepath.Join(a.root, a.cfg.Store.Path)
}

func (a *app) openStore() (coord.Store, error) {
	path := a.storeFile()
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return coord.Open(path)
}

// workspaces uses git worktrees inside a repository and private directory
// copies elsewhere.
func (a *app) workspaces(ctx context.Context, runID string) (workspace.Provider, error) {
	logger := a.logger.With().Str("component", "workspace").Logger()
	gp, err := workspace.NewGitProvider(ctx, a.root, runID, workspace.WithGitLogger(logger))
	if err == nil {
		return gp, nil
	}
	logger.Debug().Err(err).Msg("no git repository, using directory workspaces")
	return workspace.NewDirProvider(a.root, filepath.Join(a.root, ".quorum", "worktrees"))
}

// runFlags are the per-invocation overrides of run and serve.
type runFlags struct {
	policy      string
	maxParallel int
	noMerge     bool
}

func (a *app) orchestratorOptions(f runFlags) ([]orchestrator.Option, error) {
	oc := a.cfg.Orchestrator
	policyName := oc.Policy
	if f.policy != "" {
		policyName = f.policy
	}
	policy, err := orchestrator.ParsePolicy(policyName)
	if err != nil {
		return nil, err
	}
	maxParallel := oc.MaxParallel
	if f.maxParallel != 0 {
		maxParallel = f.maxParallel
	}
	if maxParallel < 1 {
		return nil, errors.New("--max-parallel must be at least 1")
	}
	return []orchestrator.Option{
		orchestrator.WithPolicy(policy),
		orchestrator.WithMaxParallel(maxParallel),
		orchestrator.WithPollInterval(oc.PollInterval),
		orchestrator.WithSubtaskRetries(oc.SubtaskRetries),
		orchestrator.WithSubtaskTimeout(oc.SubtaskTimeout),
		orchestrator.WithQualityGate(oc.QualityThreshold, oc.QualityRetries),
		orchestrator.WithAutoMerge(oc.AutoMerge && !f.noMerge),
		orchestrator.WithBaseBranch(oc.BaseBranch),
		orchestrator.WithReasoningParams(a.reasoningParams()),
		orchestrator.WithLogger(a.logger.With().Str("component", "orchestrator").Logger()),
	}, nil
}

func (a *app) orchestrator(plan orchestrator.Planner, gen llm.Generator, store coord.Store, ws workspace.Provider, f runFlags) (*orchestrator.Orchestrator, error) {
	opts, err := a.orchestratorOptions(f)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(orchestrator.RequiredConfig{
		Planner:    plan,
		Engine:     reasoning.NewEngine(gen, reasoning.WithLogger(a.logger.With().Str("component", "reasoning").Logger())),
		Selector:   a.selector,
		Store:      store,
		Workspaces: ws,
	}, opts...)
}
