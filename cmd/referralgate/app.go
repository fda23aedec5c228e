package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/referralgate/pkg/adapter"
	"github.com/zen-systems/referralgate/pkg/config"
	"github.com/zen-systems/referralgate/pkg/evidence"
	"github.com/zen-systems/referralgate/pkg/identity"
	"github.com/zen-systems/referralgate/pkg/intake"
	"github.com/zen-systems/referralgate/pkg/logging"
	"github.com/zen-systems/referralgate/pkg/oracle"
	"github.com/zen-systems/referralgate/pkg/registry"
	"github.com/zen-systems/referralgate/pkg/screen"
	"github.com/zen-systems/referralgate/pkg/store"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *registry.Client
	resolver *identity.Resolver
	store    store.CaseStore
	ctrl     *intake.Controller
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Development)
}

func newRegistryClient(cfg *config.Config, logger *zap.Logger) *registry.Client {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return registry.NewClient(
		registry.WithBaseURL(cfg.Registry.BaseURL),
		registry.WithVersion(cfg.Registry.Version),
		registry.WithLimit(cfg.Registry.Limit),
		registry.WithTimeout(cfg.Registry.Timeout()),
		registry.WithRetry(registry.RetryPolicy{
			MaxAttempts:   cfg.Registry.MaxAttempts,
			RateLimitBase: ms(cfg.Registry.RateLimitBackoffMs),
			TransientBase: ms(cfg.Registry.TransientBackoffMs),
			MaxBackoff:    ms(cfg.Registry.MaxBackoffMs),
		}),
		registry.WithLogger(logger),
	)
}

// createAdapter builds the adapter named by the oracle configuration.
func createAdapter(cfg *config.Config) (adapter.Adapter, error) {
	switch cfg.Oracle.Adapter {
	case "anthropic":
		a, err := adapter.NewAnthropicAdapter(cfg.APIKeys.Anthropic)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		return a, nil
	case "openai":
		a, err := adapter.NewOpenAIAdapter(cfg.APIKeys.OpenAI)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		return a, nil
	case "google":
		a, err := adapter.NewGoogleAdapter(cfg.APIKeys.Google)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		return a, nil
	case "deepseek":
		a, err := adapter.NewDeepSeekAdapter(cfg.APIKeys.DeepSeek)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		return a, nil
	case "mock":
		return adapter.NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Oracle.Adapter)
	}
}

// buildApp wires every component from cfg. extra options are applied last.
func buildApp(cfg *config.Config, logger *zap.Logger, extra ...intake.Option) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.registry = newRegistryClient(cfg, logger)
	a.resolver = identity.NewResolver(a.registry, logger)

	llm, err := createAdapter(cfg)
	if err != nil {
		return nil, err
	}
	o, err := oracle.New(llm, oracle.Options{
		Model:       cfg.ResolvedModel(),
		Temperature: cfg.Oracle.Temperature,
		MaxTokens:   cfg.Oracle.MaxTokens,
		Timeout:     cfg.Oracle.Timeout(),
		MaxRetries:  cfg.Oracle.Retry.MaxRetries,
		BaseBackoff: time.Duration(cfg.Oracle.Retry.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Oracle.Retry.MaxBackoffMs) * time.Millisecond,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	a.store, err = store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	opts := []intake.Option{
		intake.WithStore(a.store),
		intake.WithResolver(a.resolver),
		intake.WithLogger(logger),
		intake.WithScreens(screen.New(screen.Phrases{
			Emergency:        cfg.Intake.EmergencyPhrases,
			Cancel:           cfg.Intake.CancelPhrases,
			CancelUtterances: cfg.Intake.CancelUtterances,
			OutOfScope:       cfg.Intake.OutOfScopePhrases,
		})),
		intake.WithMaxTurns(cfg.Intake.MaxTurns),
		intake.WithMaxToolRounds(cfg.Intake.MaxToolRounds),
		intake.WithMaxConcurrentTurns(cfg.Intake.MaxConcurrentTurns),
	}
	if cfg.EvidenceDir != "" {
		w, err := evidence.NewWriter(cfg.EvidenceDir)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open evidence dir: %w", err)
		}
		opts = append(opts, intake.WithRecorder(w))
	}

	a.ctrl, err = intake.New(o, append(opts, extra...)...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
