package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zen-systems/referralgate/pkg/config"
	"github.com/zen-systems/referralgate/pkg/identity"
	"github.com/zen-systems/referralgate/pkg/intake"
	"github.com/zen-systems/referralgate/pkg/mcpserver"
	"github.com/zen-systems/referralgate/pkg/server"
)

var version = "dev"

var (
	configFile string
	overrides  = config.NewViper()
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "referralgate",
		Short: "Conversational intake controller for patient referrals",
		Long: `Referralgate runs a turn-based referral intake conversation: it screens
	each message, asks an LLM for the next step, verifies the referring provider
	against the national registry, and keeps the checklist in order.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to config file (default ~/.referralgate/config.yaml)")
	flags.String("adapter", "", "oracle adapter: anthropic, openai, google, deepseek or mock")
	flags.String("model", "", "oracle model or alias")
	flags.String("store", "", "case store driver: memory, sqlite or file")
	flags.String("store-path", "", "case store path")
	flags.String("evidence-dir", "", "directory for per-turn evidence records")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Bool("dev", false, "human-readable development logging")
	flags.Int("max-turns", 0, "turn budget per conversation")

	bind := func(name, key string) {
		_ = overrides.BindPFlag(key, flags.Lookup(name))
	}
	bind("adapter", config.KeyOracleAdapter)
	bind("model", config.KeyOracleModel)
	bind("store", config.KeyStoreDriver)
	bind("store-path", config.KeyStorePath)
	bind("evidence-dir", config.KeyEvidenceDir)
	bind("log-level", config.KeyLogLevel)
	bind("dev", config.KeyLogDevelopment)
	bind("max-turns", config.KeyMaxTurns)

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(modelsCmd())

	return rootCmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the intake controller over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(a.ctrl, a.registry, cfg.Server.Addr, logger)
			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", zap.String("addr", cfg.Server.Addr))
				errCh <- srv.Start()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().String("addr", "", "listen address")
	_ = overrides.BindPFlag(config.KeyServerAddr, cmd.Flags().Lookup("addr"))

	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve intake and provider lookup as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return mcpserver.NewServer(a.ctrl, a.resolver, version).Run(ctx)
		},
	}
}

func chatCmd() *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an intake conversation in the terminal",
		Long: `Reads one message per line from stdin and prints each reply.
	The conversation ends when the case reaches a terminal state or input ends.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			errOut := cmd.ErrOrStderr()
			a, err := buildApp(cfg, logger, intake.WithProgress(func(_ string, ev intake.ProgressEvent) {
				fmt.Fprintf(errOut, "... %s\n", ev.Message)
			}))
			if err != nil {
				return err
			}
			defer a.Close()

			return chat(cmd.Context(), a.ctrl, conversationID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "resume an existing conversation")

	return cmd
}

// chat drives ctrl from line-oriented input until a terminal state.
func chat(ctx context.Context, ctrl *intake.Controller, conversationID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		res, err := ctrl.HandleTurn(ctx, conversationID, line)
		if err != nil {
			return err
		}
		conversationID = res.ConversationID
		fmt.Fprintf(out, "%s\n", res.ResponseText)
		if res.TaskState.Terminal() {
			fmt.Fprintf(out, "[%s: %s]\n", res.TaskState, res.SubState)
			return nil
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func resolveCmd() *cobra.Command {
	var req identity.Request

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Look up a referring provider in the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			resolver := identity.NewResolver(newRegistryClient(cfg, logger), logger)
			outcome, err := resolver.Resolve(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(outcome)
		},
	}

	cmd.Flags().StringVar(&req.FirstName, "first", "", "first name (required)")
	cmd.Flags().StringVar(&req.LastName, "last", "", "last name (required)")
	cmd.Flags().StringVar(&req.City, "city", "", "practice city")
	cmd.Flags().StringVar(&req.State, "state", "", "two-letter practice state")
	cmd.Flags().StringVar(&req.ClaimedIdentifier, "npi", "", "claimed NPI")
	_ = cmd.MarkFlagRequired("first")
	_ = cmd.MarkFlagRequired("last")

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Models.ValidateModel(cfg.Oracle.Adapter, cfg.ResolvedModel()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid (oracle %s/%s, store %s).\n",
				cfg.Oracle.Adapter, cfg.ResolvedModel(), cfg.Store.Driver)
			return nil
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List oracle adapters, models and aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODELS\tSTATUS")
			providers := make([]string, 0, len(cfg.Models.Providers))
			for p := range cfg.Models.Providers {
				providers = append(providers, p)
			}
			sort.Strings(providers)
			for _, p := range providers {
				status := "no key"
				if cfg.HasAdapter(p) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p, strings.Join(cfg.Models.Providers[p], ", "), status)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "ALIAS\tMODEL\t")
			names := make([]string, 0, len(cfg.Models.Aliases))
			for n := range cfg.Models.Aliases {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Fprintf(w, "%s\t%s\t\n", n, cfg.Models.Aliases[n])
			}
			return w.Flush()
		},
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	config.ApplyOverrides(cfg, overrides)
	return cfg, nil
}

// setup loads and validates configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
