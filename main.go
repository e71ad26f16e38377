package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dyike/CortexFlow/internal/agents"
	"github.com/dyike/CortexFlow/internal/cli"
	"github.com/dyike/CortexFlow/internal/config"
	"github.com/dyike/CortexFlow/internal/dataflows"
	"github.com/dyike/CortexFlow/internal/graph"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/server"
	"github.com/dyike/CortexFlow/internal/session"
	"github.com/dyike/CortexFlow/internal/storage/sqlite"
	"github.com/dyike/CortexFlow/internal/synthesis"
	"github.com/dyike/CortexFlow/internal/tools"
	"github.com/dyike/CortexFlow/internal/utils"
)

// app is the composition root shared by the serve and analyze commands.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *sqlite.Store
	hub    *session.Hub
	runner *session.Runner
	server *server.Server
}

func newApp(quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	log, err := newLogger(cfg.Debug, quiet)
	if err != nil {
		return nil, err
	}

	var enc *llm.Encryptor
	if cfg.SecretKey != "" {
		enc, err = llm.NewEncryptor(cfg.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("secret key: %w", err)
		}
	} else {
		log.Warn("CORTEXFLOW_SECRET_KEY not set; provider credentials cannot be persisted")
	}

	store, err := sqlite.Open(cfg.DBPath, enc, log)
	if err != nil {
		return nil, err
	}

	// Stored prompt versions take precedence over the embedded templates.
	utils.SetPromptOverride(func(name string) (string, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rec, err := store.GetPrompt(ctx, name)
		if err != nil || rec == nil {
			return "", false
		}
		return rec.Content, true
	})

	usage := llm.NewUsageAggregator()
	registry := llm.NewRegistry(store, enc, cfg, usage, log)
	provider := dataflows.NewProvider(cfg, log)
	toolkit := tools.NewToolkit(provider, log)
	deps := &agents.Deps{Cfg: cfg, Registry: registry, Toolkit: toolkit, Log: log}

	promReg := prometheus.NewRegistry()
	monitor := graph.NewMonitor(promReg)
	builder := graph.NewBuilder(deps, monitor)

	hub := session.NewHub(cfg.EventBufferSize, cfg.StreamRetention, monitor.EventDropped)
	synth := synthesis.New(registry, provider, log)
	pred := synthesis.NewPredictor(store, provider.Market, log)
	runner := session.NewRunner(cfg, builder, synth, pred, store, hub, monitor, log)
	srv := server.New(cfg, runner, hub, store, registry, enc, promReg, log)

	return &app{
		cfg:    cfg,
		log:    log,
		store:  store,
		hub:    hub,
		runner: runner,
		server: srv,
	}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
	_ = a.store.Close()
}

func newLogger(debug, quiet bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if quiet {
		// The interactive CLI owns stdout; keep logs to warnings.
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return cfg.Build()
}

func main() {
	root := &cobra.Command{
		Use:   "cortexflow",
		Short: "Multi-agent stock analysis orchestration engine",
		Long: "CortexFlow runs a staged pipeline of LLM-backed agents over market data:\n" +
			"analysts in parallel, a bull/bear research debate, a trading desk, a\n" +
			"three-seat risk committee, and a portfolio manager with the final word.",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), analyzeCmd(), sessionsCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			return a.server.Run()
		},
	}
}

func sessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent analysis sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			descriptors, _, err := a.store.ListSessions(cmd.Context(), "", limit)
			if err != nil {
				return err
			}
			if len(descriptors) == 0 {
				fmt.Println("no sessions recorded")
				return nil
			}
			for _, d := range descriptors {
				line := fmt.Sprintf("%s  %-6s %s  %-9s %6.1fs",
					d.SessionID, d.Symbol, d.TradeDate, d.Status, d.ElapsedSeconds)
				if d.ErrorKind != "" {
					line += "  " + d.ErrorKind
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var opts cli.AnalyzeOptions
	var interactive bool

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis session from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive || opts.Symbol == "" {
				prompted, err := cli.PromptAnalyzeOptions()
				if err != nil {
					return err
				}
				opts = *prompted
			}
			if opts.TradeDate == "" {
				opts.TradeDate = time.Now().Format("2006-01-02")
			}

			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cli.RunAnalysis(ctx, a.runner, a.hub, &opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Symbol, "symbol", "s", "", "ticker symbol")
	cmd.Flags().StringVarP(&opts.TradeDate, "date", "d", "", "trade date (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&opts.Market, "market", "m", "US", "market (US, HK, CN)")
	cmd.Flags().StringVarP(&opts.Level, "level", "l", "L2", "analysis depth (L1 or L2)")
	cmd.Flags().StringSliceVar(&opts.Analysts, "analysts", nil, "explicit analyst roster")
	cmd.Flags().BoolVar(&opts.UsePlanner, "planner", true, "let the planner pick the roster")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for options")
	return cmd
}
