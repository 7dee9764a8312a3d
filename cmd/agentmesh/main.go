// agentmesh runs declarative multi-agent workflows.
//
// Usage:
//
//	agentmesh run --workflow pipeline.yaml            # execute a workflow
//	agentmesh run --config mesh.yaml --workflow p.yaml --var region=eu
//	agentmesh validate --workflow pipeline.yaml       # build without running
//	agentmesh version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/capability"
	"github.com/agentmesh/agentmesh/compaction"
	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/engine"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/persistence"
	"github.com/agentmesh/agentmesh/workflow"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runWorkflow(os.Args[2:]))
	case "validate":
		os.Exit(validateWorkflow(os.Args[2:]))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runFlags holds the parsed 'run' command line.
type runFlags struct {
	configPath   string
	workflowPath string
	variables    map[string]any
}

func parseRunFlags(name string, args []string) (*runFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file (YAML)")
	workflowPath := fs.String("workflow", "", "path to workflow definition (YAML)")
	var vars varFlags
	fs.Var(&vars, "var", "workflow variable as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *workflowPath == "" {
		return nil, fmt.Errorf("--workflow is required")
	}
	return &runFlags{
		configPath:   *configPath,
		workflowPath: *workflowPath,
		variables:    vars.values,
	}, nil
}

// varFlags collects repeated --var key=value flags.
type varFlags struct {
	values map[string]any
}

func (v *varFlags) String() string { return "" }

func (v *varFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	if v.values == nil {
		v.values = make(map[string]any)
	}
	v.values[key] = value
	return nil
}

func runWorkflow(args []string) int {
	flags, err := parseRunFlags("run", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}

	logger := buildLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting agentmesh",
		zap.String("version", Version),
		zap.String("workflow", flags.workflowPath),
	)

	def, err := workflow.LoadDefinition(flags.workflowPath)
	if err != nil {
		logger.Error("failed to load workflow definition", zap.Error(err))
		return 2
	}

	store, err := persistence.NewStore(storeConfig(cfg.Store))
	if err != nil {
		logger.Error("failed to open run store", zap.Error(err))
		return 2
	}
	defer store.Close()

	registry := capability.NewRegistry(logger)
	registry.MustRegister(newEchoAdapter())
	registry.MustRegister(newTemplateAdapter())
	registry.MustRegister(newSleepAdapter())

	manager := compaction.NewManager(
		compactionConfig(cfg.Compaction),
		logger,
		compaction.WithSizer(buildSizer(cfg.Compaction.Sizer)),
		compaction.WithArchive(engine.ArchiveToStore(store)),
	)

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(cfg.Metrics.Namespace, promRegistry, logger)

	orchestrator := engine.NewOrchestrator(registry, logger,
		engine.WithStore(store),
		engine.WithMemory(manager),
		engine.WithMetrics(collector),
		engine.WithEngineOptions(engine.Options{
			ConcurrencyLimit:   cfg.Engine.ConcurrencyLimit,
			ContinueOnError:    cfg.Engine.ContinueOnError,
			DefaultStepTimeout: cfg.Engine.DefaultStepTimeout,
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	var snapshot *engine.Snapshot
	g.Go(func() error {
		defer func() {
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsServer.Shutdown(shutdownCtx)
			}
		}()

		handle, err := orchestrator.Start(gctx, def, flags.variables)
		if err != nil {
			return fmt.Errorf("start run: %w", err)
		}
		logger.Info("run started", zap.String("run_id", handle.RunID()))

		snap, err := orchestrator.Await(gctx, handle, cfg.Engine.AwaitTimeout)
		if err != nil {
			// On interrupt or await timeout, cancel and collect the
			// terminal snapshot before giving up.
			orchestrator.Cancel(handle)
			snap, _ = orchestrator.Await(context.Background(), handle, 30*time.Second)
		}
		snapshot = snap
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("run failed to complete", zap.Error(err))
		return 1
	}

	printSnapshot(snapshot)
	if snapshot == nil || snapshot.Status != engine.RunSucceeded {
		return 1
	}
	return 0
}

func validateWorkflow(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	workflowPath := fs.String("workflow", "", "path to workflow definition (YAML)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "--workflow is required")
		return 2
	}

	def, err := workflow.LoadDefinition(*workflowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load: %v\n", err)
		return 1
	}
	graph, err := workflow.Build(def)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	fmt.Printf("%s: %d steps, valid\n", def.Name, len(graph.Steps()))
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printSnapshot(snap *engine.Snapshot) {
	if snap == nil {
		return
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Printf("run %s: %s\n", snap.RunID, snap.Status)
		return
	}
	fmt.Println(string(data))
}

func printVersion() {
	fmt.Printf("agentmesh %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`agentmesh - multi-agent workflow orchestration

Usage:
  agentmesh <command> [options]

Commands:
  run       Execute a workflow definition
  validate  Build and validate a workflow definition without running it
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>     Configuration file (YAML)
  --workflow <path>   Workflow definition file (YAML), required
  --var key=value     Workflow variable override (repeatable)

Examples:
  agentmesh run --workflow pipeline.yaml
  agentmesh run --config /etc/agentmesh/config.yaml --workflow pipeline.yaml --var region=eu
  agentmesh validate --workflow pipeline.yaml`)
}

// buildLogger constructs the process logger from configuration.
func buildLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// storeConfig maps the configuration section to the persistence package.
func storeConfig(cfg config.StoreConfig) persistence.StoreConfig {
	return persistence.StoreConfig{
		Type: persistence.StoreType(cfg.Type),
		Redis: persistence.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		},
		SQLite: persistence.SQLiteConfig{Path: cfg.SQLite.Path},
		Retention: persistence.RetentionConfig{
			Enabled:  cfg.Retention.Enabled,
			MaxAge:   cfg.Retention.MaxAge,
			Interval: cfg.Retention.Interval,
		},
	}
}

// compactionConfig maps the configuration section to the compaction package.
func compactionConfig(cfg config.CompactionConfig) compaction.Config {
	return compaction.Config{
		Budget:              cfg.Budget,
		ApproachingRatio:    cfg.ApproachingRatio,
		ForcedRatio:         cfg.ForcedRatio,
		TargetRatio:         cfg.TargetRatio,
		SimilarityThreshold: cfg.SimilarityThreshold,
		RecentKeep:          cfg.RecentKeep,
	}
}

func buildSizer(name string) compaction.Sizer {
	switch name {
	case "tiktoken":
		return compaction.NewTiktokenSizer("")
	default:
		return compaction.NewEstimateSizer()
	}
}
