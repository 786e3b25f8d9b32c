// Cascaded runs a configured multi-stage generation workflow.
//
// Roles, stages and resilience settings come from a YAML config file layered
// under CASCADE_* environment variables. The initial input is read from a
// flag, a file, or stdin, and the finished run report is printed as JSON.
//
// Usage:
//
//	# Run the configured workflow on stdin
//	echo "Topic: caching strategies" | cascaded -config ~/.config/cascade/config.yaml
//
//	# Run on an input file
//	cascaded -input-file ./brief.md
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/emberworks/cascade/internal/breaker"
	"github.com/emberworks/cascade/internal/clock"
	"github.com/emberworks/cascade/internal/config"
	"github.com/emberworks/cascade/internal/dispatch"
	"github.com/emberworks/cascade/internal/embeddings"
	"github.com/emberworks/cascade/internal/logging"
	"github.com/emberworks/cascade/internal/memory"
	"github.com/emberworks/cascade/internal/pipeline"
	"github.com/emberworks/cascade/internal/provider"
	"github.com/emberworks/cascade/internal/ratelimit"
	"github.com/emberworks/cascade/internal/roles"
	"github.com/emberworks/cascade/internal/telemetry"
	"github.com/emberworks/cascade/internal/validate"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/cascade/config.yaml)")
	input := flag.String("input", "", "initial workflow input; overrides -input-file and stdin")
	inputFile := flag.String("input-file", "", "file holding the initial workflow input")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  cascaded [flags]     Run the configured workflow\n")
			fmt.Fprintf(os.Stderr, "  cascaded version     Show version information\n")
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := run(ctx, *configPath, *input, *inputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cascaded: %v\n", err)
		os.Exit(2)
	}
	if run.PartiallyFailed {
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("cascaded\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the full stack, executes the workflow and prints the run report.
func run(ctx context.Context, configPath, input, inputFile string) (*pipeline.Run, error) {
	if err := config.EnsureConfigDir(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	text, err := readInput(input, inputFile)
	if err != nil {
		return nil, err
	}

	logCfg, err := cfg.Logging.ToLogging()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting cascaded",
		zap.String("version", version),
		zap.Int("roles", len(cfg.Roles)),
		zap.Int("stages", len(cfg.Stages)),
	)

	var metrics *telemetry.Metrics
	if cfg.Telemetry {
		metrics = telemetry.NewMetrics(logger)
	}

	clk := clock.Real{}

	p, err := provider.NewHTTP(cfg.Provider, logger)
	if err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewService(cfg.Embeddings, logger)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(cfg.RateLimit, clk, logger)
	if err != nil {
		return nil, err
	}
	breakers := breaker.NewRegistry(cfg.Breaker, clk, logger)

	dispatcher, err := dispatch.New(cfg.Dispatch, p, limiter, breakers, clk, logger, metrics)
	if err != nil {
		return nil, err
	}

	registry, err := roles.NewRegistry(cfg.Roles)
	if err != nil {
		return nil, err
	}

	var summarizer memory.Summarizer
	if cfg.Memory.Strategy == memory.StrategySummary {
		summarizer, err = newSummarizer(dispatcher, cfg.Roles)
		if err != nil {
			return nil, err
		}
	}
	mem, err := memory.NewManager(cfg.Memory, embedder, summarizer, clk, logger)
	if err != nil {
		return nil, err
	}

	engine, err := pipeline.New(pipeline.Options{
		Dispatcher:  dispatcher,
		Memory:      mem,
		Gate:        validate.NewGate(embedder, logger),
		Roles:       registry,
		Clock:       clk,
		Logger:      logger,
		Metrics:     metrics,
		MaxParallel: cfg.MaxParallelStages,
	})
	if err != nil {
		return nil, err
	}

	result, err := engine.Run(ctx, cfg.Stages, text)
	if err != nil {
		return nil, err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return nil, fmt.Errorf("failed to encode run report: %w", err)
	}
	return result, nil
}

// readInput resolves the initial input: the flag wins, then the file, then
// stdin.
func readInput(input, inputFile string) (string, error) {
	if input != "" {
		return input, nil
	}
	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return "", fmt.Errorf("failed to read input file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// dispatchSummarizer condenses text through the completion stack using the
// first configured role's candidate models.
type dispatchSummarizer struct {
	dispatcher *dispatch.Dispatcher
	candidates []string
}

func newSummarizer(d *dispatch.Dispatcher, defs []roles.Role) (memory.Summarizer, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("summary strategy needs at least one role for its models")
	}
	return &dispatchSummarizer{dispatcher: d, candidates: defs[0].Preferences}, nil
}

func (s *dispatchSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := s.dispatcher.Dispatch(ctx, s.candidates, provider.Request{
		SystemPrompt: "You condense documents. Keep every key fact, decision and open question; drop repetition and filler.",
		UserPrompt:   "Summarize the following content:\n\n" + text,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
