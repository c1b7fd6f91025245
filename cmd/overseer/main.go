package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/okapi-ai/overseer/internal/agent"
	"github.com/okapi-ai/overseer/internal/approval"
	"github.com/okapi-ai/overseer/internal/bus"
	"github.com/okapi-ai/overseer/internal/config"
	"github.com/okapi-ai/overseer/internal/cron"
	otelPkg "github.com/okapi-ai/overseer/internal/otel"
	"github.com/okapi-ai/overseer/internal/policy"
	"github.com/okapi-ai/overseer/internal/queue"
	"github.com/okapi-ai/overseer/internal/runner"
	"github.com/okapi-ai/overseer/internal/serializer"
	"github.com/okapi-ai/overseer/internal/store"
	"github.com/okapi-ai/overseer/internal/telemetry"
	"github.com/okapi-ai/overseer/internal/tool"
	"github.com/okapi-ai/overseer/internal/tools"
	"github.com/okapi-ai/overseer/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]                 Start the orchestration daemon

Agents are declared in agents.yaml, tool policy in policy.yaml, and runtime
settings in config.yaml, all under the home directory. Missing files fall
back to defaults.

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  OVERSEER_HOME            Data directory (default: ~/.overseer)
  OVERSEER_*               Override any config.yaml setting, e.g.
                           OVERSEER_QUEUE_CONCURRENCY, OVERSEER_LOG_LEVEL
`)
}

func main() {
	homeFlag := flag.String("home", "", "data directory (default: $OVERSEER_HOME or ~/.overseer)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = os.Getenv("OVERSEER_HOME")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *quiet {
		cfg.Quiet = true
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	// The bus exists before the store so guarded transitions can publish.
	eventBus := bus.New(logger)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	st.SetMaxQueueDepth(cfg.Queue.MaxQueueDepth)
	st.SetDefaultMaxAttempts(cfg.Queue.MaxAttempts)
	st.SetRetryDelays(cfg.Queue.RetryBaseDelay, cfg.Queue.RetryMaxDelay)
	logger.Info("startup phase", "phase", "schema_migrated")

	polData, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	agents := agent.NewRegistry(st, logger)
	agentsPath := filepath.Join(cfg.HomeDir, "agents.yaml")
	synced, err := agents.SyncFromFile(ctx, agentsPath)
	if err != nil {
		fatalStartup(logger, "E_AGENT_SYNC", err)
	}
	logger.Info("startup phase", "phase", "agents_synced", "count", synced)

	// Hot reload: policy.yaml and agents.yaml apply in place, config.yaml
	// needs a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				switch filepath.Base(ev.Path) {
				case "policy.yaml":
					p, err := policy.Load(cfg.PolicyPath)
					if err != nil {
						logger.Error("policy reload failed, keeping previous policy", "error", err)
						continue
					}
					pol.Reload(p)
					logger.Info("policy reloaded", "policy_version", pol.PolicyVersion())
				case "agents.yaml":
					if _, err := agents.SyncFromFile(context.Background(), agentsPath); err != nil {
						logger.Error("agent re-sync failed", "error", err)
					}
				case "config.yaml":
					logger.Info("config.yaml changed, restart to apply")
				}
			}
		}()
	}

	var policyBackend, relationshipBackend *policy.Authorizer
	if cfg.PolicyBackend.URL != "" {
		policyBackend = policy.NewAuthorizer("policy_backend",
			cfg.PolicyBackend.URL, cfg.PolicyBackend.Timeout, cfg.PolicyBackend.FailOpen, logger)
	}
	if cfg.RelationshipBackend.URL != "" {
		relationshipBackend = policy.NewAuthorizer("relationship_backend",
			cfg.RelationshipBackend.URL, cfg.RelationshipBackend.Timeout, cfg.RelationshipBackend.FailOpen, logger)
	}

	approvals := approval.NewManager(st, eventBus, logger)
	approvals.SetDefaultTTL(cfg.Approval.DefaultTTL)

	registry := tool.NewRegistry()
	gateway := tool.NewGateway(registry, pol, approvals, logger)
	gateway.SetTimeout(cfg.Runner.ToolTimeout)
	gateway.SetBackends(policyBackend, relationshipBackend)
	gateway.SetTelemetry(otelProvider.Tracer, metrics)

	run := runner.New(newLLMClient(logger), gateway, registry, agents, st, eventBus, logger)
	run.SetLimits(cfg.Runner.MaxIterations, cfg.Runner.Temperature, cfg.Runner.MaxTokens,
		cfg.ConversationHistoryN, cfg.Runner.MemoryRecallK)
	run.SetTelemetry(otelProvider.Tracer, metrics)

	q := queue.New(st, eventBus, logger)
	q.SetLimits(cfg.Queue.Concurrency, cfg.Queue.PollInterval, cfg.Queue.ProcessingTimeout,
		cfg.Queue.PriorityAgeThreshold, cfg.Queue.PriorityCap)
	q.SetTelemetry(otelProvider.Tracer, metrics)

	if err := registry.Register(tools.NewSendAgentMessage(agents, q, logger)); err != nil {
		fatalStartup(logger, "E_TOOL_REGISTER", err)
	}

	handlers := queue.NewHandlers(run, serializer.New(), st, logger)
	handlers.Register(q)

	if cfg.Workflow.Enabled {
		if len(cfg.Workflow.Brokers) == 0 {
			fatalStartup(logger, "E_WORKFLOW_CONFIG", fmt.Errorf("workflow.enabled is set but workflow.brokers is empty"))
		}
		dispatcher := workflow.NewKafkaDispatcher(cfg.Workflow.Brokers, cfg.Workflow.Topic, logger)
		defer dispatcher.Close()
		q.SetDispatcher(dispatcher)

		worker := workflow.NewWorker(cfg.Workflow.Brokers, cfg.Workflow.Topic, cfg.Workflow.GroupID, st, logger)
		defer worker.Close()
		handlers.Register(worker)
		go func() {
			if err := worker.Run(ctx); err != nil {
				logger.Error("workflow worker stopped", "error", err)
			}
		}()
		logger.Info("external workflow dispatch enabled",
			"topic", cfg.Workflow.Topic, "group_id", cfg.Workflow.GroupID, "brokers", cfg.Workflow.Brokers)
	}

	off := q.SubscribeDecisions(eventBus)
	defer off()

	scheduler := cron.NewScheduler(cron.Config{
		Store:    st,
		Queue:    q,
		Approval: approvals,
		Logger:   logger,
		Interval: cfg.CronInterval,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	logger.Info("overseer started",
		"version", Version,
		"db", cfg.DBPath,
		"concurrency", cfg.Queue.Concurrency,
		"poll_interval", cfg.Queue.PollInterval)

	// Blocks until the signal context is canceled, then drains in-flight
	// handlers before returning.
	q.Start(ctx)

	logger.Info("overseer stopped")
}

// fatalStartup logs a structured startup failure and exits. Before the logger
// exists it falls back to a single JSON line on stderr so log scrapers still
// see the failure.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
