// nodegridd runs one grid node: the scheduler, its built-in core and
// squeue modules, an optional NATS/SQS ingest feeder, HTTP(S) mediated
// delivery, and the admin HTTP surface (health/metrics/status/trace).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.nodegrid.dev/nodegrid/internal/cmdmap"
	"go.nodegrid.dev/nodegrid/internal/config"
	"go.nodegrid.dev/nodegrid/internal/coremodule"
	"go.nodegrid.dev/nodegrid/internal/gate"
	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/health"
	"go.nodegrid.dev/nodegrid/internal/httpapi"
	natsfeeder "go.nodegrid.dev/nodegrid/internal/ingest/nats"
	sqsfeeder "go.nodegrid.dev/nodegrid/internal/ingest/sqs"
	"go.nodegrid.dev/nodegrid/internal/keepalive"
	"go.nodegrid.dev/nodegrid/internal/lifecycle"
	"go.nodegrid.dev/nodegrid/internal/mediator"
	"go.nodegrid.dev/nodegrid/internal/registry"
	"go.nodegrid.dev/nodegrid/internal/scheduler"
	"go.nodegrid.dev/nodegrid/internal/squeue"
	"go.nodegrid.dev/nodegrid/internal/trace"
	"go.nodegrid.dev/nodegrid/internal/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := os.Getenv("NODEGRID_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodegridd: config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Dev {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Str("node", cfg.NodeName).
		Msg("starting nodegridd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directory := scheduler.NewNodeDirectory()
	reg := registry.New()
	cmdMap := cmdmap.New()
	sched := scheduler.New(cfg.NodeName, directory, reg, cmdMap)
	sched.SetTraceRecorder(trace.NewRecorder(0))

	warnings := warning.NewInMemoryService()
	sched.SetWarningService(warnings)

	if cfg.Dispatcher != "" {
		sched.SetDispatcher(gridaddr.ParseAddress(cfg.Dispatcher))
	}

	inprocGate := gate.NewInProcGate(cfg.NodeName, directory)
	sched.AddOutputGate("", inprocGate)
	sched.AddOutputGate("inproc", inprocGate)

	mediatorCfg := &mediator.Config{
		Timeout:            cfg.MediatorTimeout(),
		MaxRetries:         cfg.Mediator.MaxRetries,
		BaseBackoff:        cfg.MediatorBaseBackoff(),
		CircuitBreakerEnabled:     cfg.Mediator.CircuitBreakerOn,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
		RateLimitPerSecond: cfg.Mediator.RateLimitPerSecond,
		RateLimitBurst:     cfg.Mediator.RateLimitBurst,
	}
	httpGate := gate.NewHTTPGate(cfg.NodeName, directory, mediatorCfg)
	sched.AddOutputGate("http", httpGate)
	sched.AddOutputGate("https", httpGate)

	core := coremodule.New(sched, []byte(cfg.JWTSecret))
	sched.AddModule(core)
	squeueModule := squeue.NewModule(sched)
	squeueModule.SetWarningService(warnings)
	sched.AddModule(squeueModule)
	sched.AddTask(keepalive.NewTask("keepalive", sched))

	checker := health.NewChecker()
	checker.AddNamedReadinessCheck("scheduler", func() error {
		if sched.Status() != scheduler.StatusRunning {
			return fmt.Errorf("scheduler status: %s", sched.Status())
		}
		return nil
	})

	lifecycleMgr := lifecycle.NewManager()

	feederCloser, err := startIngestFeeder(ctx, cfg, sched, checker, lifecycleMgr)
	if err != nil {
		log.Error().Err(err).Msg("failed to start ingest feeder")
		os.Exit(1)
	}
	if feederCloser != nil {
		defer feederCloser()
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpapi.New(sched, checker, warnings),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	lifecycleMgr.RegisterHTTPShutdown("admin-http", httpServer.Shutdown)
	lifecycleMgr.RegisterWorkerShutdown("scheduler", func(ctx context.Context) error {
		sched.RequestStop()
		return nil
	})

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("admin http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin http server failed")
			os.Exit(1)
		}
	}()

	go runSchedulerLoop(ctx, sched)

	if err := lifecycleMgr.Run(); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
	cancel()

	log.Info().Msg("nodegridd stopped")
}

// runSchedulerLoop drives sched.Tick forward until ctx is canceled,
// backing off to an idle sleep whenever the scheduler reports no pending
// gate, message, or task work.
func runSchedulerLoop(ctx context.Context, sched *scheduler.Scheduler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sched.Tick()
		if sched.NeedsRun() {
			continue
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// startIngestFeeder builds and runs the configured NATS/SQS feeder (if
// any), registering its lifecycle shutdown hook and a readiness check,
// and returns a closer the caller should defer.
func startIngestFeeder(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, checker *health.Checker, lifecycleMgr *lifecycle.Manager) (func(), error) {
	switch cfg.Queue.Type {
	case "":
		return nil, nil

	case "nats":
		feeder, err := natsfeeder.New(ctx, "ingest", &natsfeeder.Config{
			URL:      cfg.Queue.NATS.URL,
			Stream:   cfg.Queue.NATS.Stream,
			Consumer: cfg.Queue.NATS.Consumer,
			Subject:  cfg.Queue.NATS.Subject,
		})
		if err != nil {
			return nil, fmt.Errorf("nats feeder: %w", err)
		}
		brokerHealth := health.NewBrokerHealthService(true, health.QueueTypeNATS, feeder)
		checker.AddNamedReadinessCheck("nats-broker", func() error {
			return checkBroker(brokerHealth, cfg.Queue.NATS.Stream)
		})
		go func() {
			if err := feeder.Run(ctx, sched); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("nats feeder stopped unexpectedly")
			}
		}()
		lifecycleMgr.RegisterQueueShutdown("nats-feeder", func(context.Context) error {
			feeder.Close()
			return nil
		})
		return feeder.Close, nil

	case "sqs":
		feeder, err := sqsfeeder.New(ctx, "ingest", &sqsfeeder.Config{
			QueueURL:          cfg.Queue.SQS.QueueURL,
			Region:            cfg.Queue.SQS.Region,
			WaitTimeSeconds:   int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout: int32(cfg.Queue.SQS.VisibilityTimeout),
		})
		if err != nil {
			return nil, fmt.Errorf("sqs feeder: %w", err)
		}
		brokerHealth := health.NewBrokerHealthService(true, health.QueueTypeSQS, feeder)
		checker.AddNamedReadinessCheck("sqs-broker", func() error {
			return checkBroker(brokerHealth, cfg.Queue.SQS.QueueURL)
		})
		go func() {
			if err := feeder.Run(ctx, sched); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("sqs feeder stopped unexpectedly")
			}
		}()
		lifecycleMgr.RegisterQueueShutdown("sqs-feeder", func(context.Context) error {
			feeder.Stop()
			return nil
		})
		return feeder.Stop, nil

	default:
		return nil, fmt.Errorf("unknown queue type %q (use 'nats' or 'sqs', or leave empty)", cfg.Queue.Type)
	}
}

// checkBroker runs a BrokerHealthService connectivity + queue-accessibility
// check and folds both into the error /readyz reports.
func checkBroker(svc *health.BrokerHealthService, queueName string) error {
	var issues []string
	issues = append(issues, svc.CheckBrokerConnectivity()...)
	issues = append(issues, svc.CheckQueueAccessible(queueName)...)
	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(issues, "; "))
}
