package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/apphub/orchestra/assets"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/config"
	"github.com/apphub/orchestra/events/ingress"
	"github.com/apphub/orchestra/events/scheduler"
	"github.com/apphub/orchestra/events/schema"
	"github.com/apphub/orchestra/events/trigger"
	"github.com/apphub/orchestra/hooks"
	"github.com/apphub/orchestra/jobs"
	"github.com/apphub/orchestra/queue"
	"github.com/apphub/orchestra/retry"
	"github.com/apphub/orchestra/scaling"
	"github.com/apphub/orchestra/services"
	"github.com/apphub/orchestra/store"
	storememory "github.com/apphub/orchestra/store/memory"
	storemongo "github.com/apphub/orchestra/store/mongo"
	"github.com/apphub/orchestra/telemetry"
	"github.com/apphub/orchestra/workflow/orchestrator"
)

// scalingStream is the broker stream carrying scaling notifications in
// distributed mode.
const scalingStream = "apphub_scaling"

func main() {
	dbgF := flag.Bool("debug", false, "Enable debug logs")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}

	var (
		clk     = clock.System()
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
	)

	// Persistence: MongoDB when configured, in-process memory otherwise.
	var st store.Store
	if cfg.MongoURL != "" {
		client, err := mongo.Connect(mongoopts.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			log.Fatalf(ctx, err, "connect to mongodb")
		}
		defer func() {
			if err := client.Disconnect(ctx); err != nil {
				log.Errorf(ctx, err, "disconnect mongodb")
			}
		}()
		ms, err := storemongo.New(ctx, client.Database(cfg.MongoDatabase), clk)
		if err != nil {
			log.Fatalf(ctx, err, "initialize mongodb store")
		}
		st = ms
		log.Print(ctx, log.KV{K: "store", V: "mongodb"}, log.KV{K: "database", V: cfg.MongoDatabase})
	} else {
		st = storememory.New()
		log.Print(ctx, log.KV{K: "store", V: "memory"})
	}

	// Broker, only needed in distributed mode.
	var broker queue.Broker
	if cfg.QueueMode() == config.ModeDistributed {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf(ctx, err, "parse REDIS_URL")
		}
		rdb := redis.NewClient(ropts)
		if broker, err = queue.NewBroker(queue.BrokerOptions{Redis: rdb}); err != nil {
			log.Fatalf(ctx, err, "initialize broker")
		}
		defer rdb.Close()
	}

	qm, err := queue.NewManager(queue.Options{
		Mode:       cfg.QueueMode,
		QueueNames: cfg.QueueNames,
		Broker:     broker,
		Jobs:       st,
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize queue manager")
	}
	defer func() {
		if err := qm.Close(ctx); err != nil {
			log.Errorf(ctx, err, "close queue manager")
		}
	}()

	jobReg := jobs.NewRegistry()
	if bundle := os.Getenv("APPHUB_JOB_BUNDLE"); bundle != "" {
		b, err := jobs.LoadBundle(bundle)
		if err != nil {
			log.Fatalf(ctx, err, "load job bundle %q", bundle)
		}
		log.Print(ctx, log.KV{K: "bundle", V: b.Manifest.Name}, log.KV{K: "jobs", V: len(b.Manifest.Jobs)})
		if missing := jobReg.Missing(b.Manifest.Slugs()); len(missing) > 0 {
			log.Warn(ctx, log.KV{K: "bundle", V: b.Manifest.Name}, log.KV{K: "jobsWithoutHandlers", V: strings.Join(missing, ",")})
		}
	}

	svcReg := services.NewRegistry(clk)
	invoker, err := services.NewInvoker(services.InvokerOptions{
		Registry: svcReg,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize service invoker")
	}

	bus := hooks.NewBus()

	orch, err := orchestrator.New(orchestrator.Options{
		Store:    st,
		Events:   st,
		Queue:    qm,
		Jobs:     jobReg,
		Services: invoker,
		Hooks:    bus,
		Clock:    clk,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize orchestrator")
	}
	if err := orch.RegisterHandlers(); err != nil {
		log.Fatalf(ctx, err, "register workflow handlers")
	}

	registry, err := schema.NewRegistry(schema.Options{Store: st, Clock: clk, Logger: logger})
	if err != nil {
		log.Fatalf(ctx, err, "initialize schema registry")
	}

	sched, err := scheduler.NewService(scheduler.Options{
		Store:          st,
		RateLimit:      cfg.RateLimitFor,
		ErrorThreshold: cfg.TriggerErrorThreshold,
		ErrorWindow:    cfg.TriggerErrorWindow,
		TriggerPause:   cfg.TriggerPause,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize scheduler")
	}

	pipeline, err := ingress.NewPipeline(ingress.Options{
		Events:    st,
		Scheduler: sched,
		Registry:  registry,
		Queue:     qm,
		Metrics:   st,
		Retry:     cfg.EventRetry,
		Enforce:   cfg.SchemaEnforce,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize ingress pipeline")
	}
	if err := pipeline.RegisterHandlers(); err != nil {
		log.Fatalf(ctx, err, "register ingress handlers")
	}

	evaluator, err := trigger.NewEvaluator(trigger.Options{
		Events:      st,
		Workflows:   st,
		Scheduler:   sched,
		Launcher:    orch,
		Queue:       qm,
		Metrics:     st,
		MaxAttempts: cfg.EventTriggerAttempts,
		Backoff:     retry.Policy{Base: cfg.EventTriggerBackoff, Factor: 2, Max: 5 * time.Minute, JitterRatio: 0.2},
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize trigger evaluator")
	}
	if err := evaluator.RegisterHandlers(); err != nil {
		log.Fatalf(ctx, err, "register trigger handlers")
	}

	materializer, err := assets.NewMaterializer(assets.MaterializerOptions{
		Workflows:       st,
		Claims:          st,
		Runs:            orch,
		Hooks:           bus,
		BaseBackoff:     cfg.MaterializerBaseBackoff,
		MaxBackoff:      cfg.MaterializerMaxBackoff,
		RefreshInterval: cfg.MaterializerRefreshInterval,
		Clock:           clk,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize materializer")
	}
	if err := materializer.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start materializer")
	}
	defer func() {
		if err := materializer.Close(); err != nil {
			log.Errorf(ctx, err, "close materializer")
		}
	}()

	// Runtime scaling for the workflow worker pool. The agent records the
	// applied concurrency; pool sizing itself is process-level.
	channel := scaling.NewLocalChannel()
	if broker != nil {
		stream, err := broker.Stream(scalingStream)
		if err != nil {
			log.Fatalf(ctx, err, "open scaling stream")
		}
		channel = scaling.NewStreamChannel(stream)
	}
	defer func() {
		if err := channel.Close(ctx); err != nil {
			log.Errorf(ctx, err, "close scaling channel")
		}
	}()
	scaler, err := scaling.NewService(scaling.ServiceOptions{
		Store:   st,
		Audit:   st,
		Channel: channel,
		Targets: map[string]scaling.Target{
			config.QueueKeyWorkflow:     {Min: 0, Max: 64, Default: 10, RateLimit: 10 * time.Second},
			config.QueueKeyEventTrigger: {Min: 0, Max: 32, Default: 5, RateLimit: 10 * time.Second},
		},
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize scaling service")
	}
	agent, err := scaling.NewAgent(scaling.AgentOptions{
		Target:  config.QueueKeyWorkflow,
		Service: scaler,
		Channel: channel,
		Store:   st,
		Apply: func(ctx context.Context, concurrency int) error {
			metrics.RecordGauge("worker_concurrency", float64(concurrency), "target", config.QueueKeyWorkflow)
			log.Print(ctx, log.KV{K: "scaling", V: "applied"}, log.KV{K: "concurrency", V: strconv.Itoa(concurrency)})
			return nil
		},
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize scaling agent")
	}
	if err := agent.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start scaling agent")
	}
	defer agent.Close(ctx)

	if qm.Mode() == config.ModeDistributed {
		for _, key := range []string{config.QueueKeyWorkflow, config.QueueKeyEvent, config.QueueKeyEventTrigger} {
			if err := qm.EnsureWorker(ctx, key); err != nil {
				log.Fatalf(ctx, err, "start worker for queue %q", key)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- qm.Run(runCtx) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Print(ctx, log.KV{K: "signal", V: s.String()})
	case err := <-errc:
		if err != nil && err != context.Canceled {
			log.Errorf(ctx, err, "queue manager stopped")
		}
	}
	cancel()
	log.Print(ctx, log.KV{K: "status", V: "shutdown complete"})
}
