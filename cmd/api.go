package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/replyflow/internal/api"
	"github.com/replyflow/internal/config"
	"github.com/replyflow/internal/database"
	"github.com/replyflow/internal/delivery"
	"github.com/replyflow/internal/events"
	"github.com/replyflow/internal/ingress"
	"github.com/replyflow/internal/jobqueue"
	"github.com/replyflow/internal/logging"
	"github.com/replyflow/internal/pipeline"
	"github.com/replyflow/internal/realtime"
	"github.com/replyflow/internal/responder"
	"github.com/replyflow/internal/retry"
	"github.com/replyflow/internal/store"
)

// APICommand returns the CLI command for starting the server and workers
func APICommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"api"},
		Usage:   "Start the ReplyFlow API server and queue workers",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
			&cli.BoolFlag{
				Name:  "no-workers",
				Usage: "Serve HTTP only; do not consume queue jobs",
			},
			&cli.BoolFlag{
				Name:  "no-api",
				Usage: "Consume queue jobs only; do not serve HTTP",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` before reading config",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	if envFile := c.String("env-file"); envFile != "" {
		if err := LoadEnvFile(envFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port := c.Int("port"); port > 0 {
		cfg.Server.Port = port
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Setup(cfg.General.LogLevel, cfg.General.LogFormat)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	return app.run(ctx, !c.Bool("no-api"), !c.Bool("no-workers"))
}

type application struct {
	cfg    *config.Config
	log    zerolog.Logger
	queue  *jobqueue.JobQueue
	broker *realtime.RedisBroker
	bridge *realtime.Bridge
	server *api.Server
	closer []func() error
}

// buildApp wires the store, broker, queue, and pipeline handlers from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	app := &application{cfg: cfg, log: logger}
	fail := func(err error) (*application, error) {
		app.close()
		return nil, err
	}

	db, err := database.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fail(err)
	}
	app.closer = append(app.closer, db.Close)

	pool, err := database.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fail(err)
	}
	app.closer = append(app.closer, func() error { pool.Close(); return nil })

	rdb, err := database.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fail(err)
	}
	app.closer = append(app.closer, rdb.Close)

	st := store.NewPostgresStore(db)
	publisher := events.NewRedisPublisher(rdb, logger)

	app.broker = realtime.NewRedisBroker(ctx, rdb, logger)
	app.closer = append(app.closer, app.broker.Close)
	app.bridge = realtime.NewBridge(app.broker, logger)
	app.bridge.SetHeartbeat(cfg.Server.HeartbeatInterval)

	dcfg := delivery.DefaultConfig()
	if cfg.Delivery.BaseURL != "" {
		dcfg.BaseURL = cfg.Delivery.BaseURL
	}
	dcfg.Timeout = cfg.Delivery.Timeout
	dcfg.RatePerSec = cfg.Delivery.RatePerSec
	dcfg.Burst = cfg.Delivery.Burst
	sender, err := delivery.NewClient(dcfg, logger)
	if err != nil {
		return fail(err)
	}

	modelCfg := responder.ModelConfig{
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
	}
	model, err := responder.NewModel(ctx, responder.ConnectorOptions{
		Provider:    responder.Provider(cfg.AI.Provider),
		APIKey:      cfg.AI.APIKey,
		BaseURL:     cfg.AI.BaseURL,
		ModelConfig: modelCfg,
	})
	if err != nil {
		return fail(err)
	}
	reply := responder.New(model, modelCfg, logger,
		responder.WithDefaultPrompt(cfg.AI.SystemPrompt),
		responder.WithRetryConfig(retry.LLMRetryConfig()),
	)

	qcfg := jobqueue.DefaultQueueConfig()
	qcfg.ProcessingWorkers = cfg.Queue.ProcessingWorkers
	qcfg.InactivityWorkers = cfg.Queue.InactivityWorkers
	qcfg.MaxAttempts = cfg.Queue.MaxAttempts
	qcfg.RetryPolicy.InitialInterval = cfg.Queue.RetryInitial
	qcfg.RetryPolicy.MaxInterval = cfg.Queue.RetryMax
	app.queue, err = jobqueue.NewJobQueue(pool, qcfg, logger)
	if err != nil {
		return fail(err)
	}

	deps := pipeline.Deps{
		Store:     st,
		Responder: reply,
		Deliverer: sender,
		Scheduler: app.queue,
		Publisher: publisher,
	}
	pcfg := pipeline.Config{
		BufferDelay:     cfg.Pipeline.BufferDelay,
		HistoryLimit:    cfg.Pipeline.HistoryLimit,
		InactivityDelay: cfg.Pipeline.InactivityDelay,
		DispatchLease:   cfg.Pipeline.DispatchLease,
		FollowUpChain:   cfg.Pipeline.FollowUpChain,
	}
	app.queue.SetHandlers(
		pipeline.NewBatchCoordinator(deps, pcfg, logger),
		pipeline.NewFollowUpScheduler(deps, pcfg, logger),
	)

	svc := ingress.NewService(st, publisher, app.queue, logger)
	app.server = api.NewServer(cfg.Server.Port, svc, app.bridge, logger)
	app.server.SetShutdownTimeout(cfg.Server.ShutdownTimeout)
	app.server.RegisterOnShutdown(app.bridge.Close)

	return app, nil
}

func (a *application) run(ctx context.Context, serveAPI, runWorkers bool) error {
	g, ctx := errgroup.WithContext(ctx)

	if runWorkers {
		if err := a.queue.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			return a.queue.Stop(stopCtx)
		})
	}

	if serveAPI {
		g.Go(func() error {
			err := a.broker.Run(ctx, a.bridge.OnBrokerMessage)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error { return a.server.Start(ctx) })
	}

	a.log.Info().Bool("api", serveAPI).Bool("workers", runWorkers).Msg("ReplyFlow started")
	return g.Wait()
}

func (a *application) close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i](); err != nil {
			a.log.Warn().Err(err).Msg("Error during shutdown")
		}
	}
}
