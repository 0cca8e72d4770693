// Command hunterd runs the opportunity-hunting pipeline: it polls the
// intent feed, executes analyze-and-deliver workflows over a durable
// history store and exposes a small HTTP API for signals and run
// status.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tendorhq/huntflow"
	"github.com/tendorhq/huntflow/activity"
	"github.com/tendorhq/huntflow/engine"
	"github.com/tendorhq/huntflow/intake"
	"github.com/tendorhq/huntflow/observe"
	"github.com/tendorhq/huntflow/store"
)

// Shared state wired up in initializeApp
var (
	cfg       *Config
	wfEngine  *engine.Engine
	scheduler *engine.Scheduler
	history   huntflow.HistoryStore
)

// RunStatus is the API view of a run: metadata plus its step records.
type RunStatus struct {
	*huntflow.WorkflowRun
	Steps []*huntflow.StepRecord `json:"steps,omitempty"`
}

func initializeApp(ctx context.Context) {
	var err error
	cfg, err = LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	switch cfg.Store.Backend {
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load AWS configuration")
		}
		history = store.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), cfg.Store.TableName)
	default:
		history = store.NewMemoryStore()
	}

	var deliverer activity.DeliveryService
	if cfg.Slack.WebhookURL != "" {
		deliverer = activity.NewSlackWebhookDeliverer(cfg.Slack.WebhookURL, cfg.Slack.Channel)
	} else {
		log.Warn().Msg("No Slack webhook configured; briefs are recorded in memory only")
		deliverer = activity.NewMemoryDeliverer()
	}

	def, err := huntflow.NewDefinition("opportunity-hunt").
		Step("analyze_account", activity.NewAnalyzeActivity(activity.NewPlaybookAnalyzer()),
			huntflow.WithTimeout(60*time.Second)).
		Step("deliver_brief", activity.NewDeliverActivity(deliverer),
			huntflow.WithTimeout(30*time.Second)).
		Build()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build workflow definition")
	}

	sink := observe.NewAsyncSink(observe.NewLogSink(log.Logger), 256)

	wfEngine = engine.NewEngine(
		history,
		def,
		engine.WithLogger(log.Logger),
		engine.WithSink(sink),
		engine.WithConfig(huntflow.EngineConfig{
			IntentThreshold: cfg.Intake.IntentThreshold,
		}),
	)

	scheduler = engine.NewScheduler(
		wfEngine,
		engine.NewExecutor(history, log.Logger, sink),
		engine.WithSchedulerConfig(huntflow.SchedulerConfig{
			MaxConcurrency: cfg.Scheduler.MaxConcurrency,
			TickInterval:   cfg.Scheduler.TickInterval,
			StaleGrace:     cfg.Scheduler.StaleGrace,
		}),
	)
	scheduler.OnTerminal = func(run *huntflow.WorkflowRun) {
		log.Info().
			Str("run_id", run.RunID).
			Str("account_id", run.AccountID).
			Str("state", run.State.String()).
			Msg("Run finished")
	}

	log.Info().
		Str("store", cfg.Store.Backend).
		Int("intent_threshold", cfg.Intake.IntentThreshold).
		Msg("Pipeline initialized")
}

func registerRoutes(app *fiber.App) {
	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "hunterd",
			"version": "1.0.0",
		})
	})

	v1 := app.Group("/api/v1")
	v1.Post("/signals", handleSubmitSignal)

	runs := v1.Group("/runs")
	runs.Get("/:runId", handleGetRun)
	runs.Post("/:runId/cancel", handleCancelRun)
}

// handleSubmitSignal admits a signal directly, bypassing the feed poll.
func handleSubmitSignal(c fiber.Ctx) error {
	var sig huntflow.Signal
	if err := c.Bind().JSON(&sig); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	run, created, err := wfEngine.StartRun(c.Context(), sig)
	if err != nil {
		if errors.Is(err, huntflow.ErrBelowThreshold) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "Signal below intent threshold",
			})
		}
		log.Error().Err(err).Str("account_id", sig.AccountID).Msg("Failed to start run")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start run",
		})
	}

	if created {
		scheduler.SubmitNow(run.RunID)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"runId":  run.RunID,
			"status": run.State,
		})
	}

	return c.JSON(fiber.Map{
		"runId":     run.RunID,
		"status":    run.State,
		"coalesced": true,
	})
}

// handleGetRun returns a run's derived state and full step history.
func handleGetRun(c fiber.Ctx) error {
	runID := c.Params("runId")

	run, err := wfEngine.GetRun(c.Context(), runID)
	if err != nil {
		if errors.Is(err, huntflow.ErrRunNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Run not found",
			})
		}
		log.Error().Err(err).Str("runId", runID).Msg("Failed to get run")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get run",
		})
	}

	records, err := history.Load(c.Context(), runID)
	if err != nil {
		log.Error().Err(err).Str("runId", runID).Msg("Failed to load history")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load run history",
		})
	}

	status := &RunStatus{WorkflowRun: run, Steps: records}

	// Surface the delivery receipt when the run finished.
	if run.State == huntflow.RunStateCompleted && len(run.Result) > 0 {
		var receipt huntflow.DeliveryReceipt
		if err := json.Unmarshal(run.Result, &receipt); err == nil {
			return c.JSON(fiber.Map{
				"run":     status,
				"receipt": receipt,
			})
		}
	}

	return c.JSON(status)
}

// handleCancelRun requests cancellation and nudges the scheduler so the
// run reaches its next decision point promptly.
func handleCancelRun(c fiber.Ctx) error {
	runID := c.Params("runId")

	if err := wfEngine.Cancel(c.Context(), runID); err != nil {
		if errors.Is(err, huntflow.ErrRunNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Run not found",
			})
		}
		log.Error().Err(err).Str("runId", runID).Msg("Failed to cancel run")
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	scheduler.SubmitNow(runID)

	return c.JSON(fiber.Map{
		"runId":   runID,
		"message": "Cancel requested",
	})
}

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	initializeApp(ctx)

	// Background loops: scheduler and feed poller.
	go scheduler.Run(ctx)

	poller := intake.NewPoller(
		intake.NewFileSource(cfg.Intake.FeedPath),
		wfEngine,
		scheduler,
		intake.WithPollerLogger(log.Logger),
		intake.WithPollerConfig(huntflow.IntakeConfig{
			PollInterval: cfg.Intake.PollInterval,
		}),
	)
	go poller.Run(ctx)

	app := fiber.New()
	registerRoutes(app)

	go func() {
		log.Info().Str("address", cfg.Server.Addr).Msg("Starting HTTP server")
		if err := app.Listen(cfg.Server.Addr); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	stop()
	scheduler.Drain()

	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
