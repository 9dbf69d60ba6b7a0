package web

import (
	"log/slog"
	"strconv"

	"github.com/dukex/taskflow/pkg/engine"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// API serves the engine's HTTP surface.
type API struct {
	logger   *slog.Logger
	engine   *engine.Engine
	store    persistence.DocumentStore
	validate *validator.Validate
	app      *fiber.App
}

func NewAPI(logger *slog.Logger, eng *engine.Engine, store persistence.DocumentStore) *API {
	api := &API{
		logger:   logger,
		engine:   eng,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	api.app = api.build()

	return api
}

func (a *API) App() *fiber.App {
	return a.app
}

func (a *API) build() *fiber.App {
	handlers := NewAPIHandlers(a.engine, a.store, a.validate)

	app := fiber.New(fiber.Config{AppName: "taskflow"})
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.store.HealthCheck(c.Context()) == nil
		},
	}))
	app.Get("/health", handlers.HealthCheck)

	app.Post("/workflows/:id/runs", handlers.StartRun)

	runs := app.Group("/workflow-runs")
	runs.Get("/:runId", handlers.GetRun)
	runs.Get("/:runId/tasks", handlers.GetRunTasks)
	runs.Post("/:runId/cancel", handlers.CancelRun)
	runs.Post("/:runId/callback/:stepId", handlers.Callback)
	runs.Post("/:runId/joins/:taskId/rerun", handlers.RerunJoin)

	app.Post("/tasks/:id/status", handlers.UpdateTaskStatus)

	return app
}

// Start listens on port until Shutdown is called.
func (a *API) Start(port int) error {
	a.logger.Info("Starting HTTP server", "port", port)

	return a.app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}

func (a *API) Shutdown() error {
	return a.app.Shutdown()
}
