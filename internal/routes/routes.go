package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/1am3/excdev-test-lab/internal/config"
	"github.com/1am3/excdev-test-lab/internal/events"
	"github.com/1am3/excdev-test-lab/internal/ledger"
	"github.com/1am3/excdev-test-lab/internal/middleware"
	"github.com/1am3/excdev-test-lab/internal/operations"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg       config.Config
	DB        *pgxpool.Pool
	Cache     *redis.Client
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Setup configures middlewares and all application routes. It returns the
// operations service so the caller can attach background workers to it.
func Setup(app *fiber.App, d Deps) (*operations.Service, error) {
	// Enforce DB presence outside of dev, even though main also checks.
	if !isDev(d.Cfg.AppEnv) && d.DB == nil {
		return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	// Health
	RegisterHealthRoutes(app, d)

	// Stores
	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
	} else {
		store = ledger.NewMemoryStore()
	}

	var keys operations.KeyStore
	if d.Cache != nil {
		keys = operations.NewRedisKeyStore(d.Cache, d.Cfg.IdempotencyTTL)
	} else {
		keys = operations.NewMemoryKeyStore()
	}

	publisher := d.Publisher
	if publisher == nil {
		publisher = events.NewLoggerPublisher(d.Logger)
	}

	svc := operations.NewService(store, keys, publisher, d.Logger)
	handler := operations.NewHandler(svc)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterOperationRoutes(api, handler)

	return svc, nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
