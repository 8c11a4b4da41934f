package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/linkedin-outreach/internal/app"
	"github.com/acme/linkedin-outreach/internal/registry"
	"github.com/acme/linkedin-outreach/internal/scheduler"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
	registry  *registry.Registry
	engine    *scheduler.Engine
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	return &HandlerSet{
		container: container,
		registry:  services.Registry,
		engine:    services.Engine,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	accounts := v1.Group("/accounts")
	accounts.Post("/", h.registerAccount)
	accounts.Get("/:id/status", h.accountStatus)

	operations := v1.Group("/operations")
	operations.Post("/", h.scheduleOperation)
	operations.Get("/due", h.listDueOperations)
	operations.Get("/:id", h.getOperation)
	operations.Post("/:id/execute", h.executeOperation)
	operations.Post("/:id/retry", h.retryOperation)
	operations.Post("/:id/cancel", h.cancelOperation)

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/:id/reschedule", h.rescheduleCampaign)
	campaigns.Get("/:id/schedule", h.campaignSchedule)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
