package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/solsync-africa/dispatch/internal/api/http/handlers"
	"github.com/solsync-africa/dispatch/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Requests       *handlers.RequestsHandler
	Technicians    *handlers.TechniciansHandler
	Dispatch       *handlers.DispatchHandler
	Metrics        fiber.Handler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", cfg.Metrics)
	}

	v1 := app.Group("/v1", cfg.AuthMiddleware.Handle, auth.RequireAnyRole())

	requests := v1.Group("/requests")
	requests.Post("/", auth.RequireRole(auth.RoleCustomer, auth.RoleAdmin), cfg.Requests.CreateRequest)
	requests.Get("/", cfg.Requests.ListRequests)
	requests.Get("/:id", cfg.Requests.GetRequest)
	requests.Post("/:id/cancel", auth.RequireRole(auth.RoleCustomer, auth.RoleAdmin), cfg.Requests.CancelRequest)
	requests.Post("/:id/start", auth.RequireRole(auth.RoleTechnician, auth.RoleAdmin), cfg.Requests.StartRequest)
	requests.Post("/:id/complete", auth.RequireRole(auth.RoleTechnician, auth.RoleAdmin), cfg.Requests.CompleteRequest)

	technicians := v1.Group("/technicians")
	technicians.Get("/", cfg.Technicians.ListTechnicians)
	technicians.Get("/load", auth.RequireRole(auth.RoleTechnician, auth.RoleAdmin), cfg.Technicians.ListLoad)
	technicians.Put("/:id", auth.RequireRole(auth.RoleAdmin), cfg.Technicians.UpsertTechnician)
	technicians.Post("/:id/presence", auth.RequireRole(auth.RoleTechnician, auth.RoleAdmin), cfg.Technicians.SetPresence)

	v1.Post("/dispatch/sweep", auth.RequireRole(auth.RoleAdmin), cfg.Dispatch.Sweep)
}
