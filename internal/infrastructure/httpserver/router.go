package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lllypuk/eventflow/internal/middleware"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger *slog.Logger

	// Gatherer backs /metrics. Nil selects the default registry.
	Gatherer prometheus.Gatherer

	// Health backs the probes. Nil means always ready.
	Health HealthChecker

	// Ops backs the operator and query routes. Nil leaves them unregistered.
	Ops *OpsHandler
}

// Router wires middleware and every ops route onto an Echo instance.
type Router struct {
	echo   *echo.Echo
	config RouterConfig
	logger *slog.Logger
}

// NewRouter applies global middleware and registers all routes.
func NewRouter(e *echo.Echo, config RouterConfig) *Router {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	r := &Router{echo: e, config: config, logger: config.Logger}

	// Recovery must be first to catch panics from every other middleware.
	e.Use(middleware.Recovery(config.Logger))
	logging := middleware.DefaultLoggingConfig()
	logging.Logger = config.Logger
	logging.SkipPaths = append(logging.SkipPaths, "/metrics")
	e.Use(middleware.Logging(logging))

	NewHealthEndpoints(config.Health).Register(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})))
	if config.Ops != nil {
		config.Ops.Register(e)
	}

	for _, route := range e.Routes() {
		r.logger.Debug("registered route",
			slog.String("method", route.Method),
			slog.String("path", route.Path),
		)
	}
	return r
}

// Echo returns the underlying Echo instance.
func (r *Router) Echo() *echo.Echo {
	return r.echo
}
