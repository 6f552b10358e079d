package routes

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/infra/config"
	"github.com/arklim/auditmarket-core/internal/transport/http/handlers"
	"github.com/arklim/auditmarket-core/internal/transport/http/middleware"
	"github.com/arklim/auditmarket-core/internal/usecase"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Permissions *usecase.PermissionEngine
	Roles       *usecase.RoleService
	Sync        *usecase.SyncManager
	Presence    *usecase.PresenceRegistry
	Escrow      *usecase.EscrowService
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config        *config.AppConfig
	Logger        *zap.Logger
	Verifier      middleware.PrincipalVerifier
	EscrowLimiter *middleware.EscrowLimiter
	Metrics       *middleware.HTTPMetrics
	Gatherer      prometheus.Gatherer
	Services      ServiceSet
	SyncTables    map[string]handlers.SyncTablePolicy
	Database      DatabaseChecker
	Cache         CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.CORS(deps.Config.App.CORSOrigins))
	r.Use(deps.Metrics.Handler())

	checks := make(map[string]handlers.ReadinessCheck, 2)
	if deps.Database != nil {
		checks["database"] = deps.Database.Ping
	}
	if deps.Cache != nil {
		checks["redis"] = deps.Cache.HealthCheck
	}
	healthHandler := handlers.NewHealthHandler(checks)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Ready)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if deps.Verifier == nil || deps.Services.Permissions == nil {
		return r
	}

	engine := deps.Services.Permissions
	api := r.Group("/api/v1")
	api.Use(middleware.RequireAuth(deps.Verifier, engine, deps.Logger))
	{
		handlers.NewPermissionHandler(engine).RegisterRoutes(api.Group("/permissions"))

		if deps.Services.Roles != nil {
			rolesGroup := api.Group("/roles")
			rolesGroup.Use(middleware.RequirePermission(engine, domain.PermissionUsersManage))
			handlers.NewRoleHandler(deps.Services.Roles).RegisterRoutes(rolesGroup)
		}

		if deps.Services.Sync != nil {
			tables := deps.SyncTables
			if tables == nil {
				tables = handlers.DefaultSyncTablePolicies()
			}
			handlers.NewSyncHandler(deps.Services.Sync, engine, tables).RegisterRoutes(api.Group("/sync"))
		}

		if deps.Services.Presence != nil {
			handlers.NewPresenceHandler(deps.Services.Presence, engine).RegisterRoutes(api.Group("/presence"))
		}

		if deps.Services.Escrow != nil {
			escrowGroup := api.Group("/escrow")
			handlers.NewEscrowHandler(deps.Services.Escrow).RegisterRoutes(escrowGroup, buildEscrowMutationMiddlewares(deps)...)
		}
	}

	return r
}

func buildEscrowMutationMiddlewares(deps Dependencies) []gin.HandlerFunc {
	if deps.EscrowLimiter == nil {
		return nil
	}
	return []gin.HandlerFunc{deps.EscrowLimiter.Guard()}
}

// EscrowLimits converts rate limit settings, defaulting the window to one minute.
func EscrowLimits(cfg config.RateLimitSettings) middleware.EscrowLimits {
	window := cfg.WindowDuration
	if window <= 0 {
		window = time.Minute
	}
	return middleware.EscrowLimits{
		Window:            window,
		PerPrincipal:      cfg.EscrowMutationAttempts,
		PerContractAction: cfg.EscrowContractActionAttempts,
	}
}
