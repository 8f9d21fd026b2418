package httpapi

import (
	"github.com/gin-gonic/gin"

	"llmgate/internal/auth"
	"llmgate/internal/config"
	"llmgate/internal/keypool"
	"llmgate/internal/middleware"
	"llmgate/internal/orchestrator"
	"llmgate/internal/requestlog"
	"llmgate/internal/store/sqlite"
)

// Dependencies encapsulates the runtime services the engine wires into its
// handlers.
type Dependencies struct {
	CfgManager   *config.Manager
	Store        *sqlite.Store
	Pool         *keypool.Pool
	Resolver     *auth.Resolver
	Session      *auth.SessionIssuer
	Orchestrator *orchestrator.Orchestrator
}

// NewEngine builds the gin engine serving every proxy and administrative
// route, assembled via gin.New() plus an explicit middleware chain rather
// than gin.Default()'s baked-in logger.
func NewEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.CORS())
	engine.Use(middleware.Metrics())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.RateLimiterAutoKey(20, 40))

	engine.GET("/metrics", middleware.MetricsHandler)
	engine.GET("/healthz", func(c *gin.Context) {
		if err := deps.Store.Health(c.Request.Context()); err != nil {
			c.JSON(503, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	root := engine.Group("")

	proxy := root.Group("")
	proxy.Use(middleware.PrincipalAuth(deps.Resolver))
	RegisterGeminiRoutes(proxy, &GeminiHandler{Orchestrator: deps.Orchestrator})
	RegisterOpenAIRoutes(proxy, &OpenAIHandler{Orchestrator: deps.Orchestrator})

	adminAuth := middleware.AdminAuth(func(token string) bool {
		return deps.Session.VerifyAdminToken(token) == nil
	})
	RegisterManagementRoutes(root, adminAuth, &ManagementHandler{
		CfgManager: deps.CfgManager,
		Session:    deps.Session,
		Resolver:   deps.Resolver,
		Pool:       deps.Pool,
		Store:      deps.Store,
		Reports:    requestlog.New(deps.Store),
	})

	return engine
}
