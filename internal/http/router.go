package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/config"
	"github.com/moneygrid/identity/internal/http/handler"
	httpmiddleware "github.com/moneygrid/identity/internal/http/middleware"
	"github.com/moneygrid/identity/internal/middleware"
	"github.com/moneygrid/identity/internal/service"
)

// NewRouter assembles the HTTP surface.
func NewRouter(
	cfg config.Config,
	logger *zap.Logger,
	limiter *middleware.RateLimiter,
	verifier *service.Verifier,
	tokens *handler.TokenHandler,
	pats *handler.PATHandler,
	me *handler.MeHandler,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg))
	r.Use(limiter.Handler())
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/.well-known/jwks.json", tokens.JWKS)

	oauth := r.Group("/oauth")
	{
		oauth.POST("/token", tokens.Token)
		oauth.POST("/revoke", tokens.Revoke)
	}

	v1 := r.Group("/v1", httpmiddleware.Authenticate(verifier))
	{
		v1.GET("/me", me.Me)
		v1.GET("/workspaces/:workspace_id/me", me.Me)
		v1.POST("/logout", httpmiddleware.RequireUser(), tokens.Logout)
		v1.POST("/authorize", httpmiddleware.RequireUser(), tokens.Authorize)

		patRoutes := v1.Group("/tokens", httpmiddleware.RequireUser())
		{
			patRoutes.POST("", pats.Create)
			patRoutes.GET("", pats.List)
			patRoutes.PATCH("/:token_id", pats.Rename)
			patRoutes.DELETE("/:token_id", pats.Revoke)
		}
	}

	return r
}
