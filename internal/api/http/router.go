package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawui/claw-relay/internal/api/http/handler"
	"github.com/clawui/claw-relay/internal/api/http/middleware"
	"github.com/clawui/claw-relay/internal/relay"
	"github.com/clawui/claw-relay/internal/tokens"
)

type Services struct {
	Relay     *relay.Relay
	Tokens    *tokens.Service
	JWTSecret string

	// Registry backs /metrics; nil means the default global registry.
	Registry *prometheus.Registry
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Relay)
	engine.GET("/health", healthHandler.Check)

	if srvs.Registry != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srvs.Registry, promhttp.HandlerOpts{})))
	} else {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if srvs.Relay != nil {
		engine.GET("/relay/agent", gin.WrapF(srvs.Relay.HandleAgent))
		engine.GET("/relay/client", gin.WrapF(srvs.Relay.HandleClient))
	}

	if srvs.Tokens != nil {
		tokensHandler := handler.NewTokensHandler(srvs.Tokens)
		api := engine.Group("/api", middleware.JWTAuth(srvs.JWTSecret))
		api.POST("/tokens", tokensHandler.Create)
		api.GET("/tokens", tokensHandler.List)
		api.DELETE("/tokens/:id", tokensHandler.Revoke)
	}
}
