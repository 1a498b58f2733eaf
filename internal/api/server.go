// Package api exposes a SandDB engine over HTTP: a small JSON key-value
// surface, engine statistics, and prometheus metrics, behind JWT or API-key
// auth. The server is an external collaborator of the storage core; it owns
// no durability semantics of its own.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quanta-kt/sanddb/internal/engine"
)

type Server struct {
	eng    *engine.Engine
	port   string
	router *gin.Engine
	auth   *AuthManager
}

// NewServer wires the HTTP surface around an already-open engine. The caller
// keeps ownership of the engine and closes it after Start returns.
func NewServer(eng *engine.Engine, port string) *Server {
	auth := NewAuthManager()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	s := &Server{
		eng:    eng,
		port:   port,
		router: router,
		auth:   auth,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.eng.Registry(), promhttp.HandlerOpts{})))

	api := s.router.Group("/api/v1")
	{
		api.GET("/health", s.healthCheck)
		api.POST("/login", s.login)

		// Protected routes
		protected := api.Group("/")
		protected.Use(s.AuthMiddleware())
		{
			protected.GET("/stats", s.getStats)

			kv := protected.Group("/kv")
			{
				kv.PUT("/:key", s.putKey)
				kv.GET("/:key", s.getKey)
				kv.DELETE("/:key", s.deleteKey)
			}
		}
	}
}

func (s *Server) Start() error {
	fmt.Printf("Starting sanddb-server on port %s\n", s.port)
	return http.ListenAndServe(":"+s.port, s.router)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "sanddb-server",
	})
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{
		Status: "success",
		Data:   s.eng.Stats(),
	})
}
