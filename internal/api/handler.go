// Package api exposes the operator surface: engine status, open positions,
// the entry queue, trade history, the event log, and signal injection.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NinaFal/20k5ers/internal/engine"
	"github.com/NinaFal/20k5ers/internal/events"
	"github.com/NinaFal/20k5ers/internal/state"
)

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router    *gin.Engine
	Engine    *engine.Engine
	Store     *state.Store
	Bus       *events.Bus
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to the operator.
type SystemMeta struct {
	DryRun  bool
	Venue   string
	Version string
}

// NewServer builds the router. An empty jwtSecret leaves all routes open,
// for local dry runs behind a firewall.
func NewServer(eng *engine.Engine, store *state.Store, bus *events.Bus, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Engine:    eng,
		Store:     store,
		Bus:       bus,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	if s.JWTSecret != "" {
		api.Use(AuthMiddleware(s.JWTSecret))
	}
	{
		api.GET("/status", s.getStatus)
		api.GET("/positions", s.getPositions)
		api.GET("/queue", s.getQueue)
		api.GET("/trades", s.getTrades)
		api.GET("/events", s.getEvents)
		api.POST("/signals", s.postSignal)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "venue": s.Meta.Venue, "dry_run": s.Meta.DryRun})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
