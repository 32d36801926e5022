package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/skillswap-signaling/config"
	"github.com/mossy-p/skillswap-signaling/internal/middleware"
	"github.com/mossy-p/skillswap-signaling/internal/redis"
	"github.com/mossy-p/skillswap-signaling/internal/relay"
)

// Server holds the dependencies of the room API and the websocket relay.
// Room metadata lives in Redis; signaling fan-out goes through rl.
type Server struct {
	cfg      *config.Config
	relay    relay.Presence
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, rl relay.Presence) *Server {
	return &Server{
		cfg:   cfg,
		relay: rl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checking is handled by middleware
				return true
			},
		},
	}
}

// Routes registers every endpoint on router.
func (s *Server) Routes(router *gin.Engine) {
	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(s.cfg.AllowedOrigins))

	router.GET("/health", s.Health)

	auth := middleware.JWTAuth(s.cfg.JWTSecret)
	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(s.cfg.JWTSecret))

		api.POST("/rooms", auth, s.CreateRoom)
		api.GET("/rooms/:roomId", s.GetRoom)
		api.DELETE("/rooms/:roomId", auth, s.DeleteRoom)
		api.POST("/rooms/:roomId/token", auth, s.IssueRoomToken)
	}

	ws := router.Group("/ws")
	{
		// Accepts a room code, a registered room id or a session id
		ws.GET("/signal/:roomId", s.HandleSignaling)
	}
}

// Health reports whether Redis is reachable.
func (s *Server) Health(c *gin.Context) {
	if err := redis.GetClient().Ping(c.Request.Context()).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "redis unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "relay": s.cfg.Relay.Backend})
}
