package main

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/realtime-service/hub"
	"github.com/example/margwa-realtime/realtime-service/relay"
	"github.com/example/margwa-realtime/realtime-service/session"
)

type server struct {
	hub      *hub.Hub
	relay    *relay.Relay
	sessions *session.Manager
}

func (s *server) routes(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Sec-WebSocket-Protocol"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
		corsCfg.AllowCredentials = true
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", s.health)
	r.GET("/stats", s.stats)
	r.GET("/ws", gin.WrapH(s.sessions))
	return r
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"service":     "realtime-service",
		"timestamp":   events.FormatTime(time.Now()),
		"connections": s.sessions.Count(),
		"processId":   s.relay.ProcessID(),
		"bus":         s.relay.BusState(),
	})
}

func (s *server) stats(c *gin.Context) {
	rooms, members := s.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"rooms":       rooms,
		"members":     members,
		"connections": s.sessions.Count(),
	})
}
