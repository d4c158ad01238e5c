package devserver

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/config"
)

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.POST("/users", ctl.createUser)
	api.GET("/users/:id", ctl.getUser)
	api.POST("/rooms", ctl.createRoom)
	api.GET("/rooms/:id", ctl.getRoom)
	api.POST("/rooms/:id/start", ctl.startRoom)
	api.POST("/rooms/:id/stop", ctl.stopRoom)
	api.POST("/rooms/:id/token", ctl.roomToken)
	api.POST("/rooms/:id/sdp", ctl.handleSDP)
	api.POST("/rooms/:id/recordings/start", ctl.startRecording)
	api.POST("/rooms/:id/recordings/stop", ctl.stopRecording)
	api.POST("/rooms/:id/stream/start", ctl.startStream)
	api.POST("/rooms/:id/stream/stop", ctl.stopStream)

	api.GET("/ws/rooms", func(c *gin.Context) {
		ctl.HandleChannel(ctx, c)
	})

	log.Info().Str("module", "devserver.router").Msg("router setup")
	return r
}
