// Package http is the local control plane: the renderer UI drives the
// call through it and receives events, media and membership over its
// websockets. It binds to loopback; the cookie session and client token
// keep stray local processes out.
package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avellin/huddle/internal/adapters/rtc"
	"github.com/avellin/huddle/internal/adapters/shell"
	"github.com/avellin/huddle/internal/config"
	"github.com/avellin/huddle/internal/core"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl Controller, store core.MembershipStore, bridge *shell.Bridge, renderer *rtc.Renderer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", sessionStore))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	h := &callHandlers{ctl: ctl, store: store}
	api.POST("/call/join", h.join)
	api.POST("/call/leave", h.leave)
	api.POST("/call/mic", h.toggleMic)
	api.POST("/call/video", h.toggleVideo)
	api.POST("/call/deafen", h.toggleDeafen)
	api.GET("/call/state", h.state)
	api.GET("/rooms/:room/members", h.members)

	api.GET("/ws/events", func(c *gin.Context) {
		serveEvents(c, ctl)
	})
	api.GET("/ws/rooms/:room/members", func(c *gin.Context) {
		serveMembershipWatch(c, store)
	})
	if bridge != nil {
		api.GET("/ws/shell", func(c *gin.Context) {
			serveShell(c, bridge)
		})
	}
	if renderer != nil {
		api.GET("/ws/media", func(c *gin.Context) {
			serveMedia(c, renderer)
		})
	}

	return r
}
