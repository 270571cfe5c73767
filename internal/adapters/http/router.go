package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/adapters/signal"
	"github.com/dkeye/VoiceCall/internal/app/call"
	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

const lastChannelKey = "last_channel"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
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

func clientSID(c *gin.Context) core.SessionID {
	return core.SessionID(c.GetString("client_token"))
}

type joinRequest struct {
	AppID   string `json:"app_id" binding:"omitempty,max=128"`
	Channel string `json:"channel" binding:"omitempty,max=64"`
	Token   string `json:"token" binding:"omitempty,max=2048"`
	UID     string `json:"uid" binding:"omitempty,max=255"`
}

// muteRequest toggles when Muted is absent.
type muteRequest struct {
	Muted *bool `json:"muted"`
}

// cameraRequest toggles when Enabled is absent.
type cameraRequest struct {
	Enabled *bool `json:"enabled"`
}

type remoteMuteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type callResponse struct {
	core.Snapshot
	LastChannel string `json:"last_channel,omitempty"`
}

// StatusFor maps call errors onto HTTP status codes.
func StatusFor(err error) int {
	var (
		connErr *call.ConnectionError
		resErr  *call.ResourceError
	)
	switch {
	case errors.Is(err, signal.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInvalidCredentials), errors.Is(err, domain.ErrUnsupportedKind):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrInvalidTransition), errors.Is(err, call.ErrNotConnected), errors.Is(err, call.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, call.ErrUnknownParticipant):
		return http.StatusNotFound
	case errors.Is(err, orch.ErrInjectUnsupported):
		return http.StatusNotImplemented
	case errors.As(err, &connErr), errors.As(err, &resErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	c.AbortWithStatusJSON(StatusFor(err), gin.H{"error": err.Error(), "code": signal.ErrorCode(err)})
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, limiter *signal.JoinRateLimiter) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Server.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Server.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("VoiceCallSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.Server.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.Server.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "calls": o.Registry.Len()})
	})
	if o.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(o.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.Server.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/call", func(c *gin.Context) {
		resp := callResponse{Snapshot: o.Snapshot(clientSID(c))}
		if last, ok := sessions.Default(c).Get(lastChannelKey).(string); ok {
			resp.LastChannel = last
		}
		c.JSON(http.StatusOK, resp)
	})

	api.POST("/call/join", func(c *gin.Context) {
		sid := clientSID(c)
		var req joinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_payload"})
			return
		}
		if !limiter.Allow(sid) {
			abortWith(c, signal.ErrRateLimited)
			return
		}
		creds := domain.Credentials{
			AppID:   req.AppID,
			Channel: req.Channel,
			Token:   req.Token,
			UID:     domain.ParticipantID(req.UID),
		}
		if err := o.Join(c.Request.Context(), sid, creds); err != nil {
			abortWith(c, err)
			return
		}
		snap := o.Snapshot(sid)
		sess := sessions.Default(c)
		sess.Set(lastChannelKey, snap.Channel)
		if err := sess.Save(); err != nil {
			log.Warn().Str("module", "adapters.http").Err(err).Msg("save session")
		}
		c.JSON(http.StatusOK, callResponse{Snapshot: snap, LastChannel: snap.Channel})
	})

	api.POST("/call/leave", func(c *gin.Context) {
		sid := clientSID(c)
		before := o.Snapshot(sid)
		if err := o.Leave(c.Request.Context(), sid); err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"channel": before.Channel, "elapsed": before.Elapsed, "snapshot": o.Snapshot(sid)})
	})

	api.POST("/call/mute", func(c *gin.Context) {
		sid := clientSID(c)
		var req muteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_payload"})
			return
		}
		var err error
		if req.Muted == nil {
			_, err = o.ToggleMute(c.Request.Context(), sid)
		} else {
			err = o.SetMuted(c.Request.Context(), sid, *req.Muted)
		}
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, o.Snapshot(sid))
	})

	api.POST("/call/camera", func(c *gin.Context) {
		sid := clientSID(c)
		var req cameraRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_payload"})
			return
		}
		var err error
		if req.Enabled == nil {
			_, err = o.ToggleCamera(c.Request.Context(), sid)
		} else {
			err = o.SetCameraEnabled(c.Request.Context(), sid, *req.Enabled)
		}
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, o.Snapshot(sid))
	})

	api.POST("/call/participants/:uid/mute", func(c *gin.Context) {
		sid := clientSID(c)
		var req remoteMuteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_payload"})
			return
		}
		if err := o.SetRemoteMuted(sid, domain.ParticipantID(c.Param("uid")), *req.Muted); err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, o.Snapshot(sid))
	})

	ctrl := signal.NewSignalWSController(o, limiter, signal.Options{
		ReadLimit:  cfg.Server.ReadLimit,
		PingPeriod: cfg.Server.PingPeriod,
	})
	api.GET("/ws/call", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws call endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	if cfg.Server.Mode == "debug" && cfg.Provider.Kind == "loopback" {
		api.POST("/debug/events", func(c *gin.Context) {
			var ev orch.DebugEvent
			if err := c.ShouldBindJSON(&ev); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_payload"})
				return
			}
			if err := o.Inject(clientSID(c), ev); err != nil {
				abortWith(c, err)
				return
			}
			c.Status(http.StatusAccepted)
		})
		log.Warn().Str("module", "adapters.http").Msg("debug event injection enabled")
	}

	return r
}
