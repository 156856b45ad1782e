package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dkeye/ptt/internal/adapters/signal"
	"github.com/dkeye/ptt/internal/app"
	"github.com/dkeye/ptt/internal/config"
	"github.com/dkeye/ptt/internal/identity"
	"github.com/dkeye/ptt/internal/store/local"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

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

func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

// AuthMiddleware verifies an HS256 bearer token (header or ?token=) and
// stores the identity on the context. An empty secret disables the check.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		id, err := identity.ParseToken([]byte(secret), bearer(c))
		if err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(identity.ContextKey, id)
		c.Next()
	}
}

const AdminKeyHeader = "X-Admin-Key"

// AdminMiddleware guards routes that act on other users. Without a key
// configured they are unavailable.
func AdminMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "admin api disabled"})
			return
		}
		got := c.GetHeader(AdminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			log.Warn().Str("module", "adapters.http").Str("path", c.FullPath()).Str("ip", c.ClientIP()).Msg("rejected admin call")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin key required"})
			return
		}
		c.Next()
	}
}

// Deps is what the router serves.
type Deps struct {
	Net      *local.Network
	Registry *app.Registry
	Signal   *signal.SignalWSController
	// Channels defaults to domain.DefaultChannels.
	Channels *app.ChannelDirectory
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PTTSessions", store))
	r.Use(ClientTokenMiddleware())

	h := newHandlers(deps, cfg.Auth)

	r.GET("/healthz", h.health)
	r.POST("/api/token", h.issueToken)

	api := r.Group("/api", AuthMiddleware(cfg.Auth.Secret))

	api.GET("/ws/store", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws store endpoint hit")
		deps.Signal.HandleSignal(ctx, c)
	})

	api.GET("/channels", h.listChannels)
	api.GET("/channels/:name", h.getChannel)

	admin := api.Group("", AdminMiddleware(cfg.Auth.AdminKey))
	admin.DELETE("/channels/:name/speaker", h.forceRelease)
	admin.GET("/sessions", h.listSessions)
	admin.DELETE("/sessions/:sid", h.kickSession)

	log.Info().Str("module", "adapters.http").Bool("auth", cfg.Auth.Secret != "").Bool("admin", cfg.Auth.AdminKey != "").Msg("router setup")
	return r
}
