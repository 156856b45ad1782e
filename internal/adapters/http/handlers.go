package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/ptt/internal/app"
	"github.com/dkeye/ptt/internal/config"
	"github.com/dkeye/ptt/internal/core"
	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/floor"
	"github.com/dkeye/ptt/internal/identity"
	"github.com/dkeye/ptt/internal/presence"
	"github.com/dkeye/ptt/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const requestTimeout = 5 * time.Second

type handlers struct {
	st       store.Store
	floor    *floor.Controller
	registry *app.Registry
	channels *app.ChannelDirectory
	auth     config.AuthConfig
}

func newHandlers(deps Deps, auth config.AuthConfig) *handlers {
	st := deps.Net.Connect("admin")
	channels := deps.Channels
	if channels == nil {
		channels = app.NewChannelDirectory(domain.DefaultChannels)
	}
	return &handlers{
		st:       st,
		floor:    floor.New(st, nil, floor.Config{}),
		registry: deps.Registry,
		channels: channels,
		auth:     auth,
	}
}

type TokenRequest struct {
	DisplayName string `json:"displayName"`
}

type TokenResponse struct {
	Token       string        `json:"token"`
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
}

type ChannelInfo struct {
	Name    domain.ChannelName   `json:"name"`
	Speaker *domain.SpeakerClaim `json:"speaker"`
	Members int                  `json:"memberCount"`
}

type ChannelDetail struct {
	Name    domain.ChannelName   `json:"name"`
	Speaker *domain.SpeakerClaim `json:"speaker"`
	Members []domain.Presence    `json:"members"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.registry.Len()})
}

func (h *handlers) issueToken(c *gin.Context) {
	if h.auth.Secret == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "auth disabled"})
		return
	}
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid displayName"})
		return
	}
	u, err := domain.NewUser(req.DisplayName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := identity.Identity{UserID: u.ID, DisplayName: u.DisplayName}
	token, err := identity.IssueToken([]byte(h.auth.Secret), id, h.auth.TokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token, UserID: id.UserID, DisplayName: id.DisplayName})
}

func channelParam(c *gin.Context) (domain.ChannelName, bool) {
	ch := domain.ChannelName(c.Param("name"))
	if err := ch.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return ch, true
}

func (h *handlers) listChannels(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	live, err := presence.List(ctx, h.st, presence.DefaultStaleAfter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts := make(map[domain.ChannelName]int)
	for _, p := range live {
		counts[p.CurrentChannel]++
		h.channels.Touch(p.CurrentChannel)
	}

	list := h.channels.List()
	out := make([]ChannelInfo, 0, len(list))
	for _, ch := range list {
		claim, err := h.floor.Holder(ctx, ch)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("channel", string(ch)).Msg("read claim")
		}
		if claim == nil && counts[ch] == 0 && !h.channels.IsDefault(ch) {
			h.channels.Forget(ch)
			continue
		}
		out = append(out, ChannelInfo{Name: ch, Speaker: claim, Members: counts[ch]})
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

func (h *handlers) getChannel(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	claim, err := h.floor.Holder(ctx, ch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	members, err := presence.Members(ctx, h.st, ch, presence.DefaultStaleAfter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ChannelDetail{Name: ch, Speaker: claim, Members: members})
}

func (h *handlers) forceRelease(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	prev, err := h.floor.ForceRelease(ctx, ch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("module", "adapters.http").Str("channel", string(ch)).Bool("was_held", prev != nil).Msg("admin force release")
	c.JSON(http.StatusOK, gin.H{"released": prev})
}

func (h *handlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.registry.Snapshot()})
}

var errNoSession = errors.New("session not found")

func (h *handlers) kickSession(c *gin.Context) {
	sid := core.SessionID(c.Param("sid"))
	if !h.registry.Cancel(sid) {
		c.JSON(http.StatusNotFound, gin.H{"error": errNoSession.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
