package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/core"
	"github.com/dkeye/ptt/internal/domain"
	"github.com/rs/zerolog/log"
)

// SessionInfo is the read-only view of a live store connection.
type SessionInfo struct {
	SID         core.SessionID `json:"sid"`
	ClientToken string         `json:"client_token"`
	UserID      domain.UserID  `json:"user_id,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	RemoteAddr  string         `json:"remote_addr"`
	ConnectedAt time.Time      `json:"connected_at"`
}

type sessionEntry struct {
	Info   SessionInfo
	Signal core.SignalConnection
	Cancel context.CancelFunc
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
	}
}

func (r *Registry) BindSignal(info SessionInfo, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[info.SID] = &sessionEntry{Info: info, Signal: sig, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(info.SID)).
		Str("user", string(info.UserID)).Msg("bound signal")
}

func (r *Registry) GetSession(sid core.SessionID) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Info, true
	}
	return SessionInfo{}, false
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists live sessions, oldest first.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Cancel tears the session's socket down; its disconnect hooks then fire.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

// CancelAll is used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	sids := make([]core.SessionID, 0, len(r.sessions))
	for sid := range r.sessions {
		sids = append(sids, sid)
	}
	r.mu.RUnlock()
	for _, sid := range sids {
		r.Cancel(sid)
	}
}
