// Package presence keeps users/{uid} current for the local session and
// answers liveness questions about other users.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeat  = 10 * time.Second
	DefaultStaleAfter = 45 * time.Second
	DefaultOpTimeout  = 5 * time.Second
)

var ErrNotStarted = errors.New("presence: not started")

// Status is the connection state as seen through the store's connected
// signal.
type Status int

const (
	NeverConnected Status = iota
	Connected
	Dropped
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "connected"
	case Dropped:
		return "dropped"
	default:
		return "never_connected"
	}
}

type Config struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	OpTimeout         time.Duration
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeat
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
}

type Tracker struct {
	st     store.Store
	uid    domain.UserID
	name   string
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	started bool
	channel domain.ChannelName
	status  Status
	connSub store.Subscription
	stop    chan struct{}
	done    chan struct{}
}

func New(st store.Store, uid domain.UserID, displayName string, cfg Config) *Tracker {
	cfg.defaults()
	return &Tracker{
		st:     st,
		uid:    uid,
		name:   displayName,
		cfg:    cfg,
		logger: log.With().Str("module", "presence").Str("user", string(uid)).Logger(),
	}
}

// Start publishes the user as online in channel and keeps the record
// fresh until Stop. Calling Start again only moves the channel.
func (t *Tracker) Start(ctx context.Context, channel domain.ChannelName) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return t.SetChannel(ctx, channel)
	}
	t.started = true
	t.channel = channel
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	t.mu.Unlock()

	if err := t.assert(ctx, channel); err != nil {
		t.logger.Warn().Err(err).Msg("initial presence write failed")
	}

	sub := t.st.OnConnectionChange(t.onConnection)
	t.mu.Lock()
	t.connSub = sub
	stop, done := t.stop, t.done
	t.mu.Unlock()

	go t.heartbeat(stop, done)
	t.logger.Info().Str("channel", string(channel)).Msg("presence started")
	return nil
}

// assert writes the full record and re-registers the offline hook. The
// hook is gone after every reconnect because the server fired it.
func (t *Tracker) assert(ctx context.Context, channel domain.ChannelName) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()

	path := domain.UserPath(t.uid)
	if err := t.st.OnDisconnect(path).Update(ctx, map[string]any{
		"online":        false,
		"heartbeatTime": store.ServerTimestamp,
	}); err != nil {
		return fmt.Errorf("register offline hook: %w", err)
	}
	if err := t.st.Set(ctx, path, map[string]any{
		"displayName":    t.name,
		"online":         true,
		"currentChannel": string(channel),
		"heartbeatTime":  store.ServerTimestamp,
	}); err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	return nil
}

func (t *Tracker) onConnection(up bool) {
	t.mu.Lock()
	prev := t.status
	if up {
		t.status = Connected
	} else if prev == Connected {
		t.status = Dropped
	}
	started := t.started
	channel := t.channel
	t.mu.Unlock()

	if up && prev == Dropped && started {
		t.logger.Info().Msg("reconnected, re-asserting presence")
		go func() {
			if err := t.assert(context.Background(), channel); err != nil {
				t.logger.Warn().Err(err).Msg("presence re-assert failed")
			}
		}()
	}
	if !up && prev == Connected {
		t.logger.Warn().Msg("connection dropped")
	}
}

func (t *Tracker) heartbeat(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.OpTimeout)
			err := t.st.Update(ctx, domain.UserPath(t.uid), map[string]any{
				"online":        true,
				"heartbeatTime": store.ServerTimestamp,
			})
			cancel()
			if err != nil {
				t.logger.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (t *Tracker) SetChannel(ctx context.Context, channel domain.ChannelName) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	t.channel = channel
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()
	return t.st.Update(ctx, domain.UserPath(t.uid), map[string]any{
		"currentChannel": string(channel),
		"online":         true,
		"heartbeatTime":  store.ServerTimestamp,
	})
}

func (t *Tracker) Channel() domain.ChannelName {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Stop marks the user offline and cancels the disconnect hook. It is safe
// to call more than once.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	stop, done, sub := t.stop, t.done, t.connSub
	t.connSub = nil
	t.mu.Unlock()

	close(stop)
	<-done
	if sub != nil {
		sub.Unsubscribe()
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()
	path := domain.UserPath(t.uid)
	if err := t.st.OnDisconnect(path).Cancel(ctx); err != nil {
		t.logger.Debug().Err(err).Msg("cancel offline hook")
	}
	err := t.st.Update(ctx, path, map[string]any{
		"online":        false,
		"heartbeatTime": store.ServerTimestamp,
	})
	t.logger.Info().Msg("presence stopped")
	return err
}

// IsPresent reports whether uid is online with a heartbeat inside the
// staleness window, measured against server time.
func (t *Tracker) IsPresent(ctx context.Context, uid domain.UserID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()
	snap, err := t.st.Get(ctx, domain.UserPath(uid))
	if err != nil {
		return false, err
	}
	if !snap.Exists() {
		return false, nil
	}
	var p domain.Presence
	if err := snap.Decode(&p); err != nil {
		return false, nil
	}
	return p.Alive(t.st.ServerNow(), t.cfg.StaleAfter), nil
}

func (t *Tracker) Members(ctx context.Context, channel domain.ChannelName) ([]domain.Presence, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()
	return Members(ctx, t.st, channel, t.cfg.StaleAfter)
}

// Members lists live users whose current channel is channel, sorted by
// display name.
func Members(ctx context.Context, st store.Store, channel domain.ChannelName, staleAfter time.Duration) ([]domain.Presence, error) {
	all, err := List(ctx, st, staleAfter)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.CurrentChannel == channel {
			out = append(out, p)
		}
	}
	return out, nil
}

// List returns every live user.
func List(ctx context.Context, st store.Store, staleAfter time.Duration) ([]domain.Presence, error) {
	snap, err := st.Get(ctx, domain.UsersPath)
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	var records map[string]domain.Presence
	if err := snap.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	now := st.ServerNow()
	out := make([]domain.Presence, 0, len(records))
	for id, p := range records {
		if !p.Alive(now, staleAfter) {
			continue
		}
		p.UserID = domain.UserID(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if a != b {
			return a < b
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}
