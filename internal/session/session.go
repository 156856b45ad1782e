// Package session ties one user's floor control, audio, presence, chat
// and alerts together for a single channel at a time.
//
// All user operations and all store callbacks take the session mutex, so a
// channel switch never interleaves with an acquire or with events from the
// channel being left. Callbacks also carry the epoch they were bound in
// and are ignored once the session has moved on.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/alerts"
	"github.com/dkeye/ptt/internal/audio"
	"github.com/dkeye/ptt/internal/chat"
	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/floor"
	"github.com/dkeye/ptt/internal/identity"
	"github.com/dkeye/ptt/internal/notify"
	"github.com/dkeye/ptt/internal/presence"
	"github.com/dkeye/ptt/internal/store"
	"github.com/dkeye/ptt/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransmitDisabled = errors.New("session: transmit disabled")
	ErrNotJoined        = errors.New("session: not joined")
	ErrClosed           = errors.New("session: closed")
)

// Cues is the user-facing side of the session. Calls are made outside the
// session lock, from store callback or caller goroutines.
type Cues interface {
	SpeakerStarted(ch domain.ChannelName, claim domain.SpeakerClaim)
	SpeakerEnded(ch domain.ChannelName, prev domain.SpeakerClaim)
	TransmitStateChanged(transmitting bool)
	TransmitDisabled(err error)
	ChatMessage(m domain.ChatMessage)
	Alert(a domain.Alert)
	SystemMessage(text string)
}

type Config struct {
	OpTimeout          time.Duration
	StaleAfter         time.Duration
	PresenceStaleAfter time.Duration
	HeartbeatInterval  time.Duration
	BatchInterval      time.Duration
	MaxLead            time.Duration
	ChatPruneInterval  time.Duration
}

func (c *Config) defaults() {
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = floor.DefaultStaleAfter
	}
	if c.PresenceStaleAfter <= 0 {
		c.PresenceStaleAfter = presence.DefaultStaleAfter
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = presence.DefaultHeartbeat
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = audio.DefaultBatchInterval
	}
	if c.MaxLead <= 0 {
		c.MaxLead = audio.DefaultMaxLead
	}
	if c.ChatPruneInterval <= 0 {
		c.ChatPruneInterval = chat.PruneInterval
	}
}

// Deps are the session's collaborators. Store and Identity are required;
// the rest may be nil.
type Deps struct {
	Store    store.Store
	Identity identity.Identity
	Mic      audio.Mic
	Sink     audio.Sink
	Cues     Cues
	Notifier notify.Dispatcher
}

type Session struct {
	st       store.Store
	id       identity.Identity
	cfg      Config
	cues     Cues
	notifier notify.Dispatcher
	logger   zerolog.Logger

	presence  *presence.Tracker
	floor     *floor.Controller
	sender    *transport.Sender
	receiver  *transport.Receiver
	capture   *audio.Capture
	scheduler *audio.Scheduler
	chat      *chat.Service
	alerts    *alerts.Service

	mu               sync.Mutex
	channel          domain.ChannelName
	joined           bool
	closed           bool
	epoch            uint64
	subs             store.SubscriptionSet
	current          *domain.SpeakerClaim
	suppressCue      bool
	transmitting     bool
	observedOwnClaim bool
	txDisabled       bool
	backgrounded     bool
	refreshStop      chan struct{}
}

func New(deps Deps, cfg Config) (*Session, error) {
	if deps.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if err := deps.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	cfg.defaults()

	id := deps.Identity
	s := &Session{
		st:       deps.Store,
		id:       id,
		cfg:      cfg,
		cues:     deps.Cues,
		notifier: deps.Notifier,
		logger:   log.With().Str("module", "session").Str("user", string(id.UserID)).Logger(),
	}
	if s.cues == nil {
		s.cues = nopCues{}
	}

	s.presence = presence.New(deps.Store, id.UserID, id.DisplayName, presence.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.PresenceStaleAfter,
		OpTimeout:         cfg.OpTimeout,
	})
	s.floor = floor.New(deps.Store, s.presence, floor.Config{
		StaleAfter: cfg.StaleAfter,
		OpTimeout:  cfg.OpTimeout,
	})
	s.sender = transport.NewSender(deps.Store, id.UserID)
	s.capture = audio.NewCapture(deps.Mic, s.sender, audio.CaptureConfig{
		BatchInterval: cfg.BatchInterval,
		OpTimeout:     cfg.OpTimeout,
	})
	var player transport.Player
	if deps.Sink != nil {
		s.scheduler = audio.NewScheduler(deps.Sink, cfg.MaxLead)
		player = s.scheduler
	}
	s.receiver = transport.NewReceiver(deps.Store, id.UserID, player)
	s.chat = chat.New(deps.Store, id.UserID, id.DisplayName, cfg.OpTimeout)
	s.alerts = alerts.New(deps.Store, id.UserID, id.DisplayName, cfg.OpTimeout)
	return s, nil
}

func (s *Session) Identity() identity.Identity { return s.id }

func (s *Session) Channel() domain.ChannelName {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) Transmitting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmitting
}

func (s *Session) TransmitDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txDisabled
}

// Speaker is the last claim observed on the current channel.
func (s *Session) Speaker() *domain.SpeakerClaim {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	c := *s.current
	return &c
}

func (s *Session) SetBackgrounded(b bool) {
	s.mu.Lock()
	s.backgrounded = b
	s.mu.Unlock()
}

// Join enters ch: presence goes up, stale claims are recovered, and the
// channel's streams are bound. Joining while already in a channel is a
// switch.
func (s *Session) Join(ctx context.Context, ch domain.ChannelName) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	var after []func()
	defer func() {
		s.mu.Unlock()
		run(after)
	}()
	if s.closed {
		return ErrClosed
	}
	if s.joined {
		return s.switchLocked(ctx, ch, &after)
	}

	if err := s.presence.Start(ctx, ch); err != nil {
		s.logger.Warn().Err(err).Msg("presence start failed")
	}
	s.recoverLocked(ctx, ch, &after)
	if err := s.bindLocked(ctx, ch); err != nil {
		return err
	}
	s.channel = ch
	s.joined = true
	s.logger.Info().Str("channel", string(ch)).Msg("joined")
	return nil
}

// SwitchChannel drains the current channel completely, floor included,
// before anything on ch is touched.
func (s *Session) SwitchChannel(ctx context.Context, ch domain.ChannelName) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return s.Join(ctx, ch)
	}

	s.mu.Lock()
	var after []func()
	defer func() {
		s.mu.Unlock()
		run(after)
	}()
	if s.closed {
		return ErrClosed
	}
	return s.switchLocked(ctx, ch, &after)
}

func (s *Session) switchLocked(ctx context.Context, ch domain.ChannelName, after *[]func()) error {
	old := s.channel
	if s.joined && ch == old {
		return nil
	}

	// Phase 1: drain.
	if err := s.stopTransmitLocked(ctx, after); err != nil {
		s.logger.Warn().Err(err).Str("channel", string(old)).Msg("release during switch")
	}
	s.unbindLocked()

	// Phase 2: bind.
	s.channel = ch
	if err := s.presence.SetChannel(ctx, ch); err != nil {
		s.logger.Warn().Err(err).Msg("presence channel update failed")
	}
	s.recoverLocked(ctx, ch, after)
	if err := s.bindLocked(ctx, ch); err != nil {
		s.joined = false
		return err
	}
	s.joined = true
	s.logger.Info().Str("from", string(old)).Str("to", string(ch)).Msg("switched channel")
	*after = append(*after, func() { s.cues.SystemMessage(fmt.Sprintf("switched to %s", ch)) })
	return nil
}

func (s *Session) recoverLocked(ctx context.Context, ch domain.ChannelName, after *[]func()) {
	res, err := s.floor.RecoverStale(ctx, ch)
	if err != nil {
		s.logger.Warn().Err(err).Str("channel", string(ch)).Msg("stale recovery failed")
		return
	}
	if res.Outcome == floor.RecoveryCleared {
		name := res.Claim.HolderName
		*after = append(*after, func() {
			s.cues.SystemMessage(fmt.Sprintf("cleared stale transmission from %s", name))
		})
	}
}

func (s *Session) bindLocked(ctx context.Context, ch domain.ChannelName) error {
	s.epoch++
	e := s.epoch
	s.current = nil
	// The first claim notification reflects whatever recovery left behind.
	s.suppressCue = true
	s.receiver.ResetTurn()

	fail := func(what string, err error) error {
		s.subs.Close()
		return fmt.Errorf("bind %s %s: %w", ch, what, err)
	}

	sub, err := s.floor.Watch(ctx, ch, func(c *domain.SpeakerClaim) { s.onClaim(e, c) })
	if err != nil {
		return fail("claim", err)
	}
	s.subs.Add(sub)

	if sub, err = s.receiver.Start(ctx, ch); err != nil {
		return fail("audio", err)
	}
	s.subs.Add(sub)

	if sub, err = s.alerts.Watch(ctx, ch, func(a domain.Alert) { s.onAlert(e, a) }); err != nil {
		return fail("alerts", err)
	}
	s.subs.Add(sub)

	if sub, err = s.chat.Listen(ctx, ch, func(m domain.ChatMessage) { s.onChat(e, m) }); err != nil {
		return fail("chat", err)
	}
	s.subs.Add(sub)

	s.subs.Add(s.startPruner(ch))
	return nil
}

func (s *Session) unbindLocked() {
	s.subs.Close()
	s.epoch++
	s.current = nil
	s.receiver.ResetTurn()
}

func (s *Session) startPruner(ch domain.ChannelName) store.Subscription {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.ChatPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.chat.Prune(context.Background(), ch); err != nil {
					s.logger.Debug().Err(err).Str("channel", string(ch)).Msg("chat prune failed")
				}
			}
		}
	}()
	return store.NewSubscription(func() { close(stop) })
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

type nopCues struct{}

func (nopCues) SpeakerStarted(domain.ChannelName, domain.SpeakerClaim) {}
func (nopCues) SpeakerEnded(domain.ChannelName, domain.SpeakerClaim)   {}
func (nopCues) TransmitStateChanged(bool)                               {}
func (nopCues) TransmitDisabled(error)                                  {}
func (nopCues) ChatMessage(domain.ChatMessage)                          {}
func (nopCues) Alert(domain.Alert)                                      {}
func (nopCues) SystemMessage(string)                                    {}
