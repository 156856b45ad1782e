// Package alerts sends and observes the channel-wide attention tone.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/ratelimit"
	"github.com/dkeye/ptt/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Lifetime is how long an alert stays active.
	Lifetime   = 5 * time.Second
	RateLimit  = 3
	RateWindow = time.Minute
)

var ErrRateLimited = errors.New("alerts: rate limited")

type Service struct {
	st        store.Store
	uid       domain.UserID
	name      string
	limiter   *ratelimit.Limiter[domain.UserID]
	opTimeout time.Duration
	lifetime  time.Duration
	logger    zerolog.Logger

	mu     sync.Mutex
	timers map[domain.ChannelName]*time.Timer
}

func New(st store.Store, uid domain.UserID, displayName string, opTimeout time.Duration) *Service {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Service{
		st:        st,
		uid:       uid,
		name:      displayName,
		limiter:   ratelimit.New[domain.UserID](RateLimit, RateWindow),
		opTimeout: opTimeout,
		lifetime:  Lifetime,
		timers:    make(map[domain.ChannelName]*time.Timer),
		logger:    log.With().Str("module", "alerts").Str("user", string(uid)).Logger(),
	}
}

// Send raises an alert on ch. It clears itself after Lifetime, or when
// this connection drops.
func (s *Service) Send(ctx context.Context, ch domain.ChannelName) error {
	if !s.limiter.Allow(s.uid) {
		return ErrRateLimited
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	path := domain.AlertPath(ch)
	if err := s.st.OnDisconnect(path).Remove(ctx); err != nil {
		return fmt.Errorf("register alert hook: %w", err)
	}
	if err := s.st.Set(ctx, path, map[string]any{
		"active":    true,
		"sender":    s.name,
		"senderId":  string(s.uid),
		"timestamp": store.ServerTimestamp,
	}); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}

	s.mu.Lock()
	if t, ok := s.timers[ch]; ok {
		t.Stop()
	}
	s.timers[ch] = time.AfterFunc(s.lifetime, func() { s.expire(ch) })
	s.mu.Unlock()

	s.logger.Info().Str("channel", string(ch)).Msg("alert sent")
	return nil
}

func (s *Service) expire(ch domain.ChannelName) {
	s.mu.Lock()
	delete(s.timers, ch)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	if err := s.clear(ctx, ch); err != nil {
		s.logger.Debug().Err(err).Str("channel", string(ch)).Msg("alert clear failed")
	}
}

// clear removes the alert only while it is still ours.
func (s *Service) clear(ctx context.Context, ch domain.ChannelName) error {
	path := domain.AlertPath(ch)
	_, err := s.st.Transaction(ctx, path, func(cur json.RawMessage) (any, error) {
		var a domain.Alert
		if len(cur) == 0 || json.Unmarshal(cur, &a) != nil || a.SenderID != s.uid {
			return nil, store.ErrAbortTransaction
		}
		return nil, nil
	})
	if cerr := s.st.OnDisconnect(path).Cancel(ctx); err == nil {
		err = cerr
	}
	return err
}

// Close stops pending expiry timers and clears this user's alerts now.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[domain.ChannelName]*time.Timer)
	s.mu.Unlock()
	for ch, t := range timers {
		t.Stop()
		if err := s.clear(ctx, ch); err != nil {
			s.logger.Debug().Err(err).Str("channel", string(ch)).Msg("alert clear on close")
		}
	}
}

// Watch reports every distinct active alert on ch once. Alerts already
// older than Lifetime when seen are ignored.
func (s *Service) Watch(ctx context.Context, ch domain.ChannelName, fn func(domain.Alert)) (store.Subscription, error) {
	var lastSender domain.UserID
	var lastStamp int64
	return s.st.SubscribeValue(ctx, domain.AlertPath(ch), func(snap store.Snapshot) {
		if !snap.Exists() {
			return
		}
		var a domain.Alert
		if err := snap.Decode(&a); err != nil {
			s.logger.Warn().Err(err).Str("channel", string(ch)).Msg("unreadable alert")
			return
		}
		if !a.Active {
			return
		}
		if a.SenderID == lastSender && a.Timestamp == lastStamp {
			return
		}
		lastSender, lastStamp = a.SenderID, a.Timestamp
		if s.st.ServerNow().Sub(domain.FromMillis(a.Timestamp)) > s.lifetime {
			return
		}
		a.Channel = ch
		fn(a)
	})
}
