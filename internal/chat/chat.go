// Package chat is the per-channel text log kept beside the audio stream.
package chat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	Retention     = 24 * time.Hour
	BacklogLimit  = 100
	PruneInterval = 10 * time.Minute
)

type Service struct {
	st        store.Store
	uid       domain.UserID
	name      string
	opTimeout time.Duration
	logger    zerolog.Logger
}

func New(st store.Store, uid domain.UserID, displayName string, opTimeout time.Duration) *Service {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Service{
		st:        st,
		uid:       uid,
		name:      displayName,
		opTimeout: opTimeout,
		logger:    log.With().Str("module", "chat").Str("user", string(uid)).Logger(),
	}
}

func (s *Service) Send(ctx context.Context, ch domain.ChannelName, text string) (domain.ChatMessage, error) {
	body, err := domain.NormalizeChat(text)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	key, err := s.st.Push(ctx, domain.ChatPath(ch), map[string]any{
		"text":      body,
		"sender":    s.name,
		"senderId":  string(s.uid),
		"timestamp": store.ServerTimestamp,
	})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("send chat: %w", err)
	}
	return domain.ChatMessage{
		Key:      key,
		Channel:  ch,
		Text:     body,
		Sender:   s.name,
		SenderID: s.uid,
	}, nil
}

// Listen delivers messages in key order: at most BacklogLimit of the ones
// already present, then every new one. Messages past Retention are
// skipped.
func (s *Service) Listen(ctx context.Context, ch domain.ChannelName, fn func(domain.ChatMessage)) (store.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	skip := make(map[string]struct{})
	snap, err := s.st.Get(ctx, domain.ChatPath(ch))
	if err != nil {
		return nil, err
	}
	if snap.Exists() {
		var existing map[string]any
		if err := snap.Decode(&existing); err == nil && len(existing) > BacklogLimit {
			keys := make([]string, 0, len(existing))
			for k := range existing {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys[:len(keys)-BacklogLimit] {
				skip[k] = struct{}{}
			}
		}
	}

	return s.st.SubscribeChildAdded(ctx, domain.ChatPath(ch), func(snap store.Snapshot) {
		if _, old := skip[snap.Key]; old {
			delete(skip, snap.Key)
			return
		}
		var m domain.ChatMessage
		if err := snap.Decode(&m); err != nil {
			s.logger.Warn().Err(err).Str("key", snap.Key).Msg("unreadable chat message")
			return
		}
		if s.st.ServerNow().Sub(domain.FromMillis(m.Timestamp)) > Retention {
			return
		}
		m.Key = snap.Key
		m.Channel = ch
		fn(m)
	})
}

// Prune removes messages older than Retention and reports how many.
func (s *Service) Prune(ctx context.Context, ch domain.ChannelName) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	snap, err := s.st.Get(ctx, domain.ChatPath(ch))
	if err != nil || !snap.Exists() {
		return 0, err
	}
	var msgs map[string]domain.ChatMessage
	if err := snap.Decode(&msgs); err != nil {
		return 0, fmt.Errorf("decode chat: %w", err)
	}
	cutoff := domain.Millis(s.st.ServerNow().Add(-Retention))
	removed := 0
	for key, m := range msgs {
		if m.Timestamp >= cutoff {
			continue
		}
		if err := s.st.Remove(ctx, store.Join(domain.ChatPath(ch), key)); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Str("channel", string(ch)).Int("removed", removed).Msg("chat pruned")
	}
	return removed, nil
}
