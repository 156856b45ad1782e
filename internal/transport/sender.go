// Package transport moves encoded audio through the store. A turn's
// batches are pushed under channels/{c}/audioStream and removed by their
// sender; receivers only read.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/ptt/internal/audio"
	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoTurn = errors.New("transport: no active turn")

// Sender publishes the local user's batches for one turn at a time.
type Sender struct {
	st     store.Store
	uid    domain.UserID
	logger zerolog.Logger

	mu      sync.Mutex
	active  bool
	channel domain.ChannelName
	enc     *audio.Encoder
	seq     uint32
	pending []string
}

func NewSender(st store.Store, uid domain.UserID) *Sender {
	return &Sender{
		st:     st,
		uid:    uid,
		enc:    audio.NewEncoder(),
		logger: log.With().Str("module", "transport.sender").Str("user", string(uid)).Logger(),
	}
}

// Begin starts a turn on ch.
func (s *Sender) Begin(ch domain.ChannelName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.channel = ch
	s.enc.Reset()
	s.seq = 0
	s.pending = nil
}

// Publish pushes one batch and then removes this sender's earlier batches.
func (s *Sender) Publish(ctx context.Context, samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNoTurn
	}
	packets, err := s.enc.Encode(samples)
	if err != nil {
		return err
	}
	s.seq++
	path := domain.StreamPath(s.channel)
	key, err := s.st.Push(ctx, path, map[string]any{
		"senderId":       string(s.uid),
		"payload":        packets,
		"serverTime":     store.ServerTimestamp,
		"sequenceNumber": s.seq,
	})
	if err != nil {
		return fmt.Errorf("push batch %d: %w", s.seq, err)
	}
	prev := s.pending
	s.pending = []string{key}
	s.pending = append(s.pending, s.removeLocked(ctx, path, prev)...)
	return nil
}

// removeLocked deletes keys and returns the ones that could not be removed.
func (s *Sender) removeLocked(ctx context.Context, path string, keys []string) []string {
	var failed []string
	for _, k := range keys {
		if err := s.st.Remove(ctx, store.Join(path, k)); err != nil {
			s.logger.Debug().Err(err).Str("key", k).Msg("batch cleanup failed")
			failed = append(failed, k)
		}
	}
	return failed
}

// End finishes the turn and removes whatever it left in the stream.
func (s *Sender) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	failed := s.removeLocked(ctx, domain.StreamPath(s.channel), s.pending)
	s.pending = nil
	if len(failed) > 0 {
		return fmt.Errorf("transport: %d batches left in %s", len(failed), s.channel)
	}
	s.logger.Debug().Str("channel", string(s.channel)).Uint32("batches", s.seq).Msg("turn ended")
	return nil
}

func (s *Sender) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
