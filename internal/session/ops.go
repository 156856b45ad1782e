package session

import (
	"context"

	"github.com/dkeye/ptt/internal/domain"
)

func (s *Session) boundChannel() (domain.ChannelName, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if !s.joined {
		return "", ErrNotJoined
	}
	return s.channel, nil
}

func (s *Session) SendChat(ctx context.Context, text string) (domain.ChatMessage, error) {
	ch, err := s.boundChannel()
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return s.chat.Send(ctx, ch, text)
}

func (s *Session) SendAlert(ctx context.Context) error {
	ch, err := s.boundChannel()
	if err != nil {
		return err
	}
	return s.alerts.Send(ctx, ch)
}

// Members lists who is live on the current channel.
func (s *Session) Members(ctx context.Context) ([]domain.Presence, error) {
	ch, err := s.boundChannel()
	if err != nil {
		return nil, err
	}
	return s.presence.Members(ctx, ch)
}

// Teardown releases the floor, drops every subscription, stops audio and
// marks the user offline. It is safe to call in any state, any number of
// times.
func (s *Session) Teardown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var after []func()
	if err := s.stopTransmitLocked(ctx, &after); err != nil {
		s.logger.Warn().Err(err).Msg("release during teardown")
	}
	s.closed = true
	s.joined = false
	s.unbindLocked()
	if s.scheduler != nil {
		s.scheduler.Reset()
	}
	s.mu.Unlock()

	s.alerts.Close(ctx)
	if err := s.presence.Stop(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("presence stop")
	}
	s.logger.Info().Msg("session torn down")
	run(after)
}
