package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/ptt/internal/audio"
	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/notify"
)

// StartTransmit asks for the floor and, once granted, starts capture.
// A busy channel is (false, nil). A failing microphone disables
// transmission for the rest of the session.
func (s *Session) StartTransmit(ctx context.Context) (bool, error) {
	s.mu.Lock()
	var after []func()
	defer func() {
		s.mu.Unlock()
		run(after)
	}()

	switch {
	case s.closed:
		return false, ErrClosed
	case !s.joined:
		return false, ErrNotJoined
	case s.txDisabled:
		return false, ErrTransmitDisabled
	}

	ch := s.channel
	if s.current != nil && !s.current.HeldBy(s.id.UserID) {
		s.logger.Debug().Str("channel", string(ch)).Str("holder", string(s.current.HolderID)).Msg("floor busy")
		s.playTone(audio.BusyTone)
		return false, nil
	}

	granted, err := s.floor.TryAcquire(ctx, ch, s.id.UserID, s.id.DisplayName)
	if err != nil {
		return false, err
	}
	if !granted {
		s.playTone(audio.BusyTone)
		return false, nil
	}
	if s.transmitting {
		return true, nil
	}

	s.sender.Begin(ch)
	if err := s.capture.Start(); err != nil {
		s.txDisabled = true
		s.logger.Error().Err(err).Str("channel", string(ch)).Msg("capture failed, transmit disabled")
		rctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
		defer cancel()
		if endErr := s.sender.End(rctx); endErr != nil {
			s.logger.Warn().Err(endErr).Msg("stream cleanup after capture failure")
		}
		if relErr := s.floor.Release(rctx, ch, s.id.UserID); relErr != nil {
			s.logger.Warn().Err(relErr).Msg("release after capture failure")
		}
		after = append(after, func() { s.cues.TransmitDisabled(err) })
		return false, fmt.Errorf("%w: %w", ErrTransmitDisabled, err)
	}

	s.transmitting = true
	s.observedOwnClaim = false
	s.refreshStop = s.startRefresh(s.epoch)
	s.playTone(audio.TalkPermit)
	s.logger.Info().Str("channel", string(ch)).Msg("transmitting")
	after = append(after, func() { s.cues.TransmitStateChanged(true) })
	return true, nil
}

func (s *Session) StopTransmit(ctx context.Context) error {
	s.mu.Lock()
	var after []func()
	defer func() {
		s.mu.Unlock()
		run(after)
	}()
	return s.stopTransmitLocked(ctx, &after)
}

// stopTransmitLocked stops capture before the stream is cleaned and the
// claim released, so nothing from this turn lands after the release.
func (s *Session) stopTransmitLocked(ctx context.Context, after *[]func()) error {
	if !s.transmitting {
		return nil
	}
	s.transmitting = false
	s.observedOwnClaim = false
	if s.refreshStop != nil {
		close(s.refreshStop)
		s.refreshStop = nil
	}
	s.capture.Stop()

	err := errors.Join(
		s.sender.End(ctx),
		s.floor.Release(ctx, s.channel, s.id.UserID),
	)
	s.logger.Info().Str("channel", string(s.channel)).Msg("transmit stopped")
	*after = append(*after, func() { s.cues.TransmitStateChanged(false) })
	return err
}

// startRefresh keeps claimedAt fresh while transmitting so other clients
// never mistake a long turn for a stale one.
func (s *Session) startRefresh(epoch uint64) chan struct{} {
	stop := make(chan struct{})
	interval := s.cfg.StaleAfter / 3
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !s.refreshClaim(epoch, stop) {
					return
				}
			}
		}
	}()
	return stop
}

func (s *Session) refreshClaim(epoch uint64, stop chan struct{}) bool {
	s.mu.Lock()
	var after []func()
	defer func() {
		s.mu.Unlock()
		run(after)
	}()
	if s.epoch != epoch || !s.transmitting || s.refreshStop != stop {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()
	ok, err := s.floor.TryAcquire(ctx, s.channel, s.id.UserID, s.id.DisplayName)
	if err != nil {
		s.logger.Warn().Err(err).Msg("claim refresh failed")
		return true
	}
	if !ok {
		s.logger.Warn().Str("channel", string(s.channel)).Msg("floor lost during refresh")
		if err := s.stopTransmitLocked(ctx, &after); err != nil {
			s.logger.Warn().Err(err).Msg("stop after lost floor")
		}
		after = append(after, func() { s.cues.SystemMessage("transmission ended: floor lost") })
		return false
	}
	return true
}

func holderOf(c *domain.SpeakerClaim) domain.UserID {
	if c == nil {
		return ""
	}
	return c.HolderID
}

func (s *Session) onClaim(epoch uint64, claim *domain.SpeakerClaim) {
	s.mu.Lock()
	var after []func()
	defer func() {
		s.mu.Unlock()
		run(after)
	}()
	if s.closed || s.epoch != epoch {
		return
	}

	ch := s.channel
	prev := s.current
	s.current = claim
	suppress := s.suppressCue
	s.suppressCue = false

	uid := s.id.UserID
	mine := claim.HeldBy(uid)
	if mine {
		s.observedOwnClaim = true
	}

	changed := holderOf(prev) != holderOf(claim)
	if changed {
		s.receiver.ResetTurn()
	}

	if s.transmitting && s.observedOwnClaim && !mine {
		s.logger.Warn().Str("channel", string(ch)).Str("holder", string(holderOf(claim))).Msg("floor taken away, stopping transmit")
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
		if err := s.stopTransmitLocked(ctx, &after); err != nil {
			s.logger.Debug().Err(err).Msg("stop after forced release")
		}
		cancel()
		after = append(after, func() { s.cues.SystemMessage("transmission ended: floor cleared") })
	}

	if !changed || suppress {
		return
	}
	switch {
	case claim != nil && !mine:
		c := *claim
		after = append(after, func() { s.cues.SpeakerStarted(ch, c) })
		if s.backgrounded {
			s.announce(notify.Announcement{Channel: ch, Kind: notify.KindSpeakerStarted, Actor: c.HolderName})
		}
	case claim == nil && prev != nil:
		p := *prev
		after = append(after, func() { s.cues.SpeakerEnded(ch, p) })
		if p.HolderID != uid {
			s.playTone(audio.RogerBeep)
		}
	}
}

func (s *Session) onAlert(epoch uint64, a domain.Alert) {
	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.playTone(audio.AlertTone)
	if s.backgrounded && a.SenderID != s.id.UserID {
		s.announce(notify.Announcement{Channel: a.Channel, Kind: notify.KindAlert, Actor: a.Sender})
	}
	s.mu.Unlock()
	s.cues.Alert(a)
}

func (s *Session) onChat(epoch uint64, m domain.ChatMessage) {
	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.cues.ChatMessage(m)
}

func (s *Session) playTone(render func(rate int) []int16) {
	if s.scheduler != nil {
		s.scheduler.PlayTone(render(audio.SampleRate))
	}
}

// announce hands a to the notifier without waiting for it.
func (s *Session) announce(a notify.Announcement) {
	if s.notifier == nil {
		return
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	n := s.notifier
	timeout := s.cfg.OpTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := n.Announce(ctx, a); err != nil {
			s.logger.Debug().Err(err).Str("kind", string(a.Kind)).Msg("announce failed")
		}
	}()
}
