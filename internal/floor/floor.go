// Package floor arbitrates who may transmit on a channel. The claim at
// channels/{c}/activeSpeaker is the only floor state; every change to it
// goes through a store transaction.
package floor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/store"
	"github.com/dkeye/ptt/internal/store/jsontree"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStaleAfter = 30 * time.Second
	DefaultOpTimeout  = 5 * time.Second
)

// PresenceReader answers whether a claim holder is still around.
type PresenceReader interface {
	IsPresent(ctx context.Context, uid domain.UserID) (bool, error)
}

type Recovery int

const (
	RecoveryNone Recovery = iota
	RecoveryLive
	RecoveryCleared
)

func (r Recovery) String() string {
	switch r {
	case RecoveryLive:
		return "live"
	case RecoveryCleared:
		return "cleared"
	default:
		return "none"
	}
}

const (
	ReasonHolderAbsent = "holder_absent"
	ReasonExpired      = "expired"
)

type RecoveryResult struct {
	Outcome Recovery
	Reason  string
	Claim   *domain.SpeakerClaim
}

type Config struct {
	StaleAfter time.Duration
	OpTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
}

type Controller struct {
	st       store.Store
	presence PresenceReader
	cfg      Config
	logger   zerolog.Logger
}

// New builds a controller. presence may be nil, in which case stale
// recovery relies on claim age alone.
func New(st store.Store, presence PresenceReader, cfg Config) *Controller {
	cfg.defaults()
	return &Controller{
		st:       st,
		presence: presence,
		cfg:      cfg,
		logger:   log.With().Str("module", "floor").Logger(),
	}
}

func (c *Controller) StaleAfter() time.Duration { return c.cfg.StaleAfter }

func decodeClaim(raw json.RawMessage) (*domain.SpeakerClaim, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var claim domain.SpeakerClaim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// TryAcquire claims the floor for uid. It commits when the floor is empty
// or already held by uid, which refreshes claimedAt. Losing to another
// holder is reported as granted=false with a nil error.
func (c *Controller) TryAcquire(ctx context.Context, ch domain.ChannelName, uid domain.UserID, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	var fresh bool
	res, err := c.st.Transaction(ctx, domain.SpeakerPath(ch), func(cur json.RawMessage) (any, error) {
		claim, err := decodeClaim(cur)
		if err != nil {
			// Unreadable claims are never overwritten here; stale recovery
			// owns that.
			return nil, store.ErrAbortTransaction
		}
		if claim != nil && claim.HolderID != uid {
			return nil, store.ErrAbortTransaction
		}
		fresh = claim == nil
		return map[string]any{
			"holderId":   string(uid),
			"holderName": name,
			"claimedAt":  store.ServerTimestamp,
		}, nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", string(ch)).Msg("acquire failed")
		return false, fmt.Errorf("acquire %s: %w", ch, err)
	}
	if !res.Committed {
		holder, _ := decodeClaim(res.Snapshot.Value)
		ev := c.logger.Debug().Str("channel", string(ch)).Str("user", string(uid)).Str("reason", "contended")
		if holder != nil {
			ev = ev.Str("holder", string(holder.HolderID))
		}
		ev.Msg("floor busy")
		return false, nil
	}
	if err := c.st.OnDisconnect(domain.SpeakerPath(ch)).Remove(ctx); err != nil {
		c.logger.Warn().Err(err).Str("channel", string(ch)).Msg("register claim hook")
	}
	if err := c.st.OnDisconnect(domain.StreamPath(ch)).Remove(ctx); err != nil {
		c.logger.Warn().Err(err).Str("channel", string(ch)).Msg("register stream hook")
	}
	if !fresh {
		// The stream holds this turn's batches.
		c.logger.Debug().Str("channel", string(ch)).Str("user", string(uid)).Msg("claim refreshed")
		return true, nil
	}
	if err := c.st.Remove(ctx, domain.StreamPath(ch)); err != nil {
		c.logger.Warn().Err(err).Str("channel", string(ch)).Msg("flush audio stream")
	}
	c.logger.Info().Str("channel", string(ch)).Str("user", string(uid)).Msg("floor acquired")
	return true, nil
}

// Release clears the claim if uid holds it, then drops the disconnect
// hooks. Releasing a floor that uid does not hold is a no-op.
func (c *Controller) Release(ctx context.Context, ch domain.ChannelName, uid domain.UserID) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	res, err := c.st.Transaction(ctx, domain.SpeakerPath(ch), func(cur json.RawMessage) (any, error) {
		claim, err := decodeClaim(cur)
		if err != nil || !claim.HeldBy(uid) {
			return nil, store.ErrAbortTransaction
		}
		return nil, nil
	})
	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("release %s: %w", ch, err))
	}
	if err := c.st.OnDisconnect(domain.SpeakerPath(ch)).Cancel(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.st.OnDisconnect(domain.StreamPath(ch)).Cancel(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.Committed {
		c.logger.Info().Str("channel", string(ch)).Str("user", string(uid)).Msg("floor released")
	}
	return errors.Join(errs...)
}

// ForceRelease clears whatever claim is on the channel along with its
// audio stream. Administrative use only.
func (c *Controller) ForceRelease(ctx context.Context, ch domain.ChannelName) (*domain.SpeakerClaim, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	var cleared *domain.SpeakerClaim
	_, err := c.st.Transaction(ctx, domain.SpeakerPath(ch), func(cur json.RawMessage) (any, error) {
		cleared, _ = decodeClaim(cur)
		if len(cur) == 0 {
			return nil, store.ErrAbortTransaction
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.st.Remove(ctx, domain.StreamPath(ch)); err != nil {
		return cleared, err
	}
	if cleared != nil {
		c.logger.Warn().Str("channel", string(ch)).Str("holder", string(cleared.HolderID)).Str("reason", "forced").Msg("floor cleared")
	}
	return cleared, nil
}

// Holder returns the current claim, or nil when the floor is idle.
func (c *Controller) Holder(ctx context.Context, ch domain.ChannelName) (*domain.SpeakerClaim, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	snap, err := c.st.Get(ctx, domain.SpeakerPath(ch))
	if err != nil {
		return nil, err
	}
	return decodeClaim(snap.Value)
}

// RecoverStale is run when joining a channel. A claim whose holder is no
// longer present, or which is older than the staleness window, is
// cleared; only that exact claim is removed.
func (c *Controller) RecoverStale(ctx context.Context, ch domain.ChannelName) (RecoveryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	snap, err := c.st.Get(ctx, domain.SpeakerPath(ch))
	if err != nil {
		return RecoveryResult{}, err
	}
	claim, err := decodeClaim(snap.Value)
	if err != nil {
		claim = &domain.SpeakerClaim{}
	}
	if claim == nil {
		return RecoveryResult{Outcome: RecoveryNone}, nil
	}

	reason := ""
	switch {
	case claim.HolderID == "":
		reason = ReasonExpired
	case claim.Age(c.st.ServerNow()) > c.cfg.StaleAfter:
		reason = ReasonExpired
	case c.presence != nil:
		present, err := c.presence.IsPresent(ctx, claim.HolderID)
		if err != nil {
			// Unknown presence is not evidence of absence.
			c.logger.Debug().Err(err).Str("channel", string(ch)).Msg("presence lookup failed")
		} else if !present {
			reason = ReasonHolderAbsent
		}
	}
	if reason == "" {
		return RecoveryResult{Outcome: RecoveryLive, Claim: claim}, nil
	}

	expected := snap.Value
	res, err := c.st.Transaction(ctx, domain.SpeakerPath(ch), func(cur json.RawMessage) (any, error) {
		if !sameJSON(cur, expected) {
			return nil, store.ErrAbortTransaction
		}
		return nil, nil
	})
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("clear stale claim on %s: %w", ch, err)
	}
	if !res.Committed {
		// Someone refreshed or replaced the claim in between.
		return RecoveryResult{Outcome: RecoveryLive, Claim: claim}, nil
	}
	if err := c.st.Remove(ctx, domain.StreamPath(ch)); err != nil {
		c.logger.Debug().Err(err).Str("channel", string(ch)).Msg("flush stale audio")
	}
	c.logger.Warn().Str("channel", string(ch)).Str("holder", string(claim.HolderID)).
		Str("reason", reason).Dur("age", claim.Age(c.st.ServerNow())).Msg("stale claim cleared")
	return RecoveryResult{Outcome: RecoveryCleared, Reason: reason, Claim: claim}, nil
}

func sameJSON(a, b json.RawMessage) bool {
	ca, err := jsontree.Canonical(a)
	if err != nil {
		return false
	}
	cb, err := jsontree.Canonical(b)
	return err == nil && string(ca) == string(cb)
}

// Watch reports the claim now and on every change; nil means idle.
func (c *Controller) Watch(ctx context.Context, ch domain.ChannelName, fn func(*domain.SpeakerClaim)) (store.Subscription, error) {
	return c.st.SubscribeValue(ctx, domain.SpeakerPath(ch), func(s store.Snapshot) {
		claim, err := decodeClaim(s.Value)
		if err != nil {
			c.logger.Warn().Err(err).Str("channel", string(ch)).Msg("unreadable claim")
			return
		}
		fn(claim)
	})
}
