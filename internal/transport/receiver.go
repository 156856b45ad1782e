package transport

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/audio"
	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Player is what the receiver feeds; *audio.Scheduler is the usual one.
type Player interface {
	Enqueue(samples []int16) time.Duration
	Reset()
}

// Receiver plays other users' batches from a channel's audio stream.
type Receiver struct {
	st     store.Store
	uid    domain.UserID
	player Player
	logger zerolog.Logger

	mu      sync.Mutex
	lastSeq map[domain.UserID]uint32
	played  int
	dropped int
}

func NewReceiver(st store.Store, uid domain.UserID, player Player) *Receiver {
	return &Receiver{
		st:      st,
		uid:     uid,
		player:  player,
		lastSeq: make(map[domain.UserID]uint32),
		logger:  log.With().Str("module", "transport.receiver").Str("user", string(uid)).Logger(),
	}
}

// Start listens on ch until the returned subscription is released.
func (r *Receiver) Start(ctx context.Context, ch domain.ChannelName) (store.Subscription, error) {
	r.ResetTurn()
	return r.st.SubscribeChildAdded(ctx, domain.StreamPath(ch), r.handle)
}

// ResetTurn forgets sequence state; called when the speaker changes.
func (r *Receiver) ResetTurn() {
	r.mu.Lock()
	clear(r.lastSeq)
	r.mu.Unlock()
	if r.player != nil {
		r.player.Reset()
	}
}

func (r *Receiver) handle(s store.Snapshot) {
	var b domain.FrameBatch
	if err := s.Decode(&b); err != nil {
		r.drop(s.Key, "", err)
		return
	}
	if b.SenderID == r.uid {
		return
	}

	r.mu.Lock()
	if last, ok := r.lastSeq[b.SenderID]; ok && b.Sequence <= last {
		r.mu.Unlock()
		r.logger.Debug().Str("key", s.Key).Uint32("seq", b.Sequence).Uint32("last", last).Msg("out of order batch")
		return
	}
	r.lastSeq[b.SenderID] = b.Sequence
	r.mu.Unlock()

	samples, err := audio.DecodeBatch(b.Payload)
	if err != nil {
		r.drop(s.Key, b.SenderID, err)
		return
	}
	if r.player != nil && len(samples) > 0 {
		r.player.Enqueue(samples)
	}
	r.mu.Lock()
	r.played++
	r.mu.Unlock()
}

func (r *Receiver) drop(key string, sender domain.UserID, err error) {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
	r.logger.Warn().Err(err).Str("key", key).Str("sender", string(sender)).Msg("dropping undecodable batch")
}

// Stats reports how many batches were played and dropped.
func (r *Receiver) Stats() (played, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.played, r.dropped
}
