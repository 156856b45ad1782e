// Package notify tells the user about channel activity while the client
// is in the background. Dispatchers are fire-and-forget; nothing in the
// floor or audio path waits on them.
package notify

import (
	"context"
	"time"

	"github.com/dkeye/ptt/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindSpeakerStarted Kind = "speaker_started"
	KindAlert          Kind = "alert"
)

type Announcement struct {
	Channel domain.ChannelName `json:"channel"`
	Kind    Kind               `json:"kind"`
	Actor   string             `json:"actor"`
	Text    string             `json:"text,omitempty"`
	At      time.Time          `json:"at"`
}

//go:generate mockgen -destination=notifymock/dispatcher.go -package=notifymock github.com/dkeye/ptt/internal/notify Dispatcher

type Dispatcher interface {
	Announce(ctx context.Context, a Announcement) error
}

// Log writes announcements to the structured log.
type Log struct {
	logger zerolog.Logger
}

func NewLog() *Log {
	return &Log{logger: log.With().Str("module", "notify").Logger()}
}

func (l *Log) Announce(_ context.Context, a Announcement) error {
	l.logger.Info().
		Str("channel", string(a.Channel)).
		Str("kind", string(a.Kind)).
		Str("actor", a.Actor).
		Str("text", a.Text).
		Time("at", a.At).
		Msg("announcement")
	return nil
}
