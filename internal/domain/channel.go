package domain

import (
	"errors"
	"regexp"
)

type ChannelName string

const DefaultChannel ChannelName = "main"

// DefaultChannels is the list offered to clients; any valid name works.
var DefaultChannels = []ChannelName{"main", "channel2", "channel3", "channel4"}

var ErrChannelInvalid = errors.New("channel name invalid")

var channelRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

func (c ChannelName) Validate() error {
	if !channelRe.MatchString(string(c)) {
		return ErrChannelInvalid
	}
	return nil
}
