package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const MaxChatLen = 500

var (
	ErrChatEmpty   = errors.New("chat message empty")
	ErrChatTooLong = errors.New("chat message too long")
)

type ChatMessage struct {
	Key       string      `json:"-"`
	Channel   ChannelName `json:"-"`
	Text      string      `json:"text"`
	Sender    string      `json:"sender"`
	SenderID  UserID      `json:"senderId"`
	Timestamp int64       `json:"timestamp"`
}

func NormalizeChat(text string) (string, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return "", ErrChatEmpty
	}
	if utf8.RuneCountInString(t) > MaxChatLen {
		return "", ErrChatTooLong
	}
	return t, nil
}
