// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 128
	MinDisplayNameLen = 2
	MaxDisplayNameLen = 20
)

var (
	ErrDisplayNameEmpty    = errors.New("display name empty")
	ErrDisplayNameTooShort = errors.New("display name too short")
	ErrDisplayNameTooLong  = errors.New("display name too long")
	ErrUserIDInvalid       = errors.New("user id invalid")
)

type UserID string

type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(displayName string) (*User, error) {
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	return &User{ID: UserID(uuid.NewString()), DisplayName: name}, nil
}

func NormalizeDisplayName(displayName string) (string, error) {
	name := strings.TrimSpace(displayName)
	n := utf8.RuneCountInString(name)
	switch {
	case n == 0:
		return "", ErrDisplayNameEmpty
	case n < MinDisplayNameLen:
		return "", ErrDisplayNameTooShort
	case n > MaxDisplayNameLen:
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}

// Validate checks that the id can be used as a store path segment.
func (id UserID) Validate() error {
	if id == "" || len(id) > MaxUserIDLen || strings.ContainsAny(string(id), "/.#$[]") {
		return ErrUserIDInvalid
	}
	return nil
}
