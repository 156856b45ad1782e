package app

import "github.com/dkeye/ptt/internal/core"

type BackpressureAction int

// A store connection cannot skip events, so there is no drop action: the
// message that overflowed is lost either way and only kicking lets the
// client resync by reconnecting.
const (
	NoAction BackpressureAction = iota
	KickMember
)

func (a BackpressureAction) String() string {
	if a == KickMember {
		return "kick"
	}
	return "none"
}

// Policy decides what happens to a connection whose send queue is full.
type Policy interface {
	OnBackPressure(sid core.SessionID) BackpressureAction
}

// SimplePolicy kicks slow consumers. Store listeners never skip events.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.SessionID) BackpressureAction {
	return KickMember
}
