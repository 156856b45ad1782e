package domain

import "time"

type Presence struct {
	UserID         UserID      `json:"-"`
	DisplayName    string      `json:"displayName"`
	Online         bool        `json:"online"`
	CurrentChannel ChannelName `json:"currentChannel"`
	HeartbeatTime  int64       `json:"heartbeatTime"`
}

// Alive reports whether the record is online and fresh at now.
func (p Presence) Alive(now time.Time, staleAfter time.Duration) bool {
	if !p.Online {
		return false
	}
	return now.Sub(FromMillis(p.HeartbeatTime)) <= staleAfter
}
