package domain

import "time"

// SpeakerClaim is the floor record of a channel. Absent means idle.
type SpeakerClaim struct {
	HolderID   UserID `json:"holderId"`
	HolderName string `json:"holderName"`
	ClaimedAt  int64  `json:"claimedAt"`
}

func (c SpeakerClaim) Age(now time.Time) time.Duration {
	return now.Sub(FromMillis(c.ClaimedAt))
}

func (c *SpeakerClaim) HeldBy(uid UserID) bool {
	return c != nil && c.HolderID == uid
}
